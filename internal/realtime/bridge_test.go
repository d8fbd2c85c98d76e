package realtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"logbid/internal/config"
	"logbid/internal/core"
	"logbid/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCache captures invalidated prefixes
type recordingCache struct {
	mu       sync.Mutex
	prefixes []core.Key
}

func (c *recordingCache) Read(ctx context.Context, key core.Key, fetch core.FetchFunc) (any, error) {
	return fetch(ctx)
}

func (c *recordingCache) Invalidate(prefix core.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append(c.prefixes, prefix)
}

func (c *recordingCache) SetFreshness(key core.Key, ttlMillis int64) {}

func (c *recordingCache) invalidated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prefixes) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.prefixes))
	for _, p := range c.prefixes {
		out = append(out, strings.Join(p, "/"))
	}
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *recordingCache) {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")
	cache := &recordingCache{}

	b := New(config.RealtimeConfig{
		URL:                  "ws://feed.test.local/realtime",
		ReconnectDelaySecs:   1,
		PingIntervalSecs:     30,
		PongWaitSecs:         60,
		DispatchPoolSize:     2,
		DispatchPoolCapacity: 16,
	}, cache, logger)
	// The connection is never started; tests drive handleMessage directly.
	t.Cleanup(func() { b.pool.Stop() })
	return b, cache
}

func TestDispatch_TablePrefixMapping(t *testing.T) {
	cases := []struct {
		name  string
		event core.ChangeEvent
		want  []string
	}{
		{
			name:  "shipment change stales every shipment listing",
			event: core.ChangeEvent{Table: "shipments", EventType: core.EventUpdate},
			want:  []string{"shipments", "shipment", "bidListByMarket", "agentOfferedShipments"},
		},
		{
			name:  "offer change also stales offer lookups",
			event: core.ChangeEvent{Table: "offers", EventType: core.EventInsert},
			want:  []string{"offer", "shipment", "shipments", "bidListByMarket", "agentOfferedShipments"},
		},
		{
			name:  "notification insert stales the inbox",
			event: core.ChangeEvent{Table: "notifications", EventType: core.EventInsert},
			want:  []string{"notifications"},
		},
		{
			name:  "notification update stales the inbox",
			event: core.ChangeEvent{Table: "notifications", EventType: core.EventUpdate},
			want:  []string{"notifications"},
		},
		{
			name:  "notification delete is ignored",
			event: core.ChangeEvent{Table: "notifications", EventType: core.EventDelete},
			want:  nil,
		},
		{
			name:  "unknown table is ignored",
			event: core.ChangeEvent{Table: "profiles", EventType: core.EventUpdate},
			want:  nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, cache := newTestBridge(t)
			b.dispatch(tc.event)
			assert.Equal(t, tc.want, cache.invalidated())
		})
	}
}

func TestHandleMessage_ChangeFrameReachesCache(t *testing.T) {
	b, cache := newTestBridge(t)

	frame := []byte(`{
		"topic": "realtime:market:5:offers",
		"event": "postgres_changes",
		"payload": {"data": {"table": "offers", "type": "INSERT", "record": {"uuid": "offer-9"}}}
	}`)
	b.handleMessage(frame)

	// Dispatch rides the worker pool
	assert.Eventually(t, func() bool {
		return len(cache.invalidated()) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestHandleMessage_MalformedFrameIsDiscarded(t *testing.T) {
	b, cache := newTestBridge(t)
	b.handleMessage([]byte(`{not json`))
	b.handleMessage([]byte(`{"event": "postgres_changes", "payload": "not an object"}`))
	assert.Empty(t, cache.invalidated())
}

func TestWatch_CreatesChannelPerWatchedTable(t *testing.T) {
	b, _ := newTestBridge(t)

	b.Watch(5)

	statuses := b.ChannelStatuses()
	require.Len(t, statuses, 3)
	for _, table := range []string{"shipments", "offers", "notifications"} {
		assert.Equal(t, StatusClosed, statuses[table], "channels stay closed until the feed connects")
	}
}

func TestWatch_SameMarketIsNoOp(t *testing.T) {
	b, _ := newTestBridge(t)

	b.Watch(5)
	b.mu.Lock()
	first := b.channels[topicFor(5, "shipments")]
	b.mu.Unlock()

	b.Watch(5)
	b.mu.Lock()
	second := b.channels[topicFor(5, "shipments")]
	b.mu.Unlock()

	assert.Same(t, first, second, "rewatching the active market must not rebuild channels")
}

func TestWatch_SwitchingMarketReplacesChannels(t *testing.T) {
	b, _ := newTestBridge(t)

	b.Watch(5)
	b.Watch(9)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Nil(t, b.channels[topicFor(5, "shipments")])
	assert.NotNil(t, b.channels[topicFor(9, "shipments")])
}

func TestHandleReply_SetsSubscriptionState(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Watch(5)

	var mu sync.Mutex
	observed := map[string]ChannelStatus{}
	b.SetOnStatus(func(table string, status ChannelStatus) {
		mu.Lock()
		defer mu.Unlock()
		observed[table] = status
	})

	// Seed join refs the way joinLocked would
	b.mu.Lock()
	shipments := b.channels[topicFor(5, "shipments")]
	shipments.joinRef = "1"
	b.refs["1"] = shipments.topic
	offers := b.channels[topicFor(5, "offers")]
	offers.joinRef = "2"
	b.refs["2"] = offers.topic
	b.mu.Unlock()

	b.handleMessage([]byte(`{"topic": "realtime:market:5:shipments", "event": "phx_reply", "ref": "1", "payload": {"status": "ok"}}`))
	b.handleMessage([]byte(`{"topic": "realtime:market:5:offers", "event": "phx_reply", "ref": "2", "payload": {"status": "error"}}`))

	statuses := b.ChannelStatuses()
	assert.Equal(t, StatusSubscribed, statuses["shipments"])
	assert.Equal(t, StatusChannelError, statuses["offers"])

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return observed["shipments"] == StatusSubscribed && observed["offers"] == StatusChannelError
	}, time.Second, 5*time.Millisecond)
}

func TestHandleReply_UnknownRefIsIgnored(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Watch(5)

	b.handleMessage([]byte(`{"topic": "realtime:market:5:shipments", "event": "phx_reply", "ref": "99", "payload": {"status": "ok"}}`))
	assert.Equal(t, StatusClosed, b.ChannelStatuses()["shipments"])
}

func TestJoinTimedOut_MarksChannel(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Watch(5)

	b.mu.Lock()
	ch := b.channels[topicFor(5, "shipments")]
	ch.joinRef = "7"
	b.mu.Unlock()

	b.joinTimedOut(topicFor(5, "shipments"), "7")
	assert.Equal(t, StatusTimedOut, b.ChannelStatuses()["shipments"])
}

func TestJoinTimedOut_StaleRefIsIgnored(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Watch(5)

	b.mu.Lock()
	ch := b.channels[topicFor(5, "shipments")]
	ch.joinRef = "8"
	ch.status = StatusSubscribed
	b.mu.Unlock()

	// A timer from an older join attempt fires after a successful join
	b.joinTimedOut(topicFor(5, "shipments"), "8")
	assert.Equal(t, StatusSubscribed, b.ChannelStatuses()["shipments"])
}

func TestHandleClose_MarksChannelClosed(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Watch(5)

	b.mu.Lock()
	b.channels[topicFor(5, "offers")].status = StatusSubscribed
	b.mu.Unlock()

	b.handleMessage([]byte(`{"topic": "realtime:market:5:offers", "event": "phx_close"}`))
	assert.Equal(t, StatusClosed, b.ChannelStatuses()["offers"])
}

func TestTopicFor_Format(t *testing.T) {
	assert.Equal(t, "realtime:market:12:offers", topicFor(12, "offers"))
}
