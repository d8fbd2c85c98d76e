// Package realtime bridges the backend's change feed into cache
// invalidation. The feed's payload shape is not guaranteed to match
// query-shaped rows, so events are treated strictly as invalidation
// signals; the next read re-fetches through the gateway.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"logbid/internal/config"
	"logbid/internal/core"
	"logbid/pkg/concurrency"
	"logbid/pkg/telemetry"
	"logbid/pkg/websocket"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ChannelStatus is the lifecycle state of one per-table subscription
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// StatusHandler observes per-channel subscription state changes
type StatusHandler func(table string, status ChannelStatus)

// watchedTables lists the tables subscribed per market, in join order
var watchedTables = []string{"shipments", "offers", "notifications"}

const joinTimeout = 10 * time.Second

// envelope is the wire frame of the change feed
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeSpec `json:"postgres_changes"`
	} `json:"config"`
}

type changeSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type replyPayload struct {
	Status string `json:"status"`
}

type changePayload struct {
	Data struct {
		Table  string         `json:"table"`
		Type   string         `json:"type"`
		Record map[string]any `json:"record"`
	} `json:"data"`
}

type channel struct {
	table     string
	topic     string
	status    ChannelStatus
	joinRef   string
	joinTimer *time.Timer
}

// Bridge owns one feed connection and one subscription channel per
// watched table of the active market. Events invalidate cache prefixes
// off the read loop via a worker pool.
type Bridge struct {
	ws     *websocket.Client
	cache  core.ICache
	pool   *concurrency.WorkerPool
	logger core.ILogger

	mu       sync.Mutex
	marketID int64
	channels map[string]*channel // keyed by topic
	refs     map[string]string   // join ref to topic
	onStatus StatusHandler

	nextRef   atomic.Int64
	connected atomic.Bool

	eventsCounter       metric.Int64Counter
	invalidationCounter metric.Int64Counter
}

// New creates a Bridge; call Watch to subscribe a market and Start to connect
func New(cfg config.RealtimeConfig, cache core.ICache, logger core.ILogger) *Bridge {
	meter := telemetry.GetMeter("realtime-bridge")
	eventsCounter, _ := meter.Int64Counter("realtime_events_total",
		metric.WithDescription("Change-feed events received"))
	invalidationCounter, _ := meter.Int64Counter("realtime_invalidations_total",
		metric.WithDescription("Cache invalidations triggered by the change feed"))

	b := &Bridge{
		cache:               cache,
		logger:              logger.WithField("component", "realtime_bridge"),
		channels:            make(map[string]*channel),
		refs:                make(map[string]string),
		eventsCounter:       eventsCounter,
		invalidationCounter: invalidationCounter,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "realtime-dispatch",
			MaxWorkers:  cfg.DispatchPoolSize,
			MaxCapacity: cfg.DispatchPoolCapacity,
		}, logger),
	}

	ws := websocket.NewClient(cfg.URL, b.handleMessage, logger)
	ws.SetReconnectWait(time.Duration(cfg.ReconnectDelaySecs) * time.Second)
	ws.SetPingConfig(
		time.Duration(cfg.PingIntervalSecs)*time.Second,
		10*time.Second,
		time.Duration(cfg.PongWaitSecs)*time.Second,
	)
	ws.SetOnConnected(b.resubscribe)
	ws.SetOnStatus(b.handleConnState)
	b.ws = ws
	return b
}

// SetOnStatus registers the per-channel status observer
func (b *Bridge) SetOnStatus(cb StatusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatus = cb
}

// Start opens the feed connection and begins dispatching events
func (b *Bridge) Start() {
	b.ws.Start()
}

// Close tears down every channel and the connection
func (b *Bridge) Close() {
	b.mu.Lock()
	for _, ch := range b.channels {
		b.closeChannelLocked(ch)
	}
	b.channels = make(map[string]*channel)
	b.refs = make(map[string]string)
	b.mu.Unlock()

	b.ws.Stop()
	b.pool.Stop()
}

// Connected reports whether the feed connection is currently up
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Watch subscribes the watched tables of a market, replacing any
// previous market's channels. Switching markets tears the old
// subscriptions down before joining the new ones.
func (b *Bridge) Watch(marketID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.marketID == marketID && len(b.channels) > 0 {
		return
	}

	for _, ch := range b.channels {
		b.closeChannelLocked(ch)
	}
	b.channels = make(map[string]*channel)
	b.refs = make(map[string]string)
	b.marketID = marketID

	for _, table := range watchedTables {
		topic := topicFor(marketID, table)
		b.channels[topic] = &channel{table: table, topic: topic, status: StatusClosed}
	}

	if b.connected.Load() {
		b.joinAllLocked()
	}
}

// ChannelStatuses returns the current per-table subscription state
func (b *Bridge) ChannelStatuses() map[string]ChannelStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := make(map[string]ChannelStatus, len(b.channels))
	for _, ch := range b.channels {
		statuses[ch.table] = ch.status
	}
	return statuses
}

func topicFor(marketID int64, table string) string {
	return fmt.Sprintf("realtime:market:%d:%s", marketID, table)
}

// resubscribe rejoins every channel after a (re)connect
func (b *Bridge) resubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinAllLocked()
}

func (b *Bridge) joinAllLocked() {
	for _, ch := range b.channels {
		b.joinLocked(ch)
	}
}

func (b *Bridge) joinLocked(ch *channel) {
	ref := strconv.FormatInt(b.nextRef.Add(1), 10)
	ch.joinRef = ref
	b.refs[ref] = ch.topic

	var payload joinPayload
	payload.Config.PostgresChanges = []changeSpec{{
		Event:  core.EventAll,
		Schema: "public",
		Table:  ch.table,
		Filter: fmt.Sprintf("market_id=eq.%d", b.marketID),
	}}

	raw, _ := json.Marshal(payload)
	msg := envelope{Topic: ch.topic, Event: "phx_join", Ref: ref, Payload: raw}

	if err := b.ws.Send(msg); err != nil {
		b.logger.Error("Failed to send channel join", "topic", ch.topic, "error", err)
		b.setStatusLocked(ch, StatusChannelError)
		return
	}

	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	topic := ch.topic
	ch.joinTimer = time.AfterFunc(joinTimeout, func() { b.joinTimedOut(topic, ref) })
}

func (b *Bridge) joinTimedOut(topic, ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[topic]
	if !ok || ch.joinRef != ref || ch.status == StatusSubscribed {
		return
	}
	b.setStatusLocked(ch, StatusTimedOut)
}

func (b *Bridge) closeChannelLocked(ch *channel) {
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	if ch.status == StatusSubscribed {
		ref := strconv.FormatInt(b.nextRef.Add(1), 10)
		msg := envelope{Topic: ch.topic, Event: "phx_leave", Ref: ref}
		if err := b.ws.Send(msg); err != nil {
			b.logger.Debug("Failed to send channel leave", "topic", ch.topic, "error", err)
		}
	}
	b.setStatusLocked(ch, StatusClosed)
}

func (b *Bridge) setStatusLocked(ch *channel, status ChannelStatus) {
	if ch.status == status {
		return
	}
	ch.status = status
	telemetry.GetGlobalMetrics().SetRealtimeConnected(ch.table, status == StatusSubscribed)
	b.logger.Info("Channel status changed", "table", ch.table, "topic", ch.topic, "status", string(status))
	if b.onStatus != nil {
		cb := b.onStatus
		table := ch.table
		go cb(table, status)
	}
}

func (b *Bridge) handleConnState(connected bool) {
	b.connected.Store(connected)
	telemetry.GetGlobalMetrics().SetRealtimeConnected("feed", connected)

	if !connected {
		b.mu.Lock()
		for _, ch := range b.channels {
			if ch.joinTimer != nil {
				ch.joinTimer.Stop()
			}
			b.setStatusLocked(ch, StatusClosed)
		}
		b.mu.Unlock()
	}
}

// handleMessage runs on the read loop; event dispatch is pushed onto the
// worker pool so a slow invalidation never stalls the feed.
func (b *Bridge) handleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		b.logger.Warn("Discarding malformed feed frame", "error", err)
		return
	}

	switch env.Event {
	case "phx_reply":
		b.handleReply(env)
	case "phx_close":
		b.handleClose(env)
	case "postgres_changes":
		b.handleChange(env)
	case "system", "heartbeat":
		// keepalive traffic, nothing to dispatch
	default:
		b.logger.Debug("Ignoring unknown feed event", "event", env.Event, "topic", env.Topic)
	}
}

func (b *Bridge) handleReply(env envelope) {
	var reply replyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		b.logger.Warn("Discarding malformed join reply", "topic", env.Topic, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.refs[env.Ref]
	if !ok {
		return
	}
	delete(b.refs, env.Ref)

	ch, ok := b.channels[topic]
	if !ok {
		return
	}
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}

	if reply.Status == "ok" {
		b.setStatusLocked(ch, StatusSubscribed)
	} else {
		b.setStatusLocked(ch, StatusChannelError)
	}
}

func (b *Bridge) handleClose(env envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[env.Topic]; ok {
		b.setStatusLocked(ch, StatusClosed)
	}
}

func (b *Bridge) handleChange(env envelope) {
	var change changePayload
	if err := json.Unmarshal(env.Payload, &change); err != nil {
		b.logger.Warn("Discarding malformed change event", "topic", env.Topic, "error", err)
		return
	}

	event := core.ChangeEvent{
		Table:     change.Data.Table,
		EventType: change.Data.Type,
		Record:    change.Data.Record,
	}
	b.eventsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("table", event.Table),
		attribute.String("event", event.EventType),
	))

	if err := b.pool.Submit(func() { b.dispatch(event) }); err != nil {
		// Pool saturated; invalidation is cheap enough to run inline
		b.dispatch(event)
	}
}

// dispatch maps one change event to the cache prefixes it may have
// staled. Shipment and offer changes share the listing prefixes since
// offer counts ride on shipment listings.
func (b *Bridge) dispatch(event core.ChangeEvent) {
	var prefixes []core.Key

	switch event.Table {
	case "shipments":
		prefixes = []core.Key{
			{"shipments"},
			{"shipment"},
			{"bidListByMarket"},
			{"agentOfferedShipments"},
		}
	case "offers":
		prefixes = []core.Key{
			{"offer"},
			{"shipment"},
			{"shipments"},
			{"bidListByMarket"},
			{"agentOfferedShipments"},
		}
	case "notifications":
		if event.EventType != core.EventInsert && event.EventType != core.EventUpdate {
			return
		}
		prefixes = []core.Key{{"notifications"}}
	default:
		return
	}

	for _, prefix := range prefixes {
		b.cache.Invalidate(prefix)
	}
	b.invalidationCounter.Add(context.Background(), int64(len(prefixes)),
		metric.WithAttributes(attribute.String("table", event.Table)))
}
