package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"logbid/internal/cache"
	"logbid/internal/core"
	"logbid/internal/mock"
	apperrors "logbid/pkg/errors"
	"logbid/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *mock.Gateway) {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")
	gw := mock.NewGateway()
	qc := cache.New(logger, cache.WithDefaultFreshness(time.Minute))
	return NewService(gw, qc, logger), gw
}

func seedInbox(t *testing.T, gw *mock.Gateway, userID string, unread, read int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < unread; i++ {
		require.NoError(t, gw.InsertNotification(ctx, core.Notification{
			ID: fmt.Sprintf("%s-unread-%d", userID, i), UserID: userID, Type: core.NotifyNewOffer,
		}))
	}
	for i := 0; i < read; i++ {
		require.NoError(t, gw.InsertNotification(ctx, core.Notification{
			ID: fmt.Sprintf("%s-read-%d", userID, i), UserID: userID, Type: core.NotifyNewOffer, IsRead: true,
		}))
	}
}

func TestList_ServedThroughCache(t *testing.T) {
	svc, gw := newTestService(t)
	seedInbox(t, gw, "importer-1", 2, 1)

	first, err := svc.List(context.Background(), "importer-1")
	require.NoError(t, err)
	assert.Len(t, first, 3)

	// Repeated reads hit the cache, not the backend
	_, err = svc.List(context.Background(), "importer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.CallCount("QueryNotifications"))
}

func TestList_RequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.List(context.Background(), "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUnreadCount(t *testing.T) {
	svc, gw := newTestService(t)
	seedInbox(t, gw, "importer-1", 2, 3)

	count, err := svc.UnreadCount(context.Background(), "importer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMarkRead_InvalidatesListing(t *testing.T) {
	svc, gw := newTestService(t)
	seedInbox(t, gw, "importer-1", 1, 0)

	_, err := svc.List(context.Background(), "importer-1")
	require.NoError(t, err)

	target := gw.Notifications()[0]
	require.NoError(t, svc.MarkRead(context.Background(), "importer-1", target.ID))

	// The next read refetches and sees the row flipped
	count, err := svc.UnreadCount(context.Background(), "importer-1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 2, gw.CallCount("QueryNotifications"))
}

func TestMarkAllRead(t *testing.T) {
	svc, gw := newTestService(t)
	seedInbox(t, gw, "importer-1", 3, 1)
	seedInbox(t, gw, "agent-a", 2, 0)

	require.NoError(t, svc.MarkAllRead(context.Background(), "importer-1"))

	count, err := svc.UnreadCount(context.Background(), "importer-1")
	require.NoError(t, err)
	assert.Zero(t, count, "every row for the user flips to read")

	count, err = svc.UnreadCount(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "other users' inboxes are untouched")
}
