package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelShipment_GuardFailsWithoutBackendContact(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)
	shipment.Status = core.ShipmentCancelled

	_, err := f.runner.CancelShipment(context.Background(), CancelShipmentRequest{Shipment: shipment})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, f.gw.Calls(), "a rejected cancellation must not touch the backend")
}

func TestCancelShipment_ExpiredShipmentRejected(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)
	shipment.ExpirationDate = time.Now().Add(-time.Hour)

	_, err := f.runner.CancelShipment(context.Background(), CancelShipmentRequest{Shipment: shipment})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, f.gw.Calls())
}

func TestCancelShipment_NotifiesDistinctAgentsOnce(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	// agent-a bids twice; only one cancellation notice goes out
	f.gw.AddOffer(core.Offer{
		UUID:       "offer-3",
		ShipmentID: shipment.ID,
		AgentID:    "agent-a",
		AgentCode:  "AG-A",
		Price:      decimal.NewFromInt(1750),
		Status:     core.OfferPending,
	})

	result, err := f.runner.CancelShipment(context.Background(), CancelShipmentRequest{Shipment: shipment})
	require.NoError(t, err)

	assert.Equal(t, core.ShipmentCancelled, result.Shipment.Status)
	assert.Equal(t, 2, result.NotificationAttempts, "one notice per distinct agent")

	perUser := map[string]int{}
	for _, n := range f.gw.Notifications() {
		require.Equal(t, core.NotifyShipmentCancelled, n.Type)
		perUser[n.UserID]++
	}
	assert.Equal(t, map[string]int{"agent-a": 1, "agent-b": 1}, perUser)
}

func TestCancelShipment_UpdateFailureAbortsCleanly(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	f.gw.FailWith("UpdateShipment", errors.New("backend down"))

	_, err := f.runner.CancelShipment(context.Background(), CancelShipmentRequest{Shipment: shipment})
	require.Error(t, err)

	var partial *PartialError
	assert.False(t, errors.As(err, &partial), "single-write flow never partially fails")
	assert.Empty(t, f.gw.Notifications())
}

func TestRejectOffer_MarksRejectedWithoutFanout(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, o2 := seedBiddingScenario(f)
	seedCacheEntry(t, f.cache, core.Key{"shipment", shipment.UUID})

	result, err := f.runner.RejectOffer(context.Background(), RejectOfferRequest{
		Shipment:  shipment,
		OfferUUID: o2.UUID,
	})
	require.NoError(t, err)

	assert.Equal(t, core.OfferRejected, result.Offer.Status)
	assert.Equal(t, core.OfferRejected, f.gw.Offer(o2.UUID).Status)

	// Bidding stays open
	assert.Equal(t, core.ShipmentActive, f.gw.Shipment(shipment.UUID).Status)
	assert.Equal(t, 0, f.cache.Len())

	// Rejection notices go out only when a bid closes
	assert.Empty(t, f.gw.Notifications())
	assert.Equal(t, 0, f.gw.CallCount("InsertNotification"))
}

func TestRejectOffer_AlreadyRejectedIsIdempotent(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, o2 := seedBiddingScenario(f)

	for i := 0; i < 2; i++ {
		_, err := f.runner.RejectOffer(context.Background(), RejectOfferRequest{
			Shipment:  shipment,
			OfferUUID: o2.UUID,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, core.OfferRejected, f.gw.Offer(o2.UUID).Status)
}

func TestRejectOffer_ClosedShipmentRejected(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, o2 := seedBiddingScenario(f)
	shipment.Status = core.ShipmentClosed

	_, err := f.runner.RejectOffer(context.Background(), RejectOfferRequest{
		Shipment:  shipment,
		OfferUUID: o2.UUID,
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, f.gw.Calls())
}

func TestPlaceOffer_InsertsPendingAndNotifiesImporter(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	result, err := f.runner.PlaceOffer(context.Background(), PlaceOfferRequest{
		Shipment:  shipment,
		AgentID:   "agent-c",
		AgentCode: "AG-C",
		Price:     decimal.NewFromInt(1600),
	})
	require.NoError(t, err)

	assert.Equal(t, core.OfferPending, result.Offer.Status)
	assert.Equal(t, shipment.ID, result.Offer.ShipmentID)
	assert.Equal(t, 1, result.NotificationAttempts)

	notes := f.gw.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "importer-1", notes[0].UserID)
	assert.Equal(t, core.NotifyNewOffer, notes[0].Type)
}

func TestPlaceOffer_Guards(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	cases := []struct {
		name string
		req  PlaceOfferRequest
	}{
		{"own shipment", PlaceOfferRequest{Shipment: shipment, AgentID: "importer-1", Price: decimal.NewFromInt(100)}},
		{"zero price", PlaceOfferRequest{Shipment: shipment, AgentID: "agent-c", Price: decimal.Zero}},
		{"negative price", PlaceOfferRequest{Shipment: shipment, AgentID: "agent-c", Price: decimal.NewFromInt(-5)}},
		{"missing agent", PlaceOfferRequest{Shipment: shipment, Price: decimal.NewFromInt(100)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.runner.PlaceOffer(context.Background(), tc.req)
			require.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	expired := shipment
	expired.ExpirationDate = time.Now().Add(-time.Minute)
	_, err := f.runner.PlaceOffer(context.Background(), PlaceOfferRequest{
		Shipment: expired, AgentID: "agent-c", Price: decimal.NewFromInt(100),
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Zero(t, f.gw.CallCount("InsertOffer"))
}

func TestExtendDeadline_UpdatesAndNotifiesAgents(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	newDeadline := shipment.ExpirationDate.Add(72 * time.Hour)
	result, err := f.runner.ExtendDeadline(context.Background(), ExtendDeadlineRequest{
		Shipment:    shipment,
		NewDeadline: newDeadline,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NotificationAttempts)

	for _, n := range f.gw.Notifications() {
		assert.Equal(t, core.NotifyDeadlineExtended, n.Type)
	}
}

func TestExtendDeadline_MustMoveForward(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	// Earlier than the current deadline
	_, err := f.runner.ExtendDeadline(context.Background(), ExtendDeadlineRequest{
		Shipment:    shipment,
		NewDeadline: shipment.ExpirationDate.Add(-time.Hour),
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	// In the past outright
	_, err = f.runner.ExtendDeadline(context.Background(), ExtendDeadlineRequest{
		Shipment:    shipment,
		NewDeadline: time.Now().Add(-time.Hour),
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Empty(t, f.gw.Calls())
}
