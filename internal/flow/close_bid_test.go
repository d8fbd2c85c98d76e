package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logbid/internal/cache"
	"logbid/internal/core"
	"logbid/internal/mock"
	"logbid/internal/notify"
	apperrors "logbid/pkg/errors"
	"logbid/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memProgress is an in-memory core.IProgressStore for resume tests
type memProgress struct {
	mu    sync.Mutex
	steps map[string]string
}

func newMemProgress() *memProgress {
	return &memProgress{steps: make(map[string]string)}
}

func (m *memProgress) Record(ctx context.Context, flowID, flowName string, shipmentID int64, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[flowID] = step
	return nil
}

func (m *memProgress) LastStep(ctx context.Context, flowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[flowID], nil
}

func (m *memProgress) Clear(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.steps, flowID)
	return nil
}

type flowFixture struct {
	gw     *mock.Gateway
	cache  *cache.QueryCache
	fanout *notify.Fanout
	runner *Runner
}

func newFlowFixture(t *testing.T, opts ...Option) *flowFixture {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")

	gw := mock.NewGateway()
	qc := cache.New(logger, cache.WithDefaultFreshness(time.Minute))
	fo := notify.NewFanout(gw, 4, 64, time.Second, logger)
	t.Cleanup(fo.Stop)

	return &flowFixture{
		gw:     gw,
		cache:  qc,
		fanout: fo,
		runner: NewRunner(gw, qc, fo, logger, opts...),
	}
}

func seedBiddingScenario(f *flowFixture) (core.Shipment, core.Offer, core.Offer) {
	shipment := f.gw.AddShipment(core.Shipment{
		UUID:           "ship-1",
		UserID:         "importer-1",
		Status:         core.ShipmentActive,
		Origin:         "Shanghai",
		Destination:    "Valparaiso",
		Currency:       "USD",
		MarketID:       5,
		ExpirationDate: time.Now().Add(48 * time.Hour),
	})
	o1 := f.gw.AddOffer(core.Offer{
		UUID:       "offer-1",
		ShipmentID: shipment.ID,
		AgentID:    "agent-a",
		AgentCode:  "AG-A",
		Price:      decimal.NewFromInt(1890),
		Status:     core.OfferPending,
	})
	o2 := f.gw.AddOffer(core.Offer{
		UUID:       "offer-2",
		ShipmentID: shipment.ID,
		AgentID:    "agent-b",
		AgentCode:  "AG-B",
		Price:      decimal.NewFromInt(2100),
		Status:     core.OfferPending,
	})
	return shipment, o1, o2
}

func seedCacheEntry(t *testing.T, c *cache.QueryCache, key core.Key) {
	t.Helper()
	_, err := c.Read(context.Background(), key, func(ctx context.Context) (any, error) {
		return "seeded", nil
	})
	require.NoError(t, err)
}

func TestCloseBid_AwardsWinnerRejectsSiblingsNotifiesAll(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)
	seedCacheEntry(t, f.cache, core.Key{"shipments", "5", "Active"})
	seedCacheEntry(t, f.cache, core.Key{"shipment", shipment.UUID})

	result, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.NoError(t, err)

	assert.Equal(t, core.ShipmentClosed, result.Shipment.Status)
	assert.Equal(t, "AG-A", result.Shipment.AgentCode)
	assert.Equal(t, core.OfferAccepted, result.WinningOffer.Status)
	assert.Equal(t, 1, result.RejectedSiblings)
	assert.Equal(t, 2, result.NotificationAttempts)

	assert.Equal(t, core.OfferRejected, f.gw.Offer("offer-2").Status)
	assert.Equal(t, core.OfferAccepted, f.gw.Offer("offer-1").Status)

	var winnerNote, loserNote bool
	for _, n := range f.gw.Notifications() {
		switch {
		case n.UserID == "agent-a" && n.Type == core.NotifyOfferAccepted:
			winnerNote = true
		case n.UserID == "agent-b" && n.Type == core.NotifyOfferRejected:
			loserNote = true
		}
	}
	assert.True(t, winnerNote, "winner must receive offer_accepted")
	assert.True(t, loserNote, "losing agent must receive offer_rejected")

	assert.Equal(t, 0, f.cache.Len(), "shipment-scoped cache entries must be invalidated")
}

func TestCloseBid_RejectsNonActiveShipment(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)
	shipment.Status = core.ShipmentClosed

	_, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, f.gw.Calls(), "guard failures must not contact the backend")
}

func TestCloseBid_RejectsOfferFromOtherShipment(t *testing.T) {
	f := newFlowFixture(t)
	shipment, _, _ := seedBiddingScenario(f)

	other := f.gw.AddShipment(core.Shipment{UUID: "ship-2", UserID: "importer-2", Status: core.ShipmentActive})
	stray := f.gw.AddOffer(core.Offer{UUID: "offer-x", ShipmentID: other.ID, AgentID: "agent-z", Status: core.OfferPending})

	_, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: stray.UUID,
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Zero(t, f.gw.CallCount("UpdateShipment"))
}

func TestCloseBid_FailureBeforeAnyWriteAbortsCleanly(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)

	boom := errors.New("backend down")
	f.gw.FailWith("UpdateShipment", boom)

	_, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.Error(t, err)

	var partial *PartialError
	assert.False(t, errors.As(err, &partial), "a failure before the first applied write is a clean abort")
	assert.Equal(t, core.ShipmentActive, f.gw.Shipment(shipment.UUID).Status)
}

func TestCloseBid_PartialFailureAtAcceptStep(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)

	boom := errors.New("write timed out")
	f.gw.FailWith("UpdateOffer", boom)

	_, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.Error(t, err)

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, FlowCloseBid, partial.Flow)
	assert.Equal(t, StepMarkOfferAccepted, partial.FailedStep)
	assert.Contains(t, partial.Completed, StepFetchWinningOfferMeta)
	assert.Contains(t, partial.Completed, StepUpdateShipment)
	assert.ErrorIs(t, err, boom)

	// The first write already landed
	assert.Equal(t, core.ShipmentClosed, f.gw.Shipment(shipment.UUID).Status)
}

func TestCloseBid_PartialFailureAtSiblingRejection(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)

	f.gw.FailWith("UpdateOffersWhere", errors.New("conflict"))

	_, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, StepRejectSiblingOffers, partial.FailedStep)
	assert.Contains(t, partial.Completed, StepMarkOfferAccepted)
	assert.Equal(t, core.OfferAccepted, f.gw.Offer(o1.UUID).Status)
}

func TestCloseBid_ResumeSkipsCompletedSteps(t *testing.T) {
	progress := newMemProgress()
	f := newFlowFixture(t, WithProgressStore(progress))
	shipment, o1, _ := seedBiddingScenario(f)

	// A previous run closed the shipment, then failed; the caller
	// refetched the row so it arrives Closed.
	require.NoError(t, progress.Record(context.Background(), "flow-123", FlowCloseBid, shipment.ID, StepUpdateShipment))
	shipment.Status = core.ShipmentClosed
	shipment.AgentCode = "AG-A"
	_, err := f.gw.UpdateShipment(context.Background(), shipment.UUID, core.Filters{
		"status": string(core.ShipmentClosed), "agent_code": "AG-A",
	})
	require.NoError(t, err)
	before := f.gw.CallCount("UpdateShipment")

	result, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
		FlowID:           "flow-123",
	})
	require.NoError(t, err)

	assert.Equal(t, before, f.gw.CallCount("UpdateShipment"), "resumed flow must not re-run the shipment update")
	assert.Equal(t, core.OfferAccepted, f.gw.Offer(o1.UUID).Status)
	assert.Equal(t, core.OfferRejected, f.gw.Offer("offer-2").Status)
	assert.Equal(t, "flow-123", result.FlowID)

	// The marker is cleared after a clean finish
	step, err := progress.LastStep(context.Background(), "flow-123")
	require.NoError(t, err)
	assert.Empty(t, step)
}

func TestCloseBid_CancelledBeforeWritesAbortsCleanly(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.CloseBid(ctx, CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.ErrorIs(t, err, context.Canceled)

	var partial *PartialError
	assert.False(t, errors.As(err, &partial))
	assert.Zero(t, f.gw.CallCount("UpdateShipment"))
	assert.Equal(t, core.ShipmentActive, f.gw.Shipment(shipment.UUID).Status)
}

func TestCloseBid_NotificationFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFlowFixture(t)
	shipment, o1, _ := seedBiddingScenario(f)

	f.gw.FailWith("InsertNotification", errors.New("notifications table unavailable"))

	result, err := f.runner.CloseBid(context.Background(), CloseBidRequest{
		Shipment:         shipment,
		WinningOfferUUID: o1.UUID,
	})
	require.NoError(t, err, "fan-out failures must never fail the flow")
	assert.Equal(t, 2, result.NotificationAttempts, "attempts are counted even when writes fail")
	assert.Empty(t, f.gw.Notifications())
}
