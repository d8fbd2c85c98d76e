package flow

import (
	"context"
	"fmt"
	"time"

	"logbid/internal/core"
	"logbid/internal/notify"
	apperrors "logbid/pkg/errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PlaceOfferRequest carries an agent's bid against an open shipment
type PlaceOfferRequest struct {
	Shipment  core.Shipment
	AgentID   string
	AgentCode string
	Price     decimal.Decimal
	Details   map[string]any
}

// PlaceOfferResult reports the stored offer
type PlaceOfferResult struct {
	FlowID               string
	Offer                *core.Offer
	NotificationAttempts int
}

// PlaceOffer inserts a pending offer for an agent and notifies the
// importer best-effort. Guards run on the caller-supplied shipment row
// before the backend is contacted.
func (r *Runner) PlaceOffer(ctx context.Context, req PlaceOfferRequest) (*PlaceOfferResult, error) {
	ctx, span := r.tracer.Start(ctx, "PlaceOffer",
		trace.WithAttributes(
			attribute.String("shipment_uuid", req.Shipment.UUID),
			attribute.String("agent_code", req.AgentCode),
		),
	)
	defer span.End()

	if req.Shipment.UUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", apperrors.ErrValidation)
	}
	if req.AgentID == req.Shipment.UserID {
		return nil, fmt.Errorf("%w: importer cannot bid on their own shipment", apperrors.ErrValidation)
	}
	if req.Shipment.Status != core.ShipmentActive {
		return nil, fmt.Errorf("%w: shipment %s is %s and no longer accepts offers",
			apperrors.ErrValidation, req.Shipment.UUID, req.Shipment.Status)
	}
	if !req.Shipment.ExpirationDate.IsZero() && time.Now().After(req.Shipment.ExpirationDate) {
		return nil, fmt.Errorf("%w: bidding on shipment %s has closed", apperrors.ErrValidation, req.Shipment.UUID)
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: offer price must be positive, got %s", apperrors.ErrValidation, req.Price.String())
	}

	flowID := newFlowID("")
	r.startedCounter.Add(ctx, 1, r.flowAttrs(FlowPlaceOffer))

	if err := ctx.Err(); err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowPlaceOffer))
		return nil, fmt.Errorf("flow cancelled before applying writes: %w", err)
	}

	offer, err := r.gateway.InsertOffer(ctx, core.Offer{
		ShipmentID: req.Shipment.ID,
		AgentID:    req.AgentID,
		AgentCode:  req.AgentCode,
		Price:      req.Price,
		Status:     core.OfferPending,
		Details:    req.Details,
	})
	if err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowPlaceOffer))
		return nil, fmt.Errorf("insert offer: %w", err)
	}

	n := notify.NewOffer(&req.Shipment, offer)
	attempts := r.fanout.Deliver(context.WithoutCancel(ctx), []core.Notification{n})

	r.invalidateShipmentKeys()
	r.completedCounter.Add(ctx, 1, r.flowAttrs(FlowPlaceOffer))
	r.logger.Info("Offer placed",
		"flow", FlowPlaceOffer,
		"flow_id", flowID,
		"shipment_uuid", req.Shipment.UUID,
		"offer_uuid", offer.UUID,
		"price", offer.Price.String())

	return &PlaceOfferResult{
		FlowID:               flowID,
		Offer:                offer,
		NotificationAttempts: attempts,
	}, nil
}
