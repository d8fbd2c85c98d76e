package flow

import (
	"context"
	"fmt"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RejectOfferRequest identifies one offer to turn down without closing
// the shipment.
type RejectOfferRequest struct {
	Shipment  core.Shipment
	OfferUUID string
}

// RejectOfferResult reports the applied rejection
type RejectOfferResult struct {
	FlowID string
	Offer  *core.Offer
}

// RejectOffer marks a single offer rejected while bidding stays open.
// No notification goes out here; agents learn about rejections when a
// bid closes. Rejecting an already-rejected offer re-applies the same
// value and is not an error.
func (r *Runner) RejectOffer(ctx context.Context, req RejectOfferRequest) (*RejectOfferResult, error) {
	ctx, span := r.tracer.Start(ctx, "RejectOffer",
		trace.WithAttributes(
			attribute.String("shipment_uuid", req.Shipment.UUID),
			attribute.String("offer_uuid", req.OfferUUID),
		),
	)
	defer span.End()

	if req.OfferUUID == "" {
		return nil, fmt.Errorf("%w: offer uuid is required", apperrors.ErrValidation)
	}
	if req.Shipment.Status != core.ShipmentActive {
		return nil, fmt.Errorf("%w: shipment %s is %s, offers can only be rejected while bidding is open",
			apperrors.ErrValidation, req.Shipment.UUID, req.Shipment.Status)
	}

	flowID := newFlowID("")
	r.startedCounter.Add(ctx, 1, r.flowAttrs(FlowRejectOffer))

	if err := ctx.Err(); err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowRejectOffer))
		return nil, fmt.Errorf("flow cancelled before applying writes: %w", err)
	}

	offer, err := r.gateway.UpdateOffer(ctx, req.OfferUUID, core.Filters{
		"status": string(core.OfferRejected),
	})
	if err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowRejectOffer))
		return nil, fmt.Errorf("reject offer: %w", err)
	}
	if offer.ShipmentID != req.Shipment.ID {
		r.logger.Warn("Rejected offer belongs to a different shipment than the caller supplied",
			"offer_uuid", offer.UUID, "offer_shipment_id", offer.ShipmentID, "request_shipment_id", req.Shipment.ID)
	}

	r.invalidateShipmentKeys()
	r.completedCounter.Add(ctx, 1, r.flowAttrs(FlowRejectOffer))
	r.logger.Info("Offer rejected",
		"flow", FlowRejectOffer,
		"flow_id", flowID,
		"offer_uuid", offer.UUID)

	return &RejectOfferResult{
		FlowID: flowID,
		Offer:  offer,
	}, nil
}
