package flow

import (
	"context"
	"fmt"
	"time"

	"logbid/internal/core"
	"logbid/internal/notify"
	apperrors "logbid/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CancelShipmentRequest carries the caller's view of the shipment being
// withdrawn from bidding.
type CancelShipmentRequest struct {
	Shipment core.Shipment
}

// CancelShipmentResult reports the applied cancellation
type CancelShipmentResult struct {
	FlowID               string
	Shipment             *core.Shipment
	NotificationAttempts int
}

// CancelShipment withdraws an active shipment from bidding and notifies
// every agent who had an offer on it. The status guard runs on the
// caller-supplied row before the backend is contacted: a non-active
// shipment is rejected without any remote call. The single write either
// applies or it does not, so this flow never partially fails.
func (r *Runner) CancelShipment(ctx context.Context, req CancelShipmentRequest) (*CancelShipmentResult, error) {
	ctx, span := r.tracer.Start(ctx, "CancelShipment",
		trace.WithAttributes(attribute.String("shipment_uuid", req.Shipment.UUID)),
	)
	defer span.End()

	if req.Shipment.UUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}
	if req.Shipment.Status != core.ShipmentActive {
		return nil, fmt.Errorf("%w: shipment %s is %s and cannot be cancelled",
			apperrors.ErrValidation, req.Shipment.UUID, req.Shipment.Status)
	}
	if !req.Shipment.ExpirationDate.IsZero() && time.Now().After(req.Shipment.ExpirationDate) {
		return nil, fmt.Errorf("%w: shipment %s already expired", apperrors.ErrValidation, req.Shipment.UUID)
	}

	flowID := newFlowID("")
	r.startedCounter.Add(ctx, 1, r.flowAttrs(FlowCancelShipment))

	if err := ctx.Err(); err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCancelShipment))
		return nil, fmt.Errorf("flow cancelled before applying writes: %w", err)
	}

	shipment, err := r.gateway.UpdateShipment(ctx, req.Shipment.UUID, core.Filters{
		"status": string(core.ShipmentCancelled),
	})
	if err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCancelShipment))
		return nil, fmt.Errorf("cancel shipment: %w", err)
	}

	attempts := r.notifyCancellation(context.WithoutCancel(ctx), shipment)

	r.invalidateShipmentKeys()
	r.completedCounter.Add(ctx, 1, r.flowAttrs(FlowCancelShipment))
	r.logger.Info("Shipment cancelled",
		"flow", FlowCancelShipment,
		"flow_id", flowID,
		"shipment_uuid", shipment.UUID,
		"notification_attempts", attempts)

	return &CancelShipmentResult{
		FlowID:               flowID,
		Shipment:             shipment,
		NotificationAttempts: attempts,
	}, nil
}

func (r *Runner) notifyCancellation(ctx context.Context, shipment *core.Shipment) int {
	offers, err := r.gateway.QueryOffers(ctx, core.Filters{"shipment_id": shipment.ID})
	if err != nil {
		r.logger.Error("Failed to load recipients for cancellation fan-out", "shipment_uuid", shipment.UUID, "error", err)
		return 0
	}

	agents := notify.DistinctAgents(offers, shipment.UserID)
	notifications := make([]core.Notification, 0, len(agents))
	for _, agentID := range agents {
		notifications = append(notifications, notify.ShipmentCancelled(shipment, agentID))
	}

	return r.fanout.Deliver(ctx, notifications)
}
