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

// ExtendDeadlineRequest moves an active shipment's bidding deadline forward
type ExtendDeadlineRequest struct {
	Shipment    core.Shipment
	NewDeadline time.Time
}

// ExtendDeadlineResult reports the applied extension
type ExtendDeadlineResult struct {
	FlowID               string
	Shipment             *core.Shipment
	NotificationAttempts int
}

// ExtendDeadline pushes the expiration date of an active shipment to a
// later point and notifies every offering agent best-effort. The new
// deadline must be in the future and strictly later than the current one.
func (r *Runner) ExtendDeadline(ctx context.Context, req ExtendDeadlineRequest) (*ExtendDeadlineResult, error) {
	ctx, span := r.tracer.Start(ctx, "ExtendDeadline",
		trace.WithAttributes(attribute.String("shipment_uuid", req.Shipment.UUID)),
	)
	defer span.End()

	if req.Shipment.UUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}
	if req.Shipment.Status != core.ShipmentActive {
		return nil, fmt.Errorf("%w: shipment %s is %s, only active shipments can be extended",
			apperrors.ErrValidation, req.Shipment.UUID, req.Shipment.Status)
	}
	if !req.NewDeadline.After(time.Now()) {
		return nil, fmt.Errorf("%w: new deadline must be in the future", apperrors.ErrValidation)
	}
	if !req.NewDeadline.After(req.Shipment.ExpirationDate) {
		return nil, fmt.Errorf("%w: new deadline must be later than the current one", apperrors.ErrValidation)
	}

	flowID := newFlowID("")
	r.startedCounter.Add(ctx, 1, r.flowAttrs(FlowExtendDeadline))

	if err := ctx.Err(); err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowExtendDeadline))
		return nil, fmt.Errorf("flow cancelled before applying writes: %w", err)
	}

	shipment, err := r.gateway.UpdateShipment(ctx, req.Shipment.UUID, core.Filters{
		"expiration_date": req.NewDeadline.UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowExtendDeadline))
		return nil, fmt.Errorf("extend deadline: %w", err)
	}

	attempts := r.notifyExtension(context.WithoutCancel(ctx), shipment, req.NewDeadline)

	r.invalidateShipmentKeys()
	r.completedCounter.Add(ctx, 1, r.flowAttrs(FlowExtendDeadline))
	r.logger.Info("Deadline extended",
		"flow", FlowExtendDeadline,
		"flow_id", flowID,
		"shipment_uuid", shipment.UUID,
		"new_deadline", req.NewDeadline.UTC().Format(time.RFC3339),
		"notification_attempts", attempts)

	return &ExtendDeadlineResult{
		FlowID:               flowID,
		Shipment:             shipment,
		NotificationAttempts: attempts,
	}, nil
}

func (r *Runner) notifyExtension(ctx context.Context, shipment *core.Shipment, newDeadline time.Time) int {
	offers, err := r.gateway.QueryOffers(ctx, core.Filters{"shipment_id": shipment.ID})
	if err != nil {
		r.logger.Error("Failed to load recipients for deadline fan-out", "shipment_uuid", shipment.UUID, "error", err)
		return 0
	}

	agents := notify.DistinctAgents(offers, shipment.UserID)
	notifications := make([]core.Notification, 0, len(agents))
	for _, agentID := range agents {
		notifications = append(notifications, notify.DeadlineExtended(shipment, agentID, newDeadline))
	}

	return r.fanout.Deliver(ctx, notifications)
}
