package flow

import (
	"context"
	"fmt"

	"logbid/internal/core"
	"logbid/internal/notify"
	apperrors "logbid/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// closeBidOrder lists the mutating steps of the flow, used to resume
// after a recorded progress marker.
var closeBidOrder = []string{
	StepUpdateShipment,
	StepMarkOfferAccepted,
	StepRejectSiblingOffers,
}

// CloseBidRequest carries the caller's view of the shipment being
// closed and the offer that won.
type CloseBidRequest struct {
	Shipment         core.Shipment
	WinningOfferUUID string

	// FlowID resumes a previously partially-failed run; leave empty for
	// a fresh flow.
	FlowID string
}

// CloseBidResult reports what a completed flow applied
type CloseBidResult struct {
	FlowID               string
	Shipment             *core.Shipment
	WinningOffer         *core.Offer
	RejectedSiblings     int
	NotificationAttempts int
}

// CloseBid awards a shipment to one offer: the shipment is closed with
// the winning agent's code recorded, the winning offer is accepted,
// every sibling offer is rejected, and each offering agent is notified
// best-effort. Steps run strictly in order; a failure after the
// shipment update is reported as a PartialError so the caller can
// distinguish reconciliation-needed outcomes from clean aborts.
func (r *Runner) CloseBid(ctx context.Context, req CloseBidRequest) (*CloseBidResult, error) {
	ctx, span := r.tracer.Start(ctx, "CloseBid",
		trace.WithAttributes(
			attribute.String("shipment_uuid", req.Shipment.UUID),
			attribute.String("offer_uuid", req.WinningOfferUUID),
		),
	)
	defer span.End()

	if req.Shipment.UUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}
	if req.WinningOfferUUID == "" {
		return nil, fmt.Errorf("%w: winning offer uuid is required", apperrors.ErrValidation)
	}

	flowID := newFlowID(req.FlowID)
	resumeFrom := ""
	if req.FlowID != "" {
		resumeFrom = r.lastStep(ctx, flowID)
	}

	// A resumed flow already closed the shipment, so the Active guard
	// only applies to fresh runs.
	if resumeFrom == "" && req.Shipment.Status != core.ShipmentActive {
		return nil, fmt.Errorf("%w: shipment %s is %s, only active shipments can be closed",
			apperrors.ErrValidation, req.Shipment.UUID, req.Shipment.Status)
	}

	r.startedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
	log := r.logger.WithFields(map[string]interface{}{
		"flow":          FlowCloseBid,
		"flow_id":       flowID,
		"shipment_uuid": req.Shipment.UUID,
	})

	var completed []string
	if resumeFrom != "" {
		completed = completedUpTo(closeBidOrder, resumeFrom)
		log.Info("Resuming flow after recorded progress", "last_step", resumeFrom)
	}

	partial := func(step string, err error) error {
		r.partialCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
		// Records already mutated: readers must re-fetch
		r.invalidateShipmentKeys()
		p := &PartialError{
			Flow:       FlowCloseBid,
			FlowID:     flowID,
			Completed:  completed,
			FailedStep: step,
			Err:        err,
		}
		r.alertPartial(context.WithoutCancel(ctx), p)
		return p
	}

	// Step 1: read the accepted offer's metadata. Read-only, so any
	// failure here aborts with no side effects.
	winners, err := r.gateway.QueryOffers(ctx, core.Filters{"uuid": req.WinningOfferUUID})
	if err != nil {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
		return nil, fmt.Errorf("fetch winning offer meta: %w", err)
	}
	if len(winners) == 0 {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
		return nil, fmt.Errorf("%w: offer %s", apperrors.ErrNotFound, req.WinningOfferUUID)
	}
	winner := winners[0]
	if winner.ShipmentID != req.Shipment.ID {
		r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
		return nil, fmt.Errorf("%w: offer %s does not belong to shipment %s",
			apperrors.ErrValidation, req.WinningOfferUUID, req.Shipment.UUID)
	}
	completed = appendStep(completed, StepFetchWinningOfferMeta)

	// Step 2: close the shipment and record the winner. A failure here
	// still aborts cleanly: step 1 had no side effect.
	var shipment *core.Shipment
	if stepDone(resumeFrom, closeBidOrder, StepUpdateShipment) {
		shipment = &req.Shipment
	} else {
		if err := ctx.Err(); err != nil {
			r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
			return nil, fmt.Errorf("flow cancelled before applying writes: %w", err)
		}

		shipment, err = r.gateway.UpdateShipment(ctx, req.Shipment.UUID, core.Filters{
			"status":     string(core.ShipmentClosed),
			"agent_code": winner.AgentCode,
		})
		if err != nil {
			r.abortedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
			return nil, fmt.Errorf("update shipment: %w", err)
		}
		completed = appendStep(completed, StepUpdateShipment)
		r.markStep(ctx, flowID, FlowCloseBid, shipment.ID, StepUpdateShipment)
	}

	// Step 3: accept the winning offer. The shipment is already closed,
	// so from here on a failure is a partial one.
	acceptedOffer := &winner
	if !stepDone(resumeFrom, closeBidOrder, StepMarkOfferAccepted) {
		if err := ctx.Err(); err != nil {
			return nil, partial(StepMarkOfferAccepted, err)
		}

		acceptedOffer, err = r.gateway.UpdateOffer(ctx, req.WinningOfferUUID, core.Filters{
			"status": string(core.OfferAccepted),
		})
		if err != nil {
			return nil, partial(StepMarkOfferAccepted, err)
		}
		completed = appendStep(completed, StepMarkOfferAccepted)
		r.markStep(ctx, flowID, FlowCloseBid, shipment.ID, StepMarkOfferAccepted)
	}

	// Step 4: reject every sibling offer. Re-applying rejected to an
	// already-rejected row is a no-op by value, so retries are safe.
	rejected := 0
	if !stepDone(resumeFrom, closeBidOrder, StepRejectSiblingOffers) {
		if err := ctx.Err(); err != nil {
			return nil, partial(StepRejectSiblingOffers, err)
		}

		rejected, err = r.gateway.UpdateOffersWhere(ctx,
			core.Filters{
				"shipment_id": req.Shipment.ID,
				"uuid":        core.Neq{Value: req.WinningOfferUUID},
			},
			core.Filters{"status": string(core.OfferRejected)},
		)
		if err != nil {
			return nil, partial(StepRejectSiblingOffers, err)
		}
		completed = appendStep(completed, StepRejectSiblingOffers)
		r.markStep(ctx, flowID, FlowCloseBid, shipment.ID, StepRejectSiblingOffers)
	}

	// Step 5: best-effort fan-out to every agent who made an offer.
	// Failures here are swallowed; steps 1-4 success is reported either
	// way. The fan-out runs on a detached context so an abandoning
	// caller cannot sever it mid-write.
	attempts := r.notifyCloseOutcome(context.WithoutCancel(ctx), shipment, acceptedOffer)

	r.invalidateShipmentKeys()
	r.clearProgress(ctx, flowID)
	r.completedCounter.Add(ctx, 1, r.flowAttrs(FlowCloseBid))
	log.Info("Bid closed",
		"winner_agent", acceptedOffer.AgentCode,
		"rejected_siblings", rejected,
		"notification_attempts", attempts)

	return &CloseBidResult{
		FlowID:               flowID,
		Shipment:             shipment,
		WinningOffer:         acceptedOffer,
		RejectedSiblings:     rejected,
		NotificationAttempts: attempts,
	}, nil
}

// notifyCloseOutcome builds one notification per distinct offering
// agent: offer_accepted for the winner, offer_rejected for the rest.
// Any failure, including the recipients query itself, is logged and
// swallowed.
func (r *Runner) notifyCloseOutcome(ctx context.Context, shipment *core.Shipment, winner *core.Offer) int {
	offers, err := r.gateway.QueryOffers(ctx, core.Filters{"shipment_id": shipment.ID})
	if err != nil {
		r.logger.Error("Failed to load recipients for close-bid fan-out", "shipment_uuid", shipment.UUID, "error", err)
		return 0
	}

	seen := make(map[string]struct{}, len(offers))
	notifications := make([]core.Notification, 0, len(offers))
	for i := range offers {
		o := offers[i]
		if o.AgentID == "" || o.AgentID == shipment.UserID {
			continue
		}
		if _, ok := seen[o.AgentID]; ok {
			continue
		}
		seen[o.AgentID] = struct{}{}

		if o.AgentID == winner.AgentID {
			notifications = append(notifications, notify.OfferAccepted(shipment, winner))
		} else {
			notifications = append(notifications, notify.OfferRejected(shipment, &o))
		}
	}

	return r.fanout.Deliver(ctx, notifications)
}

// appendStep adds a step name if it is not already recorded
func appendStep(completed []string, step string) []string {
	for _, s := range completed {
		if s == step {
			return completed
		}
	}
	return append(completed, step)
}

// stepDone reports whether a resumed flow already completed the step
func stepDone(resumeFrom string, order []string, step string) bool {
	if resumeFrom == "" {
		return false
	}
	for _, s := range order {
		if s == step {
			return true
		}
		if s == resumeFrom {
			return false
		}
	}
	return false
}

// completedUpTo lists every step up to and including the marker
func completedUpTo(order []string, last string) []string {
	var completed []string
	for _, s := range order {
		completed = append(completed, s)
		if s == last {
			break
		}
	}
	return completed
}
