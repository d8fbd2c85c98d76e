package flow

import (
	"fmt"
	"strings"
)

// Flow names
const (
	FlowCloseBid       = "close_bid"
	FlowCancelShipment = "cancel_shipment"
	FlowRejectOffer    = "reject_offer"
	FlowPlaceOffer     = "place_offer"
	FlowExtendDeadline = "extend_deadline"
)

// Step names, in execution order per flow
const (
	StepFetchWinningOfferMeta = "fetch_winning_offer_meta"
	StepUpdateShipment        = "update_shipment"
	StepMarkOfferAccepted     = "mark_offer_accepted"
	StepRejectSiblingOffers   = "reject_sibling_offers"
	StepNotifyAgents          = "notify_agents"
	StepInsertOffer           = "insert_offer"
	StepRejectOffer           = "reject_offer"
	StepExtendDeadline        = "extend_deadline"
)

// PartialError reports a flow that applied some steps before failing.
// The underlying records are inconsistent until reconciled or retried;
// callers must surface it as "completed with warnings", not as a plain
// failure.
type PartialError struct {
	Flow       string
	FlowID     string
	Completed  []string
	FailedStep string
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("flow %s (%s) failed at step %s after completing [%s]: %v",
		e.Flow, e.FlowID, e.FailedStep, strings.Join(e.Completed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
