package notify

import (
	"fmt"
	"time"

	"logbid/internal/core"
)

// routeLabel renders the origin/destination pair used in titles
func routeLabel(s *core.Shipment) string {
	return fmt.Sprintf("%s → %s", s.Origin, s.Destination)
}

// OfferAccepted builds the winner's notification for a closed bid
func OfferAccepted(s *core.Shipment, o *core.Offer) core.Notification {
	offerID := o.ID
	return core.Notification{
		UserID:  o.AgentID,
		Type:    core.NotifyOfferAccepted,
		Title:   "Offer accepted",
		Message: fmt.Sprintf("Your offer of %s %s on %s was accepted", o.Price.String(), s.Currency, routeLabel(s)),
		Data: map[string]any{
			"shipment_uuid": s.UUID,
			"offer_uuid":    o.UUID,
			"price":         o.Price.String(),
			"agent_code":    o.AgentCode,
		},
		ShipmentID: s.ID,
		OfferID:    &offerID,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
}

// OfferRejected builds a losing agent's notification for a closed bid
func OfferRejected(s *core.Shipment, o *core.Offer) core.Notification {
	offerID := o.ID
	return core.Notification{
		UserID:  o.AgentID,
		Type:    core.NotifyOfferRejected,
		Title:   "Offer not selected",
		Message: fmt.Sprintf("The shipment %s was awarded to another agent", routeLabel(s)),
		Data: map[string]any{
			"shipment_uuid": s.UUID,
			"offer_uuid":    o.UUID,
		},
		ShipmentID: s.ID,
		OfferID:    &offerID,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
}

// ShipmentCancelled builds the notification for agents whose shipment
// was cancelled by the importer
func ShipmentCancelled(s *core.Shipment, agentID string) core.Notification {
	return core.Notification{
		UserID:  agentID,
		Type:    core.NotifyShipmentCancelled,
		Title:   "Shipment cancelled",
		Message: fmt.Sprintf("The shipment %s was cancelled by the importer", routeLabel(s)),
		Data: map[string]any{
			"shipment_uuid": s.UUID,
			"status":        string(core.ShipmentCancelled),
		},
		ShipmentID: s.ID,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
}

// DeadlineExtended builds the notification for agents when the bidding
// deadline moves
func DeadlineExtended(s *core.Shipment, agentID string, newDeadline time.Time) core.Notification {
	return core.Notification{
		UserID:  agentID,
		Type:    core.NotifyDeadlineExtended,
		Title:   "Deadline extended",
		Message: fmt.Sprintf("Bidding on %s now closes %s", routeLabel(s), newDeadline.Format("2006-01-02 15:04")),
		Data: map[string]any{
			"shipment_uuid":   s.UUID,
			"expiration_date": newDeadline.UTC().Format(time.RFC3339),
		},
		ShipmentID: s.ID,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewOffer builds the importer's notification for a fresh offer
func NewOffer(s *core.Shipment, o *core.Offer) core.Notification {
	offerID := o.ID
	return core.Notification{
		UserID:  s.UserID,
		Type:    core.NotifyNewOffer,
		Title:   "New offer received",
		Message: fmt.Sprintf("Agent %s offered %s %s on %s", o.AgentCode, o.Price.String(), s.Currency, routeLabel(s)),
		Data: map[string]any{
			"shipment_uuid": s.UUID,
			"offer_uuid":    o.UUID,
			"price":         o.Price.String(),
			"agent_code":    o.AgentCode,
		},
		ShipmentID: s.ID,
		OfferID:    &offerID,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
}

// DistinctAgents returns each distinct agent id among the offers,
// excluding the given user (typically the importer), preserving first
// appearance order.
func DistinctAgents(offers []core.Offer, exclude string) []string {
	seen := make(map[string]struct{}, len(offers))
	agents := make([]string, 0, len(offers))
	for _, o := range offers {
		if o.AgentID == "" || o.AgentID == exclude {
			continue
		}
		if _, ok := seen[o.AgentID]; ok {
			continue
		}
		seen[o.AgentID] = struct{}{}
		agents = append(agents, o.AgentID)
	}
	return agents
}
