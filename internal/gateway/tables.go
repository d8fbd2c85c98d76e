package gateway

import (
	"context"
	"fmt"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"
)

// QueryShipment fetches a single shipment by uuid
func (g *Gateway) QueryShipment(ctx context.Context, shipmentUUID string) (*core.Shipment, error) {
	if shipmentUUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}

	rows, err := queryRows[core.Shipment](ctx, g, TableShipments, core.Filters{"uuid": shipmentUUID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: shipment %s", apperrors.ErrNotFound, shipmentUUID)
	}
	return &rows[0], nil
}

// QueryShipments fetches shipments matching the filters
func (g *Gateway) QueryShipments(ctx context.Context, filters core.Filters) ([]core.Shipment, error) {
	return queryRows[core.Shipment](ctx, g, TableShipments, filters)
}

// QueryOffers fetches offers matching the filters
func (g *Gateway) QueryOffers(ctx context.Context, filters core.Filters) ([]core.Offer, error) {
	return queryRows[core.Offer](ctx, g, TableOffers, filters)
}

// QueryNotifications fetches a user's notifications, newest first on the backend
func (g *Gateway) QueryNotifications(ctx context.Context, userID string, onlyUnread bool) ([]core.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}

	filters := core.Filters{"user_id": userID}
	if onlyUnread {
		filters["is_read"] = false
	}
	return queryRows[core.Notification](ctx, g, TableNotifications, filters)
}

// QueryProfile fetches one user profile
func (g *Gateway) QueryProfile(ctx context.Context, userID string) (*core.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}

	rows, err := queryRows[core.Profile](ctx, g, TableProfiles, core.Filters{"id": userID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: profile %s", apperrors.ErrNotFound, userID)
	}
	return &rows[0], nil
}

// UpdateShipment patches one shipment by uuid and returns the stored row
func (g *Gateway) UpdateShipment(ctx context.Context, shipmentUUID string, patch core.Filters) (*core.Shipment, error) {
	if shipmentUUID == "" {
		return nil, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}

	rows, err := patchRows[core.Shipment](ctx, g, TableShipments, core.Filters{"uuid": shipmentUUID}, patch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: shipment %s", apperrors.ErrNotFound, shipmentUUID)
	}
	return &rows[0], nil
}

// UpdateOffer patches one offer by uuid and returns the stored row
func (g *Gateway) UpdateOffer(ctx context.Context, offerUUID string, patch core.Filters) (*core.Offer, error) {
	if offerUUID == "" {
		return nil, fmt.Errorf("%w: offer uuid is required", apperrors.ErrValidation)
	}

	rows, err := patchRows[core.Offer](ctx, g, TableOffers, core.Filters{"uuid": offerUUID}, patch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: offer %s", apperrors.ErrNotFound, offerUUID)
	}
	return &rows[0], nil
}

// UpdateOffersWhere patches every offer matching the filters and returns
// how many rows the backend reports as updated. Re-applying the same
// patch to already-correct rows is a no-op by value, so callers may
// safely retry.
func (g *Gateway) UpdateOffersWhere(ctx context.Context, filters core.Filters, patch core.Filters) (int, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("%w: refusing unfiltered offer update", apperrors.ErrValidation)
	}

	rows, err := patchRows[core.Offer](ctx, g, TableOffers, filters, patch)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// InsertOffer writes a new offer row
func (g *Gateway) InsertOffer(ctx context.Context, offer core.Offer) (*core.Offer, error) {
	if offer.ShipmentID == 0 || offer.AgentID == "" {
		return nil, fmt.Errorf("%w: offer requires shipment_id and agent_id", apperrors.ErrValidation)
	}
	return insertRow[core.Offer](ctx, g, TableOffers, offer)
}

// InsertNotification writes one notification row
func (g *Gateway) InsertNotification(ctx context.Context, n core.Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("%w: notification requires user_id", apperrors.ErrValidation)
	}
	if n.Type == "" {
		return fmt.Errorf("%w: notification requires type", apperrors.ErrValidation)
	}

	_, err := insertRow[core.Notification](ctx, g, TableNotifications, n)
	return err
}

// UpdateNotifications patches notifications matching the filters (e.g. mark read)
func (g *Gateway) UpdateNotifications(ctx context.Context, filters core.Filters, patch core.Filters) (int, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("%w: refusing unfiltered notification update", apperrors.ErrValidation)
	}

	rows, err := patchRows[core.Notification](ctx, g, TableNotifications, filters, patch)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
