// Package core defines the shared types and interfaces for the LogBid sync layer
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShipmentStatus represents the lifecycle state of a shipment
type ShipmentStatus string

const (
	ShipmentActive    ShipmentStatus = "Active"
	ShipmentClosed    ShipmentStatus = "Closed"
	ShipmentCancelled ShipmentStatus = "Cancelled"
)

// OfferStatus represents the state of an agent's offer
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// NotificationType enumerates the event kinds that produce notifications
type NotificationType string

const (
	NotifyNewOffer              NotificationType = "new_offer"
	NotifyShipmentExpiring      NotificationType = "shipment_expiring"
	NotifyOfferAccepted         NotificationType = "offer_accepted"
	NotifyOfferRejected         NotificationType = "offer_rejected"
	NotifyDeadlineExtended      NotificationType = "deadline_extended"
	NotifyShipmentStatusChanged NotificationType = "shipment_status_changed"
	NotifyShipmentCancelled     NotificationType = "shipment_cancelled"
	NotifyNewShipment           NotificationType = "new_shipment"
)

// Shipment is an importer's freight-movement request open for bidding.
// The backend is authoritative; this struct mirrors the rows it returns.
type Shipment struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	UserID         string          `json:"user_id"`
	Status         ShipmentStatus  `json:"status"`
	Origin         string          `json:"origin"`
	OriginCountry  string          `json:"origin_country"`
	Destination    string          `json:"destination"`
	DestCountry    string          `json:"destination_country"`
	ShippingType   string          `json:"shipping_type"`
	Value          decimal.Decimal `json:"value"`
	Currency       string          `json:"currency"`
	ExpirationDate time.Time       `json:"expiration_date"`
	MarketID       int64           `json:"market_id"`
	AgentCode      string          `json:"agent_code,omitempty"`
	CreatedAt      time.Time       `json:"inserted_at"`
}

// Offer is an agent's price bid against a specific shipment
type Offer struct {
	ID         int64           `json:"id"`
	UUID       string          `json:"uuid"`
	ShipmentID int64           `json:"shipment_id"`
	AgentID    string          `json:"agent_id"`
	AgentCode  string          `json:"agent_code"`
	Price      decimal.Decimal `json:"price"`
	Status     OfferStatus     `json:"status"`
	Details    map[string]any  `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"inserted_at"`
}

// Notification is written as a side effect of a shipment or offer transition.
// It never mutates other entities.
type Notification struct {
	ID         string           `json:"id,omitempty"`
	UserID     string           `json:"user_id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Data       map[string]any   `json:"data,omitempty"`
	ShipmentID int64            `json:"shipment_id"`
	OfferID    *int64           `json:"offer_id,omitempty"`
	IsRead     bool             `json:"is_read"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Profile is the minimal view of a user this layer needs
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	AgentCode string `json:"agent_code,omitempty"`
	MarketID  int64  `json:"market_id"`
}

// ChangeEvent is a single row-change event from the realtime feed.
// The payload shape is not guaranteed to match query-shaped rows, so
// consumers must treat it as an invalidation signal only.
type ChangeEvent struct {
	Table     string         `json:"table"`
	EventType string         `json:"eventType"`
	MarketID  int64          `json:"market_id,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
}

// Realtime change-event types
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAll    = "*"
)

// Page is one page of a paginated listing RPC
type Page[T any] struct {
	Items      []T   `json:"items"`
	TotalCount int64 `json:"total_count"`
	Offset     int   `json:"offset"`
	Limit      int   `json:"limit"`
}
