package core

import (
	"context"
)

// Filters narrows a gateway query; keys are column names, values are matched
// with equality unless wrapped in an operator such as Neq. Ordered iteration
// is the gateway's concern.
type Filters map[string]any

// Neq marks a filter value as a not-equal match
type Neq struct {
	Value any
}

// IGateway is the single handle to the hosted backend. It never retries:
// retry is caller policy. All methods are suspension points.
type IGateway interface {
	// Row access
	QueryShipment(ctx context.Context, shipmentUUID string) (*Shipment, error)
	QueryShipments(ctx context.Context, filters Filters) ([]Shipment, error)
	QueryOffers(ctx context.Context, filters Filters) ([]Offer, error)
	QueryNotifications(ctx context.Context, userID string, onlyUnread bool) ([]Notification, error)
	QueryProfile(ctx context.Context, userID string) (*Profile, error)

	// Row mutations
	UpdateShipment(ctx context.Context, shipmentUUID string, patch Filters) (*Shipment, error)
	UpdateOffer(ctx context.Context, offerUUID string, patch Filters) (*Offer, error)
	UpdateOffersWhere(ctx context.Context, filters Filters, patch Filters) (int, error)
	InsertOffer(ctx context.Context, offer Offer) (*Offer, error)
	InsertNotification(ctx context.Context, n Notification) error
	UpdateNotifications(ctx context.Context, filters Filters, patch Filters) (int, error)

	// Remote procedure calls by name with named arguments
	Call(ctx context.Context, procedure string, args map[string]any, out any) error

	// Health
	CheckHealth(ctx context.Context) error
}

// ICache is the query/mutation cache. It is the only writer to cached
// entries; flows communicate with it exclusively through Invalidate.
type ICache interface {
	Read(ctx context.Context, key Key, fetch FetchFunc) (any, error)
	Invalidate(prefix Key)
	SetFreshness(key Key, ttlMillis int64)
}

// Key is the ordered (entity, filter values...) tuple identifying one
// cached query result.
type Key []string

// FetchFunc loads the value for a cache key from the gateway
type FetchFunc func(ctx context.Context) (any, error)

// IFanout writes one notification per recipient as independent best-effort
// operations. Deliver returns the number of attempts made; individual
// failures are logged and swallowed.
type IFanout interface {
	Deliver(ctx context.Context, notifications []Notification) int
}

// IProgressStore records durable per-flow progress markers so a retried
// flow can resume after its last completed step.
type IProgressStore interface {
	Record(ctx context.Context, flowID, flowName string, shipmentID int64, step string) error
	LastStep(ctx context.Context, flowID string) (string, error)
	Clear(ctx context.Context, flowID string) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates component health checks
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
