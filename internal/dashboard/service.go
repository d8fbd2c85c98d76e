// Package dashboard exposes the read side of the marketplace: paginated
// listings and aggregate metrics, all served through the query cache so
// repeated reads with identical filters hit the backend at most once per
// freshness window.
package dashboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"logbid/internal/cache"
	"logbid/internal/core"
	"logbid/internal/gateway"
	apperrors "logbid/pkg/errors"

	"github.com/shopspring/decimal"
)

// ListQuery narrows a paginated shipment listing
type ListQuery struct {
	MarketID int64
	Status   core.ShipmentStatus // empty means all statuses
	Search   string
	Offset   int
	Limit    int
}

// AgentListQuery narrows the agent's offered-shipments listing
type AgentListQuery struct {
	AgentID  string
	MarketID int64
	Offset   int
	Limit    int
}

// MetricsQuery bounds an aggregate metrics request
type MetricsQuery struct {
	MarketID int64
	From     time.Time
	To       time.Time
}

// CostMetricPoint is one bucket of the average-cost series
type CostMetricPoint struct {
	Period       string          `json:"period"`
	ShippingType string          `json:"shipping_type"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Count        int64           `json:"shipment_count"`
}

// OfferStatistics summarizes offer volume for a market
type OfferStatistics struct {
	TotalOffers          int64           `json:"total_offers"`
	ShipmentsWithOffers  int64           `json:"shipments_with_offers"`
	AvgOffersPerShipment float64         `json:"avg_offers_per_shipment"`
	AvgPrice             decimal.Decimal `json:"avg_price"`
}

// ResponseTimePoint is one bucket of the first-offer latency series
type ResponseTimePoint struct {
	Period   string  `json:"period"`
	AvgHours float64 `json:"avg_hours"`
}

// StatusCount is one slice of the shipment status breakdown
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// SuccessRate reports the share of shipments that closed with a winner
type SuccessRate struct {
	Closed int64   `json:"closed"`
	Total  int64   `json:"total"`
	Rate   float64 `json:"rate"`
}

// TopRoute is one entry of the most-shipped routes ranking
type TopRoute struct {
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Count       int64           `json:"shipment_count"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// Service serves cached reads over the backend's listing and metrics
// procedures. It never mutates anything; invalidation happens elsewhere.
type Service struct {
	gateway core.IGateway
	cache   core.ICache
	logger  core.ILogger
}

// NewService creates the dashboard read service
func NewService(gw core.IGateway, c core.ICache, logger core.ILogger) *Service {
	return &Service{
		gateway: gw,
		cache:   c,
		logger:  logger.WithField("component", "dashboard"),
	}
}

// readAs funnels a typed fetch through the untyped cache
func readAs[T any](ctx context.Context, c core.ICache, key core.Key, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Read(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry for %v holds %T, expected %T", key, v, zero)
	}
	return t, nil
}

func (q ListQuery) key() core.Key {
	return append(append(core.Key{}, cache.KeyShipments...),
		strconv.FormatInt(q.MarketID, 10),
		string(q.Status),
		q.Search,
		strconv.Itoa(q.Offset),
		strconv.Itoa(q.Limit),
	)
}

// Shipments returns one page of the market's shipments
func (s *Service) Shipments(ctx context.Context, q ListQuery) (core.Page[core.Shipment], error) {
	if q.MarketID <= 0 {
		return core.Page[core.Shipment]{}, fmt.Errorf("%w: market id is required", apperrors.ErrValidation)
	}

	return readAs(ctx, s.cache, q.key(), func(ctx context.Context) (core.Page[core.Shipment], error) {
		args := map[string]any{
			"p_market_id": q.MarketID,
			"p_offset":    q.Offset,
			"p_limit":     pageLimit(q.Limit),
		}
		if q.Status != "" {
			args["p_status"] = string(q.Status)
		}
		if q.Search != "" {
			args["p_search"] = q.Search
		}

		var page core.Page[core.Shipment]
		err := s.gateway.Call(ctx, gateway.ProcShipmentsPaginated, args, &page)
		return page, err
	})
}

// ShipmentDetail returns one shipment with its offers resolved
type ShipmentDetail struct {
	Shipment core.Shipment `json:"shipment"`
	Offers   []core.Offer  `json:"offers"`
}

// Shipment returns the detailed view of a single shipment
func (s *Service) Shipment(ctx context.Context, shipmentUUID string) (ShipmentDetail, error) {
	if shipmentUUID == "" {
		return ShipmentDetail{}, fmt.Errorf("%w: shipment uuid is required", apperrors.ErrValidation)
	}

	key := append(append(core.Key{}, cache.KeyShipment...), shipmentUUID)
	return readAs(ctx, s.cache, key, func(ctx context.Context) (ShipmentDetail, error) {
		var detail ShipmentDetail
		err := s.gateway.Call(ctx, gateway.ProcShipmentDetailed, map[string]any{
			"p_shipment_uuid": shipmentUUID,
		}, &detail)
		return detail, err
	})
}

// BidList returns every active shipment of a market without pagination,
// used by the live bid board.
func (s *Service) BidList(ctx context.Context, marketID int64) ([]core.Shipment, error) {
	if marketID <= 0 {
		return nil, fmt.Errorf("%w: market id is required", apperrors.ErrValidation)
	}

	key := append(append(core.Key{}, cache.KeyBidListByMarket...), strconv.FormatInt(marketID, 10))
	return readAs(ctx, s.cache, key, func(ctx context.Context) ([]core.Shipment, error) {
		return s.gateway.QueryShipments(ctx, core.Filters{
			"market_id": marketID,
			"status":    string(core.ShipmentActive),
		})
	})
}

// AgentOfferedShipments returns one page of the shipments an agent has
// bid on.
func (s *Service) AgentOfferedShipments(ctx context.Context, q AgentListQuery) (core.Page[core.Shipment], error) {
	if q.AgentID == "" {
		return core.Page[core.Shipment]{}, fmt.Errorf("%w: agent id is required", apperrors.ErrValidation)
	}

	key := append(append(core.Key{}, cache.KeyAgentOfferedShipments...),
		q.AgentID,
		strconv.FormatInt(q.MarketID, 10),
		strconv.Itoa(q.Offset),
		strconv.Itoa(q.Limit),
	)
	return readAs(ctx, s.cache, key, func(ctx context.Context) (core.Page[core.Shipment], error) {
		var page core.Page[core.Shipment]
		err := s.gateway.Call(ctx, gateway.ProcAgentOfferedShipments, map[string]any{
			"p_agent_id":  q.AgentID,
			"p_market_id": q.MarketID,
			"p_offset":    q.Offset,
			"p_limit":     pageLimit(q.Limit),
		}, &page)
		return page, err
	})
}

// CostMetrics returns the average-cost series for a market and window
func (s *Service) CostMetrics(ctx context.Context, q MetricsQuery) ([]CostMetricPoint, error) {
	return metricsCall[[]CostMetricPoint](ctx, s, cache.KeyCostMetrics, gateway.ProcCostMetrics, q)
}

// OfferStatistics returns offer volume aggregates for a market and window
func (s *Service) OfferStatistics(ctx context.Context, q MetricsQuery) (OfferStatistics, error) {
	return metricsCall[OfferStatistics](ctx, s, cache.KeyOfferStatistics, gateway.ProcOfferStatistics, q)
}

// ResponseTimeMetrics returns the first-offer latency series
func (s *Service) ResponseTimeMetrics(ctx context.Context, q MetricsQuery) ([]ResponseTimePoint, error) {
	return metricsCall[[]ResponseTimePoint](ctx, s, cache.KeyResponseTimeMetrics, gateway.ProcResponseTimeMetrics, q)
}

// ShipmentStatusMetrics returns the status breakdown
func (s *Service) ShipmentStatusMetrics(ctx context.Context, q MetricsQuery) ([]StatusCount, error) {
	return metricsCall[[]StatusCount](ctx, s, cache.KeyShipmentStatusMetrics, gateway.ProcShipmentStatusMetrics, q)
}

// SuccessRateMetrics returns the closed-with-winner share
func (s *Service) SuccessRateMetrics(ctx context.Context, q MetricsQuery) (SuccessRate, error) {
	return metricsCall[SuccessRate](ctx, s, cache.KeySuccessRateMetrics, gateway.ProcSuccessRateMetrics, q)
}

// TopRoutesMetrics returns the most-shipped routes ranking
func (s *Service) TopRoutesMetrics(ctx context.Context, q MetricsQuery) ([]TopRoute, error) {
	return metricsCall[[]TopRoute](ctx, s, cache.KeyTopRoutesMetrics, gateway.ProcTopRoutesMetrics, q)
}

// metricsCall is the shared shape of every aggregate metrics read: key
// derived from the prefix plus the query bounds, one RPC on miss.
func metricsCall[T any](ctx context.Context, s *Service, prefix core.Key, procedure string, q MetricsQuery) (T, error) {
	var zero T
	if q.MarketID <= 0 {
		return zero, fmt.Errorf("%w: market id is required", apperrors.ErrValidation)
	}

	key := append(append(core.Key{}, prefix...),
		strconv.FormatInt(q.MarketID, 10),
		q.From.UTC().Format(time.RFC3339),
		q.To.UTC().Format(time.RFC3339),
	)
	return readAs(ctx, s.cache, key, func(ctx context.Context) (T, error) {
		args := map[string]any{"p_market_id": q.MarketID}
		if !q.From.IsZero() {
			args["p_date_from"] = q.From.UTC().Format(time.RFC3339)
		}
		if !q.To.IsZero() {
			args["p_date_to"] = q.To.UTC().Format(time.RFC3339)
		}

		var out T
		err := s.gateway.Call(ctx, procedure, args, &out)
		return out, err
	})
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
