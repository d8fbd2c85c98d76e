// Package gateway is the single client handle to the hosted backend.
// It issues row queries, row mutations and remote procedure calls; it
// never retries beyond the transport pipeline — retry is caller policy.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"logbid/internal/config"
	"logbid/internal/core"
	apperrors "logbid/pkg/errors"
	apihttp "logbid/pkg/http"
	"logbid/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const restPrefix = "/rest/v1/"

// Remote procedure names exposed by the backend
const (
	ProcShipmentsPaginated      = "get_shipments_paginated"
	ProcCostMetrics             = "get_cost_metrics"
	ProcShipmentDetailed        = "get_shipment_detailed"
	ProcOfferStatistics         = "get_offer_statistics"
	ProcResponseTimeMetrics     = "get_response_time_metrics"
	ProcShipmentStatusMetrics   = "get_shipment_status_metrics"
	ProcSuccessRateMetrics      = "get_success_rate_metrics"
	ProcTopRoutesMetrics        = "get_top_routes_metrics"
	ProcAgentOfferedShipments   = "get_agent_offered_shipments_paginated"
)

// Backend table names
const (
	TableShipments     = "shipments"
	TableOffers        = "offers"
	TableNotifications = "notifications"
	TableProfiles      = "profiles"
)

// signer attaches backend auth headers; writes also ask for the mutated
// rows back so callers can observe the applied state.
type signer struct {
	apiKey string
	token  string
}

func (s *signer) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return fmt.Errorf("backend api key not configured")
	}
	req.Header.Set("apikey", s.apiKey)
	token := s.token
	if token == "" {
		token = s.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if req.Method == http.MethodPost || req.Method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	return nil
}

// Gateway implements core.IGateway against the hosted backend's REST surface
type Gateway struct {
	http         *apihttp.Client
	writeLimiter *rate.Limiter
	logger       core.ILogger
	tracer       trace.Tracer
}

// New creates a Gateway from configuration
func New(cfg config.BackendConfig, logger core.ILogger) *Gateway {
	s := &signer{
		apiKey: cfg.APIKey.Reveal(),
		token:  cfg.ServiceToken.Reveal(),
	}

	return &Gateway{
		http:         apihttp.NewClient(cfg.URL, time.Duration(cfg.TimeoutSeconds)*time.Second, s),
		writeLimiter: rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), cfg.WriteBurst),
		logger:       logger.WithField("component", "gateway"),
		tracer:       telemetry.GetTracer("gateway"),
	}
}

// CheckHealth verifies the backend is reachable
func (g *Gateway) CheckHealth(ctx context.Context) error {
	_, err := g.http.Get(ctx, restPrefix+TableProfiles, map[string]string{
		"select": "id",
		"limit":  "1",
	})
	return mapError(err)
}

// Call invokes a named remote procedure with named arguments and decodes
// the result into out (pass nil to discard).
func (g *Gateway) Call(ctx context.Context, procedure string, args map[string]any, out any) error {
	ctx, span := g.tracer.Start(ctx, "RPC "+procedure,
		trace.WithAttributes(attribute.String("rpc.procedure", procedure)),
	)
	defer span.End()

	body, err := g.http.Post(ctx, restPrefix+"rpc/"+procedure, args)
	if err != nil {
		span.RecordError(err)
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode rpc result for %s: %w", procedure, err)
	}
	return nil
}

// queryRows fetches all rows of a table matching the filters
func queryRows[T any](ctx context.Context, g *Gateway, table string, filters core.Filters) ([]T, error) {
	params := filterParams(filters)
	params["select"] = "*"

	body, err := g.http.Get(ctx, restPrefix+table, params)
	if err != nil {
		return nil, mapError(err)
	}

	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// patchRows applies a patch to all rows matching the filters and returns
// the mutated rows.
func patchRows[T any](ctx context.Context, g *Gateway, table string, filters core.Filters, patch core.Filters) ([]T, error) {
	if err := g.writeLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("write rate limit wait failed: %w", err)
	}

	body, err := g.http.Patch(ctx, restPrefix+table, filterParams(filters), map[string]any(patch))
	if err != nil {
		return nil, mapError(err)
	}

	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s patch result: %w", table, err)
	}
	return rows, nil
}

// insertRow inserts one row and returns the stored representation
func insertRow[T any](ctx context.Context, g *Gateway, table string, row any) (*T, error) {
	if err := g.writeLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("write rate limit wait failed: %w", err)
	}

	body, err := g.http.Post(ctx, restPrefix+table, row)
	if err != nil {
		return nil, mapError(err)
	}

	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s insert result: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return &rows[0], nil
}

// filterParams renders equality filters in deterministic column order
func filterParams(filters core.Filters) map[string]string {
	params := make(map[string]string, len(filters))
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := filters[k].(type) {
		case core.Neq:
			params[k] = fmt.Sprintf("neq.%v", v.Value)
		default:
			params[k] = fmt.Sprintf("eq.%v", v)
		}
	}
	return params
}

// mapError translates transport failures into the shared error taxonomy
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *apihttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
		case apiErr.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %v", apperrors.ErrConflict, err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrBackendUnavailable, err)
		default:
			return err
		}
	}

	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}
