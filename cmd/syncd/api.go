package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"logbid/internal/core"
	"logbid/internal/dashboard"
	"logbid/internal/flow"
	"logbid/internal/notify"
	"logbid/internal/session"
	apperrors "logbid/pkg/errors"

	"github.com/shopspring/decimal"
)

// apiServer exposes the sync layer over a local JSON API. It is the
// daemon's only mutation entry point; everything funnels through the
// flow runner so cache invalidation and fan-out stay consistent.
type apiServer struct {
	runner   *flow.Runner
	reads    *dashboard.Service
	inbox    *notify.Service
	sessions *session.Store
	gateway  core.IGateway
	logger   core.ILogger
	srv      *http.Server
}

func newAPIServer(runner *flow.Runner, reads *dashboard.Service, inbox *notify.Service,
	sessions *session.Store, gw core.IGateway, logger core.ILogger) *apiServer {
	return &apiServer{
		runner:   runner,
		reads:    reads,
		inbox:    inbox,
		sessions: sessions,
		gateway:  gw,
		logger:   logger.WithField("component", "api_server"),
	}
}

func (a *apiServer) start(port int) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/shipments", a.handleShipments)
	mux.HandleFunc("GET /api/shipments/{uuid}", a.handleShipmentDetail)
	mux.HandleFunc("GET /api/bidlist", a.handleBidList)
	mux.HandleFunc("GET /api/agent-shipments", a.handleAgentShipments)
	mux.HandleFunc("GET /api/metrics/{kind}", a.handleMetrics)

	mux.HandleFunc("GET /api/notifications", a.handleNotifications)
	mux.HandleFunc("POST /api/notifications/read", a.handleMarkRead)
	mux.HandleFunc("POST /api/notifications/read-all", a.handleMarkAllRead)

	mux.HandleFunc("POST /api/flows/close-bid", a.handleCloseBid)
	mux.HandleFunc("POST /api/flows/cancel-shipment", a.handleCancelShipment)
	mux.HandleFunc("POST /api/flows/reject-offer", a.handleRejectOffer)
	mux.HandleFunc("POST /api/flows/place-offer", a.handlePlaceOffer)
	mux.HandleFunc("POST /api/flows/extend-deadline", a.handleExtendDeadline)

	mux.HandleFunc("POST /api/session/init", a.handleSessionInit)
	mux.HandleFunc("POST /api/session/market", a.handleSessionMarket)
	mux.HandleFunc("GET /api/session", a.handleSessionSnapshot)
	mux.HandleFunc("DELETE /api/session", a.handleSessionClear)

	a.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		a.logger.Info("Starting JSON API server", "port", port)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("API server failed", "error", err)
		}
	}()
}

func (a *apiServer) stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps the shared error taxonomy onto HTTP status codes. A
// PartialError is not a plain failure: the response carries the
// completed steps and the flow id so the caller can retry and resume.
func (a *apiServer) writeError(w http.ResponseWriter, err error) {
	var partial *flow.PartialError
	if errors.As(err, &partial) {
		a.writeJSON(w, http.StatusMultiStatus, map[string]any{
			"status":      "partial",
			"flow":        partial.Flow,
			"flow_id":     partial.FlowID,
			"completed":   partial.Completed,
			"failed_step": partial.FailedStep,
			"error":       partial.Err.Error(),
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrBackendUnavailable), errors.Is(err, apperrors.ErrNetwork):
		status = http.StatusBadGateway
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *apiServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, fmt.Errorf("%w: invalid request body: %v", apperrors.ErrValidation, err))
		return false
	}
	return true
}

func queryInt64(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return n
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func (a *apiServer) handleShipments(w http.ResponseWriter, r *http.Request) {
	page, err := a.reads.Shipments(r.Context(), dashboard.ListQuery{
		MarketID: queryInt64(r, "market_id"),
		Status:   core.ShipmentStatus(r.URL.Query().Get("status")),
		Search:   r.URL.Query().Get("search"),
		Offset:   queryInt(r, "offset"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

func (a *apiServer) handleShipmentDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := a.reads.Shipment(r.Context(), r.PathValue("uuid"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, detail)
}

func (a *apiServer) handleBidList(w http.ResponseWriter, r *http.Request) {
	shipments, err := a.reads.BidList(r.Context(), queryInt64(r, "market_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, shipments)
}

func (a *apiServer) handleAgentShipments(w http.ResponseWriter, r *http.Request) {
	page, err := a.reads.AgentOfferedShipments(r.Context(), dashboard.AgentListQuery{
		AgentID:  r.URL.Query().Get("agent_id"),
		MarketID: queryInt64(r, "market_id"),
		Offset:   queryInt(r, "offset"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

func (a *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := dashboard.MetricsQuery{MarketID: queryInt64(r, "market_id")}
	if from := r.URL.Query().Get("from"); from != "" {
		q.From, _ = time.Parse(time.RFC3339, from)
	}
	if to := r.URL.Query().Get("to"); to != "" {
		q.To, _ = time.Parse(time.RFC3339, to)
	}

	var (
		result any
		err    error
	)
	switch kind := r.PathValue("kind"); kind {
	case "cost":
		result, err = a.reads.CostMetrics(r.Context(), q)
	case "offers":
		result, err = a.reads.OfferStatistics(r.Context(), q)
	case "response-time":
		result, err = a.reads.ResponseTimeMetrics(r.Context(), q)
	case "status":
		result, err = a.reads.ShipmentStatusMetrics(r.Context(), q)
	case "success-rate":
		result, err = a.reads.SuccessRateMetrics(r.Context(), q)
	case "top-routes":
		result, err = a.reads.TopRoutesMetrics(r.Context(), q)
	default:
		err = fmt.Errorf("%w: unknown metrics kind %q", apperrors.ErrValidation, kind)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	notifications, err := a.inbox.List(r.Context(), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, notifications)
}

func (a *apiServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"user_id"`
		NotificationID string `json:"notification_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.inbox.MarkRead(r.Context(), req.UserID, req.NotificationID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.inbox.MarkAllRead(r.Context(), req.UserID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadShipment resolves the caller-named shipment so flow guards run on
// current backend state.
func (a *apiServer) loadShipment(ctx context.Context, shipmentUUID string) (*core.Shipment, error) {
	if shipmentUUID == "" {
		return nil, fmt.Errorf("%w: shipment_uuid is required", apperrors.ErrValidation)
	}
	return a.gateway.QueryShipment(ctx, shipmentUUID)
}

func (a *apiServer) handleCloseBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentUUID string `json:"shipment_uuid"`
		OfferUUID    string `json:"offer_uuid"`
		FlowID       string `json:"flow_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	shipment, err := a.loadShipment(r.Context(), req.ShipmentUUID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.runner.CloseBid(r.Context(), flow.CloseBidRequest{
		Shipment:         *shipment,
		WinningOfferUUID: req.OfferUUID,
		FlowID:           req.FlowID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleCancelShipment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentUUID string `json:"shipment_uuid"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	shipment, err := a.loadShipment(r.Context(), req.ShipmentUUID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.runner.CancelShipment(r.Context(), flow.CancelShipmentRequest{Shipment: *shipment})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentUUID string `json:"shipment_uuid"`
		OfferUUID    string `json:"offer_uuid"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	shipment, err := a.loadShipment(r.Context(), req.ShipmentUUID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.runner.RejectOffer(r.Context(), flow.RejectOfferRequest{
		Shipment:  *shipment,
		OfferUUID: req.OfferUUID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handlePlaceOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentUUID string          `json:"shipment_uuid"`
		AgentID      string          `json:"agent_id"`
		AgentCode    string          `json:"agent_code"`
		Price        decimal.Decimal `json:"price"`
		Details      map[string]any  `json:"details"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	shipment, err := a.loadShipment(r.Context(), req.ShipmentUUID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.runner.PlaceOffer(r.Context(), flow.PlaceOfferRequest{
		Shipment:  *shipment,
		AgentID:   req.AgentID,
		AgentCode: req.AgentCode,
		Price:     req.Price,
		Details:   req.Details,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleExtendDeadline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentUUID string    `json:"shipment_uuid"`
		NewDeadline  time.Time `json:"new_deadline"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	shipment, err := a.loadShipment(r.Context(), req.ShipmentUUID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.runner.ExtendDeadline(r.Context(), flow.ExtendDeadlineRequest{
		Shipment:    *shipment,
		NewDeadline: req.NewDeadline,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	profile, err := a.gateway.QueryProfile(r.Context(), req.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.sessions.Init(r.Context(), *profile); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "market_id": profile.MarketID})
}

func (a *apiServer) handleSessionMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MarketID int64 `json:"market_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.sessions.SetMarket(r.Context(), req.MarketID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Clear(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	state, err := a.sessions.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, state)
}
