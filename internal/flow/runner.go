// Package flow implements the multi-step mutation flows of the bidding
// marketplace. Each flow is an ordered sequence of dependent remote
// writes with defined partial-failure behavior: the backend offers no
// cross-statement transaction to the client, so every step is awaited
// in program order and a failure after the first write is reported as a
// distinct partial failure rather than a clean abort.
package flow

import (
	"context"
	"strings"

	"logbid/internal/alert"
	"logbid/internal/core"
	"logbid/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Cache key prefixes invalidated after shipment/offer mutations. Flows
// never write the cache directly; they only invalidate by prefix.
var shipmentPrefixes = []core.Key{
	{"shipments"},
	{"shipment"},
	{"offer"},
	{"bidListByMarket"},
	{"agentOfferedShipments"},
}

// Runner executes mutation flows against the gateway and keeps the
// query cache and notification fan-out consistent with their outcome.
type Runner struct {
	gateway  core.IGateway
	cache    core.ICache
	fanout   core.IFanout
	progress core.IProgressStore // optional, enables resumable retries
	alerts   *alert.AlertManager // optional, pages operators on partial failures
	logger   core.ILogger

	tracer           trace.Tracer
	startedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
	partialCounter   metric.Int64Counter
	abortedCounter   metric.Int64Counter
}

// Option configures a Runner
type Option func(*Runner)

// WithProgressStore records durable per-flow progress markers so a
// retried flow resumes after its last completed step.
func WithProgressStore(store core.IProgressStore) Option {
	return func(r *Runner) { r.progress = store }
}

// WithAlertManager routes partial-failure alerts to operator channels
func WithAlertManager(am *alert.AlertManager) Option {
	return func(r *Runner) { r.alerts = am }
}

// NewRunner creates a flow Runner
func NewRunner(gw core.IGateway, cache core.ICache, fanout core.IFanout, logger core.ILogger, opts ...Option) *Runner {
	meter := telemetry.GetMeter("mutation-flows")

	startedCounter, _ := meter.Int64Counter("flows_started_total",
		metric.WithDescription("Mutation flows started"))
	completedCounter, _ := meter.Int64Counter("flows_completed_total",
		metric.WithDescription("Mutation flows completed cleanly"))
	partialCounter, _ := meter.Int64Counter("flows_partial_failure_total",
		metric.WithDescription("Mutation flows ending in partial failure"))
	abortedCounter, _ := meter.Int64Counter("flows_aborted_total",
		metric.WithDescription("Mutation flows aborted with no side effects"))

	r := &Runner{
		gateway:          gw,
		cache:            cache,
		fanout:           fanout,
		logger:           logger.WithField("component", "flow_runner"),
		tracer:           telemetry.GetTracer("mutation-flows"),
		startedCounter:   startedCounter,
		completedCounter: completedCounter,
		partialCounter:   partialCounter,
		abortedCounter:   abortedCounter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) flowAttrs(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("flow", name))
}

// newFlowID mints a fresh flow identity when the caller did not supply
// one for resumption.
func newFlowID(requested string) string {
	if requested != "" {
		return requested
	}
	return uuid.NewString()
}

// markStep records a durable progress marker; marker failures are logged
// and ignored so durability problems never fail a healthy flow.
func (r *Runner) markStep(ctx context.Context, flowID, flowName string, shipmentID int64, step string) {
	if r.progress == nil {
		return
	}
	if err := r.progress.Record(ctx, flowID, flowName, shipmentID, step); err != nil {
		r.logger.Warn("Failed to record flow progress", "flow", flowName, "flow_id", flowID, "step", step, "error", err)
	}
}

// clearProgress drops the marker once a flow has fully completed
func (r *Runner) clearProgress(ctx context.Context, flowID string) {
	if r.progress == nil {
		return
	}
	if err := r.progress.Clear(ctx, flowID); err != nil {
		r.logger.Warn("Failed to clear flow progress", "flow_id", flowID, "error", err)
	}
}

// lastStep returns the recorded progress marker for a resumed flow, or
// "" when none exists.
func (r *Runner) lastStep(ctx context.Context, flowID string) string {
	if r.progress == nil {
		return ""
	}
	step, err := r.progress.LastStep(ctx, flowID)
	if err != nil {
		r.logger.Warn("Failed to read flow progress, re-running from the start", "flow_id", flowID, "error", err)
		return ""
	}
	return step
}

// alertPartial pages operators about records left needing reconciliation
func (r *Runner) alertPartial(ctx context.Context, p *PartialError) {
	if r.alerts == nil {
		return
	}
	r.alerts.Alert(ctx, "Mutation flow partial failure",
		"A multi-step mutation failed after applying writes; records need reconciliation or a resumed retry.",
		alert.Error,
		map[string]string{
			"flow":            p.Flow,
			"flow_id":         p.FlowID,
			"failed_step":     p.FailedStep,
			"completed_steps": strings.Join(p.Completed, ", "),
			"error":           p.Err.Error(),
		})
}

// invalidateShipmentKeys drops every cache prefix a shipment or offer
// mutation could have affected. Over-invalidation is the accepted
// tradeoff; the next read always re-fetches.
func (r *Runner) invalidateShipmentKeys() {
	for _, prefix := range shipmentPrefixes {
		r.cache.Invalidate(prefix)
	}
}
