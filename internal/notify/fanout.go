// Package notify derives notification records from completed mutation
// flows and writes them as independent best-effort side effects.
package notify

import (
	"context"
	"sync"
	"time"

	"logbid/internal/core"
	"logbid/pkg/concurrency"
	"logbid/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Fanout writes one notification per recipient through a shared worker
// pool. A failure writing one recipient's row never prevents the others,
// and is never surfaced to the caller.
type Fanout struct {
	gateway core.IGateway
	pool    *concurrency.WorkerPool
	timeout time.Duration
	logger  core.ILogger

	attemptCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewFanout creates a Fanout backed by its own worker pool
func NewFanout(gw core.IGateway, poolSize, poolCapacity int, timeout time.Duration, logger core.ILogger) *Fanout {
	meter := telemetry.GetMeter("notify-fanout")

	attemptCounter, _ := meter.Int64Counter("fanout_attempts_total",
		metric.WithDescription("Notification write attempts"))
	failureCounter, _ := meter.Int64Counter("fanout_failures_total",
		metric.WithDescription("Swallowed notification write failures"))

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "notify_fanout",
		MaxWorkers:  poolSize,
		MaxCapacity: poolCapacity,
	}, logger)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Fanout{
		gateway:        gw,
		pool:           pool,
		timeout:        timeout,
		logger:         logger.WithField("component", "notify_fanout"),
		attemptCounter: attemptCounter,
		failureCounter: failureCounter,
	}
}

// Deliver writes every notification concurrently and waits for all
// attempts to settle. It does not short-circuit on failure; it returns
// the number of attempts made.
func (f *Fanout) Deliver(ctx context.Context, notifications []core.Notification) int {
	if len(notifications) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, n := range notifications {
		n := n
		wg.Add(1)
		if err := f.pool.Submit(func() {
			defer wg.Done()
			f.deliverOne(ctx, n)
		}); err != nil {
			// Pool saturated: deliver inline rather than dropping the attempt
			f.deliverOne(ctx, n)
			wg.Done()
		}
	}
	wg.Wait()

	return len(notifications)
}

func (f *Fanout) deliverOne(ctx context.Context, n core.Notification) {
	writeCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.attemptCounter.Add(writeCtx, 1, metric.WithAttributes(
		attribute.String("type", string(n.Type)),
	))

	if err := f.gateway.InsertNotification(writeCtx, n); err != nil {
		f.failureCounter.Add(writeCtx, 1, metric.WithAttributes(
			attribute.String("type", string(n.Type)),
		))
		f.logger.Error("Failed to write notification",
			"type", n.Type,
			"user_id", n.UserID,
			"shipment_id", n.ShipmentID,
			"error", err)
	}
}

// Stop drains the worker pool
func (f *Fanout) Stop() {
	f.pool.Stop()
}
