// Package reconcile polls the payment provider for PROCESSING payments whose
// callback never arrived and applies the reported outcome.
package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// JobName identifies the reconciliation in metrics and the scheduler.
const JobName = "settlement_reconciliation"

var tracer = otel.Tracer("clinic.internal.reconcile")

// Applier applies a provider status to a payment under lock.
type Applier interface {
	ApplyQueryResult(ctx context.Context, payment scheduling.Payment, qr *gateway.QueryResult) (*payments.Result, error)
}

// Config bounds the reconciliation window.
type Config struct {
	// MinAge gives the callback time to arrive before polling.
	MinAge time.Duration
	MaxAge time.Duration
	// SafetyCutoff caps MaxAge unless AllowOld is set.
	SafetyCutoff time.Duration
	AllowOld     bool
	// Pause is slept between provider calls.
	Pause     time.Duration
	BatchSize int
}

// ReconcileResult summarises one run.
type ReconcileResult struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// Reconciler queries the provider for stuck payments.
type Reconciler struct {
	store   scheduling.Store
	gateway gateway.Gateway
	applier Applier
	cfg     Config
	metrics *metrics.ClinicMetrics
	logger  *logging.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
}

func NewReconciler(store scheduling.Store, gw gateway.Gateway, applier Applier, cfg Config, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 15 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		store:   store,
		gateway: gw,
		applier: applier,
		cfg:     cfg,
		logger:  logger.Component("reconcile"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (r *Reconciler) WithMetrics(m *metrics.ClinicMetrics) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Window returns the (after, before] creation range a run inspects.
func (r *Reconciler) Window() (time.Time, time.Time) {
	now := r.now()
	maxAge := r.cfg.MaxAge
	if !r.cfg.AllowOld && r.cfg.SafetyCutoff > 0 && maxAge > r.cfg.SafetyCutoff {
		maxAge = r.cfg.SafetyCutoff
	}
	return now.Add(-maxAge), now.Add(-r.cfg.MinAge)
}

// Run reconciles one batch. Provider errors are logged and counted; the
// payment is picked up again on the next run.
func (r *Reconciler) Run(ctx context.Context) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.run")
	defer span.End()

	var result ReconcileResult
	after, before := r.Window()

	var pending []scheduling.Payment
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		pending, err = tx.ListProcessing(ctx, after, before, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		r.logger.Error("list processing payments failed", "error", err)
		return result, err
	}
	result.Total = len(pending)

	for i, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && r.cfg.Pause > 0 {
			r.sleep(ctx, r.cfg.Pause)
		}
		updated, err := r.reconcile(ctx, p)
		if err != nil {
			result.Errors++
			r.logger.Warn("reconcile payment failed",
				"payment_id", p.ID,
				"transaction_id", p.TransactionID,
				"error", scheduling.Cause(err),
			)
			continue
		}
		result.Processed++
		if updated {
			result.Updated++
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.total", result.Total),
		attribute.Int("reconcile.updated", result.Updated),
	)
	r.metrics.AddJobItems(JobName, "updated", result.Updated)
	r.metrics.AddJobItems(JobName, "unchanged", result.Processed-result.Updated)
	r.metrics.AddJobItems(JobName, "error", result.Errors)
	if result.Total > 0 {
		r.logger.Info("settlement reconciliation finished",
			"total", result.Total,
			"processed", result.Processed,
			"updated", result.Updated,
			"errors", result.Errors,
		)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, p scheduling.Payment) (bool, error) {
	qr, err := r.gateway.QueryStatus(ctx, p.TransactionID, p.CreatedAt)
	r.metrics.ObserveGatewayCall("query", err)
	if err != nil {
		return false, err
	}
	res, err := r.applier.ApplyQueryResult(ctx, p, qr)
	if err != nil {
		return false, err
	}
	return res != nil, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
