package handlers

import (
	"context"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking/internal/expiration"
	"github.com/wolfman30/clinic-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-booking/internal/http/respond"
	"github.com/wolfman30/clinic-booking/internal/reconcile"
	"github.com/wolfman30/clinic-booking/internal/worker/scheduler"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

type sweepRunner interface {
	Run(ctx context.Context) (expiration.SweepResult, error)
}

type reconcileRunner interface {
	Run(ctx context.Context) (reconcile.ReconcileResult, error)
}

type jobAuditor interface {
	LogJobRun(ctx context.Context, actor, requestID, job string, rejected bool, result any) error
}

type exclusiveRunner interface {
	Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// AdminJobsHandler lets operators trigger background jobs on demand. Runs
// share the scheduler's no-overlap guard.
type AdminJobsHandler struct {
	jobs       exclusiveRunner
	sweeper    sweepRunner
	reconciler reconcileRunner
	audit      jobAuditor
	logger     *logging.Logger
}

func NewAdminJobsHandler(jobs exclusiveRunner, sweeper sweepRunner, reconciler reconcileRunner, logger *logging.Logger) *AdminJobsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminJobsHandler{
		jobs:       jobs,
		sweeper:    sweeper,
		reconciler: reconciler,
		logger:     logger,
	}
}

// WithAudit records every manual trigger.
func (h *AdminJobsHandler) WithAudit(audit jobAuditor) *AdminJobsHandler {
	h.audit = audit
	return h
}

// ExpirationSweep handles POST /admin/jobs/expiration-sweep.
func (h *AdminJobsHandler) ExpirationSweep(w http.ResponseWriter, r *http.Request) {
	var result expiration.SweepResult
	err := h.jobs.Exclusive(r.Context(), expiration.JobName, func(ctx context.Context) error {
		var err error
		result, err = h.sweeper.Run(ctx)
		return err
	})
	h.finish(w, r, expiration.JobName, result, err)
}

// SettlementReconciliation handles POST /admin/jobs/settlement-reconciliation.
func (h *AdminJobsHandler) SettlementReconciliation(w http.ResponseWriter, r *http.Request) {
	var result reconcile.ReconcileResult
	err := h.jobs.Exclusive(r.Context(), reconcile.JobName, func(ctx context.Context) error {
		var err error
		result, err = h.reconciler.Run(ctx)
		return err
	})
	h.finish(w, r, reconcile.JobName, result, err)
}

func (h *AdminJobsHandler) finish(w http.ResponseWriter, r *http.Request, job string, result any, err error) {
	admin := middleware.AdminSubject(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		h.record(r, admin, job, true, nil)
		respond.JSON(w, http.StatusConflict, respond.ErrorBody{
			Status: http.StatusConflict,
			Code:   "JOB_RUNNING",
			Error:  job + " is already running",
		})
	case err != nil:
		respond.Error(w, h.logger, err)
	default:
		h.logger.Info("job triggered", "job", job, "admin", admin)
		h.record(r, admin, job, false, result)
		respond.JSON(w, http.StatusOK, result)
	}
}

// record never fails the request; the job already ran.
func (h *AdminJobsHandler) record(r *http.Request, admin, job string, rejected bool, result any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.LogJobRun(r.Context(), admin, chimw.GetReqID(r.Context()), job, rejected, result); err != nil {
		h.logger.Error("audit write failed", "job", job, "error", err)
	}
}
