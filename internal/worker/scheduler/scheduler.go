// Package scheduler runs background jobs on tickers over a bounded worker
// pool. A job never overlaps itself, and with a Locker configured only one
// node runs a given tick.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// ErrJobRunning is returned when a run is requested while the job is already
// running on this node or holds the lease elsewhere.
var ErrJobRunning = errors.New("scheduler: job already running")

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler dispatches due jobs onto a fixed set of workers.
type Scheduler struct {
	workers    int
	runTimeout time.Duration
	locker     Locker
	metrics    *metrics.ClinicMetrics
	logger     *logging.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool

	queue chan Job
	wg    sync.WaitGroup
}

func New(workers int, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if workers <= 0 {
		workers = 2
	}
	return &Scheduler{
		workers:    workers,
		runTimeout: 4 * time.Minute,
		logger:     logger.Component("scheduler"),
		jobs:       make(map[string]Job),
		running:    make(map[string]bool),
		queue:      make(chan Job, workers),
	}
}

// WithRunTimeout bounds each run.
func (s *Scheduler) WithRunTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.runTimeout = d
	}
	return s
}

func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.ClinicMetrics) *Scheduler {
	s.metrics = m
	return s
}

// Register adds a job. Jobs with a non-positive interval only run on demand.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
}

// Start launches the workers and one ticker per job. Everything stops when
// ctx is done; call Wait to block until in-flight runs finish.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.tick(ctx, job)
	}
	s.logger.Info("scheduler started", "workers", s.workers, "jobs", len(s.jobs))
}

// Wait blocks until the tickers and workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case s.queue <- job:
			case <-ctx.Done():
				return
			default:
				// Every worker is busy; the next tick retries.
				s.metrics.ObserveJobRun(job.Name, "skipped", 0)
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			if err := s.Exclusive(context.WithoutCancel(ctx), job.Name, job.Run); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.Error("job run failed", "job", job.Name, "error", err)
			}
		}
	}
}

// Trigger runs a registered job now, in the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("scheduler: unknown job " + name)
	}
	return s.Exclusive(ctx, job.Name, job.Run)
}

// Exclusive runs fn as job name unless a run of that job is already in
// progress here or, with a Locker, on another node. Runs are bounded by the
// run timeout and are not cancelled when the scheduler stops.
func (s *Scheduler) Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !s.claim(name) {
		s.metrics.ObserveJobRun(name, "skipped", 0)
		return ErrJobRunning
	}
	defer s.unclaim(name)

	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, name, s.runTimeout)
		switch {
		case err != nil:
			s.logger.Warn("job lease unavailable, running locally", "job", name, "error", err)
		case !ok:
			s.metrics.ObserveJobRun(name, "locked", 0)
			return ErrJobRunning
		default:
			defer release()
		}
	}

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveJobRun(name, status, time.Since(start))
	return err
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) unclaim(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}
