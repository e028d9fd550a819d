// Package bootstrap assembles the booking engine, its background jobs and
// the HTTP surface from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking/internal/api/router"
	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/archive"
	"github.com/wolfman30/clinic-booking/internal/booking"
	"github.com/wolfman30/clinic-booking/internal/compliance"
	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/expiration"
	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/internal/gateway/vnpay"
	"github.com/wolfman30/clinic-booking/internal/http/handlers"
	"github.com/wolfman30/clinic-booking/internal/notify"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/internal/reconcile"
	"github.com/wolfman30/clinic-booking/internal/refunds"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/store/memory"
	"github.com/wolfman30/clinic-booking/internal/store/postgres"
	"github.com/wolfman30/clinic-booking/internal/users"
	"github.com/wolfman30/clinic-booking/internal/worker/scheduler"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Options carries process-level dependencies the caller already built.
type Options struct {
	// AWS enables SQS, SES and S3 integrations when set.
	AWS *aws.Config
	// Registry defaults to a fresh registry with Go runtime collectors.
	Registry *prometheus.Registry
}

// App is the wired application.
type App struct {
	Config     *appconfig.Config
	Store      scheduling.Store
	Memory     *memory.Store
	Metrics    *metrics.ClinicMetrics
	Registry   *prometheus.Registry
	Booking    *booking.Engine
	Appts      *appointments.Service
	Payments   *payments.Service
	Sweeper    *expiration.Sweeper
	Reconciler *reconcile.Reconciler
	Scheduler  *scheduler.Scheduler
	Dispatcher *notify.Dispatcher
	Deliverer  *events.Deliverer
	Audit      *compliance.AuditService

	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	redis  *redis.Client
	logger *logging.Logger
}

// Build wires every component. With an empty DATABASE_URL the app runs on
// the in-memory store, which is refused outside development.
func Build(ctx context.Context, cfg *appconfig.Config, opts Options, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{Config: cfg, logger: logger, Registry: opts.Registry}
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	app.Metrics = metrics.NewClinicMetrics(app.Registry)
	loc := cfg.ClinicLocation()

	gw, err := buildGateway(cfg, opts.AWS, logger)
	if err != nil {
		return nil, err
	}

	var (
		directory users.Directory
		callbacks events.CallbackLedger
		outbox    *events.OutboxStore
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("bootstrap: DATABASE_URL is required in %q", cfg.Env)
		}
		mem := memory.New()
		app.Memory = mem
		app.Store = mem
		directory = SeedDevelopment(mem, loc, logger)
		callbacks = events.NewMemoryLedger()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		app.pool = pool
		app.sqlDB = stdlib.OpenDBFromPool(pool)
		app.Store = postgres.New(pool)
		directory = users.NewPostgresDirectory(app.sqlDB)
		app.Audit = compliance.NewAuditService(app.sqlDB)
		callbacks = events.NewPostgresLedger(pool)
		outbox = events.NewOutboxStore(pool)
	}

	app.redis = BuildRedisClient(ctx, cfg, logger)
	if app.redis != nil {
		directory = users.NewCachedDirectory(directory, app.redis, cfg.UserCacheTTL, logger)
	}

	delivery := notify.NewDeliveryHandler(notify.DeliveryConfig{
		Queue:    buildQueue(cfg, opts.AWS),
		Email:    buildEmail(cfg, opts.AWS, logger),
		Users:    directory,
		Location: loc,
	}, logger)
	var publisher notify.Publisher = notify.NewDirectPublisher(delivery)
	if outbox != nil {
		publisher = notify.NewOutboxPublisher(outbox)
		app.Deliverer = events.NewDeliverer(outbox, delivery, logger).
			WithInterval(cfg.OutboxInterval).
			WithRetry(cfg.OutboxLease, cfg.OutboxMaxAttempts)
	}
	app.Dispatcher = notify.NewDispatcher(app.Store, publisher, logger)

	policy := refunds.Policy{
		FullRefundNotice: cfg.RefundFullNotice,
		PartialPercent:   cfg.RefundPartialPercent,
		Window:           cfg.RefundWindow,
	}
	apptMachine := appointments.NewMachine(cfg.RequireNotesOnComplete)

	app.Booking = booking.NewEngine(app.Store, directory, booking.Config{
		MaxPendingPerPatient: cfg.MaxPendingPerPatient,
		Location:             loc,
	}, logger).WithMetrics(app.Metrics)

	app.Appts = appointments.NewService(app.Store, apptMachine, policy, logger).
		WithNotifier(app.Dispatcher).
		WithMetrics(app.Metrics).
		WithLocation(loc)

	paySvc := payments.NewService(app.Store, payments.NewMachine(apptMachine), gw, callbacks, payments.Config{
		Provider:       providerName(gw),
		DepositPercent: cfg.DepositPercent,
		Refunds:        policy,
		Location:       loc,
	}, logger).WithNotifier(app.Dispatcher).WithMetrics(app.Metrics)
	if app.redis != nil {
		paySvc = paySvc.WithVelocity(payments.NewVelocityChecker(app.redis, payments.DefaultVelocityConfig(), logger))
	}
	app.Payments = paySvc

	app.Sweeper = expiration.NewSweeper(app.Store, apptMachine, expiration.Config{
		Timeout:   cfg.ExpirationTimeout,
		BatchSize: cfg.ExpirationBatchSize,
	}, logger).WithNotifier(app.Dispatcher).WithMetrics(app.Metrics)

	app.Reconciler = reconcile.NewReconciler(app.Store, gw, app.Payments, reconcile.Config{
		MinAge:       cfg.ReconcileMinAge,
		MaxAge:       cfg.ReconcileMaxAge,
		SafetyCutoff: cfg.ReconcileCutoff,
		AllowOld:     cfg.ReconcileAllowOld,
		Pause:        cfg.ReconcilePause,
		BatchSize:    cfg.ReconcileBatchSize,
	}, logger).WithMetrics(app.Metrics)

	app.Scheduler = scheduler.New(cfg.WorkerCount, logger).
		WithRunTimeout(cfg.JobRunTimeout).
		WithMetrics(app.Metrics)
	if app.redis != nil {
		app.Scheduler = app.Scheduler.WithLocker(scheduler.NewRedisLease(app.redis, ""))
	}
	app.Scheduler.Register(scheduler.Job{
		Name:     expiration.JobName,
		Interval: cfg.ExpirationInterval,
		Run: func(ctx context.Context) error {
			_, err := app.Sweeper.Run(ctx)
			return err
		},
	})
	app.Scheduler.Register(scheduler.Job{
		Name:     reconcile.JobName,
		Interval: cfg.ReconcileInterval,
		Run: func(ctx context.Context) error {
			_, err := app.Reconciler.Run(ctx)
			return err
		},
	})

	return app, nil
}

// Handler builds the HTTP surface.
func (a *App) Handler() http.Handler {
	return router.New(&router.Config{
		Logger:              a.logger,
		BookingHandler:      booking.NewHandler(a.Booking, a.logger),
		AppointmentsHandler: appointments.NewHandler(a.Appts, a.logger),
		PaymentsHandler:     payments.NewHandler(a.Payments, a.logger),
		AdminJobs:           handlers.NewAdminJobsHandler(a.Scheduler, a.Sweeper, a.Reconciler, a.logger).WithAudit(a.Audit),
		AdminAuthSecret:     a.Config.AdminJWTSecret,
		MetricsHandler:      promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins:  a.Config.CORSAllowedOrigins,
		WriteRateLimit:      a.Config.RateLimitRPS,
		WriteBurst:          a.Config.RateLimitBurst,
		TrustProxyHeaders:   a.Config.TrustProxyHeaders,
		HealthCheck:         a.Ping,
	})
}

// Ping checks the database when one is configured.
func (a *App) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// Close waits for in-flight notifications and releases connections.
func (a *App) Close() {
	a.Dispatcher.Wait()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// buildGateway returns the VNPay client. Without credentials it falls back to
// the fake gateway, whose callbacks are unsigned, so that is refused outside
// development.
func buildGateway(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (gateway.Gateway, error) {
	if strings.TrimSpace(cfg.VNPayTmnCode) == "" || strings.TrimSpace(cfg.VNPayHashSecret) == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("bootstrap: VNPAY_TMN_CODE and VNPAY_HASH_SECRET are required in %q", cfg.Env)
		}
		logger.Warn("VNPay credentials not set, using fake gateway")
		return gateway.NewFake(), nil
	}
	client := vnpay.New(vnpay.Config{
		TmnCode:    cfg.VNPayTmnCode,
		HashSecret: cfg.VNPayHashSecret,
		PayURL:     cfg.VNPayPayURL,
		APIURL:     cfg.VNPayAPIURL,
		ReturnURL:  cfg.VNPayReturnURL,
	}, logger)
	if awsCfg != nil && cfg.ArchiveBucket != "" {
		client = client.WithRecorder(archive.NewStore(s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
			o.UsePathStyle = strings.TrimSpace(cfg.AWSEndpointOverride) != ""
		}), cfg.ArchiveBucket, logger))
	}
	return client, nil
}

func providerName(gw gateway.Gateway) string {
	if _, ok := gw.(*gateway.Fake); ok {
		return "fake"
	}
	return "vnpay"
}

func buildQueue(cfg *appconfig.Config, awsCfg *aws.Config) notify.Queue {
	if awsCfg == nil || strings.TrimSpace(cfg.NotifyQueueURL) == "" {
		return nil
	}
	return notify.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.NotifyQueueURL)
}

func buildEmail(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if cfg.SendGridAPIKey != "" {
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	if awsCfg != nil && cfg.SESFromEmail != "" {
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	return notify.NewStubEmailSender(logger)
}
