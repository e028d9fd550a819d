package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

type velocityKind string

const (
	velocityPayment velocityKind = "payment"
	velocityRefund  velocityKind = "refund"
)

// VelocityConfig bounds how often one appointment may start a checkout or
// request a refund. A zero limit disables that check.
type VelocityConfig struct {
	MaxPaymentAttempts int
	PaymentWindow      time.Duration
	MaxRefundAttempts  int
	RefundWindow       time.Duration
}

func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxPaymentAttempts: 5,
		PaymentWindow:      time.Hour,
		MaxRefundAttempts:  3,
		RefundWindow:       24 * time.Hour,
	}
}

// VelocityDecision is the outcome of one counted attempt.
type VelocityDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

func (d VelocityDecision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("%d of %d attempts used, retry in %s", d.Count, d.Limit, d.RetryAfter.Round(time.Second))
}

// incrWindow bumps the counter, starts the window on the first hit and
// returns {count, remaining ms}.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// VelocityChecker counts attempts per appointment in Redis fixed windows.
// A nil checker, a nil client, or a Redis error all allow the attempt.
type VelocityChecker struct {
	redis  *redis.Client
	cfg    VelocityConfig
	logger *logging.Logger
}

func NewVelocityChecker(client *redis.Client, cfg VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{redis: client, cfg: cfg, logger: logger.Component("velocity")}
}

func (v *VelocityChecker) CheckPayment(ctx context.Context, appointmentID uuid.UUID) VelocityDecision {
	if v == nil {
		return VelocityDecision{Allowed: true}
	}
	return v.count(ctx, velocityPayment, appointmentID, v.cfg.MaxPaymentAttempts, v.cfg.PaymentWindow)
}

func (v *VelocityChecker) CheckRefund(ctx context.Context, appointmentID uuid.UUID) VelocityDecision {
	if v == nil {
		return VelocityDecision{Allowed: true}
	}
	return v.count(ctx, velocityRefund, appointmentID, v.cfg.MaxRefundAttempts, v.cfg.RefundWindow)
}

func (v *VelocityChecker) count(ctx context.Context, kind velocityKind, appointmentID uuid.UUID, limit int, window time.Duration) VelocityDecision {
	if v.redis == nil || limit <= 0 || window <= 0 {
		return VelocityDecision{Allowed: true}
	}
	ctx, span := tracer.Start(ctx, "payments.velocity")
	defer span.End()
	span.SetAttributes(
		attribute.String("velocity.kind", string(kind)),
		attribute.String("appointment.id", appointmentID.String()),
	)

	key := "velocity:" + string(kind) + ":" + appointmentID.String()
	res, err := incrWindow.Run(ctx, v.redis, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		v.logger.Warn("velocity counter unavailable, allowing attempt", "kind", kind, "appointment_id", appointmentID, "error", err)
		span.RecordError(fmt.Errorf("velocity: %v", err))
		return VelocityDecision{Allowed: true, Limit: limit}
	}

	d := VelocityDecision{
		Allowed:    int(res[0]) <= limit,
		Count:      int(res[0]),
		Limit:      limit,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}
	if !d.Allowed {
		span.SetAttributes(attribute.Bool("velocity.blocked", true))
		v.logger.Warn("velocity limit reached", "kind", kind, "appointment_id", appointmentID, "count", d.Count, "limit", limit)
	}
	return d
}
