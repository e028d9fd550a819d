package payments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

func newVelocityRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestVelocityPaymentLimit(t *testing.T) {
	_, client := newVelocityRedis(t)
	cfg := DefaultVelocityConfig()
	cfg.MaxPaymentAttempts = 3
	checker := NewVelocityChecker(client, cfg, nil)
	ctx := context.Background()
	apptID := uuid.New()

	for i := 1; i <= 3; i++ {
		d := checker.CheckPayment(ctx, apptID)
		require.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, i, d.Count)
	}

	d := checker.CheckPayment(ctx, apptID)
	assert.False(t, d.Allowed)
	assert.Equal(t, 4, d.Count)
	assert.Equal(t, 3, d.Limit)
	assert.InDelta(t, time.Hour.Seconds(), d.RetryAfter.Seconds(), 1)
	assert.Contains(t, d.String(), "4 of 3 attempts used")

	assert.True(t, checker.CheckPayment(ctx, uuid.New()).Allowed, "other appointments keep their own counter")
	assert.True(t, checker.CheckRefund(ctx, apptID).Allowed, "refunds count separately")
}

func TestVelocityWindowResets(t *testing.T) {
	mr, client := newVelocityRedis(t)
	cfg := DefaultVelocityConfig()
	cfg.MaxRefundAttempts = 1
	cfg.RefundWindow = time.Hour
	checker := NewVelocityChecker(client, cfg, nil)
	ctx := context.Background()
	apptID := uuid.New()

	require.True(t, checker.CheckRefund(ctx, apptID).Allowed)
	blocked := checker.CheckRefund(ctx, apptID)
	require.False(t, blocked.Allowed)

	mr.FastForward(30 * time.Minute)
	blocked = checker.CheckRefund(ctx, apptID)
	assert.False(t, blocked.Allowed)
	assert.InDelta(t, (30 * time.Minute).Seconds(), blocked.RetryAfter.Seconds(), 1)

	mr.FastForward(31 * time.Minute)
	d := checker.CheckRefund(ctx, apptID)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestVelocityAllowsWhenUnavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	assert.True(t, NewVelocityChecker(client, DefaultVelocityConfig(), nil).CheckPayment(context.Background(), uuid.New()).Allowed)
	assert.True(t, NewVelocityChecker(nil, DefaultVelocityConfig(), nil).CheckPayment(context.Background(), uuid.New()).Allowed)

	var nilChecker *VelocityChecker
	assert.True(t, nilChecker.CheckRefund(context.Background(), uuid.New()).Allowed)

	_, live := newVelocityRedis(t)
	disabled := NewVelocityChecker(live, VelocityConfig{PaymentWindow: time.Hour}, nil)
	for i := 0; i < 10; i++ {
		require.True(t, disabled.CheckPayment(context.Background(), uuid.New()).Allowed)
	}
}

func TestCreatePaymentVelocityLimit(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	_, client := newVelocityRedis(t)
	e.svc.WithVelocity(NewVelocityChecker(client, VelocityConfig{MaxPaymentAttempts: 1, PaymentWindow: time.Hour}, nil))

	e.gw.FailCreate(true)
	_, err := e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentDeposit})
	require.ErrorIs(t, err, scheduling.ErrGateway)

	e.gw.FailCreate(false)
	_, err = e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentDeposit})
	require.ErrorIs(t, err, scheduling.ErrTooManyAttempts)
}
