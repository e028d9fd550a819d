package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/refunds"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.payments")

const refundClaimPrefix = "CLAIM-"

// Notifier is told about payments that reached COMPLETED.
type Notifier interface {
	PaymentSuccess(ctx context.Context, appointmentID, paymentID uuid.UUID)
}

// callbackLedger deduplicates gateway callbacks per provider.
type callbackLedger interface {
	Seen(ctx context.Context, provider, key string) (bool, error)
	Record(ctx context.Context, provider, key string) (bool, error)
}

// Config holds payment pricing and provider settings.
type Config struct {
	Provider       string
	DepositPercent decimal.Decimal
	DefaultMethod  string
	Refunds        refunds.Policy
	Location       *time.Location
}

// CreateRequest starts a checkout for an appointment.
type CreateRequest struct {
	AppointmentID uuid.UUID              `json:"appointment_id"`
	PaymentType   scheduling.PaymentType `json:"payment_type"`
	PaymentMethod string                 `json:"payment_method"`
	BankCode      string                 `json:"bank_code"`
	Locale        string                 `json:"locale"`
	CustomerIP    string                 `json:"-"`
}

// RefundRequest asks for a refund of a settled payment.
type RefundRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
	ClientIP    string `json:"-"`
}

// CallbackOutcome describes how a provider callback was handled.
type CallbackOutcome struct {
	Payment scheduling.Payment `json:"payment"`
	Status  gateway.Status     `json:"gateway_status"`
	// AlreadySettled is set when the payment had left PENDING/PROCESSING
	// before this callback.
	AlreadySettled bool `json:"already_settled"`
	Duplicate      bool `json:"duplicate"`
}

// Service exposes payment operations.
type Service struct {
	store     scheduling.Store
	machine   *Machine
	gateway   gateway.Gateway
	callbacks callbackLedger
	notifier  Notifier
	velocity  *VelocityChecker
	metrics   *metrics.ClinicMetrics
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time
}

func NewService(store scheduling.Store, machine *Machine, gw gateway.Gateway, callbacks callbackLedger, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Provider == "" {
		cfg.Provider = "vnpay"
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = "VNPAY"
	}
	if cfg.DepositPercent.IsZero() {
		cfg.DepositPercent = decimal.NewFromInt(30)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:     store,
		machine:   machine,
		gateway:   gw,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    logger.Component("payments"),
		now:       time.Now,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithVelocity(v *VelocityChecker) *Service {
	s.velocity = v
	return s
}

func (s *Service) WithMetrics(m *metrics.ClinicMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreatePayment records a PENDING payment, asks the gateway for a checkout
// URL outside any transaction, then moves the payment to PROCESSING (or
// FAILED when the gateway refuses).
func (s *Service) CreatePayment(ctx context.Context, req CreateRequest) (*scheduling.Payment, error) {
	ctx, span := tracer.Start(ctx, "payments.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", req.AppointmentID.String()),
		attribute.String("payment.type", string(req.PaymentType)),
	)

	if !req.PaymentType.Valid() {
		return nil, scheduling.Errorf(scheduling.ErrPaymentInvalidType, "%q", req.PaymentType)
	}
	if d := s.velocity.CheckPayment(ctx, req.AppointmentID); !d.Allowed {
		return nil, scheduling.Errorf(scheduling.ErrTooManyAttempts, "checkout: %s", d)
	}

	now := s.now().UTC()
	var payment scheduling.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		appt, err := tx.LockAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		existing, err := tx.LockPaymentsByAppointment(ctx, appt.ID)
		if err != nil {
			return err
		}
		amount, err := s.amountFor(req.PaymentType, appt, existing)
		if err != nil {
			return err
		}
		method := strings.TrimSpace(req.PaymentMethod)
		if method == "" {
			method = s.cfg.DefaultMethod
		}
		payment = scheduling.Payment{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			Amount:        amount,
			PaymentType:   req.PaymentType,
			PaymentMethod: method,
			Status:        scheduling.PaymentPending,
			TransactionID: scheduling.NewTransactionID(now),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertPayment(ctx, &payment)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("create payment", err, "appointment_id", req.AppointmentID)
	}

	urlResp, gwErr := s.gateway.CreatePaymentURL(ctx, gateway.PaymentURLRequest{
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		OrderInfo:     fmt.Sprintf("Appointment %s %s payment", payment.AppointmentID, strings.ToLower(string(payment.PaymentType))),
		CustomerIP:    req.CustomerIP,
		CreatedAt:     now,
		BankCode:      req.BankCode,
		Locale:        req.Locale,
	})
	if gwErr == nil && (urlResp == nil || !urlResp.Success) {
		msg := "gateway declined checkout"
		if urlResp != nil && urlResp.Message != "" {
			msg = urlResp.Message
		}
		gwErr = fmt.Errorf("%s", msg)
	}
	s.metrics.ObserveGatewayCall("create_url", gwErr)

	next := Transition{To: scheduling.PaymentProcessing}
	if gwErr != nil {
		next = Transition{To: scheduling.PaymentFailed, Note: "checkout creation failed: " + gwErr.Error()}
	} else {
		next.PaymentURL = urlResp.URL
	}
	res, err := s.apply(ctx, payment.ID, next)
	if err != nil {
		return nil, s.fail("record checkout", err, "payment_id", payment.ID)
	}
	if gwErr != nil {
		s.logger.Warn("checkout creation failed", "payment_id", payment.ID, "error", gwErr)
		return nil, scheduling.Errorf(scheduling.ErrGateway, "%v", gwErr)
	}
	s.logger.Info("payment created", "payment_id", payment.ID, "appointment_id", payment.AppointmentID,
		"type", payment.PaymentType, "amount", payment.Amount.StringFixed(2))
	return &res.Payment, nil
}

// amountFor prices a new payment of type t and enforces the per-type rules.
func (s *Service) amountFor(t scheduling.PaymentType, appt *scheduling.Appointment, existing []scheduling.Payment) (decimal.Decimal, error) {
	for _, p := range existing {
		if !p.Status.Active() {
			continue
		}
		if p.PaymentType == t || (settlesAppointment(p.PaymentType) && settlesAppointment(t)) {
			return decimal.Zero, scheduling.Errorf(scheduling.ErrPaymentAlreadyActive, "%s payment %s is %s", p.PaymentType, p.ID, p.Status)
		}
	}

	var amount decimal.Decimal
	switch t {
	case scheduling.PaymentDeposit, scheduling.PaymentFull:
		if appt.Status != scheduling.AppointmentPending {
			return decimal.Zero, scheduling.Errorf(scheduling.ErrPaymentInvalidStatus, "appointment is %s", appt.Status)
		}
		amount = appt.ConsultationFee
		if t == scheduling.PaymentDeposit {
			amount = DepositAmount(appt.ConsultationFee, s.cfg.DepositPercent)
		}
	case scheduling.PaymentRemaining:
		if appt.Status != scheduling.AppointmentConfirmed {
			return decimal.Zero, scheduling.Errorf(scheduling.ErrPaymentInvalidStatus, "appointment is %s", appt.Status)
		}
		deposit, ok := completedDeposit(existing)
		if !ok {
			return decimal.Zero, scheduling.Errorf(scheduling.ErrPaymentInvalidStatus, "no completed deposit")
		}
		amount = appt.ConsultationFee.Sub(deposit.Amount)
	}
	if !amount.IsPositive() {
		return decimal.Zero, scheduling.Errorf(scheduling.ErrPaymentAmountInvalid, "amount %s", amount.StringFixed(2))
	}
	return amount, nil
}

// DepositAmount is fee × percent / 100 rounded half-up to two places.
func DepositAmount(fee, percent decimal.Decimal) decimal.Decimal {
	return fee.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}

func settlesAppointment(t scheduling.PaymentType) bool {
	return t == scheduling.PaymentDeposit || t == scheduling.PaymentFull
}

func completedDeposit(payments []scheduling.Payment) (scheduling.Payment, bool) {
	for _, p := range payments {
		if p.PaymentType == scheduling.PaymentDeposit && p.Status == scheduling.PaymentCompleted {
			return p, true
		}
	}
	return scheduling.Payment{}, false
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	var payment *scheduling.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		payment, err = tx.GetPayment(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.fail("get payment", err, "payment_id", id)
	}
	return payment, nil
}

func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*scheduling.Payment, error) {
	note := "cancelled"
	if r := strings.TrimSpace(reason); r != "" {
		note += ": " + r
	}
	res, err := s.apply(ctx, id, Transition{To: scheduling.PaymentCancelled, Note: note})
	if err != nil {
		return nil, s.fail("cancel payment", err, "payment_id", id)
	}
	s.logger.Info("payment cancelled", "payment_id", id)
	return &res.Payment, nil
}

// SyncPayment queries the gateway for a PROCESSING payment and applies any
// settled status. Other statuses are returned untouched.
func (s *Service) SyncPayment(ctx context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	ctx, span := tracer.Start(ctx, "payments.sync")
	defer span.End()

	payment, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != scheduling.PaymentProcessing {
		return payment, nil
	}
	qr, err := s.gateway.QueryStatus(ctx, payment.TransactionID, payment.CreatedAt)
	s.metrics.ObserveGatewayCall("query", err)
	if err != nil {
		return nil, scheduling.Errorf(scheduling.ErrGateway, "query %s: %v", payment.TransactionID, err)
	}
	res, err := s.ApplyQueryResult(ctx, *payment, qr)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return payment, nil
	}
	return &res.Payment, nil
}

// ApplyQueryResult applies a gateway status answer to payment. It returns nil
// when nothing changed.
func (s *Service) ApplyQueryResult(ctx context.Context, payment scheduling.Payment, qr *gateway.QueryResult) (*Result, error) {
	if qr == nil || !qr.Success {
		msg := "empty response"
		if qr != nil {
			msg = qr.ResponseCode + " " + qr.Message
		}
		return nil, scheduling.Errorf(scheduling.ErrGateway, "query %s: %s", payment.TransactionID, strings.TrimSpace(msg))
	}
	target, ok := targetStatus(qr.Status)
	if !ok {
		return nil, nil
	}
	note := fmt.Sprintf("reconciled: gateway reported %s", qr.Status)
	return s.settle(ctx, payment.ID, target, qr.GatewayTransactionID, qr.PaymentDate, note)
}

// HandleCallback processes a provider redirect or IPN.
func (s *Service) HandleCallback(ctx context.Context, params url.Values) (*CallbackOutcome, error) {
	ctx, span := tracer.Start(ctx, "payments.callback")
	defer span.End()

	cb := s.gateway.VerifyCallback(params)
	if !cb.Valid {
		s.logger.Warn("rejected gateway callback", "transaction_id", cb.TransactionID, "reason", cb.Message)
		return nil, scheduling.Errorf(scheduling.ErrInvalidSignature, "%s", cb.Message)
	}
	span.SetAttributes(attribute.String("payment.transaction_id", cb.TransactionID))

	var payment *scheduling.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		payment, err = tx.GetPaymentByTransactionID(ctx, cb.TransactionID)
		return err
	})
	if err != nil {
		return nil, s.fail("lookup callback payment", err, "transaction_id", cb.TransactionID)
	}
	if !cb.Amount.Equal(payment.Amount) {
		return nil, scheduling.Errorf(scheduling.ErrPaymentAmountMismatch, "got %s want %s", cb.Amount.StringFixed(2), payment.Amount.StringFixed(2))
	}

	outcome := &CallbackOutcome{Payment: *payment, Status: cb.Status}
	callbackKey := cb.TransactionID + ":" + cb.ResponseCode
	if s.callbacks != nil {
		seen, err := s.callbacks.Seen(ctx, s.cfg.Provider, callbackKey)
		if err != nil {
			return nil, s.fail("check callback ledger", err, "transaction_id", cb.TransactionID)
		}
		if seen {
			outcome.Duplicate = true
			outcome.AlreadySettled = !payment.Status.Open()
			return outcome, nil
		}
	}
	if !payment.Status.Open() {
		outcome.AlreadySettled = true
		return outcome, nil
	}

	if target, ok := targetStatus(cb.Status); ok {
		note := fmt.Sprintf("gateway callback %s", cb.ResponseCode)
		if cb.Message != "" {
			note += ": " + cb.Message
		}
		res, err := s.settle(ctx, payment.ID, target, cb.GatewayTransactionID, cb.PaidAt, note)
		if err != nil {
			return nil, s.fail("apply callback", err, "transaction_id", cb.TransactionID)
		}
		if res != nil {
			outcome.Payment = res.Payment
		} else {
			outcome.AlreadySettled = true
		}
	}

	if s.callbacks != nil {
		if _, err := s.callbacks.Record(ctx, s.cfg.Provider, callbackKey); err != nil {
			s.logger.Error("failed to record callback", "error", err, "transaction_id", cb.TransactionID)
		}
	}
	return outcome, nil
}

// RefundPayment returns money for a COMPLETED payment under the refund
// policy. The gateway is called outside any transaction; a claim stored on
// the payment keeps concurrent requests from refunding twice.
func (s *Service) RefundPayment(ctx context.Context, id uuid.UUID, req RefundRequest) (*scheduling.Payment, error) {
	ctx, span := tracer.Start(ctx, "payments.refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id.String()))

	now := s.now()
	claim := refundClaimPrefix + uuid.NewString()
	var (
		payment scheduling.Payment
		quote   refunds.Quote
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		peek, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		appt, err := tx.LockAppointment(ctx, peek.AppointmentID)
		if err != nil {
			return err
		}
		locked, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		startsAt := appointments.StartTime(ctx, tx, *appt, s.cfg.Location)
		quote, err = s.cfg.Refunds.QuotePayment(*locked, startsAt, refunds.PricingInstant(*appt, now), now)
		if err != nil {
			return err
		}
		locked.RefundTransactionID = claim
		locked.UpdatedAt = now.UTC()
		payment = *locked
		return tx.UpdatePayment(ctx, locked)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("quote refund", err, "payment_id", id)
	}

	if d := s.velocity.CheckRefund(ctx, payment.AppointmentID); !d.Allowed {
		s.releaseClaim(ctx, id, claim)
		return nil, scheduling.Errorf(scheduling.ErrTooManyAttempts, "refund: %s", d)
	}

	txnDate := payment.CreatedAt
	if payment.PaymentDate != nil {
		txnDate = *payment.PaymentDate
	}
	rr, gwErr := s.gateway.Refund(ctx, gateway.RefundRequest{
		TransactionID:        payment.TransactionID,
		GatewayTransactionID: payment.GatewayTransactionID,
		Amount:               quote.Amount,
		FullRefund:           quote.FullRefund && quote.Amount.Equal(payment.Amount),
		TransactionDate:      txnDate,
		Reason:               req.Reason,
		RequestedBy:          req.RequestedBy,
		ClientIP:             req.ClientIP,
	})
	if gwErr == nil && (rr == nil || !rr.Success) {
		msg := "refund rejected"
		if rr != nil && rr.Message != "" {
			msg = rr.ResponseCode + " " + rr.Message
		}
		gwErr = fmt.Errorf("%s", msg)
	}
	s.metrics.ObserveGatewayCall("refund", gwErr)
	if gwErr != nil {
		s.releaseClaim(ctx, id, claim)
		s.logger.Warn("gateway refund failed", "payment_id", id, "error", gwErr)
		return nil, scheduling.Errorf(scheduling.ErrGateway, "refund %s: %v", payment.TransactionID, gwErr)
	}

	refundID := rr.RefundTransactionID
	if refundID == "" {
		refundID = payment.TransactionID + "-R"
	}
	note := fmt.Sprintf("refunded %s (%s%%)", quote.Amount.StringFixed(2), quote.Percentage.String())
	if r := strings.TrimSpace(req.Reason); r != "" {
		note += ": " + r
	}
	res, err := s.apply(ctx, id, Transition{
		To:                  scheduling.PaymentRefunded,
		RefundAmount:        quote.Amount,
		RefundTransactionID: refundID,
		Note:                note,
	})
	if err != nil {
		s.logger.Error("refund accepted by gateway but not recorded", "payment_id", id, "refund_transaction_id", refundID, "error", err)
		return nil, s.fail("record refund", err, "payment_id", id)
	}
	s.logger.Info("payment refunded", "payment_id", id, "amount", quote.Amount.StringFixed(2), "percentage", quote.Percentage.String())
	return &res.Payment, nil
}

func (s *Service) releaseClaim(ctx context.Context, id uuid.UUID, claim string) {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.RefundTransactionID != claim {
			return nil
		}
		p.RefundTransactionID = ""
		p.UpdatedAt = s.now().UTC()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		s.logger.Error("failed to release refund claim", "payment_id", id, "error", err)
	}
}

// settle moves an open payment to COMPLETED or FAILED, stepping a PENDING
// payment through PROCESSING first. It returns nil when the payment had
// already left PENDING/PROCESSING.
func (s *Service) settle(ctx context.Context, id uuid.UUID, target scheduling.PaymentStatus, gwTxn string, paidAt *time.Time, note string) (*Result, error) {
	var res *Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		peek, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.LockAppointment(ctx, peek.AppointmentID); err != nil {
			return err
		}
		current, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.Open() {
			return nil
		}
		if current.Status == scheduling.PaymentPending && target == scheduling.PaymentCompleted {
			if _, err := s.machine.Apply(ctx, tx, id, Transition{To: scheduling.PaymentProcessing}); err != nil {
				return err
			}
		}
		res, err = s.machine.Apply(ctx, tx, id, Transition{
			To:                   target,
			GatewayTransactionID: gwTxn,
			PaymentDate:          paidAt,
			Note:                 note,
		})
		if res != nil {
			res.From = current.Status
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		s.committed(ctx, res)
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, id uuid.UUID, t Transition) (*Result, error) {
	var res *Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		res, err = s.machine.Apply(ctx, tx, id, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, res)
	return res, nil
}

// committed runs the post-commit side effects of a transition.
func (s *Service) committed(ctx context.Context, res *Result) {
	s.metrics.ObservePaymentTransition(string(res.From), string(res.Payment.Status))
	if res.Appointment != nil {
		s.metrics.ObserveAppointmentTransition(string(res.Appointment.From), string(res.Appointment.Appointment.Status))
		s.logger.Info("appointment confirmed by payment", "appointment_id", res.Appointment.Appointment.ID, "payment_id", res.Payment.ID)
	}
	if res.EnteredCompleted() {
		s.logger.Info("payment completed", "payment_id", res.Payment.ID, "transaction_id", res.Payment.TransactionID)
		if s.notifier != nil {
			s.notifier.PaymentSuccess(ctx, res.Payment.AppointmentID, res.Payment.ID)
		}
	}
}

func (s *Service) fail(action string, err error, args ...any) error {
	err = scheduling.AsInternal(err)
	if scheduling.KindOf(err) == scheduling.KindInternal {
		s.logger.Error(action+" failed", append(args, "error", scheduling.Cause(err))...)
	}
	return err
}

func targetStatus(status gateway.Status) (scheduling.PaymentStatus, bool) {
	switch status {
	case gateway.StatusSuccess:
		return scheduling.PaymentCompleted, true
	case gateway.StatusFailed:
		return scheduling.PaymentFailed, true
	default:
		return "", false
	}
}
