package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFakeUnavailable is returned by Fake when an operation is set to fail.
var ErrFakeUnavailable = errors.New("gateway: fake provider unavailable")

// Fake is an in-process provider for development and tests. Callbacks are
// valid when they carry the "signature" value "ok".
type Fake struct {
	mu           sync.Mutex
	BaseURL      string
	statuses     map[string]Status
	failCreate   bool
	failQuery    map[string]bool
	failRefund   bool
	QueryCalls   []string
	RefundCalls  []RefundRequest
	CreatedCalls []PaymentURLRequest
}

// NewFake returns a Fake whose transactions report StatusPending until set.
func NewFake() *Fake {
	return &Fake{
		BaseURL:   "https://fake-gateway.local/pay",
		statuses:  make(map[string]Status),
		failQuery: make(map[string]bool),
	}
}

// SetStatus scripts the status QueryStatus reports for a transaction.
func (f *Fake) SetStatus(transactionID string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[transactionID] = status
}

// FailCreate makes CreatePaymentURL return an error.
func (f *Fake) FailCreate(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate = fail
}

// FailQuery makes QueryStatus fail for one transaction.
func (f *Fake) FailQuery(transactionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failQuery[transactionID] = true
}

// FailRefund makes Refund report a provider rejection.
func (f *Fake) FailRefund(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRefund = fail
}

func (f *Fake) CreatePaymentURL(_ context.Context, req PaymentURLRequest) (*PaymentURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreatedCalls = append(f.CreatedCalls, req)
	if f.failCreate {
		return nil, ErrFakeUnavailable
	}
	return &PaymentURL{
		URL:     fmt.Sprintf("%s?txn=%s&amount=%s", f.BaseURL, url.QueryEscape(req.TransactionID), req.Amount.StringFixed(2)),
		Success: true,
	}, nil
}

// CallbackParams builds the parameters a provider redirect would carry.
func CallbackParams(transactionID string, amount decimal.Decimal, success bool) url.Values {
	code := "00"
	if !success {
		code = "24"
	}
	return url.Values{
		"txn":       {transactionID},
		"amount":    {amount.StringFixed(2)},
		"code":      {code},
		"gw_txn":    {"GW-" + transactionID},
		"signature": {"ok"},
	}
}

func (f *Fake) VerifyCallback(params url.Values) CallbackResult {
	result := CallbackResult{
		TransactionID:        params.Get("txn"),
		GatewayTransactionID: params.Get("gw_txn"),
		ResponseCode:         params.Get("code"),
	}
	if params.Get("signature") != "ok" {
		result.Message = "invalid signature"
		return result
	}
	amount, err := decimal.NewFromString(params.Get("amount"))
	if err != nil {
		result.Message = "invalid amount"
		return result
	}
	result.Valid = true
	result.Amount = amount
	if result.ResponseCode == "00" {
		result.Status = StatusSuccess
		now := time.Now().UTC()
		result.PaidAt = &now
	} else {
		result.Status = StatusFailed
	}
	return result
}

func (f *Fake) QueryStatus(_ context.Context, transactionID string, _ time.Time) (*QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls = append(f.QueryCalls, transactionID)
	if f.failQuery[transactionID] {
		return nil, ErrFakeUnavailable
	}
	status, ok := f.statuses[transactionID]
	if !ok {
		status = StatusPending
	}
	result := &QueryResult{Success: true, Status: status, GatewayTransactionID: "GW-" + transactionID}
	if status == StatusSuccess {
		now := time.Now().UTC()
		result.PaymentDate = &now
	}
	return result, nil
}

func (f *Fake) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefundCalls = append(f.RefundCalls, req)
	if f.failRefund {
		return &RefundResult{Success: false, ResponseCode: "94", Message: "refund rejected"}, nil
	}
	return &RefundResult{Success: true, RefundTransactionID: "RF-" + req.TransactionID, ResponseCode: "00"}, nil
}

var _ Gateway = (*Fake)(nil)
