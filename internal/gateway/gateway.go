// Package gateway defines the payment provider contract used by the booking
// engine.
package gateway

import (
	"context"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the provider's view of a transaction.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
	StatusUnknown Status = "UNKNOWN"
)

// PaymentURLRequest describes a hosted checkout to create.
type PaymentURLRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	OrderInfo     string
	CustomerIP    string
	CreatedAt     time.Time
	BankCode      string
	Locale        string
}

// PaymentURL is the redirect target for the patient.
type PaymentURL struct {
	URL     string
	Success bool
	Message string
}

// CallbackResult is a verified (or rejected) provider redirect/IPN.
type CallbackResult struct {
	Valid                bool
	TransactionID        string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Status               Status
	ResponseCode         string
	Message              string
	PaidAt               *time.Time
}

// QueryResult is the provider's answer to a status query.
type QueryResult struct {
	Success              bool
	Status               Status
	GatewayTransactionID string
	PaymentDate          *time.Time
	ResponseCode         string
	Message              string
	Raw                  []byte
}

// RefundRequest asks the provider to return money for a settled transaction.
type RefundRequest struct {
	TransactionID        string
	GatewayTransactionID string
	Amount               decimal.Decimal
	FullRefund           bool
	TransactionDate      time.Time
	Reason               string
	RequestedBy          string
	ClientIP             string
}

// RefundResult reports whether the provider accepted the refund.
type RefundResult struct {
	Success             bool
	RefundTransactionID string
	ResponseCode        string
	Message             string
	Raw                 []byte
}

// Gateway is implemented by payment providers.
type Gateway interface {
	CreatePaymentURL(ctx context.Context, req PaymentURLRequest) (*PaymentURL, error)
	VerifyCallback(params url.Values) CallbackResult
	QueryStatus(ctx context.Context, transactionID string, transactionDate time.Time) (*QueryResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Exchange is a raw provider request/response pair kept for audit.
type Exchange struct {
	Provider      string    `json:"provider"`
	Operation     string    `json:"operation"`
	TransactionID string    `json:"transaction_id"`
	Request       []byte    `json:"request,omitempty"`
	Response      []byte    `json:"response,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	At            time.Time `json:"at"`
}

// Recorder persists provider exchanges.
type Recorder interface {
	RecordExchange(ctx context.Context, ex Exchange) error
}
