// Package vnpay implements gateway.Gateway for VNPay's hosted checkout and
// merchant query/refund API.
package vnpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.gateway.vnpay")

const (
	providerName = "vnpay"
	apiVersion   = "2.1.0"
	timeLayout   = "20060102150405"

	codeSuccess = "00"
)

// vnpay timestamps are GMT+7 wall clock.
var vnLocation = time.FixedZone("GMT+7", 7*60*60)

// Config holds merchant credentials and endpoints.
type Config struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	APIURL     string
	ReturnURL  string
	// CheckoutTTL bounds how long the hosted page accepts payment.
	CheckoutTTL time.Duration
}

// Client talks to VNPay.
type Client struct {
	cfg        Config
	httpClient *http.Client
	recorder   gateway.Recorder
	logger     *logging.Logger
	now        func() time.Time
}

// New creates a VNPay client.
func New(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 15 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithRecorder archives every merchant API exchange.
func (c *Client) WithRecorder(r gateway.Recorder) *Client {
	c.recorder = r
	return c
}

// WithClock overrides the time source.
func (c *Client) WithClock(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

var _ gateway.Gateway = (*Client)(nil)

func formatTime(t time.Time) string {
	return t.In(vnLocation).Format(timeLayout)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(timeLayout, s, vnLocation)
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// toMinorUnits converts an amount to VNPay's x100 integer encoding.
func toMinorUnits(amount decimal.Decimal) string {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).String()
}

func fromMinorUnits(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	return v.Div(decimal.NewFromInt(100)), nil
}

func (c *Client) CreatePaymentURL(ctx context.Context, req gateway.PaymentURLRequest) (*gateway.PaymentURL, error) {
	_, span := tracer.Start(ctx, "vnpay.create_payment_url")
	defer span.End()
	span.SetAttributes(attribute.String("payment.transaction_id", req.TransactionID))

	if c.cfg.TmnCode == "" || c.cfg.HashSecret == "" {
		return nil, fmt.Errorf("vnpay: merchant credentials not configured")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("vnpay: amount must be positive")
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	locale := req.Locale
	if locale == "" {
		locale = "vn"
	}
	ip := req.CustomerIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", apiVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", c.cfg.TmnCode)
	params.Set("vnp_Amount", toMinorUnits(req.Amount))
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", req.TransactionID)
	params.Set("vnp_OrderInfo", req.OrderInfo)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", locale)
	params.Set("vnp_ReturnUrl", c.cfg.ReturnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", formatTime(created))
	params.Set("vnp_ExpireDate", formatTime(created.Add(c.cfg.CheckoutTTL)))
	if req.BankCode != "" {
		params.Set("vnp_BankCode", req.BankCode)
	}

	query := canonicalQuery(params)
	signed := query + "&" + paramSecureHash + "=" + hmacSHA512(c.cfg.HashSecret, query)
	return &gateway.PaymentURL{
		URL:     c.cfg.PayURL + "?" + signed,
		Success: true,
	}, nil
}

func (c *Client) VerifyCallback(params url.Values) gateway.CallbackResult {
	result := gateway.CallbackResult{
		TransactionID:        params.Get("vnp_TxnRef"),
		GatewayTransactionID: params.Get("vnp_TransactionNo"),
		ResponseCode:         params.Get("vnp_ResponseCode"),
	}
	if !verify(c.cfg.HashSecret, params) {
		result.Message = "invalid signature"
		return result
	}
	amount, err := fromMinorUnits(params.Get("vnp_Amount"))
	if err != nil {
		result.Message = "invalid amount"
		return result
	}
	result.Valid = true
	result.Amount = amount
	result.PaidAt = parseTime(params.Get("vnp_PayDate"))

	txnStatus := params.Get("vnp_TransactionStatus")
	if result.ResponseCode == codeSuccess && (txnStatus == "" || txnStatus == codeSuccess) {
		result.Status = gateway.StatusSuccess
	} else {
		result.Status = gateway.StatusFailed
		result.Message = responseMessage(result.ResponseCode)
	}
	return result
}

type queryRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TxnRef          string `json:"vnp_TxnRef"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	SecureHash      string `json:"vnp_SecureHash"`
}

type merchantResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

func (r merchantResponse) expectedHash(secret string) string {
	if r.Command == "refund" {
		return signFields(secret, r.ResponseID, r.Command, r.ResponseCode, r.Message, r.TmnCode, r.TxnRef,
			r.Amount, r.BankCode, r.PayDate, r.TransactionNo, r.TransactionType, r.TransactionStatus, r.OrderInfo)
	}
	return signFields(secret, r.ResponseID, r.Command, r.ResponseCode, r.Message, r.TmnCode, r.TxnRef,
		r.Amount, r.BankCode, r.PayDate, r.TransactionNo, r.TransactionType, r.TransactionStatus, r.OrderInfo,
		r.PromotionCode, r.PromotionAmount)
}

func (c *Client) QueryStatus(ctx context.Context, transactionID string, transactionDate time.Time) (*gateway.QueryResult, error) {
	ctx, span := tracer.Start(ctx, "vnpay.query_status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.transaction_id", transactionID))

	now := c.now()
	req := queryRequest{
		RequestID:       newRequestID(),
		Version:         apiVersion,
		Command:         "querydr",
		TmnCode:         c.cfg.TmnCode,
		TxnRef:          transactionID,
		OrderInfo:       "Query transaction " + transactionID,
		TransactionDate: formatTime(transactionDate),
		CreateDate:      formatTime(now),
		IPAddr:          "127.0.0.1",
	}
	req.SecureHash = signFields(c.cfg.HashSecret, req.RequestID, req.Version, req.Command, req.TmnCode,
		req.TxnRef, req.TransactionDate, req.CreateDate, req.IPAddr, req.OrderInfo)

	resp, raw, err := c.post(ctx, "querydr", transactionID, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &gateway.QueryResult{
		Success:              resp.ResponseCode == codeSuccess,
		ResponseCode:         resp.ResponseCode,
		Message:              resp.Message,
		GatewayTransactionID: resp.TransactionNo,
		PaymentDate:          parseTime(resp.PayDate),
		Raw:                  raw,
		Status:               gateway.StatusUnknown,
	}
	if result.Success {
		result.Status = mapTransactionStatus(resp.TransactionStatus)
	}
	span.SetAttributes(attribute.String("vnpay.transaction_status", resp.TransactionStatus))
	return result, nil
}

type refundRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TransactionType string `json:"vnp_TransactionType"`
	TxnRef          string `json:"vnp_TxnRef"`
	Amount          string `json:"vnp_Amount"`
	TransactionNo   string `json:"vnp_TransactionNo"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateBy        string `json:"vnp_CreateBy"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	SecureHash      string `json:"vnp_SecureHash"`
}

func (c *Client) Refund(ctx context.Context, in gateway.RefundRequest) (*gateway.RefundResult, error) {
	ctx, span := tracer.Start(ctx, "vnpay.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.transaction_id", in.TransactionID),
		attribute.String("payment.refund_amount", in.Amount.StringFixed(2)),
	)

	txnType := "03"
	if in.FullRefund {
		txnType = "02"
	}
	createBy := in.RequestedBy
	if createBy == "" {
		createBy = "system"
	}
	ip := in.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	orderInfo := in.Reason
	if orderInfo == "" {
		orderInfo = "Refund " + in.TransactionID
	}

	req := refundRequest{
		RequestID:       newRequestID(),
		Version:         apiVersion,
		Command:         "refund",
		TmnCode:         c.cfg.TmnCode,
		TransactionType: txnType,
		TxnRef:          in.TransactionID,
		Amount:          toMinorUnits(in.Amount),
		TransactionNo:   in.GatewayTransactionID,
		TransactionDate: formatTime(in.TransactionDate),
		CreateBy:        createBy,
		CreateDate:      formatTime(c.now()),
		IPAddr:          ip,
		OrderInfo:       orderInfo,
	}
	req.SecureHash = signFields(c.cfg.HashSecret, req.RequestID, req.Version, req.Command, req.TmnCode,
		req.TransactionType, req.TxnRef, req.Amount, req.TransactionNo, req.TransactionDate, req.CreateBy,
		req.CreateDate, req.IPAddr, req.OrderInfo)

	resp, raw, err := c.post(ctx, "refund", in.TransactionID, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &gateway.RefundResult{
		Success:             resp.ResponseCode == codeSuccess,
		RefundTransactionID: resp.TransactionNo,
		ResponseCode:        resp.ResponseCode,
		Message:             resp.Message,
		Raw:                 raw,
	}, nil
}

func (c *Client) post(ctx context.Context, operation, transactionID string, body any) (*merchantResponse, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("vnpay: %s marshal: %w", operation, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("vnpay: %s request: %w", operation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("vnpay: %s http: %w", operation, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	c.record(ctx, gateway.Exchange{
		Provider:      providerName,
		Operation:     operation,
		TransactionID: transactionID,
		Request:       payload,
		Response:      raw,
		StatusCode:    resp.StatusCode,
		At:            c.now().UTC(),
	})

	if resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("vnpay api error", "operation", operation, "status", resp.StatusCode, "transaction_id", transactionID)
		return nil, raw, fmt.Errorf("vnpay: %s api status %d", operation, resp.StatusCode)
	}

	var parsed merchantResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, raw, fmt.Errorf("vnpay: %s decode: %w", operation, err)
	}
	if parsed.SecureHash == "" {
		return nil, raw, fmt.Errorf("vnpay: %s response signature missing", operation)
	}
	if !strings.EqualFold(parsed.SecureHash, parsed.expectedHash(c.cfg.HashSecret)) {
		return nil, raw, fmt.Errorf("vnpay: %s response signature mismatch", operation)
	}
	return &parsed, raw, nil
}

func (c *Client) record(ctx context.Context, ex gateway.Exchange) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordExchange(ctx, ex); err != nil {
		c.logger.Warn("vnpay exchange archive failed", "error", err, "operation", ex.Operation, "transaction_id", ex.TransactionID)
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
}

func mapTransactionStatus(code string) gateway.Status {
	switch code {
	case "00":
		return gateway.StatusSuccess
	case "01":
		return gateway.StatusPending
	case "02":
		return gateway.StatusFailed
	default:
		return gateway.StatusUnknown
	}
}

func responseMessage(code string) string {
	switch code {
	case "07":
		return "transaction flagged as suspicious"
	case "09":
		return "card not registered for internet banking"
	case "10":
		return "card authentication failed"
	case "11":
		return "payment window expired"
	case "12":
		return "card or account locked"
	case "24":
		return "customer cancelled"
	case "51":
		return "insufficient funds"
	case "65":
		return "daily limit exceeded"
	default:
		return "payment failed with code " + strconv.Quote(code)
	}
}
