package vnpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

const testSecret = "SECRETKEY123"

func testConfig(apiURL string) Config {
	return Config{
		TmnCode:    "TMN01",
		HashSecret: testSecret,
		PayURL:     "https://sandbox.example/pay",
		APIURL:     apiURL,
		ReturnURL:  "https://clinic.example/payments/vnpay/return",
	}
}

type memoryRecorder struct {
	mu        sync.Mutex
	exchanges []gateway.Exchange
}

func (m *memoryRecorder) RecordExchange(_ context.Context, ex gateway.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	return nil
}

func TestCanonicalQuerySortsAndEncodes(t *testing.T) {
	params := url.Values{
		"vnp_TxnRef":     {"abc"},
		"vnp_Amount":     {"1000000"},
		"vnp_OrderInfo":  {"Dat coc lich hen #1"},
		"vnp_Empty":      {""},
		"vnp_SecureHash": {"ignored"},
	}
	assert.Equal(t, "vnp_Amount=1000000&vnp_OrderInfo=Dat+coc+lich+hen+%231&vnp_TxnRef=abc", canonicalQuery(params))
}

func TestCreatePaymentURLIsVerifiable(t *testing.T) {
	created := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	client := New(testConfig(""), nil)

	out, err := client.CreatePaymentURL(context.Background(), gateway.PaymentURLRequest{
		TransactionID: "20300102030405-abcd1234",
		Amount:        decimal.RequireFromString("150000.00"),
		OrderInfo:     "Deposit for appointment",
		CustomerIP:    "10.0.0.1",
		CreatedAt:     created,
	})
	require.NoError(t, err)
	require.True(t, out.Success)

	parsed, err := url.Parse(out.URL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "15000000", q.Get("vnp_Amount"))
	assert.Equal(t, "20300102100405", q.Get("vnp_CreateDate"))
	assert.Equal(t, "20300102101905", q.Get("vnp_ExpireDate"))
	assert.True(t, verify(testSecret, q))

	q.Set("vnp_Amount", "1")
	assert.False(t, verify(testSecret, q))
}

func TestCreatePaymentURLRequiresCredentials(t *testing.T) {
	client := New(Config{}, nil)
	_, err := client.CreatePaymentURL(context.Background(), gateway.PaymentURLRequest{Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
}

func signedCallback(code, status string) url.Values {
	params := url.Values{
		"vnp_TmnCode":           {"TMN01"},
		"vnp_TxnRef":            {"txn-1"},
		"vnp_Amount":            {"15000000"},
		"vnp_ResponseCode":      {code},
		"vnp_TransactionStatus": {status},
		"vnp_TransactionNo":     {"14123456"},
		"vnp_PayDate":           {"20300102101500"},
		"vnp_OrderInfo":         {"Deposit for appointment"},
	}
	params.Set(paramSecureHash, Sign(testSecret, params))
	return params
}

func TestVerifyCallback(t *testing.T) {
	client := New(testConfig(""), nil)

	ok := client.VerifyCallback(signedCallback("00", "00"))
	require.True(t, ok.Valid)
	assert.Equal(t, gateway.StatusSuccess, ok.Status)
	assert.True(t, ok.Amount.Equal(decimal.NewFromInt(150000)))
	assert.Equal(t, "14123456", ok.GatewayTransactionID)
	require.NotNil(t, ok.PaidAt)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 15, 0, 0, time.UTC), *ok.PaidAt)

	failed := client.VerifyCallback(signedCallback("24", "02"))
	require.True(t, failed.Valid)
	assert.Equal(t, gateway.StatusFailed, failed.Status)
	assert.Equal(t, "customer cancelled", failed.Message)

	tampered := signedCallback("00", "00")
	tampered.Set("vnp_Amount", "100")
	assert.False(t, client.VerifyCallback(tampered).Valid)

	unsigned := signedCallback("00", "00")
	unsigned.Del(paramSecureHash)
	assert.False(t, client.VerifyCallback(unsigned).Valid)
}

func signedResponse(r merchantResponse) merchantResponse {
	r.SecureHash = r.expectedHash(testSecret)
	return r
}

func TestQueryStatus(t *testing.T) {
	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(signedResponse(merchantResponse{
			ResponseID:        "resp-1",
			Command:           "querydr",
			ResponseCode:      "00",
			Message:           "QueryDR Success",
			TmnCode:           "TMN01",
			TxnRef:            got.TxnRef,
			Amount:            "15000000",
			PayDate:           "20300102101500",
			TransactionNo:     "14123456",
			TransactionType:   "01",
			TransactionStatus: "00",
		}))
	}))
	defer srv.Close()

	rec := &memoryRecorder{}
	client := New(testConfig(srv.URL), nil).WithRecorder(rec)
	created := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := client.QueryStatus(context.Background(), "txn-1", created)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, gateway.StatusSuccess, res.Status)
	assert.Equal(t, "14123456", res.GatewayTransactionID)

	assert.Equal(t, "querydr", got.Command)
	assert.Equal(t, "20300102100405", got.TransactionDate)
	want := signFields(testSecret, got.RequestID, got.Version, got.Command, got.TmnCode, got.TxnRef,
		got.TransactionDate, got.CreateDate, got.IPAddr, got.OrderInfo)
	assert.Equal(t, want, got.SecureHash)

	require.Len(t, rec.exchanges, 1)
	assert.Equal(t, "querydr", rec.exchanges[0].Operation)
	assert.Equal(t, "txn-1", rec.exchanges[0].TransactionID)
}

func TestQueryStatusRejectsBadResponseSignature(t *testing.T) {
	for name, hash := range map[string]string{"mismatch": "deadbeef", "missing": ""} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(merchantResponse{
					Command:           "querydr",
					ResponseCode:      "00",
					TransactionStatus: "00",
					SecureHash:        hash,
				})
			}))
			defer srv.Close()

			_, err := New(testConfig(srv.URL), nil).QueryStatus(context.Background(), "txn-1", time.Now())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "signature")
		})
	}
}

func TestRefundRejectsUnsignedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(merchantResponse{Command: "refund", ResponseCode: "00", TransactionNo: "99887766"})
	}))
	defer srv.Close()

	res, err := New(testConfig(srv.URL), nil).Refund(context.Background(), gateway.RefundRequest{
		TransactionID:   "txn-1",
		Amount:          decimal.RequireFromString("45000.00"),
		TransactionDate: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature missing")
	assert.Nil(t, res)
}

func TestQueryStatusMapsPendingAndNotFound(t *testing.T) {
	responses := []merchantResponse{
		{Command: "querydr", ResponseCode: "00", TransactionStatus: "01"},
		{Command: "querydr", ResponseCode: "91", Message: "Transaction not found"},
	}
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(signedResponse(responses[i]))
		i++
	}))
	defer srv.Close()
	client := New(testConfig(srv.URL), nil)

	res, err := client.QueryStatus(context.Background(), "txn-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, res.Status)

	res, err = client.QueryStatus(context.Background(), "txn-2", time.Now())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, gateway.StatusUnknown, res.Status)
}

func TestQueryStatusHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(testConfig(srv.URL), nil).QueryStatus(context.Background(), "txn-1", time.Now())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502"))
}

func TestRefund(t *testing.T) {
	var got refundRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(signedResponse(merchantResponse{
			ResponseID:    "resp-2",
			Command:       "refund",
			ResponseCode:  "00",
			TxnRef:        got.TxnRef,
			Amount:        got.Amount,
			TransactionNo: "99887766",
		}))
	}))
	defer srv.Close()

	res, err := New(testConfig(srv.URL), nil).Refund(context.Background(), gateway.RefundRequest{
		TransactionID:        "txn-1",
		GatewayTransactionID: "14123456",
		Amount:               decimal.RequireFromString("45000.00"),
		TransactionDate:      time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "99887766", res.RefundTransactionID)
	assert.Equal(t, "03", got.TransactionType)
	assert.Equal(t, "4500000", got.Amount)
	assert.Equal(t, "system", got.CreateBy)
}

func TestIPNAck(t *testing.T) {
	assert.Equal(t, "00", IPNAck(nil, false).RspCode)
	assert.Equal(t, "02", IPNAck(nil, true).RspCode)
	assert.Equal(t, "97", IPNAck(scheduling.ErrInvalidSignature, false).RspCode)
	assert.Equal(t, "01", IPNAck(scheduling.Errorf(scheduling.ErrPaymentNotFound, "txn"), false).RspCode)
	assert.Equal(t, "04", IPNAck(scheduling.ErrPaymentAmountMismatch, false).RspCode)
	assert.Equal(t, "99", IPNAck(scheduling.ErrInternal, false).RspCode)
}
