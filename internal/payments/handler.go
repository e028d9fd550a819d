package payments

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/gateway/vnpay"
	"github.com/wolfman30/clinic-booking/internal/http/respond"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler serves the payment endpoints and gateway callbacks.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /payments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid JSON body")
		return
	}
	if req.AppointmentID == uuid.Nil {
		respond.BadRequest(w, "appointment_id is required")
		return
	}
	req.CustomerIP = clientIP(r)

	payment, err := h.service.CreatePayment(r.Context(), req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, payment)
}

// Get handles GET /payments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, payment)
}

// Cancel handles POST /payments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.BadRequest(w, "invalid JSON body")
			return
		}
	}
	payment, err := h.service.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, payment)
}

// Sync handles POST /payments/{id}/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.SyncPayment(r.Context(), id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, payment)
}

// Refund handles POST /payments/{id}/refund.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.BadRequest(w, "invalid JSON body")
			return
		}
	}
	req.ClientIP = clientIP(r)
	payment, err := h.service.RefundPayment(r.Context(), id, req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, payment)
}

// Return handles the patient's browser redirect from the gateway.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, outcome)
}

// IPN handles the gateway's server-to-server notification. The provider
// expects HTTP 200 with its own response codes.
func (h *Handler) IPN(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.HandleCallback(r.Context(), r.URL.Query())
	settled := outcome != nil && outcome.AlreadySettled
	ack := vnpay.IPNAck(err, settled)
	if err != nil {
		h.logger.Warn("ipn rejected", "error", err, "rsp_code", ack.RspCode)
	}
	respond.JSON(w, http.StatusOK, ack)
}

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.BadRequest(w, "invalid payment id")
		return uuid.Nil, false
	}
	return id, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
