package booking

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/http/respond"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Handler serves POST /appointments.
type Handler struct {
	engine *Engine
	logger *logging.Logger
}

func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid JSON body")
		return
	}
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil || req.SlotID == uuid.Nil {
		respond.BadRequest(w, "patient_id, doctor_id and slot_id are required")
		return
	}

	view, err := h.engine.CreateAppointment(r.Context(), req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, view)
}
