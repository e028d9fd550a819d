package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/users"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Queue publishes serialized events for downstream consumers.
type Queue interface {
	Send(ctx context.Context, eventType, body string) error
}

// DeliveryHandler fans outbox entries out to the queue and patient email.
type DeliveryHandler struct {
	queue  Queue
	email  EmailSender
	users  users.Directory
	loc    *time.Location
	logger *logging.Logger
}

// DeliveryConfig wires the handler's collaborators; nil members are skipped.
type DeliveryConfig struct {
	Queue    Queue
	Email    EmailSender
	Users    users.Directory
	Location *time.Location
}

func NewDeliveryHandler(cfg DeliveryConfig, logger *logging.Logger) *DeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &DeliveryHandler{
		queue:  cfg.Queue,
		email:  cfg.Email,
		users:  cfg.Users,
		loc:    loc,
		logger: logger.Component("notify.delivery"),
	}
}

// Handle publishes the envelope and emails the patient. Queue failures are
// returned so the outbox retries; email failures are only logged because the
// queue already accepted the event.
func (h *DeliveryHandler) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if h.queue != nil {
		body, err := json.Marshal(entry.Envelope)
		if err != nil {
			return fmt.Errorf("notify: marshal envelope: %w", err)
		}
		if err := h.queue.Send(ctx, entry.Type, string(body)); err != nil {
			return err
		}
	}

	msg, patientID, err := h.compose(entry)
	if err != nil {
		return err
	}
	if msg == nil || h.email == nil || h.users == nil {
		return nil
	}

	patient, err := h.users.GetUser(ctx, patientID)
	if err != nil {
		h.logger.Warn("patient lookup failed, skipping email", "error", err, "patient_id", patientID, "event_id", entry.ID)
		return nil
	}
	if strings.TrimSpace(patient.Email) == "" {
		return nil
	}
	msg.To = patient.Email
	msg.ToName = patient.FullName
	msg.Category = entry.Type
	msg.Body = fmt.Sprintf("Hi %s,\n\n%s", firstNonEmpty(patient.FullName, "there"), msg.Body)

	if err := h.email.Send(ctx, *msg); err != nil {
		h.logger.Error("patient email failed", "error", err, "event_id", entry.ID, "type", entry.Type)
	}
	return nil
}

func (h *DeliveryHandler) compose(entry events.OutboxEntry) (*EmailMessage, uuid.UUID, error) {
	switch entry.Type {
	case events.TypePaymentSucceeded:
		var evt events.PaymentSucceededV1
		if err := entry.Envelope.Decode(&evt); err != nil {
			return nil, uuid.Nil, err
		}
		patientID, err := uuid.Parse(evt.PatientID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("notify: patient id: %w", err)
		}
		when := evt.AppointmentDate.In(h.loc).Format("Monday, January 2, 2006")
		return &EmailMessage{
			Subject: "Payment received",
			Body: fmt.Sprintf("We received your %s payment of %s (transaction %s) for your appointment on %s.\n",
				strings.ToLower(evt.PaymentType), evt.Amount, evt.TransactionID, when),
		}, patientID, nil
	case events.TypeAppointmentCancelled:
		var evt events.AppointmentCancelledV1
		if err := entry.Envelope.Decode(&evt); err != nil {
			return nil, uuid.Nil, err
		}
		patientID, err := uuid.Parse(evt.PatientID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("notify: patient id: %w", err)
		}
		when := evt.AppointmentDate.In(h.loc).Format("Monday, January 2, 2006")
		body := fmt.Sprintf("Your appointment on %s has been cancelled.", when)
		if evt.Expired {
			body = fmt.Sprintf("Your appointment on %s was released because payment was not completed in time.", when)
		}
		if evt.Reason != "" {
			body += "\nReason: " + evt.Reason
		}
		return &EmailMessage{Subject: "Appointment cancelled", Body: body + "\n"}, patientID, nil
	default:
		h.logger.Debug("no email template for event", "type", entry.Type)
		return nil, uuid.Nil, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
