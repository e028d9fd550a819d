package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/users"
)

type recordingSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (r *recordingSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return nil, r.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

type recordingEmail struct {
	sent []EmailMessage
	err  error
}

func (r *recordingEmail) Send(_ context.Context, msg EmailMessage) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func paymentEntry(t *testing.T, patientID uuid.UUID) events.OutboxEntry {
	t.Helper()
	env, err := events.NewEnvelope("appointment:a1", events.PaymentSucceededV1{
		AppointmentID:   "a1",
		PaymentID:       "p1",
		PatientID:       patientID.String(),
		PaymentType:     "DEPOSIT",
		Amount:          "150000.00",
		TransactionID:   "txn-1",
		AppointmentDate: time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return events.OutboxEntry{ID: env.EventID, Aggregate: env.Aggregate, Type: env.EventType, Envelope: env}
}

func TestDeliveryHandlerPublishesAndEmails(t *testing.T) {
	patient := users.User{ID: uuid.New(), FullName: "Lan Pham", Email: "lan@example.com", IsActive: true, Roles: []users.Role{users.RolePatient}}
	client := &recordingSQS{}
	email := &recordingEmail{}
	h := NewDeliveryHandler(DeliveryConfig{
		Queue: NewSQSQueue(client, "http://localhost:4566/000000000000/notifications"),
		Email: email,
		Users: users.NewStaticDirectory(patient),
	}, nil)

	require.NoError(t, h.Handle(context.Background(), paymentEntry(t, patient.ID)))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, events.TypePaymentSucceeded, aws.ToString(client.inputs[0].MessageAttributes["event_type"].StringValue))
	assert.Contains(t, aws.ToString(client.inputs[0].MessageBody), `"payment_id":"p1"`)

	require.Len(t, email.sent, 1)
	assert.Equal(t, "lan@example.com", email.sent[0].To)
	assert.Equal(t, "Payment received", email.sent[0].Subject)
	assert.True(t, strings.HasPrefix(email.sent[0].Body, "Hi Lan Pham,"))
	assert.Contains(t, email.sent[0].Body, "150000.00")
}

func TestDeliveryHandlerQueueFailureIsReturned(t *testing.T) {
	email := &recordingEmail{}
	h := NewDeliveryHandler(DeliveryConfig{
		Queue: NewSQSQueue(&recordingSQS{err: errors.New("unavailable")}, "q"),
		Email: email,
	}, nil)

	err := h.Handle(context.Background(), paymentEntry(t, uuid.New()))
	require.Error(t, err)
	assert.Empty(t, email.sent)
}

func TestDeliveryHandlerEmailFailureIsSwallowed(t *testing.T) {
	patient := users.User{ID: uuid.New(), FullName: "Lan", Email: "lan@example.com"}
	h := NewDeliveryHandler(DeliveryConfig{
		Email: &recordingEmail{err: errors.New("smtp down")},
		Users: users.NewStaticDirectory(patient),
	}, nil)

	assert.NoError(t, h.Handle(context.Background(), paymentEntry(t, patient.ID)))
}

func TestDeliveryHandlerUnknownPatientSkipsEmail(t *testing.T) {
	email := &recordingEmail{}
	h := NewDeliveryHandler(DeliveryConfig{Email: email, Users: users.NewStaticDirectory()}, nil)

	assert.NoError(t, h.Handle(context.Background(), paymentEntry(t, uuid.New())))
	assert.Empty(t, email.sent)
}

func TestDeliveryHandlerExpiredCancellationCopy(t *testing.T) {
	patient := users.User{ID: uuid.New(), FullName: "Minh", Email: "minh@example.com"}
	email := &recordingEmail{}
	h := NewDeliveryHandler(DeliveryConfig{Email: email, Users: users.NewStaticDirectory(patient)}, nil)

	env, err := events.NewEnvelope("appointment:a2", events.AppointmentCancelledV1{
		AppointmentID: "a2",
		PatientID:     patient.ID.String(),
		Expired:       true,
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), events.OutboxEntry{ID: env.EventID, Type: env.EventType, Envelope: env}))
	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Body, "payment was not completed in time")
}
