package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

type tx struct {
	store *Store
	held  map[string]struct{}
	order []string

	slots        map[uuid.UUID]scheduling.Slot
	appointments map[uuid.UUID]scheduling.Appointment
	payments     map[uuid.UUID]scheduling.Payment
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.store.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	t.order = append(t.order, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.locks.release(t.order[i])
	}
	t.order = nil
	t.held = map[string]struct{}{}
}

func (t *tx) commit() error {
	if len(t.slots) == 0 && len(t.appointments) == 0 && len(t.payments) == 0 {
		return nil
	}
	return t.store.commitStaged(t)
}

// slot, appointment and payment read staged state first.

func (t *tx) slot(id uuid.UUID) (scheduling.Slot, bool) {
	if slot, ok := t.slots[id]; ok {
		return slot, true
	}
	return t.store.Slot(id)
}

func (t *tx) appointment(id uuid.UUID) (scheduling.Appointment, bool) {
	if appt, ok := t.appointments[id]; ok {
		return appt, true
	}
	return t.store.Appointment(id)
}

func (t *tx) payment(id uuid.UUID) (scheduling.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	return t.store.Payment(id)
}

func (t *tx) allAppointments() []scheduling.Appointment {
	t.store.mu.RLock()
	merged := make(map[uuid.UUID]scheduling.Appointment, len(t.store.appointments)+len(t.appointments))
	for id, appt := range t.store.appointments {
		merged[id] = appt
	}
	t.store.mu.RUnlock()
	for id, appt := range t.appointments {
		merged[id] = appt
	}
	out := make([]scheduling.Appointment, 0, len(merged))
	for _, appt := range merged {
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *tx) allPayments() []scheduling.Payment {
	t.store.mu.RLock()
	merged := make(map[uuid.UUID]scheduling.Payment, len(t.store.payments)+len(t.payments))
	for id, p := range t.store.payments {
		merged[id] = p
	}
	t.store.mu.RUnlock()
	for id, p := range t.payments {
		merged[id] = p
	}
	out := make([]scheduling.Payment, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *tx) LockSlot(ctx context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	if _, ok := t.slot(id); !ok {
		return nil, scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
	}
	if err := t.lock(ctx, "slot:"+id.String()); err != nil {
		return nil, err
	}
	slot, _ := t.slot(id)
	return &slot, nil
}

func (t *tx) GetSlot(_ context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	slot, ok := t.slot(id)
	if !ok {
		return nil, scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
	}
	return &slot, nil
}

func (t *tx) SetSlotAvailable(_ context.Context, id uuid.UUID, available bool) error {
	slot, ok := t.slot(id)
	if !ok {
		return scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
	}
	slot.IsAvailable = available
	slot.UpdatedAt = time.Now().UTC()
	t.slots[id] = slot
	return nil
}

func (t *tx) InsertAppointment(_ context.Context, appt *scheduling.Appointment) error {
	t.appointments[appt.ID] = *appt
	return nil
}

func (t *tx) GetAppointment(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	appt, ok := t.appointment(id)
	if !ok {
		return nil, scheduling.Errorf(scheduling.ErrAppointmentNotFound, "appointment %s", id)
	}
	return &appt, nil
}

func (t *tx) LockAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	if _, ok := t.appointment(id); !ok {
		return nil, scheduling.Errorf(scheduling.ErrAppointmentNotFound, "appointment %s", id)
	}
	if err := t.lock(ctx, "appointment:"+id.String()); err != nil {
		return nil, err
	}
	appt, _ := t.appointment(id)
	return &appt, nil
}

func (t *tx) UpdateAppointment(_ context.Context, appt *scheduling.Appointment) error {
	if _, ok := t.appointment(appt.ID); !ok {
		return scheduling.Errorf(scheduling.ErrAppointmentNotFound, "appointment %s", appt.ID)
	}
	t.appointments[appt.ID] = *appt
	return nil
}

func (t *tx) CountAppointmentsByStatus(_ context.Context, patientID uuid.UUID, status scheduling.AppointmentStatus) (int, error) {
	count := 0
	for _, appt := range t.allAppointments() {
		if appt.PatientID == patientID && appt.Status == status {
			count++
		}
	}
	return count, nil
}

func (t *tx) HasOverlappingAppointment(_ context.Context, patientID uuid.UUID, slot scheduling.Slot) (bool, error) {
	for _, appt := range t.allAppointments() {
		if appt.PatientID != patientID || appt.Status == scheduling.AppointmentCancelled {
			continue
		}
		booked, ok := t.slot(appt.SlotID)
		if !ok {
			continue
		}
		if booked.Overlaps(slot) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) SlotHasLiveAppointment(_ context.Context, slotID uuid.UUID) (bool, error) {
	for _, appt := range t.allAppointments() {
		if appt.SlotID == slotID && appt.Status != scheduling.AppointmentCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]scheduling.Appointment, error) {
	var out []scheduling.Appointment
	for _, appt := range t.allAppointments() {
		if appt.Status != scheduling.AppointmentPending || !appt.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, appt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) InsertPayment(_ context.Context, p *scheduling.Payment) error {
	for _, other := range t.allPayments() {
		if other.TransactionID == p.TransactionID {
			return scheduling.Errorf(scheduling.ErrPaymentAlreadyActive, "transaction %s exists", p.TransactionID)
		}
		if other.AppointmentID == p.AppointmentID && other.PaymentType == p.PaymentType && other.Status.Active() {
			return scheduling.Errorf(scheduling.ErrPaymentAlreadyActive, "appointment %s type %s", p.AppointmentID, p.PaymentType)
		}
	}
	t.payments[p.ID] = *p
	return nil
}

func (t *tx) GetPayment(_ context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	p, ok := t.payment(id)
	if !ok {
		return nil, scheduling.Errorf(scheduling.ErrPaymentNotFound, "payment %s", id)
	}
	return &p, nil
}

func (t *tx) GetPaymentByTransactionID(_ context.Context, transactionID string) (*scheduling.Payment, error) {
	for _, p := range t.allPayments() {
		if p.TransactionID == transactionID {
			return &p, nil
		}
	}
	return nil, scheduling.Errorf(scheduling.ErrPaymentNotFound, "transaction %s", transactionID)
}

func (t *tx) LockPayment(ctx context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	if _, ok := t.payment(id); !ok {
		return nil, scheduling.Errorf(scheduling.ErrPaymentNotFound, "payment %s", id)
	}
	if err := t.lock(ctx, "payment:"+id.String()); err != nil {
		return nil, err
	}
	p, _ := t.payment(id)
	return &p, nil
}

func (t *tx) UpdatePayment(_ context.Context, p *scheduling.Payment) error {
	if _, ok := t.payment(p.ID); !ok {
		return scheduling.Errorf(scheduling.ErrPaymentNotFound, "payment %s", p.ID)
	}
	t.payments[p.ID] = *p
	return nil
}

func (t *tx) ListPaymentsByAppointment(_ context.Context, appointmentID uuid.UUID) ([]scheduling.Payment, error) {
	var out []scheduling.Payment
	for _, p := range t.allPayments() {
		if p.AppointmentID == appointmentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *tx) LockPaymentsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]scheduling.Payment, error) {
	payments, err := t.ListPaymentsByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	out := make([]scheduling.Payment, 0, len(payments))
	for _, p := range payments {
		locked, err := t.LockPayment(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *locked)
	}
	return out, nil
}

func (t *tx) ListProcessing(_ context.Context, createdAfter, createdBefore time.Time, limit int) ([]scheduling.Payment, error) {
	var out []scheduling.Payment
	for _, p := range t.allPayments() {
		if p.Status != scheduling.PaymentProcessing {
			continue
		}
		if !p.CreatedAt.After(createdAfter) || p.CreatedAt.After(createdBefore) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
