package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

// Store is a single-process scheduling.Store. Row locks are keyed mutexes and
// writes are staged per unit of work, becoming visible only on commit.
type Store struct {
	mu           sync.RWMutex
	slots        map[uuid.UUID]scheduling.Slot
	appointments map[uuid.UUID]scheduling.Appointment
	payments     map[uuid.UUID]scheduling.Payment
	locks        *keyLocks
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		slots:        make(map[uuid.UUID]scheduling.Slot),
		appointments: make(map[uuid.UUID]scheduling.Appointment),
		payments:     make(map[uuid.UUID]scheduling.Payment),
		locks:        newKeyLocks(),
	}
}

var _ scheduling.Store = (*Store)(nil)

// AddSlot seeds a slot outside any unit of work.
func (s *Store) AddSlot(slot scheduling.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.ID] = slot
}

// AddAppointment seeds an appointment outside any unit of work.
func (s *Store) AddAppointment(appt scheduling.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[appt.ID] = appt
}

// AddPayment seeds a payment outside any unit of work.
func (s *Store) AddPayment(p scheduling.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

// Slot returns the committed slot.
func (s *Store) Slot(id uuid.UUID) (scheduling.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	return slot, ok
}

// Appointment returns the committed appointment.
func (s *Store) Appointment(id uuid.UUID) (scheduling.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[id]
	return appt, ok
}

// Payment returns the committed payment.
func (s *Store) Payment(id uuid.UUID) (scheduling.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	return p, ok
}

// Appointments returns every committed appointment.
func (s *Store) Appointments() []scheduling.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scheduling.Appointment, 0, len(s.appointments))
	for _, appt := range s.appointments {
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WithinTx runs fn in a unit of work.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx scheduling.Tx) error) error {
	t := &tx{
		store:        s,
		held:         make(map[string]struct{}),
		slots:        make(map[uuid.UUID]scheduling.Slot),
		appointments: make(map[uuid.UUID]scheduling.Appointment),
		payments:     make(map[uuid.UUID]scheduling.Payment),
	}
	defer t.releaseAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) commitStaged(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[uuid.UUID]scheduling.Payment, len(s.payments)+len(t.payments))
	for id, p := range s.payments {
		merged[id] = p
	}
	for id, p := range t.payments {
		merged[id] = p
	}
	for id, p := range t.payments {
		for otherID, other := range merged {
			if otherID == id {
				continue
			}
			if other.TransactionID == p.TransactionID {
				return fmt.Errorf("memory: duplicate transaction id %s", p.TransactionID)
			}
			if p.Status.Active() && other.Status.Active() &&
				other.AppointmentID == p.AppointmentID && other.PaymentType == p.PaymentType {
				return scheduling.Errorf(scheduling.ErrPaymentAlreadyActive, "appointment %s type %s", p.AppointmentID, p.PaymentType)
			}
		}
	}

	for id, slot := range t.slots {
		s.slots[id] = slot
	}
	for id, appt := range t.appointments {
		s.appointments[id] = appt
	}
	for id, p := range t.payments {
		s.payments[id] = p
	}
	return nil
}
