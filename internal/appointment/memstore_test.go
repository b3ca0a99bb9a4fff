package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

// memStore is an in-memory Repository. Its mutex plays the role of the
// slot row lock so reservation races behave like Postgres.
type memStore struct {
	mu     sync.Mutex
	slots  map[uuid.UUID]*memSlot
	appts  map[uuid.UUID]*Appointment
	events []EventLog
}

type memSlot struct {
	Slot
	withdrawn bool
}

func newMemStore() *memStore {
	return &memStore{
		slots: map[uuid.UUID]*memSlot{},
		appts: map[uuid.UUID]*Appointment{},
	}
}

func (m *memStore) statusLocked(id uuid.UUID) SlotStatus {
	s := m.slots[id]
	if s.withdrawn {
		return SlotCancelled
	}
	for _, a := range m.appts {
		if a.SlotID == id && !a.Status.Terminal() {
			return SlotBooked
		}
	}
	return SlotAvailable
}

func (m *memStore) slotLocked(id uuid.UUID) Slot {
	s := m.slots[id].Slot
	s.Status = m.statusLocked(id)
	return s
}

func (m *memStore) usageLocked(id uuid.UUID) (active, total int) {
	for _, a := range m.appts {
		if a.SlotID != id {
			continue
		}
		total++
		if !a.Status.Terminal() {
			active++
		}
	}
	return active, total
}

// addSlot seeds a slot directly, bypassing validation.
func (m *memStore) addSlot(therapistID uuid.UUID, start time.Time, d time.Duration) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSlot{Slot: Slot{
		ID:            uuid.New(),
		TherapistID:   therapistID,
		ServiceMenuID: uuid.New(),
		StartTime:     start,
		EndTime:       start.Add(d),
	}}
	m.slots[s.ID] = s
	return m.slotLocked(s.ID)
}

// addAppointment seeds an appointment in any status.
func (m *memStore) addAppointment(slotID, companyID, requestedBy uuid.UUID, status AppointmentStatus) *Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &Appointment{
		ID:          uuid.New(),
		SlotID:      slotID,
		CompanyID:   companyID,
		RequestedBy: requestedBy,
		Employee:    ExternalRecord{Name: "Hanako"},
		Symptoms:    []string{},
		Status:      status,
	}
	if status == StatusRejected {
		r := "seeded"
		a.RejectionReason = &r
	}
	m.appts[a.ID] = a
	cp := *a
	return &cp
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memStore) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[id]; !ok {
		return nil, ErrSlotNotFound
	}
	s := m.slotLocked(id)
	return &s, nil
}

func (m *memStore) ListSlots(_ context.Context, f SlotFilter) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Slot{}
	for id := range m.slots {
		s := m.slotLocked(id)
		if s.StartTime.Before(f.From) {
			continue
		}
		if f.TherapistID != nil && s.TherapistID != *f.TherapistID {
			continue
		}
		if f.CompanyID != nil && s.CompanyID != nil && *s.CompanyID != *f.CompanyID {
			continue
		}
		if f.OpenOnly && s.CompanyID != nil {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return page(out, f.Limit, f.Offset), nil
}

func (m *memStore) ListLiveSlotsBetween(_ context.Context, therapistID uuid.UUID, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Slot{}
	for id, s := range m.slots {
		if s.withdrawn || s.TherapistID != therapistID {
			continue
		}
		if timerules.Overlaps(from, to, s.StartTime, s.EndTime) {
			out = append(out, m.slotLocked(id))
		}
	}
	return out, nil
}

func (m *memStore) overlapsLocked(therapistID, self uuid.UUID, start, end time.Time) bool {
	for id, s := range m.slots {
		if id == self || s.withdrawn || s.TherapistID != therapistID {
			continue
		}
		if timerules.Overlaps(start, end, s.StartTime, s.EndTime) {
			return true
		}
	}
	return false
}

func (m *memStore) InsertSlot(_ context.Context, ns NewSlot) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overlapsLocked(ns.TherapistID, uuid.Nil, ns.StartTime, ns.EndTime) {
		return nil, ErrOverlappingSlot
	}
	s := &memSlot{Slot: Slot{
		ID:            uuid.New(),
		TherapistID:   ns.TherapistID,
		ServiceMenuID: ns.ServiceMenuID,
		CompanyID:     ns.CompanyID,
		StartTime:     ns.StartTime,
		EndTime:       ns.EndTime,
	}}
	m.slots[s.ID] = s
	out := m.slotLocked(s.ID)
	return &out, nil
}

func (m *memStore) UpdateSlot(_ context.Context, id uuid.UUID, ch SlotChanges) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.withdrawn {
		return nil, ErrSlotNotAvailable
	}
	if active, _ := m.usageLocked(id); active > 0 {
		return nil, ErrSlotHasActiveAppointment
	}
	if m.overlapsLocked(s.TherapistID, id, ch.StartTime, ch.EndTime) {
		return nil, ErrOverlappingSlot
	}
	s.ServiceMenuID = ch.ServiceMenuID
	s.StartTime = ch.StartTime
	s.EndTime = ch.EndTime
	out := m.slotLocked(id)
	return &out, nil
}

func (m *memStore) DeleteSlot(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return false, ErrSlotNotFound
	}
	if s.withdrawn {
		return false, ErrSlotNotAvailable
	}
	active, total := m.usageLocked(id)
	if active > 0 {
		return false, ErrSlotHasActiveAppointment
	}
	if total > 0 {
		s.withdrawn = true
		return true, nil
	}
	delete(m.slots, id)
	return false, nil
}

func (m *memStore) ReserveSlot(_ context.Context, na NewAppointment, check SlotCheck) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[na.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.withdrawn {
		return nil, fmt.Errorf("%w: slot has been withdrawn", ErrSlotNotAvailable)
	}
	if check != nil {
		if err := check(LockedSlot{StartTime: s.StartTime, EndTime: s.EndTime, CompanyID: s.CompanyID}); err != nil {
			return nil, err
		}
	}
	if active, _ := m.usageLocked(na.SlotID); active > 0 {
		return nil, fmt.Errorf("%w: slot already has an active appointment", ErrSlotNotAvailable)
	}
	now := time.Now()
	a := &Appointment{
		ID:          na.ID,
		SlotID:      na.SlotID,
		CompanyID:   na.CompanyID,
		RequestedBy: na.RequestedBy,
		Employee:    na.Employee,
		Symptoms:    na.Symptoms,
		Notes:       na.Notes,
		Status:      na.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.appts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *memStore) detailLocked(a *Appointment) AppointmentDetail {
	return AppointmentDetail{Appointment: *a, Slot: m.slotLocked(a.SlotID)}
}

func (m *memStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d := m.detailLocked(a)
	return &d, nil
}

func (m *memStore) ListAppointments(_ context.Context, f AppointmentFilter) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []AppointmentDetail{}
	for _, a := range m.appts {
		d := m.detailLocked(a)
		if f.TherapistID != nil && d.Slot.TherapistID != *f.TherapistID {
			continue
		}
		if f.CompanyID != nil && d.CompanyID != *f.CompanyID {
			continue
		}
		if f.EmployeeUserID != nil {
			if linked := d.LinkedEmployeeID(); linked == nil || *linked != *f.EmployeeUserID {
				continue
			}
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.StartTime.After(out[j].Slot.StartTime) })
	return page(out, f.Limit, f.Offset), nil
}

func (m *memStore) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, fmt.Errorf("%w: appointment %s is no longer %s", ErrIllegalStatusTransition, id, from)
	}
	a.Status = to
	a.RejectionReason = reason
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *memStore) FindApprovedStartingBetween(_ context.Context, from, to time.Time) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []AppointmentDetail{}
	for _, a := range m.appts {
		d := m.detailLocked(a)
		if d.Status == StatusApproved && !d.Slot.StartTime.Before(from) && d.Slot.StartTime.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// passLocker runs fn without any exclusion so tests exercise the store's own guard.
type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Enqueue(events ...notify.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return len(events)
}

func (r *recordingNotifier) recipients(kind notify.Kind) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.RecipientID)
		}
	}
	return out
}
