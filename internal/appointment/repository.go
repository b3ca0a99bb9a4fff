package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockedSlot is the slot row as read under its row lock.
type LockedSlot struct {
	StartTime time.Time
	EndTime   time.Time
	CompanyID *uuid.UUID
	Withdrawn bool
}

// SlotCheck rejects a reservation against the locked slot row. A nil check
// accepts everything.
type SlotCheck func(LockedSlot) error

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Slots. Status is always the derived one.
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error)
	ListLiveSlotsBetween(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Slot, error)
	InsertSlot(ctx context.Context, ns NewSlot) (*Slot, error)
	// UpdateSlot and DeleteSlot re-check the slot under its row lock.
	UpdateSlot(ctx context.Context, id uuid.UUID, ch SlotChanges) (*Slot, error)
	DeleteSlot(ctx context.Context, id uuid.UUID) (withdrawn bool, err error)

	// ReserveSlot locks the slot, verifies it is still free, runs check
	// against the locked row and inserts the appointment in one transaction.
	ReserveSlot(ctx context.Context, na NewAppointment, check SlotCheck) (*Appointment, error)

	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]AppointmentDetail, error)
	// UpdateAppointmentStatus is a compare-and-swap on the current status.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)

	// Reminder sweep
	FindApprovedStartingBetween(ctx context.Context, from, to time.Time) ([]AppointmentDetail, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
