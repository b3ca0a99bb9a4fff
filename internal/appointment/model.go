package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusApproved  AppointmentStatus = "approved"
	StatusRejected  AppointmentStatus = "rejected"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// SlotStatus is derived from the slot's appointments and withdrawal; it is never stored.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type Slot struct {
	ID            uuid.UUID
	TherapistID   uuid.UUID
	ServiceMenuID uuid.UUID
	CompanyID     *uuid.UUID // only this company may book when set
	StartTime     time.Time
	EndTime       time.Time
	Status        SlotStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Employee identifies who receives the treatment. It is either a LinkedUser
// or an ExternalRecord.
type Employee interface {
	isEmployee()
}

// LinkedUser is an employee with an account of their own.
type LinkedUser struct {
	UserID uuid.UUID
}

// ExternalRecord is an employee known only by name and the company's own code.
type ExternalRecord struct {
	Name string
	Code string
}

func (LinkedUser) isEmployee()     {}
func (ExternalRecord) isEmployee() {}

type Appointment struct {
	ID              uuid.UUID
	SlotID          uuid.UUID
	CompanyID       uuid.UUID
	RequestedBy     uuid.UUID
	Employee        Employee
	Symptoms        []string
	Notes           string
	Status          AppointmentStatus
	RejectionReason *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LinkedEmployeeID returns the employee's user ID when the employee has an account.
func (a *Appointment) LinkedEmployeeID() *uuid.UUID {
	if lu, ok := a.Employee.(LinkedUser); ok {
		id := lu.UserID
		return &id
	}
	return nil
}

type AppointmentDetail struct {
	Appointment
	Slot Slot
}

// NewAppointment is what the engine hands to the repository for the atomic insert.
type NewAppointment struct {
	ID          uuid.UUID
	SlotID      uuid.UUID
	CompanyID   uuid.UUID
	RequestedBy uuid.UUID
	Employee    Employee
	Symptoms    []string
	Notes       string
	Status      AppointmentStatus
}

type NewSlot struct {
	TherapistID   uuid.UUID
	ServiceMenuID uuid.UUID
	CompanyID     *uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
}

type SlotChanges struct {
	ServiceMenuID uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
}

// SlotFilter narrows ListSlots. CompanyID keeps open slots plus those
// restricted to that company; OpenOnly drops every restricted slot.
type SlotFilter struct {
	TherapistID *uuid.UUID
	CompanyID   *uuid.UUID
	OpenOnly    bool
	Status      *SlotStatus
	From        time.Time
	Limit       int
	Offset      int
}

type AppointmentFilter struct {
	TherapistID    *uuid.UUID
	CompanyID      *uuid.UUID
	EmployeeUserID *uuid.UUID
	Status         *AppointmentStatus
	Limit          int
	Offset         int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
