// Package notify delivers booking notifications outside the reservation
// transaction: an in-app inbox row plus an email per recipient.
package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotificationNotFound = errors.New("notification not found")

type Kind string

const (
	KindReserved  Kind = "appointment.reserved"
	KindApproved  Kind = "appointment.approved"
	KindRejected  Kind = "appointment.rejected"
	KindCancelled Kind = "appointment.cancelled"
	KindCompleted Kind = "appointment.completed"
	KindReminder  Kind = "appointment.reminder"
)

// Event is one message for one recipient.
type Event struct {
	Kind          Kind
	RecipientID   uuid.UUID
	AppointmentID *uuid.UUID
	Title         string
	Body          string
}

type Notification struct {
	ID            uuid.UUID
	RecipientID   uuid.UUID
	Kind          Kind
	Title         string
	Body          string
	AppointmentID *uuid.UUID
	ReadAt        *time.Time
	CreatedAt     time.Time
}

// Contact is where email for a user goes. Email may be empty.
type Contact struct {
	UserID      uuid.UUID
	DisplayName string
	Email       string
}
