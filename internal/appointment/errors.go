package appointment

import (
	"errors"
	"fmt"

	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrSlotNotAvailable         = errors.New("slot is not available")
	ErrSlotBeingBooked          = fmt.Errorf("%w: slot is currently being booked, please retry", ErrSlotNotAvailable)
	ErrSlotHasActiveAppointment = errors.New("slot has an active appointment")

	ErrOverlappingSlot = errors.New("slot overlaps another slot of the same therapist")
	ErrReasonRequired  = errors.New("rejection reason is required")
	ErrInvalidEmployee = errors.New("invalid employee identity")

	ErrForbidden               = errors.New("actor is not allowed to perform this action")
	ErrIllegalStatusTransition = errors.New("illegal status transition")
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindStateMachine  Kind = "state_machine"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, timerules.ErrInvalidRange),
		errors.Is(err, timerules.ErrPastDated),
		errors.Is(err, timerules.ErrInsufficientLeadTime),
		errors.Is(err, timerules.ErrCutoffPassed),
		errors.Is(err, ErrOverlappingSlot),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrInvalidEmployee):
		return KindValidation
	case errors.Is(err, ErrSlotNotAvailable),
		errors.Is(err, ErrSlotHasActiveAppointment):
		return KindConflict
	case errors.Is(err, ErrForbidden):
		return KindAuthorization
	case errors.Is(err, ErrIllegalStatusTransition):
		return KindStateMachine
	case errors.Is(err, ErrSlotNotFound),
		errors.Is(err, ErrAppointmentNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
