package appointment

import "fmt"

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusCompleted, StatusCancelled},
	StatusRejected:  {},
	StatusCancelled: {},
	StatusCompleted: {},
}

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s AppointmentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition is a pure lookup in the transition table; who may ask for a
// transition is decided by the policy, not here.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AvailableTransitions lists the statuses reachable from from, in a stable order.
func AvailableTransitions(from AppointmentStatus) []AppointmentStatus {
	next := transitions[from]
	out := make([]AppointmentStatus, len(next))
	copy(out, next)
	return out
}

func CheckTransition(from, to AppointmentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStatusTransition, from, to)
	}
	return nil
}
