package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, kind, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Kind: kind, Details: details})
}

func badRequest(w http.ResponseWriter, code, details string) {
	writeError(w, http.StatusBadRequest, code, "request", details)
}

// writeServiceError maps an engine error onto a status code and a stable
// error code. Internal errors are logged and never echoed.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, notify.ErrNotificationNotFound) {
		writeError(w, http.StatusNotFound, "notification_not_found", string(appointment.KindNotFound), err.Error())
		return
	}

	kind := appointment.KindOf(err)
	if kind == appointment.KindInternal {
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", string(kind), "internal error")
		return
	}
	writeError(w, statusOf(kind), errorCode(err), string(kind), err.Error())
}

func statusOf(kind appointment.Kind) int {
	switch kind {
	case appointment.KindValidation:
		return http.StatusUnprocessableEntity
	case appointment.KindConflict, appointment.KindStateMachine:
		return http.StatusConflict
	case appointment.KindAuthorization:
		return http.StatusForbidden
	case appointment.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		return "slot_being_booked"
	case errors.Is(err, appointment.ErrSlotNotAvailable):
		return "slot_not_available"
	case errors.Is(err, appointment.ErrSlotHasActiveAppointment):
		return "slot_has_active_appointment"
	case errors.Is(err, appointment.ErrOverlappingSlot):
		return "overlapping_slot"
	case errors.Is(err, timerules.ErrInvalidRange):
		return "invalid_time_range"
	case errors.Is(err, timerules.ErrPastDated):
		return "past_dated"
	case errors.Is(err, timerules.ErrInsufficientLeadTime):
		return "insufficient_lead_time"
	case errors.Is(err, timerules.ErrCutoffPassed):
		return "cancellation_cutoff_passed"
	case errors.Is(err, appointment.ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, appointment.ErrInvalidEmployee):
		return "invalid_employee"
	case errors.Is(err, appointment.ErrForbidden):
		return "forbidden"
	case errors.Is(err, appointment.ErrIllegalStatusTransition):
		return "illegal_status_transition"
	case errors.Is(err, appointment.ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return "appointment_not_found"
	default:
		return "internal_error"
	}
}

// decodeJSON rejects unknown fields so typos surface as 400s.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func pageParams(r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
