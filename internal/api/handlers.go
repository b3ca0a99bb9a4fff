package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
)

func createSlotHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r.Context())

		var req CreateSlotRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid_request_body", "could not parse JSON")
			return
		}

		ns := appointment.NewSlot{
			ServiceMenuID: req.ServiceMenuID,
			CompanyID:     req.CompanyID,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
		}
		switch {
		case req.TherapistID != nil:
			ns.TherapistID = *req.TherapistID
		case actor.Role == appointment.RoleTherapist:
			ns.TherapistID = actor.UserID
		default:
			badRequest(w, "invalid_therapist_id", "therapist_id is required")
			return
		}
		if ns.ServiceMenuID == uuid.Nil {
			badRequest(w, "invalid_service_menu_id", "service_menu_id is required")
			return
		}

		slot, err := svc.CreateSlot(r.Context(), actor, ns)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSlotResponse(slot))
	}
}

func updateSlotHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_slot_id")
		if !ok {
			return
		}

		var req UpdateSlotRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid_request_body", "could not parse JSON")
			return
		}

		ch := appointment.SlotChanges{StartTime: req.StartTime, EndTime: req.EndTime}
		if req.ServiceMenuID != nil {
			ch.ServiceMenuID = *req.ServiceMenuID
		}

		slot, err := svc.UpdateSlot(r.Context(), actorFrom(r.Context()), id, ch)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(slot))
	}
}

func deleteSlotHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_slot_id")
		if !ok {
			return
		}

		withdrawn, err := svc.DeleteSlot(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, DeleteSlotResponse{ID: id, Withdrawn: withdrawn})
	}
}

// listSlotsHandler scopes company-side callers to slots open to their own
// company, whatever company_id they ask for.
func listSlotsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r.Context())
		q := r.URL.Query()

		var f appointment.SlotFilter
		var ok bool
		if f.Limit, f.Offset, ok = pageParams(r); !ok {
			badRequest(w, "invalid_pagination", "limit and offset must be non-negative integers")
			return
		}
		if f.TherapistID, ok = queryID(w, q.Get("therapist_id"), "invalid_therapist_id"); !ok {
			return
		}
		if f.CompanyID, ok = queryID(w, q.Get("company_id"), "invalid_company_id"); !ok {
			return
		}
		if raw := q.Get("status"); raw != "" {
			status := appointment.SlotStatus(raw)
			switch status {
			case appointment.SlotAvailable, appointment.SlotBooked, appointment.SlotCancelled:
				f.Status = &status
			default:
				badRequest(w, "invalid_status", fmt.Sprintf("unknown slot status %q", raw))
				return
			}
		}
		if raw := q.Get("from"); raw != "" {
			from, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				badRequest(w, "invalid_from", "from must be an RFC 3339 timestamp")
				return
			}
			f.From = from
		}

		// Employees without a company on their token only see open slots.
		switch actor.Role {
		case appointment.RoleCompanyUser:
			if actor.CompanyID == nil {
				writeServiceError(w, logger, fmt.Errorf("%w: no company on token", appointment.ErrForbidden))
				return
			}
			f.CompanyID = actor.CompanyID
		case appointment.RoleEmployee:
			f.CompanyID = actor.CompanyID
			f.OpenOnly = actor.CompanyID == nil
		}

		slots, err := svc.ListUpcomingSlots(r.Context(), f)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		resp := make([]SlotResponse, 0, len(slots))
		for i := range slots {
			resp = append(resp, toSlotResponse(&slots[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func reserveHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r.Context())

		var req ReserveRequest
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.SlotID == uuid.Nil {
			badRequest(w, "invalid_slot_id", "slot_id is required")
			return
		}
		if req.EmployeeUserID != nil && (req.EmployeeName != "" || req.EmployeeCode != "") {
			writeServiceError(w, logger, fmt.Errorf("%w: give employee_user_id or employee_name, not both", appointment.ErrInvalidEmployee))
			return
		}

		companyID := uuid.Nil
		switch {
		case req.CompanyID != nil:
			companyID = *req.CompanyID
		case actor.CompanyID != nil:
			companyID = *actor.CompanyID
		default:
			badRequest(w, "invalid_company_id", "company_id is required")
			return
		}

		appt, err := svc.Reserve(r.Context(), actor, appointment.ReserveRequest{
			SlotID:    req.SlotID,
			CompanyID: companyID,
			Employee:  req.employee(),
			Symptoms:  req.Symptoms,
			Notes:     req.Notes,
		})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var f appointment.AppointmentFilter
		var ok bool
		if f.Limit, f.Offset, ok = pageParams(r); !ok {
			badRequest(w, "invalid_pagination", "limit and offset must be non-negative integers")
			return
		}
		if f.TherapistID, ok = queryID(w, q.Get("therapist_id"), "invalid_therapist_id"); !ok {
			return
		}
		if f.CompanyID, ok = queryID(w, q.Get("company_id"), "invalid_company_id"); !ok {
			return
		}
		if raw := q.Get("status"); raw != "" {
			status := appointment.AppointmentStatus(raw)
			if !status.Valid() {
				badRequest(w, "invalid_status", fmt.Sprintf("unknown appointment status %q", raw))
				return
			}
			f.Status = &status
		}

		details, err := svc.ListAppointments(r.Context(), actorFrom(r.Context()), f)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		resp := make([]AppointmentResponse, 0, len(details))
		for i := range details {
			resp = append(resp, toDetailResponse(&details[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		d, err := svc.GetAppointment(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toDetailResponse(d))
	}
}

func transitionsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		next, err := svc.AvailableTransitions(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		resp := TransitionsResponse{AppointmentID: id, Transitions: make([]string, 0, len(next))}
		for _, s := range next {
			resp.Transitions = append(resp.Transitions, string(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type transitionFunc func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)

// transitionHandler serves approve, cancel and complete, which take no body.
func transitionHandler(apply transitionFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := apply(r, actorFrom(r.Context()), id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rejectHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		var req RejectRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, fmt.Errorf("%w: body must carry a reason", appointment.ErrReasonRequired)
		}
		return svc.Reject(r.Context(), actor, id, req.Reason)
	}, logger)
}

func listNotificationsHandler(inbox Inbox, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, ok := pageParams(r)
		if !ok {
			badRequest(w, "invalid_pagination", "limit and offset must be non-negative integers")
			return
		}
		switch {
		case limit == 0:
			limit = defaultPageSize
		case limit > maxPageSize:
			limit = maxPageSize
		}
		unreadOnly := strings.EqualFold(r.URL.Query().Get("unread"), "true")

		items, err := inbox.ListForRecipient(r.Context(), actorFrom(r.Context()).UserID, unreadOnly, limit, offset)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		resp := make([]NotificationResponse, 0, len(items))
		for i := range items {
			resp = append(resp, toNotificationResponse(&items[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func markReadHandler(inbox Inbox, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_notification_id")
		if !ok {
			return
		}

		n, err := inbox.MarkRead(r.Context(), id, actorFrom(r.Context()).UserID)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toNotificationResponse(n))
	}
}

func sweepRemindersHandler(sweeper ReminderSweeper, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if actor := actorFrom(r.Context()); actor.Role != appointment.RoleAdmin {
			writeServiceError(w, logger, fmt.Errorf("%w: %s may not run the reminder sweep", appointment.ErrForbidden, actor.Role))
			return
		}

		res, err := sweeper.Sweep(r.Context())
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, raw, code string) (*uuid.UUID, bool) {
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, code, fmt.Sprintf("%q is not a valid UUID", raw))
		return nil, false
	}
	return &id, true
}
