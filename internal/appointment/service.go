package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/metrics"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	redisclient "github.com/hackgods/onsite-therapy-scheduling/internal/redis"
	"github.com/hackgods/onsite-therapy-scheduling/internal/timerules"
)

const (
	EventAppointmentReserved  = "APPOINTMENT_RESERVED"
	EventAppointmentApproved  = "APPOINTMENT_APPROVED"
	EventAppointmentRejected  = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventSlotCreated          = "SLOT_CREATED"
	EventSlotUpdated          = "SLOT_UPDATED"
	EventSlotDeleted          = "SLOT_DELETED"
	EventSlotWithdrawn        = "SLOT_WITHDRAWN"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var bookingTracer = otel.Tracer("therapy.internal.appointment")

// Notifier accepts events after commit. Implementations must not block.
type Notifier interface {
	// Enqueue returns how many events were accepted.
	Enqueue(events ...notify.Event) int
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(events ...notify.Event) int { return len(events) }

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	policy   config.BookingPolicy
	notifier Notifier
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, policy config.BookingPolicy, opts ...Option) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	s := &Service{
		repo:     repo,
		locker:   locker,
		policy:   policy,
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveRequest is what a company representative (or an admin on their
// behalf) submits to book a slot.
type ReserveRequest struct {
	SlotID    uuid.UUID
	CompanyID uuid.UUID
	Employee  Employee
	Symptoms  []string
	Notes     string
}

// Reserve books a slot for an employee. At most one caller wins a given slot;
// the others get ErrSlotNotAvailable (or ErrSlotBeingBooked while the winner
// holds the lock).
func (s *Service) Reserve(ctx context.Context, actor Actor, req ReserveRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "appointment.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("therapy.slot_id", req.SlotID.String()),
		attribute.String("therapy.actor_role", string(actor.Role)),
	)

	started := time.Now()
	appt, err := s.reserve(ctx, actor, req)
	s.metrics.ObserveReservation(outcomeOf(err), time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return appt, nil
}

func (s *Service) reserve(ctx context.Context, actor Actor, req ReserveRequest) (*Appointment, error) {
	if err := Authorize(actor, ActionReserve, Resource{CompanyID: req.CompanyID}); err != nil {
		return nil, err
	}
	if err := validateEmployee(req.Employee); err != nil {
		return nil, err
	}

	slot, err := s.repo.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotAvailable {
		return nil, fmt.Errorf("%w: slot is %s", ErrSlotNotAvailable, slot.Status)
	}
	check := s.slotCheck(actor, req.CompanyID)
	if err := check(LockedSlot{StartTime: slot.StartTime, EndTime: slot.EndTime, CompanyID: slot.CompanyID}); err != nil {
		return nil, err
	}

	status := StatusApproved
	if s.policy.RequiresApproval {
		status = StatusPending
	}

	symptoms := make([]string, 0, len(req.Symptoms))
	for _, sym := range req.Symptoms {
		if sym = strings.TrimSpace(sym); sym != "" {
			symptoms = append(symptoms, sym)
		}
	}

	na := NewAppointment{
		ID:          uuid.New(),
		SlotID:      slot.ID,
		CompanyID:   req.CompanyID,
		RequestedBy: actor.UserID,
		Employee:    req.Employee,
		Symptoms:    symptoms,
		Notes:       strings.TrimSpace(req.Notes),
		Status:      status,
	}

	// The slot may have been moved since it was read; check re-runs under
	// the row lock and the notification reports the times it saw there.
	lockedCheck := func(ls LockedSlot) error {
		if err := check(ls); err != nil {
			return err
		}
		slot.StartTime, slot.EndTime = ls.StartTime, ls.EndTime
		return nil
	}

	var created *Appointment
	err = s.locker.WithSlotLock(ctx, slot.ID, func(lockCtx context.Context) error {
		appt, err := s.repo.ReserveSlot(lockCtx, na, lockedCheck)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return nil, ErrSlotBeingBooked
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.logger.Warn("slot lock unavailable, reserving under row lock only",
			zap.String("slot_id", slot.ID.String()),
			zap.Error(err),
		)
		s.metrics.ObserveLockFallback()
		created, err = s.repo.ReserveSlot(ctx, na, lockedCheck)
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, &created.ID, EventAppointmentReserved, map[string]any{
		"slot_id":      slot.ID.String(),
		"company_id":   req.CompanyID.String(),
		"requested_by": actor.UserID.String(),
		"status":       string(created.Status),
	})
	s.logger.Info("appointment reserved",
		zap.String("appointment_id", created.ID.String()),
		zap.String("slot_id", slot.ID.String()),
		zap.String("status", string(created.Status)),
	)

	detail := &AppointmentDetail{Appointment: *created, Slot: *slot}
	detail.Slot.Status = SlotBooked
	s.notify(actor, detail, notify.KindReserved, "New appointment",
		fmt.Sprintf("An appointment (%s) was booked for %s.", created.Status, s.formatSlot(slot)),
		recipients(slot.TherapistID, detail.LinkedEmployeeID()))

	return created, nil
}

// slotCheck holds the reservation rules that depend on the slot row itself.
func (s *Service) slotCheck(actor Actor, companyID uuid.UUID) SlotCheck {
	return func(ls LockedSlot) error {
		if ls.CompanyID != nil && *ls.CompanyID != companyID {
			return fmt.Errorf("%w: slot is reserved for another company", ErrSlotNotAvailable)
		}
		now := s.now()
		if err := timerules.IsFuture(ls.StartTime, now); err != nil {
			return err
		}
		return timerules.RespectsLeadTime(ls.StartTime, now, s.minLeadTime(actor))
	}
}

// Approve confirms a pending appointment.
func (s *Service) Approve(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	updated, detail, err := s.transition(ctx, actor, id, ActionApprove, StatusApproved, nil, nil)
	if err != nil {
		return nil, err
	}
	s.notify(actor, detail, notify.KindApproved, "Appointment approved",
		fmt.Sprintf("Your appointment on %s was approved.", s.formatSlot(&detail.Slot)),
		recipients(detail.RequestedBy, detail.LinkedEmployeeID()))
	return updated, nil
}

// Reject declines a pending appointment. The slot becomes available again.
func (s *Service) Reject(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	updated, detail, err := s.transition(ctx, actor, id, ActionReject, StatusRejected, nil, &reason)
	if err != nil {
		return nil, err
	}
	s.notify(actor, detail, notify.KindRejected, "Appointment rejected",
		fmt.Sprintf("Your appointment on %s was rejected: %s", s.formatSlot(&detail.Slot), reason),
		recipients(detail.RequestedBy, detail.LinkedEmployeeID()))
	return updated, nil
}

// Cancel withdraws a pending or approved appointment. Approved appointments
// can only be cancelled before the cutoff.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	updated, detail, err := s.transition(ctx, actor, id, ActionCancel, StatusCancelled, s.checkCancelCutoff, nil)
	if err != nil {
		return nil, err
	}
	s.notify(actor, detail, notify.KindCancelled, "Appointment cancelled",
		fmt.Sprintf("The appointment on %s was cancelled.", s.formatSlot(&detail.Slot)),
		recipients(detail.Slot.TherapistID, nil))
	return updated, nil
}

// Complete marks an approved appointment as treated. It is driven by the
// treatment record workflow.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	updated, detail, err := s.transition(ctx, actor, id, ActionComplete, StatusCompleted, nil, nil)
	if err != nil {
		return nil, err
	}
	s.notify(actor, detail, notify.KindCompleted, "Treatment completed",
		fmt.Sprintf("The treatment on %s has been recorded.", s.formatSlot(&detail.Slot)),
		recipients(detail.RequestedBy, nil))
	return updated, nil
}

func (s *Service) transition(
	ctx context.Context,
	actor Actor,
	id uuid.UUID,
	action Action,
	to AppointmentStatus,
	check func(*AppointmentDetail) error,
	reason *string,
) (*Appointment, *AppointmentDetail, error) {
	ctx, span := bookingTracer.Start(ctx, "appointment.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("therapy.appointment_id", id.String()),
		attribute.String("therapy.to", string(to)),
	)

	updated, detail, err := s.applyTransition(ctx, actor, id, action, to, check, reason)
	s.metrics.ObserveTransition(string(to), outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	payload := map[string]any{
		"from":  string(detail.Status),
		"to":    string(to),
		"actor": actor.UserID.String(),
	}
	if reason != nil {
		payload["reason"] = *reason
	}
	s.logEvent(ctx, &id, transitionEvent(to), payload)
	s.logger.Info("appointment transitioned",
		zap.String("appointment_id", id.String()),
		zap.String("from", string(detail.Status)),
		zap.String("to", string(to)),
	)

	return updated, detail, nil
}

func (s *Service) applyTransition(
	ctx context.Context,
	actor Actor,
	id uuid.UUID,
	action Action,
	to AppointmentStatus,
	check func(*AppointmentDetail) error,
	reason *string,
) (*Appointment, *AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := Authorize(actor, action, resourceOf(detail)); err != nil {
		return nil, nil, err
	}
	if err := CheckTransition(detail.Status, to); err != nil {
		return nil, nil, err
	}
	if check != nil {
		if err := check(detail); err != nil {
			return nil, nil, err
		}
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, detail.Status, to, reason)
	if err != nil {
		return nil, nil, err
	}
	return updated, detail, nil
}

func (s *Service) checkCancelCutoff(d *AppointmentDetail) error {
	if d.Status != StatusApproved {
		return nil
	}
	return timerules.RespectsCancellationCutoff(d.Slot.StartTime, s.now(), s.cancelCutoff(d.Slot.StartTime))
}

// cancelCutoff is the fixed CANCEL_CUTOFF when set, otherwise the distance
// from the previous day's cutoff clock to start.
func (s *Service) cancelCutoff(start time.Time) time.Duration {
	if s.policy.CancelCutoff > 0 {
		return s.policy.CancelCutoff
	}
	deadline := timerules.PreviousDayAt(start, s.policy.CancelCutoffHour, s.policy.CancelCutoffMinute, s.policy.Location)
	return start.Sub(deadline)
}

func (s *Service) minLeadTime(actor Actor) time.Duration {
	if actor.Role == RoleAdmin {
		return s.policy.AdminMinLeadTime
	}
	return s.policy.DirectMinLeadTime
}

// GetAppointment returns the appointment with its slot if actor may view it.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionView, resourceOf(detail)); err != nil {
		return nil, err
	}
	return detail, nil
}

// AvailableTransitions lists the statuses the appointment can move to next.
// It does not check whether actor may perform each of them.
func (s *Service) AvailableTransitions(ctx context.Context, actor Actor, id uuid.UUID) ([]AppointmentStatus, error) {
	detail, err := s.GetAppointment(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return AvailableTransitions(detail.Status), nil
}

// ListAppointments narrows f to what actor's role is allowed to see.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f AppointmentFilter) ([]AppointmentDetail, error) {
	switch actor.Role {
	case RoleAdmin:
	case RoleTherapist:
		f.TherapistID = &actor.UserID
	case RoleCompanyUser:
		if actor.CompanyID == nil {
			return nil, fmt.Errorf("%w: company user without company", ErrForbidden)
		}
		f.CompanyID = actor.CompanyID
	case RoleEmployee:
		f.EmployeeUserID = &actor.UserID
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
	}
	f.Limit, f.Offset = normalizePage(f.Limit, f.Offset)

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to insert event log", zap.String("event", eventType), zap.Error(err))
	}
}

// notify enqueues one event per distinct recipient, skipping the actor.
func (s *Service) notify(actor Actor, d *AppointmentDetail, kind notify.Kind, title, body string, recipients []uuid.UUID) {
	seen := map[uuid.UUID]bool{actor.UserID: true, uuid.Nil: true}
	apptID := d.ID

	var events []notify.Event
	for _, id := range recipients {
		if seen[id] {
			continue
		}
		seen[id] = true
		events = append(events, notify.Event{
			Kind:          kind,
			RecipientID:   id,
			AppointmentID: &apptID,
			Title:         title,
			Body:          body,
		})
	}
	if len(events) > 0 {
		s.notifier.Enqueue(events...)
	}
}

func recipients(primary uuid.UUID, linked *uuid.UUID) []uuid.UUID {
	if linked == nil {
		return []uuid.UUID{primary}
	}
	return []uuid.UUID{primary, *linked}
}

func (s *Service) formatSlot(slot *Slot) string {
	start := slot.StartTime.In(s.policy.Location)
	end := slot.EndTime.In(s.policy.Location)
	return fmt.Sprintf("%s-%s (%s)", start.Format("2006-01-02 15:04"), end.Format("15:04"), s.policy.Location)
}

func validateEmployee(e Employee) error {
	switch v := e.(type) {
	case LinkedUser:
		if v.UserID == uuid.Nil {
			return fmt.Errorf("%w: linked user id is empty", ErrInvalidEmployee)
		}
	case ExternalRecord:
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("%w: employee name is required", ErrInvalidEmployee)
		}
	default:
		return fmt.Errorf("%w: employee is required", ErrInvalidEmployee)
	}
	return nil
}

func transitionEvent(to AppointmentStatus) string {
	switch to {
	case StatusApproved:
		return EventAppointmentApproved
	case StatusRejected:
		return EventAppointmentRejected
	case StatusCancelled:
		return EventAppointmentCancelled
	case StatusCompleted:
		return EventAppointmentCompleted
	}
	return "APPOINTMENT_" + strings.ToUpper(string(to))
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
