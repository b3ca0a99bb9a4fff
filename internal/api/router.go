package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	"github.com/hackgods/onsite-therapy-scheduling/internal/reminder"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BookingService is the part of appointment.Service the HTTP layer drives.
type BookingService interface {
	CreateSlot(ctx context.Context, actor appointment.Actor, ns appointment.NewSlot) (*appointment.Slot, error)
	UpdateSlot(ctx context.Context, actor appointment.Actor, id uuid.UUID, ch appointment.SlotChanges) (*appointment.Slot, error)
	DeleteSlot(ctx context.Context, actor appointment.Actor, id uuid.UUID) (bool, error)
	ListUpcomingSlots(ctx context.Context, f appointment.SlotFilter) ([]appointment.Slot, error)

	Reserve(ctx context.Context, actor appointment.Actor, req appointment.ReserveRequest) (*appointment.Appointment, error)
	Approve(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Reject(ctx context.Context, actor appointment.Actor, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)

	GetAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.AppointmentDetail, error)
	AvailableTransitions(ctx context.Context, actor appointment.Actor, id uuid.UUID) ([]appointment.AppointmentStatus, error)
	ListAppointments(ctx context.Context, actor appointment.Actor, f appointment.AppointmentFilter) ([]appointment.AppointmentDetail, error)
}

type Inbox interface {
	ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*notify.Notification, error)
}

type ReminderSweeper interface {
	Sweep(ctx context.Context) (reminder.Result, error)
}

type RouterConfig struct {
	Service   BookingService
	Inbox     Inbox
	Reminders ReminderSweeper
	Health    *HealthHandler
	Gatherer  prometheus.Gatherer
	JWTSecret string
	Logger    *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	svc := cfg.Service

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Post("/slots", createSlotHandler(svc, logger))
		r.Get("/slots", listSlotsHandler(svc, logger))
		r.Put("/slots/{id}", updateSlotHandler(svc, logger))
		r.Delete("/slots/{id}", deleteSlotHandler(svc, logger))

		r.Post("/appointments", reserveHandler(svc, logger))
		r.Get("/appointments", listAppointmentsHandler(svc, logger))
		r.Get("/appointments/{id}", getAppointmentHandler(svc, logger))
		r.Get("/appointments/{id}/transitions", transitionsHandler(svc, logger))
		r.Post("/appointments/{id}/approve", transitionHandler(approveFunc(svc), logger))
		r.Post("/appointments/{id}/reject", rejectHandler(svc, logger))
		r.Post("/appointments/{id}/cancel", transitionHandler(cancelFunc(svc), logger))
		r.Post("/appointments/{id}/complete", transitionHandler(completeFunc(svc), logger))

		if cfg.Inbox != nil {
			r.Get("/notifications", listNotificationsHandler(cfg.Inbox, logger))
			r.Post("/notifications/{id}/read", markReadHandler(cfg.Inbox, logger))
		}
		if cfg.Reminders != nil {
			r.Post("/reminders/sweep", sweepRemindersHandler(cfg.Reminders, logger))
		}
	})

	return r
}

func approveFunc(svc BookingService) transitionFunc {
	return func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		return svc.Approve(r.Context(), actor, id)
	}
}

func cancelFunc(svc BookingService) transitionFunc {
	return func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		return svc.Cancel(r.Context(), actor, id)
	}
}

func completeFunc(svc BookingService) transitionFunc {
	return func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		return svc.Complete(r.Context(), actor, id)
	}
}
