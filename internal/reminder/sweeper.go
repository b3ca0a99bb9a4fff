// Package reminder sends the day-before reminder for approved appointments.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/metrics"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
)

var sweepTracer = otel.Tracer("therapy.internal.reminder")

type Finder interface {
	FindApprovedStartingBetween(ctx context.Context, from, to time.Time) ([]appointment.AppointmentDetail, error)
}

// Ledger records which reminders went out for a given day.
type Ledger interface {
	Claim(ctx context.Context, day string, appointmentID uuid.UUID) (bool, error)
	Release(ctx context.Context, day string, appointmentID uuid.UUID) error
}

type Options struct {
	Location *time.Location
	Metrics  *metrics.BookingMetrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type Sweeper struct {
	finder   Finder
	ledger   Ledger
	notifier appointment.Notifier
	loc      *time.Location
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Day        string `json:"day"`
	Candidates int    `json:"candidates"`
	Sent       int    `json:"sent"`
	Duplicates int    `json:"duplicates"`
	Dropped    int    `json:"dropped"`
}

func NewSweeper(finder Finder, ledger Ledger, notifier appointment.Notifier, opts Options) *Sweeper {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		finder:   finder,
		ledger:   ledger,
		notifier: notifier,
		loc:      opts.Location,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Sweep reminds everyone involved in an approved appointment that starts
// tomorrow in the configured timezone. Running it again the same day only
// sends reminders that were not claimed before.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := sweepTracer.Start(ctx, "reminder.Sweep")
	defer span.End()

	now := s.now().In(s.loc)
	from := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)
	res := Result{Day: from.Format("2006-01-02")}
	span.SetAttributes(attribute.String("therapy.reminder_day", res.Day))

	due, err := s.finder.FindApprovedStartingBetween(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("find reminder candidates: %w", err)
	}
	res.Candidates = len(due)

	for i := range due {
		d := &due[i]

		claimed, err := s.ledger.Claim(ctx, res.Day, d.ID)
		if err != nil {
			// A duplicate reminder is better than a missing one.
			s.logger.Warn("reminder ledger unavailable, sending anyway",
				zap.String("appointment_id", d.ID.String()), zap.Error(err))
			s.metrics.ObserveReminder("ledger_error")
		} else if !claimed {
			res.Duplicates++
			s.metrics.ObserveReminder("duplicate")
			continue
		}

		events := s.events(d)
		if n := s.notifier.Enqueue(events...); n < len(events) {
			// Unclaim so a later sweep today retries; recipients already
			// queued may get the reminder twice.
			res.Dropped++
			s.metrics.ObserveReminder("dropped")
			if claimed {
				if err := s.ledger.Release(ctx, res.Day, d.ID); err != nil {
					s.logger.Warn("release reminder claim",
						zap.String("appointment_id", d.ID.String()), zap.Error(err))
				}
			}
			continue
		}
		res.Sent++
		s.metrics.ObserveReminder("sent")
	}

	s.logger.Info("reminder sweep finished",
		zap.String("day", res.Day),
		zap.Int("candidates", res.Candidates),
		zap.Int("sent", res.Sent),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("dropped", res.Dropped),
	)
	return res, nil
}

func (s *Sweeper) events(d *appointment.AppointmentDetail) []notify.Event {
	start := d.Slot.StartTime.In(s.loc)
	body := fmt.Sprintf("Reminder: your on-site treatment is tomorrow, %s at %s (%s).",
		start.Format("2006-01-02"), start.Format("15:04"), s.loc)
	apptID := d.ID

	recipients := []uuid.UUID{d.Slot.TherapistID, d.RequestedBy}
	if linked := d.LinkedEmployeeID(); linked != nil {
		recipients = append(recipients, *linked)
	}

	seen := map[uuid.UUID]bool{}
	events := make([]notify.Event, 0, len(recipients))
	for _, id := range recipients {
		if seen[id] {
			continue
		}
		seen[id] = true
		events = append(events, notify.Event{
			Kind:          notify.KindReminder,
			RecipientID:   id,
			AppointmentID: &apptID,
			Title:         "Appointment tomorrow",
			Body:          body,
		})
	}
	return events
}
