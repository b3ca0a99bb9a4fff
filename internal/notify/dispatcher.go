package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/metrics"
)

const deliveryTimeout = 10 * time.Second

// Store is what the dispatcher needs from persistence.
type Store interface {
	Insert(ctx context.Context, n Notification) error
	Contact(ctx context.Context, userID uuid.UUID) (Contact, error)
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.BookingMetrics
	Logger    *zap.Logger
}

// Dispatcher drains a bounded in-process queue with a fixed set of workers.
// Delivery failures are logged and counted; they never reach the producer.
type Dispatcher struct {
	store   Store
	email   EmailSender
	metrics *metrics.BookingMetrics
	logger  *zap.Logger
	workers int

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewDispatcher(store Store, email EmailSender, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		email:   email,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		workers: opts.Workers,
		queue:   make(chan Event, opts.QueueSize),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Enqueue never blocks. Events that do not fit are dropped with a warning.
// It returns how many events were queued.
func (d *Dispatcher) Enqueue(events ...Event) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	accepted := 0
	for _, ev := range events {
		if d.closed {
			d.logger.Warn("notification dropped after shutdown", zap.String("kind", string(ev.Kind)))
			d.metrics.ObserveNotification("queue", "dropped")
			continue
		}
		select {
		case d.queue <- ev:
			accepted++
		default:
			d.logger.Warn("notification queue full, dropping event",
				zap.String("kind", string(ev.Kind)),
				zap.String("recipient_id", ev.RecipientID.String()),
			)
			d.metrics.ObserveNotification("queue", "dropped")
		}
	}
	return accepted
}

// Stop refuses new events and waits for queued ones until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	log := d.logger.With(
		zap.String("kind", string(ev.Kind)),
		zap.String("recipient_id", ev.RecipientID.String()),
	)

	n := Notification{
		ID:            uuid.New(),
		RecipientID:   ev.RecipientID,
		Kind:          ev.Kind,
		Title:         ev.Title,
		Body:          ev.Body,
		AppointmentID: ev.AppointmentID,
	}
	if err := d.store.Insert(ctx, n); err != nil {
		log.Error("in-app notification failed", zap.Error(err))
		d.metrics.ObserveNotification("in_app", "error")
	} else {
		d.metrics.ObserveNotification("in_app", "ok")
	}

	contact, err := d.store.Contact(ctx, ev.RecipientID)
	if err != nil {
		if !errors.Is(err, ErrContactNotFound) {
			log.Warn("contact lookup failed", zap.Error(err))
		}
		d.metrics.ObserveNotification("email", "skipped")
		return
	}
	if contact.Email == "" {
		d.metrics.ObserveNotification("email", "skipped")
		return
	}

	err = d.email.Send(ctx, EmailMessage{
		To:      contact.Email,
		ToName:  contact.DisplayName,
		Subject: ev.Title,
		Body:    ev.Body,
	})
	if err != nil {
		log.Error("email notification failed", zap.Error(err))
		d.metrics.ObserveNotification("email", "error")
		return
	}
	d.metrics.ObserveNotification("email", "ok")
}
