package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the reservation engine and its side channels.
type BookingMetrics struct {
	reservations   *prometheus.CounterVec
	reserveLatency prometheus.Histogram
	transitions    *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	reminders      *prometheus.CounterVec
	lockFallbacks  prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		reserveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "therapy",
			Subsystem: "booking",
			Name:      "reservation_duration_seconds",
			Help:      "Latency of reservation attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Appointment status transitions by target status and outcome",
		}, []string{"to", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and status",
		}, []string{"channel", "status"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "reminder",
			Name:      "reminders_total",
			Help:      "Reminder sweep results per appointment",
		}, []string{"result"}),
		lockFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "therapy",
			Subsystem: "booking",
			Name:      "lock_fallbacks_total",
			Help:      "Reservations made without the Redis slot lock because Redis was unreachable",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservations, m.reserveLatency, m.transitions, m.notifications, m.reminders, m.lockFallbacks)
	return m
}

func (m *BookingMetrics) ObserveReservation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
	m.reserveLatency.Observe(seconds)
}

func (m *BookingMetrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, outcome).Inc()
}

func (m *BookingMetrics) ObserveNotification(channel, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, status).Inc()
}

func (m *BookingMetrics) ObserveReminder(result string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveLockFallback() {
	if m == nil {
		return
	}
	m.lockFallbacks.Inc()
}
