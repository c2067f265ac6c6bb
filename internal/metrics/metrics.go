// Package metrics defines the Prometheus collectors exported on the admin listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RelayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinbot_relay_requests_total",
			Help: "Inbound join notifications by outcome",
		},
		[]string{"outcome"},
	)

	RelayRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joinbot_relay_request_duration_seconds",
			Help:    "Time spent handling one inbound join notification",
			Buckets: prometheus.DefBuckets,
		},
	)

	NotifierSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinbot_notifier_sends_total",
			Help: "Outbound chat operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	EventTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinbot_event_transitions_total",
			Help: "Event lifecycle transitions (added, warned, fired, removed)",
		},
		[]string{"transition"},
	)

	EventsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joinbot_events_active",
			Help: "Events in the scheduler working set",
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joinbot_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 15},
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinbot_commands_total",
			Help: "Chat commands handled by name",
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(RelayRequestsTotal)
	prometheus.MustRegister(RelayRequestDuration)
	prometheus.MustRegister(NotifierSendsTotal)
	prometheus.MustRegister(EventTransitionsTotal)
	prometheus.MustRegister(EventsActive)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(CommandsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
