package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agusx1211/missionpilot/internal/session"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
type Metrics struct {
	transitions   *prometheus.CounterVec
	events        *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	lookups       *prometheus.CounterVec
	completed     prometheus.Counter
	currentState  *prometheus.GaugeVec
	lastKeepAlive prometheus.Gauge
	dropped       *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics registered with the global
// Prometheus registry. The collectors are created once so several
// coordinators in one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same names are reused; any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "transitions_total",
				Help:      "State transitions taken by the session state machine.",
			},
			[]string{"from", "to"},
		)),
		events: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "events_total",
				Help:      "Events fed to the state machine, by type and whether they were handled.",
			},
			[]string{"type", "handled"},
		)),
		stateDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "state_duration_seconds",
				Help:      "Time spent in each session state before leaving it.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"state"},
		)),
		lookups: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "mission_lookups_total",
				Help:      "Mission supply lookups by result.",
			},
			[]string{"result"},
		)),
		completed: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "missions_completed_total",
				Help:      "Missions reported complete by a gameplay agent.",
			},
		)),
		currentState: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "state",
				Help:      "1 for the current session state, 0 otherwise.",
			},
			[]string{"state"},
		)),
		lastKeepAlive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "last_keep_alive_timestamp_seconds",
				Help:      "Unix time of the last page agent keep-alive.",
			},
		)),
		dropped: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "missionpilot",
				Subsystem: "coordinator",
				Name:      "mailbox_dropped",
				Help:      "Messages discarded because a coordinator mailbox was full.",
			},
			[]string{"mailbox"},
		)),
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveTransition records a state change and the time spent in from.
func (m *Metrics) ObserveTransition(from, to session.State, spent time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.stateDuration.WithLabelValues(string(from)).Observe(spent.Seconds())
	m.SetState(to)
}

// SetState marks state as the current one.
func (m *Metrics) SetState(state session.State) {
	if m == nil {
		return
	}
	for _, s := range session.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		m.currentState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveEvent counts an event fed to the machine.
func (m *Metrics) ObserveEvent(eventType string, handled bool) {
	if m == nil {
		return
	}
	label := "false"
	if handled {
		label = "true"
	}
	m.events.WithLabelValues(eventType, label).Inc()
}

// ObserveLookup counts a lookup outcome: found, not_found, failed, timeout
// or duplicate.
func (m *Metrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

// IncCompleted counts a completed mission.
func (m *Metrics) IncCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

// ObserveKeepAlive records the time of a page agent keep-alive.
func (m *Metrics) ObserveKeepAlive(at time.Time) {
	if m == nil {
		return
	}
	m.lastKeepAlive.Set(float64(at.Unix()))
}

// SetDropped publishes the drop count of one coordinator mailbox.
func (m *Metrics) SetDropped(mailbox string, n int64) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(mailbox).Set(float64(n))
}
