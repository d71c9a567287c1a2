package board

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors exported by the engine and the dispatcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	snapshots *prometheus.CounterVec
	moves     *prometheus.CounterVec
	intents   *prometheus.CounterVec
	latency   prometheus.Histogram
}

// NewMetrics creates the board collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_board",
			Name:      "snapshots_total",
			Help:      "Server snapshots offered to the engine, by outcome.",
		}, []string{"outcome"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_board",
			Name:      "moves_total",
			Help:      "Resolved drag gestures, by kind.",
		}, []string{"kind"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_board",
			Name:      "intents_total",
			Help:      "Persistence intents, by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prism_board",
			Name:      "intent_delivery_seconds",
			Help:      "Time spent delivering a single persistence intent.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.snapshots, m.moves, m.intents, m.latency)
	}
	return m
}

func (m *Metrics) snapshot(adopted bool) {
	if m == nil {
		return
	}
	outcome := "adopted"
	if !adopted {
		outcome = "suppressed"
	}
	m.snapshots.WithLabelValues(outcome).Inc()
}

func (m *Metrics) move(kind MoveKind) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) intent(outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeDelivery(seconds float64) {
	if m == nil {
		return
	}
	m.latency.Observe(seconds)
}
