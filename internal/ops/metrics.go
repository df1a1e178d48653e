package ops

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's prometheus collectors.
type Metrics struct {
	once        sync.Once
	initialized bool

	eventsTotal    *prometheus.CounterVec
	commandsTotal  *prometheus.CounterVec
	eventDuration  *prometheus.HistogramVec
	reapsTotal     prometheus.Counter
	evictionsTotal prometheus.Counter
	droppedTotal   prometheus.Counter
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// NewMetrics registers the collectors, reusing existing registrations so
// repeated construction in tests does not panic.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.init()
	return m
}

func (m *Metrics) init() {
	m.once.Do(func() {
		m.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildkeeper",
			Name:      "events_total",
			Help:      "Count of dispatched events by name",
		}, []string{"event"})

		m.commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildkeeper",
			Name:      "commands_total",
			Help:      "Count of handled commands by outcome",
		}, []string{"command", "outcome"})

		m.eventDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guildkeeper",
			Name:      "event_duration_seconds",
			Help:      "Latency distribution of event handlers",
			Buckets:   durationBuckets,
		}, []string{"event"})

		m.reapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildkeeper",
			Name:      "squad_reaps_total",
			Help:      "Number of squads deleted by the idle reaper",
		})

		m.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildkeeper",
			Name:      "capacity_evictions_total",
			Help:      "Number of members disconnected by the capacity backstop",
		})

		m.droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildkeeper",
			Name:      "events_dropped_total",
			Help:      "Number of events dropped due to queue saturation",
		})

		collectors := []prometheus.Collector{
			m.eventsTotal, m.commandsTotal, m.eventDuration,
			m.reapsTotal, m.evictionsTotal, m.droppedTotal,
		}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				already, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					continue
				}
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == m.eventsTotal {
						m.eventsTotal = existing
					} else {
						m.commandsTotal = existing
					}
				case *prometheus.HistogramVec:
					m.eventDuration = existing
				case prometheus.Counter:
					switch collector {
					case m.reapsTotal:
						m.reapsTotal = existing
					case m.evictionsTotal:
						m.evictionsTotal = existing
					case m.droppedTotal:
						m.droppedTotal = existing
					}
				}
			}
		}
		m.initialized = true
	})
}

// ObserveEvent records one dispatched event and its handler latency in
// seconds.
func (m *Metrics) ObserveEvent(event string, seconds float64) {
	if !m.initialized {
		return
	}
	m.eventsTotal.With(prometheus.Labels{"event": event}).Inc()
	m.eventDuration.With(prometheus.Labels{"event": event}).Observe(seconds)
}

// ObserveCommand records one command outcome.
func (m *Metrics) ObserveCommand(command, outcome string) {
	if !m.initialized {
		return
	}
	m.commandsTotal.With(prometheus.Labels{"command": command, "outcome": outcome}).Inc()
}

// ObserveReap counts one reaper deletion.
func (m *Metrics) ObserveReap() {
	if m.initialized {
		m.reapsTotal.Inc()
	}
}

// ObserveEviction counts one capacity eviction.
func (m *Metrics) ObserveEviction() {
	if m.initialized {
		m.evictionsTotal.Inc()
	}
}

// ObserveDrop counts one dropped event.
func (m *Metrics) ObserveDrop() {
	if m.initialized {
		m.droppedTotal.Inc()
	}
}
