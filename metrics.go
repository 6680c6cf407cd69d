package tern

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's instrumentation counters.
type Metrics struct {
	eventsApplied   prometheus.Counter
	eventsMalformed prometheus.Counter
	eventsUnknown   prometheus.Counter
	publishes       prometheus.Counter
	publishFailures prometheus.Counter
	reconnects      prometheus.Counter
	resyncs         prometheus.Counter
	updatesBuffered prometheus.Counter
	updatesDropped  prometheus.Counter
}

// NewMetrics creates the engine counters and registers them when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "events_applied_total",
			Help: "Channel events decoded and applied.",
		}),
		eventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "events_malformed_total",
			Help: "Envelopes rejected by the codec.",
		}),
		eventsUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "events_unknown_total",
			Help: "Envelopes with an unrecognized type, skipped.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "publishes_total",
			Help: "Envelopes published on channels.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "publish_failures_total",
			Help: "Publishes that failed and rolled the message to Failed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "reconnects_total",
			Help: "Successful channel reconnections.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "resyncs_total",
			Help: "Resynchronization fetches issued after reconnects.",
		}),
		updatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "updates_buffered_total",
			Help: "Edits/deletes buffered while awaiting their target.",
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tern", Subsystem: "engine", Name: "updates_dropped_total",
			Help: "Buffered updates discarded after the bounded window.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied, m.eventsMalformed, m.eventsUnknown,
			m.publishes, m.publishFailures,
			m.reconnects, m.resyncs,
			m.updatesBuffered, m.updatesDropped,
		)
	}
	return m
}
