package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nets"

// Metrics holds the daemon's Prometheus collectors. Each instance owns a
// private registry so tests and offline replays do not collide.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    prometheus.Counter
	EventsInvalid     prometheus.Counter
	EventsShed        prometheus.Counter
	FlowsEmitted      prometheus.Counter
	FlowsDegraded     prometheus.Counter
	Alerts            *prometheus.CounterVec
	RuleErrors        *prometheus.CounterVec
	DetectorPanics    *prometheus.CounterVec
	DetectorEntries   *prometheus.GaugeVec
	DetectorEvictions *prometheus.GaugeVec
	Decisions         *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	PublishErrors     prometheus.Counter
	Degraded          prometheus.Gauge
	ActiveRules       prometheus.Gauge
	BundleVersion     prometheus.Gauge
	PendingDecisions  prometheus.Gauge
	QueueDepth        prometheus.Gauge
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of collector events accepted",
		}),
		EventsInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_invalid_total",
			Help:      "Total number of collector events rejected by validation",
		}),
		EventsShed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_shed_total",
			Help:      "Total number of events dropped because the ingest queue was full",
		}),
		FlowsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Total number of normalized flow windows emitted",
		}),
		FlowsDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_degraded_total",
			Help:      "Total number of flows emitted without enrichment",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts by source and severity",
		}, []string{"source", "severity"}),
		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_runtime_errors_total",
			Help:      "Total number of rule evaluation failures",
		}, []string{"rule_id"}),
		DetectorPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Total number of recovered detector failures",
		}, []string{"detector"}),
		DetectorEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detector_state_entries",
			Help:      "Live state entries per detector",
		}, []string{"detector"}),
		DetectorEvictions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detector_state_evictions",
			Help:      "State entries evicted for capacity per detector",
		}, []string{"detector"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_transitions_total",
			Help:      "Total number of quarantine decision transitions by target state",
		}, []string{"state"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of failed storage writes",
		}, []string{"kind"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total number of NATS publish errors",
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 while the normalizer sheds enrichment",
		}),
		ActiveRules: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_active",
			Help:      "Number of rules in the active bundle",
		}),
		BundleVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_bundle_version",
			Help:      "Version counter of the active rule bundle",
		}),
		PendingDecisions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_pending",
			Help:      "Decisions awaiting confirmation or enforcement",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Events waiting in the ingest queue",
		}),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetDegraded mirrors the normalizer's degraded flag
func (m *Metrics) SetDegraded(on bool) {
	if on {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}

// ObserveAlert counts an emitted alert
func (m *Metrics) ObserveAlert(source, severity string) {
	m.Alerts.WithLabelValues(source, severity).Inc()
}
