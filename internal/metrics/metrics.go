// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taglocator"

// Metrics holds every collector used by the gateway server.
type Metrics struct {
	FramesReceived       *prometheus.CounterVec
	FramesDropped        *prometheus.CounterVec
	HandlerErrors        *prometheus.CounterVec
	ConnectionsOpen      prometheus.Gauge
	GatewaysRegistered   prometheus.Gauge
	RegistrationTimeouts prometheus.Counter
	SamplesPersisted     prometheus.Counter
	TenantCacheLookups   *prometheus.CounterVec
	OwnerChanges         *prometheus.CounterVec
	CommandTargets       *prometheus.CounterVec
	BatchRuns            *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames received from gateways by frame type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames or samples discarded by reason.",
		}, []string{"reason"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "handler_errors_total",
			Help:      "Frame handler failures by handler.",
		}, []string{"handler"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateways",
			Name:      "connections_open",
			Help:      "Open gateway transport connections, registered or not.",
		}),
		GatewaysRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateways",
			Name:      "registered",
			Help:      "Gateways with a registered live connection.",
		}),
		RegistrationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateways",
			Name:      "registration_timeouts_total",
			Help:      "Connections closed for not identifying in time.",
		}),
		SamplesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "samples",
			Name:      "persisted_total",
			Help:      "Tag samples written to the store.",
		}),
		TenantCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "cache_lookups_total",
			Help:      "Tenant resolution lookups by result.",
		}, []string{"result"}),
		OwnerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "location",
			Name:      "owner_changes_total",
			Help:      "Tag owner updates by location mode.",
		}, []string{"mode"}),
		CommandTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "targets_total",
			Help:      "Command deliveries by command and outcome.",
		}, []string{"command", "status"}),
		BatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "location",
			Name:      "batch_runs_total",
			Help:      "Accuracy batch runs by result.",
		}, []string{"result"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "location",
			Name:      "batch_duration_seconds",
			Help:      "Duration of accuracy batch runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesDropped,
			m.HandlerErrors,
			m.ConnectionsOpen,
			m.GatewaysRegistered,
			m.RegistrationTimeouts,
			m.SamplesPersisted,
			m.TenantCacheLookups,
			m.OwnerChanges,
			m.CommandTargets,
			m.BatchRuns,
			m.BatchDuration,
		)
	}

	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
