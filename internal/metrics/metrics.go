// Package metrics owns the bridge's Prometheus registry. Every method on
// [Registry] is safe to call on a nil receiver so components can accept
// an optional registry without checking for one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "iaqbridge"

// Registry holds the bridge metrics and the registry they are exported
// from.
type Registry struct {
	reg *prometheus.Registry

	framesReceived prometheus.Counter
	frameOutcomes  *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	sweeps         prometheus.Counter
	devices        *prometheus.GaugeVec
	pipelineState  prometheus.Gauge
	sessions       *prometheus.CounterVec
}

// New creates a Registry with the bridge metrics plus the Go runtime and
// process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Text frames received from the vendor event stream",
		}),
		frameOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_classified_total",
			Help:      "Frames by classification outcome (update, ignored, unknown, malformed)",
		}, []string{"outcome"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Sink invocations that returned an error or panicked",
		}, []string{"sink"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "MQTT publishes by message kind and result",
		}, []string{"kind", "status"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "sweeps_total",
			Help:      "Completed liveness sweeps",
		}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "devices",
			Help:      "Tracked devices by status at the last sweep",
		}, []string{"status"}),
		pipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "state",
			Help:      "Pipeline state (0=authenticating, 1=connected, 2=receiving, 3=terminated)",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Stream sessions by result",
		}, []string{"result"}),
	}

	r.reg.MustRegister(
		r.framesReceived,
		r.frameOutcomes,
		r.sinkFailures,
		r.publishes,
		r.sweeps,
		r.devices,
		r.pipelineState,
		r.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying registry, used to register worker
// pool metrics and to serve /metrics.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Registerer returns the registry as a [prometheus.Registerer], or nil
// for a nil Registry. Returning the interface from a nil pointer would
// give callers a non-nil interface holding nil.
func (r *Registry) Registerer() prometheus.Registerer {
	if r == nil {
		return nil
	}
	return r.reg
}

// FrameReceived counts one text frame off the wire.
func (r *Registry) FrameReceived() {
	if r == nil {
		return
	}
	r.framesReceived.Inc()
}

// FrameOutcome counts one classified frame.
func (r *Registry) FrameOutcome(outcome string) {
	if r == nil {
		return
	}
	r.frameOutcomes.WithLabelValues(outcome).Inc()
}

// SinkFailed counts one failed sink call.
func (r *Registry) SinkFailed(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(sink).Inc()
}

// Publish counts one MQTT publish of kind (config, update, status) with
// status "ok" or "error".
func (r *Registry) Publish(kind, status string) {
	if r == nil {
		return
	}
	r.publishes.WithLabelValues(kind, status).Inc()
}

// Swept records a completed liveness sweep.
func (r *Registry) Swept(online, offline int) {
	if r == nil {
		return
	}
	r.sweeps.Inc()
	r.devices.WithLabelValues("online").Set(float64(online))
	r.devices.WithLabelValues("offline").Set(float64(offline))
}

// SetPipelineState records the orchestrator's current state.
func (r *Registry) SetPipelineState(state int) {
	if r == nil {
		return
	}
	r.pipelineState.Set(float64(state))
}

// SessionEnded counts one finished stream session. result is "ok" when
// the session received at least one frame, "error" otherwise.
func (r *Registry) SessionEnded(result string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(result).Inc()
}
