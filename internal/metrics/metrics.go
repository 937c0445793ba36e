// Package metrics exports swap engine and reconciler measurements to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "klingon_bridge"

// Recorder implements swap.Recorder on Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	SwapsInitiated   *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	ReconcilerEvents *prometheus.CounterVec
	AdapterRetries   *prometheus.CounterVec
	ActiveStreams    *prometheus.GaugeVec
	SwapsByStatus    *prometheus.GaugeVec
	OutboxPending    prometheus.Gauge
	NotifyPublished  *prometheus.CounterVec
	LastSweep        prometheus.Gauge
}

// Compile-time interface check.
var _ swap.Recorder = (*Recorder)(nil)

// NewRecorder registers the bridge collectors on a fresh registry. The
// registry also carries the Go runtime and process collectors.
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		SwapsInitiated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "swaps_initiated_total",
			Help:      "Swaps created, by route",
		}, []string{"from", "to"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Applied status transitions",
		}, []string{"from", "to"}),
		AdapterRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "adapter_retries_total",
			Help:      "Retried adapter calls after transient errors",
		}, []string{"chain", "op"}),
		ReconcilerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "events_total",
			Help:      "Chain events handled, by outcome",
		}, []string{"chain", "outcome"}),
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "active_streams",
			Help:      "Open chain event streams",
		}, []string{"chain"}),
		SwapsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "swaps",
			Help:      "Stored swaps by status",
		}, []string{"status"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "outbox_pending",
			Help:      "Status change notifications waiting to be published",
		}),
		NotifyPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Notification publish attempts, by result",
		}, []string{"result"}),
		LastSweep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_sweep_timestamp",
			Help:      "Unix timestamp of the last status sweep",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SwapInitiated counts a new swap.
func (r *Recorder) SwapInitiated(fromChain, toChain string) {
	r.SwapsInitiated.WithLabelValues(fromChain, toChain).Inc()
}

// Transition counts an applied status change. Synthesized swaps have no
// previous status and are labelled "none".
func (r *Recorder) Transition(from, to swap.Status) {
	r.Transitions.WithLabelValues(statusLabel(from), statusLabel(to)).Inc()
}

// ReconcilerEvent counts one handled chain event.
func (r *Recorder) ReconcilerEvent(chain string, outcome swap.Outcome) {
	r.ReconcilerEvents.WithLabelValues(chain, string(outcome)).Inc()
}

// AdapterRetry counts a retried adapter call.
func (r *Recorder) AdapterRetry(chain, op string) {
	r.AdapterRetries.WithLabelValues(chain, op).Inc()
}

// StreamActive adjusts the open stream gauge for chain.
func (r *Recorder) StreamActive(chain string, delta int) {
	r.ActiveStreams.WithLabelValues(chain).Add(float64(delta))
}

// SetSwapCounts replaces the per-status swap gauges. Statuses missing from
// counts are reported as zero.
func (r *Recorder) SetSwapCounts(counts map[swap.Status]int) {
	for _, s := range swap.AllStatuses {
		r.SwapsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	r.LastSweep.Set(float64(time.Now().Unix()))
}

// SetOutboxPending reports the notification backlog.
func (r *Recorder) SetOutboxPending(n int) {
	r.OutboxPending.Set(float64(n))
}

// NotifyResult counts one publish attempt.
func (r *Recorder) NotifyResult(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.NotifyPublished.WithLabelValues(result).Inc()
}

func statusLabel(s swap.Status) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
