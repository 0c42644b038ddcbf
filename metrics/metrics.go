// Package metrics exposes Prometheus counters for lifecycle activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	transitions *prometheus.CounterVec
	conversions *prometheus.CounterVec
	expired     *prometheus.CounterVec
	outbox      *prometheus.CounterVec
}

// NewRecorder registers the counters on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "transitions_total",
			Help:      "Committed status transitions by entity.",
		}, []string{"entity", "from", "to"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "conversions_total",
			Help:      "Conversion attempts by kind and result.",
		}, []string{"kind", "result"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "expired_total",
			Help:      "Entities moved to expired by the sweeper.",
		}, []string{"entity"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "outbox_messages_total",
			Help:      "Outbox messages handled by the relay.",
		}, []string{"result"}),
	}
	reg.MustRegister(r.transitions, r.conversions, r.expired, r.outbox)
	return r
}

func (r *Recorder) Transition(entity, from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(entity, from, to).Inc()
}

func (r *Recorder) Conversion(kind, result string) {
	if r == nil {
		return
	}
	r.conversions.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) Expired(entity string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.expired.WithLabelValues(entity).Add(float64(n))
}

func (r *Recorder) Outbox(result string) {
	if r == nil {
		return
	}
	r.outbox.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
