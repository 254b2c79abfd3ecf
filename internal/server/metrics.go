package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service Prometheus registry. It implements mint.Recorder.
type Metrics struct {
	registry       *prometheus.Registry
	authorizations *prometheus.CounterVec
	onChainErrors  *prometheus.CounterVec
	rejections     prometheus.Counter
	duration       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	authorizations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pplp_mint_authorizations_total",
		Help: "Mint authorization and retry outcomes",
	}, []string{"outcome"})

	onChain := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pplp_onchain_errors_total",
		Help: "Classified on-chain lock failures",
	}, []string{"code"})

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pplp_rpc_endpoint_rejections_total",
		Help: "RPC endpoints rejected during validation",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pplp_mint_request_duration_seconds",
		Help:    "Latency of mint endpoints",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"operation"})

	r := prometheus.NewRegistry()
	r.MustRegister(authorizations, onChain, rejections, duration)

	return &Metrics{
		registry:       r,
		authorizations: authorizations,
		onChainErrors:  onChain,
		rejections:     rejections,
		duration:       duration,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Authorization(outcome string) {
	m.authorizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OnChainError(code string) {
	m.onChainErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) EndpointRejections(n int) {
	if n > 0 {
		m.rejections.Add(float64(n))
	}
}

func (m *Metrics) observe(operation string, seconds float64) {
	m.duration.WithLabelValues(operation).Observe(seconds)
}
