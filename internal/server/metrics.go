package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	payloadsTotal      *prometheus.CounterVec
	statusChecksTotal  *prometheus.CounterVec
	webhooksTotal      *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	submissionsTotal   *prometheus.CounterVec
	mintsTotal         *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	payloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_payloads_created_total",
		Help: "Approval requests created at the approval service",
	}, []string{"status"})

	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_payload_status_checks_total",
		Help: "Approval request status reads",
	}, []string{"result"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_webhooks_total",
		Help: "Approval service callbacks processed",
	}, []string{"status"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_verifications_total",
		Help: "Credential eligibility checks",
	}, []string{"result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_submissions_total",
		Help: "Signed blobs submitted to the ledger",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_mints_total",
		Help: "Gated mint preparations",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riplx_webhook_retries_total",
		Help: "Retry attempts for callback follow-up",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riplx_dlq_depth",
		Help: "Number of callbacks in the dead-letter directory",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(payloads, checks, webhooks, verifications, submissions, mints, retries, dlq)

	return &metricsRegistry{
		registry:           r,
		payloadsTotal:      payloads,
		statusChecksTotal:  checks,
		webhooksTotal:      webhooks,
		verificationsTotal: verifications,
		submissionsTotal:   submissions,
		mintsTotal:         mints,
		retryAttemptsTotal: retries,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPayload(status string) {
	m.payloadsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incStatusCheck(result string) {
	m.statusChecksTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incWebhook(status string) {
	m.webhooksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incVerification(result string) {
	m.verificationsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incMint(status string) {
	m.mintsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
