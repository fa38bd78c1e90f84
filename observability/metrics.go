package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments of the messaging core.
type Metrics struct {
	registry *prometheus.Registry

	CryptoOperationsTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	DuplicateSendsTotal   prometheus.Counter
	PendingSends          prometheus.Gauge
	DecryptFailuresTotal  prometheus.Counter
	HashMismatchesTotal   prometheus.Counter
	SnapshotsAppliedTotal prometheus.Counter
	StaleSnapshotsTotal   prometheus.Counter
}

// NewMetrics registers all instruments on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		CryptoOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_crypto_operations_total",
			Help: "Cryptographic operations by operation and result.",
		}, []string{"operation", "result"}),
		MessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_messages_sent_total",
			Help: "Outgoing submissions by outcome and encryption.",
		}, []string{"outcome", "encrypted"}),
		DuplicateSendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_duplicate_sends_total",
			Help: "Submissions suppressed because an identical one was pending.",
		}),
		PendingSends: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cipherchat_pending_sends",
			Help: "Submissions currently in flight.",
		}),
		DecryptFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_decrypt_failures_total",
			Help: "Inbound messages replaced by the decryption failure placeholder.",
		}),
		HashMismatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_hash_mismatches_total",
			Help: "Decrypted messages whose integrity hash did not match.",
		}),
		SnapshotsAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_snapshots_applied_total",
			Help: "Remote snapshots merged into a conversation log.",
		}),
		StaleSnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_stale_snapshots_total",
			Help: "Snapshots discarded because their conversation was closed.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CryptoOp counts one cryptographic operation.
func (m *Metrics) CryptoOp(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CryptoOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Sent counts one resolved submission.
func (m *Metrics) Sent(outcome string, encrypted bool) {
	if m == nil {
		return
	}
	label := "false"
	if encrypted {
		label = "true"
	}
	m.MessagesSentTotal.WithLabelValues(outcome, label).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics listener until the returned stop function is called.
func (m *Metrics) Serve(addr string, logger *Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics listener stopped")
		}
	}()

	return func() {
		_ = server.Close()
	}
}

// Duplicate counts one suppressed duplicate submission.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicateSendsTotal.Inc()
}

// SetPending records the number of in-flight submissions.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingSends.Set(float64(n))
}

// DecryptFailure counts one inbound message that failed to decrypt.
func (m *Metrics) DecryptFailure() {
	if m == nil {
		return
	}
	m.DecryptFailuresTotal.Inc()
}

// HashMismatch counts one integrity hash mismatch.
func (m *Metrics) HashMismatch() {
	if m == nil {
		return
	}
	m.HashMismatchesTotal.Inc()
}

// SnapshotApplied counts one merged snapshot.
func (m *Metrics) SnapshotApplied() {
	if m == nil {
		return
	}
	m.SnapshotsAppliedTotal.Inc()
}

// StaleSnapshot counts one snapshot dropped after close.
func (m *Metrics) StaleSnapshot() {
	if m == nil {
		return
	}
	m.StaleSnapshotsTotal.Inc()
}
