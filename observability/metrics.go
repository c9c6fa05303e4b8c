package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	walletMetricsOnce sync.Once
	walletRegistry    *WalletMetrics

	mintRPCMetricsOnce sync.Once
	mintRPCRegistry    *MintRPCMetrics
)

// WalletMetrics wraps the collectors tracking payment orchestration health.
type WalletMetrics struct {
	payments        *prometheus.CounterVec
	paymentLatency  prometheus.Histogram
	swaps           *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	publishRetries  prometheus.Counter
	restoredProofs  *prometheus.CounterVec
	offlineQueue    prometheus.Gauge
	balance         *prometheus.GaugeVec
	promisesIssued  prometheus.Counter
	promiseExposure prometheus.Gauge
}

// Wallet returns the lazily-initialised wallet metrics registry.
func Wallet() *WalletMetrics {
	walletMetricsOnce.Do(func() {
		walletRegistry = &WalletMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "payments_total",
				Help:      "Count of payment attempts segmented by outcome (confirmed, queued, failed).",
			}, []string{"outcome"}),
			paymentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "payment_duration_seconds",
				Help:      "Latency distribution for payment attempts from start to final state.",
				Buckets:   prometheus.DefBuckets,
			}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "swaps_total",
				Help:      "Count of mint swap attempts segmented by outcome.",
			}, []string{"outcome"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "deliveries_total",
				Help:      "Count of outgoing message deliveries segmented by outcome.",
			}, []string{"outcome"}),
			publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "publish_retries_total",
				Help:      "Count of envelope publish retries after a timeout.",
			}),
			restoredProofs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "restored_proofs_total",
				Help:      "Count of proofs recovered from deterministic restore segmented by mint.",
			}, []string{"mint"}),
			offlineQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "offline_queue_depth",
				Help:      "Number of pending payments waiting for the offline queue to flush.",
			}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "balance",
				Help:      "Spendable balance per mint in the wallet unit.",
			}, []string{"mint"}),
			promisesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "promises_issued_total",
				Help:      "Count of credit promises issued to cover payment shortfalls.",
			}),
			promiseExposure: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cashrail",
				Subsystem: "wallet",
				Name:      "promise_exposure",
				Help:      "Outstanding unsettled value of issued promises.",
			}),
		}
		prometheus.MustRegister(
			walletRegistry.payments,
			walletRegistry.paymentLatency,
			walletRegistry.swaps,
			walletRegistry.deliveries,
			walletRegistry.publishRetries,
			walletRegistry.restoredProofs,
			walletRegistry.offlineQueue,
			walletRegistry.balance,
			walletRegistry.promisesIssued,
			walletRegistry.promiseExposure,
		)
	})
	return walletRegistry
}

// ObservePayment records the final status and latency of a payment attempt.
func (m *WalletMetrics) ObservePayment(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(outcome)).Inc()
	m.paymentLatency.Observe(d.Seconds())
}

// RecordSwap increments the swap counter. Outcomes should be stable strings
// such as "swapped", "exact", "merged", "transient" or "definitive".
func (m *WalletMetrics) RecordSwap(outcome string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(label(outcome)).Inc()
}

// RecordDelivery increments the delivery counter for the supplied outcome.
func (m *WalletMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(label(outcome)).Inc()
}

// RecordPublishRetry counts a timeout driven publish retry.
func (m *WalletMetrics) RecordPublishRetry() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

// RecordRestored adds recovered proofs for a mint.
func (m *WalletMetrics) RecordRestored(mint string, proofs int) {
	if m == nil || proofs <= 0 {
		return
	}
	m.restoredProofs.WithLabelValues(label(mint)).Add(float64(proofs))
}

// SetOfflineQueue updates the pending payment gauge.
func (m *WalletMetrics) SetOfflineQueue(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.offlineQueue.Set(float64(depth))
}

// SetBalance records the spendable balance at a mint.
func (m *WalletMetrics) SetBalance(mint string, amount int64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(label(mint)).Set(float64(amount))
}

// RecordPromise counts an issued promise and updates the exposure gauge.
func (m *WalletMetrics) RecordPromise(outstanding int64) {
	if m == nil {
		return
	}
	m.promisesIssued.Inc()
	m.promiseExposure.Set(float64(outstanding))
}

// MintRPCMetrics captures mint protocol client activity.
type MintRPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// MintRPC returns the singleton metrics registry for the mint HTTP client.
func MintRPC() *MintRPCMetrics {
	mintRPCMetricsOnce.Do(func() {
		mintRPCRegistry = &MintRPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cashrail",
				Subsystem: "mintrpc",
				Name:      "requests_total",
				Help:      "Count of mint protocol calls segmented by operation and error kind.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cashrail",
				Subsystem: "mintrpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for mint protocol calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(mintRPCRegistry.requests, mintRPCRegistry.latency)
	})
	return mintRPCRegistry
}

// Observe records the outcome of a mint call. outcome is "success" or the
// classified error kind.
func (m *MintRPCMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	op := label(operation)
	m.requests.WithLabelValues(op, label(outcome)).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
