package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchsettle"

var (
	distributionOnce     sync.Once
	distributionRegistry *DistributionMetrics

	daemonOnce     sync.Once
	daemonRegistry *DaemonMetrics
)

// DistributionMetrics tracks engine outcomes.
type DistributionMetrics struct {
	distributions *prometheus.CounterVec
	failures      *prometheus.CounterVec
	feePayments   *prometheus.CounterVec
	amount        *prometheus.CounterVec
	stranded      prometheus.Counter
	latency       *prometheus.HistogramVec
}

// Distribution returns the lazily registered engine metrics.
func Distribution() *DistributionMetrics {
	distributionOnce.Do(func() {
		distributionRegistry = &DistributionMetrics{
			distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "distributions_total",
				Help:      "Distribution calls segmented by path, usage class and outcome.",
			}, []string{"path", "usage", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "transfer_failures_total",
				Help:      "Recipient transfers that did not land, by asset kind.",
			}, []string{"kind"}),
			feePayments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "fee_payments_total",
				Help:      "Fee payments segmented by receiving party and outcome.",
			}, []string{"party", "outcome"}),
			amount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "distributed_amount_total",
				Help:      "Units delivered to recipients, by asset kind. Saturates at float64 precision.",
			}, []string{"kind"}),
			stranded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "stranded_units_total",
				Help:      "Wrapped units left in the vault after a failed unwrap could not be handed back.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "call_duration_seconds",
				Help:      "Latency of distribution calls by path.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
		}
		prometheus.MustRegister(
			distributionRegistry.distributions,
			distributionRegistry.failures,
			distributionRegistry.feePayments,
			distributionRegistry.amount,
			distributionRegistry.stranded,
			distributionRegistry.latency,
		)
	})
	return distributionRegistry
}

// ObserveCall records the outcome of one engine entry point. A nil err is
// recorded as "settled"; otherwise the outcome is "aborted".
func (m *DistributionMetrics) ObserveCall(path, usage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "settled"
	if err != nil {
		outcome = "aborted"
	}
	m.distributions.WithLabelValues(label(path), label(usage), outcome).Inc()
	m.latency.WithLabelValues(label(path)).Observe(duration.Seconds())
}

// RecordTransferFailures adds count failed recipients for kind.
func (m *DistributionMetrics) RecordTransferFailures(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.failures.WithLabelValues(label(kind)).Add(float64(count))
}

// RecordFeePayment records a fee leg. party is "referrer" or "treasury".
func (m *DistributionMetrics) RecordFeePayment(party string, paid bool) {
	if m == nil {
		return
	}
	outcome := "paid"
	if !paid {
		outcome = "failed"
	}
	m.feePayments.WithLabelValues(label(party), outcome).Inc()
}

// RecordDistributed adds delivered units for kind.
func (m *DistributionMetrics) RecordDistributed(kind string, amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.amount.WithLabelValues(label(kind)).Add(toFloat(amount))
}

// RecordStranded adds wrapped units stranded in the vault.
func (m *DistributionMetrics) RecordStranded(amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.stranded.Add(toFloat(amount))
}

// DaemonMetrics wraps the distributord HTTP collectors.
type DaemonMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Daemon returns the lazily registered distributord metrics.
func Daemon() *DaemonMetrics {
	daemonOnce.Do(func() {
		daemonRegistry = &DaemonMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distributord",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distributord",
				Name:      "errors_total",
				Help:      "HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "distributord",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for distributord handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distributord",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limits or quotas.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			daemonRegistry.requests,
			daemonRegistry.errors,
			daemonRegistry.latency,
			daemonRegistry.throttles,
		)
	})
	return daemonRegistry
}

// Observe records a handled request. status is the HTTP status written.
func (m *DaemonMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(label(route), fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(label(route), outcome).Inc()
	m.latency.WithLabelValues(label(route)).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "quota_exceeded".
func (m *DaemonMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

func label(v string) string {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
