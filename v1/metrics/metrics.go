package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// AcquireFailureCounter tracks acquisitions that exhausted their retries.
	AcquireFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_acquire_failures_total",
		Help: "Total number of lock acquisitions that ended FAILED",
	})
	// RoundCounter tracks acquisition rounds, including retries.
	RoundCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_rounds_total",
		Help: "Total number of acquisition rounds",
	})
	// RollbackCounter tracks rounds whose partial acquisitions were rolled back.
	RollbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_rollbacks_total",
		Help: "Total number of rounds rolled back for lack of quorum or validity",
	})
	// ReleaseCounter tracks releases that removed the key on every held store.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_release_total",
		Help: "Total number of confirmed lock releases",
	})
	// ReleaseFailureCounter tracks releases the stores did not confirm.
	ReleaseFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_release_failures_total",
		Help: "Total number of lock releases not confirmed by every held store",
	})
	// ExtendCounter tracks successful lease extensions.
	ExtendCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_extend_total",
		Help: "Total number of successful lease extensions",
	})
	// ExtendFailureCounter tracks rejected lease extensions.
	ExtendFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_extend_failures_total",
		Help: "Total number of rejected lease extensions",
	})
	// StoreErrorCounter tracks transport errors returned by stores.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_store_errors_total",
		Help: "Total number of store transport errors",
	})
	// DebounceFiredCounter tracks debounced callbacks that fired.
	DebounceFiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_debounce_fired_total",
		Help: "Total number of debounced calls that won their window",
	})
	// DebounceSuppressedCounter tracks debounced calls superseded by a later caller.
	DebounceSuppressedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_debounce_suppressed_total",
		Help: "Total number of debounced calls suppressed by a later caller",
	})
	// HeldGauge reports the number of locks this process currently holds.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_held",
		Help: "Current number of locks held by this process",
	})
	// AcquireLatency observes the duration of whole acquisitions.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warplock_acquire_latency_seconds",
		Help:    "Latency of lock acquisitions, retries included",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the warplock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		AcquireFailureCounter,
		RoundCounter,
		RollbackCounter,
		ReleaseCounter,
		ReleaseFailureCounter,
		ExtendCounter,
		ExtendFailureCounter,
		StoreErrorCounter,
		DebounceFiredCounter,
		DebounceSuppressedCounter,
		HeldGauge,
		AcquireLatency,
	)
}
