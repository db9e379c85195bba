package bench

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gpulock"

// Metrics are the Prometheus collectors a run updates. Each Metrics owns its
// registry so runs in one process never share counters.
type Metrics struct {
	registry *prometheus.Registry

	locks      *prometheus.CounterVec
	failures   *prometheus.CounterVec
	iterations *prometheus.CounterVec
	anomalies  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	workgroups prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		locks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_attempts_total",
			Help:      "Lock acquisitions attempted by the kernel.",
		}, []string{"variant"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_failures_total",
			Help:      "Critical section increments lost to failed mutual exclusion.",
		}, []string{"variant"}),
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "iterations_total",
			Help:      "Test iterations run, by whether they lost any increment.",
		}, []string{"variant", "failed"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "measurement_anomalies_total",
			Help:      "Iterations that observed more successes than attempts.",
		}, []string{"variant"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall-clock time of one kernel run.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"variant"}),
		workgroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatched_workgroups",
			Help:      "Workgroup count after clamping to the device limit.",
		}),
	}
}

func (inst *Metrics) Registry() *prometheus.Registry {
	return inst.registry
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (inst *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, inst.registry)
}

func (inst *Metrics) observe(variant string, expected uint64, it IterationResult) {
	inst.locks.WithLabelValues(variant).Add(float64(expected))
	inst.duration.WithLabelValues(variant).Observe(it.Elapsed.Seconds())

	failed := "false"
	switch {
	case it.Failures > 0:
		inst.failures.WithLabelValues(variant).Add(float64(it.Failures))
		failed = "true"
	case it.Failures < 0:
		inst.anomalies.WithLabelValues(variant).Inc()
	}
	inst.iterations.WithLabelValues(variant, failed).Inc()
}
