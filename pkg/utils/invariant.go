// Invariants are conditions that must hold unless there is a bug in pouch itself, e.g. a backend handing a pool a
// hit without an expiration. A violation is logged and counted instead of crashing the server; the caller still
// decides how to carry on. Test builds (TestMode=true) panic instead so violations fail loudly.
//
// Faults of the outside world are not invariants: an unreachable memcached server or an unreadable cache file is a
// cache.ErrStorage, not a bug.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// CounterValue reads the current value of the `labels` child of `counter`.
func CounterValue(counter *prometheus.CounterVec, labels ...string) int {
	metric := &promclient.Metric{}
	if err := counter.WithLabelValues(labels...).Write(metric); err != nil {
		slog.Error("Failed to read counter.", "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}

// GetMetricValue returns the number of violations of `invariantType` raised by `module`.
func GetMetricValue(module, invariantType string) int {
	return CounterValue(invariantsMetric, module, invariantType)
}
