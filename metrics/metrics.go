// Package metrics declares the prometheus metrics exported by the revision engine.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var CommitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "commits",
}, []string{"kind"})

var CommitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "commit_failures",
}, []string{"reason"})

var CommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "commit_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"kind"})

var CommitSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "commit_objects",
	Buckets:   []float64{1, 2, 5, 10, 50, 100, 500, 1000, 5000},
})

var MergeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "merges",
}, []string{"kind", "state"})

var MergeConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "merge_conflicts",
}, []string{"kind"})

var LockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "lock_wait_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
}, []string{"operation"})

var Branches = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "branchdb",
	Subsystem: "core",
	Name:      "branches",
})

// Collectors returns all metrics declared by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CommitCount,
		CommitFailures,
		CommitDuration,
		CommitSize,
		MergeCount,
		MergeConflicts,
		LockWait,
		Branches,
	}
}

// Register registers all metrics with the given registerer.
//
// Metrics that are already registered are skipped.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	for _, c := range append(Collectors(), extra...) {
		err := reg.Register(c)
		var already prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &already) {
			return err
		}
	}
	return nil
}
