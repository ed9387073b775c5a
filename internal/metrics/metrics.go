// Package metrics collects per-run counters for tree builds and imports.
//
// Counters live in a private Prometheus registry rather than the global one,
// so each run starts from zero and tests can create as many collectors as
// they like. A run's counters can be written once, at the end, in the node
// exporter textfile format.
//
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailshard"

// Collector holds the counters for one process run.
type Collector struct {
	registry *prometheus.Registry

	linesProcessed  prometheus.Counter
	recordsAdded    prometheus.Counter
	recordsDropped  prometheus.Counter
	flushes         prometheus.Counter
	flushFailures   prometheus.Counter
	sourcesDone     *prometheus.CounterVec
	hydrations      *prometheus.CounterVec
	hydratedRecords prometheus.Counter
	bucketsCreated  prometheus.Counter
	bucketsExisting prometheus.Counter
	compacted       prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		linesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "lines_processed_total",
			Help:      "Structurally valid source lines.",
		}),
		recordsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "records_added_total",
			Help:      "Canonical records accepted as new for their bucket.",
		}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "records_dropped_total",
			Help:      "Accepted records lost because their flush failed.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "flushes_total",
			Help:      "Write buffer flushes attempted.",
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "flush_failures_total",
			Help:      "Write buffer flushes that failed.",
		}),
		sourcesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "sources_total",
			Help:      "Sources consumed, by outcome.",
		}, []string{"outcome"}),
		hydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "bucket_hydrations_total",
			Help:      "Dedup sets loaded from bucket files, by outcome.",
		}, []string{"outcome"}),
		hydratedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "hydrated_records_total",
			Help:      "Existing records loaded into dedup sets.",
		}),
		bucketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "buckets_created_total",
			Help:      "Bucket files created by tree builds.",
		}),
		bucketsExisting: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "buckets_existing_total",
			Help:      "Bucket files already present during tree builds.",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compact",
			Name:      "lines_removed_total",
			Help:      "Duplicate or non-canonical lines removed by compaction.",
		}),
	}

	c.registry.MustRegister(
		c.linesProcessed,
		c.recordsAdded,
		c.recordsDropped,
		c.flushes,
		c.flushFailures,
		c.sourcesDone,
		c.hydrations,
		c.hydratedRecords,
		c.bucketsCreated,
		c.bucketsExisting,
		c.compacted,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// LineProcessed counts one structurally valid line.
func (c *Collector) LineProcessed() {
	if c == nil {
		return
	}
	c.linesProcessed.Inc()
}

// RecordAdded counts one newly accepted record.
func (c *Collector) RecordAdded() {
	if c == nil {
		return
	}
	c.recordsAdded.Inc()
}

// Flush records one flush attempt of n records.
func (c *Collector) Flush(n int, err error) {
	if c == nil {
		return
	}
	c.flushes.Inc()
	if err != nil {
		c.flushFailures.Inc()
		c.recordsDropped.Add(float64(n))
	}
}

// SourceDone records the outcome of consuming one source.
func (c *Collector) SourceDone(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	c.sourcesDone.WithLabelValues(outcome).Inc()
}

// Hydrated records loading a bucket's dedup set.
func (c *Collector) Hydrated(records int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.hydrations.WithLabelValues("failed").Inc()
		return
	}
	c.hydrations.WithLabelValues("ok").Inc()
	c.hydratedRecords.Add(float64(records))
}

// TreeBuilt records the result of a tree build.
func (c *Collector) TreeBuilt(created, existing int64) {
	if c == nil {
		return
	}
	c.bucketsCreated.Add(float64(created))
	c.bucketsExisting.Add(float64(existing))
}

// Compacted records lines removed by compaction.
func (c *Collector) Compacted(removed int) {
	if c == nil {
		return
	}
	c.compacted.Add(float64(removed))
}

// WriteTextfile writes all counters to path in the node exporter textfile
// format. The write is atomic.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
