package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports pebble engine metrics to prometheus.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walFiles                *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesIn              *prometheus.Desc
	walBytesWritten         *prometheus.Desc
}

// NewPebbleCollector returns a collector reading metrics from the given pebble storage.
func NewPebbleCollector(p *Pebble) *PebbleCollector {
	return &PebbleCollector{
		db: p.db,
		compactionCount: prometheus.NewDesc(
			"branchdb_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"branchdb_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"branchdb_pebble_memtable_size_bytes",
			"Current size of the memtables in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"branchdb_pebble_memtable_count",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"branchdb_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"branchdb_pebble_wal_size_bytes",
			"Size of the live WAL data in bytes",
			nil, nil,
		),
		walBytesIn: prometheus.NewDesc(
			"branchdb_pebble_wal_bytes_in_total",
			"Logical bytes written to the WAL",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"branchdb_pebble_wal_bytes_written_total",
			"Physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesIn
	ch <- pc.walBytesWritten
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(metrics.WAL.Files))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesIn, prometheus.CounterValue, float64(metrics.WAL.BytesIn))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(metrics.WAL.BytesWritten))
}
