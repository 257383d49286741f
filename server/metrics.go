package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ChangeLogCollector exposes the shape log's pebble internals plus the log
// length to prometheus.
type ChangeLogCollector struct {
	clog *ChangeLog

	logEntries *prometheus.Desc

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewChangeLogCollector(clog *ChangeLog) *ChangeLogCollector {
	return &ChangeLogCollector{
		clog: clog,

		logEntries: prometheus.NewDesc(
			"shapesync_changelog_entries",
			"Total entries appended to the shape log",
			nil, nil,
		),
		compactionCount: prometheus.NewDesc(
			"shapesync_changelog_pebble_compaction_count_total",
			"Total number of pebble compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"shapesync_changelog_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted",
			nil, nil,
		),
		compactionInProgress: prometheus.NewDesc(
			"shapesync_changelog_pebble_compaction_in_progress",
			"Number of compactions currently in progress",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"shapesync_changelog_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"shapesync_changelog_pebble_memtable_count",
			"Number of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"shapesync_changelog_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"shapesync_changelog_pebble_wal_size_bytes",
			"Size of the WAL in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"shapesync_changelog_pebble_wal_bytes_written_total",
			"Total bytes written to the WAL",
			nil, nil,
		),
	}
}

func (c *ChangeLogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.logEntries
	ch <- c.compactionCount
	ch <- c.compactionEstimatedDebt
	ch <- c.compactionInProgress
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
}

func (c *ChangeLogCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.clog.Metrics()

	ch <- prometheus.MustNewConstMetric(c.logEntries, prometheus.CounterValue,
		float64(c.clog.Len()))
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue,
		float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionEstimatedDebt, prometheus.GaugeValue,
		float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.compactionInProgress, prometheus.GaugeValue,
		float64(m.Compact.NumInProgress))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue,
		float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue,
		float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue,
		float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue,
		float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue,
		float64(m.WAL.BytesWritten))
}
