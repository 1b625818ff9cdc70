package revdb

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type dbMetrics struct {
	set         *metrics.Set
	saves       *metrics.Counter
	purges      *metrics.Counter
	commits     *metrics.Counter
	aborts      *metrics.Counter
	compactions *metrics.Counter
	indexRuns   *metrics.Counter
	indexedDocs *metrics.Counter
	busyRetries *metrics.Counter
}

func newDBMetrics(db *DB) *dbMetrics {
	s := metrics.NewSet()
	m := &dbMetrics{
		set:         s,
		saves:       s.NewCounter("revdb_saves_total"),
		purges:      s.NewCounter("revdb_purges_total"),
		commits:     s.NewCounter("revdb_commits_total"),
		aborts:      s.NewCounter("revdb_aborts_total"),
		compactions: s.NewCounter("revdb_compactions_total"),
		indexRuns:   s.NewCounter("revdb_index_runs_total"),
		indexedDocs: s.NewCounter("revdb_indexed_docs_total"),
		busyRetries: s.NewCounter("revdb_busy_retries_total"),
	}
	s.NewGauge("revdb_last_sequence", func() float64 {
		return float64(db.lastSeq.Load())
	})
	s.NewGauge("revdb_open_readers", func() float64 {
		return float64(db.ReaderCount.Load())
	})
	s.NewGauge("revdb_open_writers", func() float64 {
		return float64(db.WriterCount.Load())
	})
	s.NewGauge("revdb_open_views", func() float64 {
		return float64(db.views.Size())
	})
	return m
}

// WriteMetrics writes the counters of this database in Prometheus text
// exposition format.
func (db *DB) WriteMetrics(w io.Writer) {
	db.metrics.set.WritePrometheus(w)
}
