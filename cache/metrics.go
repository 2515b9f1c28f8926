package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector exposes cache counters to Prometheus without double-counting:
// the atomics remain the source of truth.
type collector struct {
	cache *Cache

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	evictions  *prometheus.Desc
	fileWrites *prometheus.Desc
	fileReads  *prometheus.Desc
	localBytes *prometheus.Desc
}

// Collector returns a Prometheus collector over the cache counters.
func (c *Cache) Collector() prometheus.Collector {
	return &collector{
		cache: c,
		hits: prometheus.NewDesc("lexstream_cache_hits_total",
			"Cache hits across all layers.", nil, nil),
		misses: prometheus.NewDesc("lexstream_cache_misses_total",
			"Cache misses across all layers.", nil, nil),
		evictions: prometheus.NewDesc("lexstream_cache_evictions_total",
			"Local LRU evictions.", nil, nil),
		fileWrites: prometheus.NewDesc("lexstream_cache_file_writes_total",
			"Writes to the file layer.", nil, nil),
		fileReads: prometheus.NewDesc("lexstream_cache_file_reads_total",
			"Reads served by the file layer.", nil, nil),
		localBytes: prometheus.NewDesc("lexstream_cache_local_bytes",
			"Bytes held by the local LRU layer.", nil, nil),
	}
}

func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.hits
	ch <- col.misses
	ch <- col.evictions
	ch <- col.fileWrites
	ch <- col.fileReads
	ch <- col.localBytes
}

func (col *collector) Collect(ch chan<- prometheus.Metric) {
	s := col.cache.Stats()
	ch <- prometheus.MustNewConstMetric(col.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(col.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(col.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(col.fileWrites, prometheus.CounterValue, float64(s.FileWrites))
	ch <- prometheus.MustNewConstMetric(col.fileReads, prometheus.CounterValue, float64(s.FileReads))
	ch <- prometheus.MustNewConstMetric(col.localBytes, prometheus.GaugeValue, float64(s.LocalBytes))
}
