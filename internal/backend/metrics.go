package backend

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a point-in-time snapshot of backend counters and gauges.
// Counter reset rules differ by field: Inserts and WALSizeBytes reset on
// compaction and the other counters are monotonic. DLQSize, the queue
// lengths and the circuit-breaker fields are gauges.
type Metrics struct {
	Inserts     uint64 `json:"inserts"`
	Queries     uint64 `json:"queries"`
	Deletes     uint64 `json:"deletes"`
	S3Uploads   uint64 `json:"s3_uploads"`
	S3Downloads uint64 `json:"s3_downloads"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`

	WALSizeBytes uint64     `json:"wal_size_bytes"`
	LastSnapshot *time.Time `json:"last_snapshot_at,omitempty"`
	Compactions  uint64     `json:"compactions"`

	S3Retries           uint64 `json:"s3_retries"`
	S3PermanentFailures uint64 `json:"s3_permanent_failures"`
	DLQSize             int    `json:"dlq_size"`
	UploadQueueLength   int    `json:"upload_queue_length"`
	RetryQueueLength    int    `json:"retry_queue_length"`

	CircuitBreakerState     uint8   `json:"circuit_breaker_state"`
	CircuitBreakerErrorRate float64 `json:"circuit_breaker_error_rate"`
}

// CacheHitRate returns hits / (hits + misses), or zero with no traffic.
func (m *Metrics) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

// ExportPrometheus renders the snapshot in Prometheus text format
// (v0.0.4), one series per counter or gauge.
func (m *Metrics) ExportPrometheus() string {
	var b strings.Builder

	counter := func(name, help string, value uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	}
	gauge := func(name, help string, value string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, value)
	}

	counter("strata_storage_inserts_total", "Total insert operations", m.Inserts)
	counter("strata_storage_queries_total", "Total query operations", m.Queries)
	counter("strata_storage_deletes_total", "Total delete operations", m.Deletes)

	counter("strata_s3_uploads_total", "Total S3 uploads completed", m.S3Uploads)
	counter("strata_s3_downloads_total", "Total S3 downloads completed", m.S3Downloads)
	counter("strata_s3_retries_total", "Total S3 retry attempts", m.S3Retries)
	counter("strata_s3_permanent_failures_total", "Total S3 permanent failures", m.S3PermanentFailures)

	gauge("strata_dlq_size", "Current dead-letter queue size", fmt.Sprintf("%d", m.DLQSize))
	gauge("strata_upload_queue_length", "Pending S3 upload tasks", fmt.Sprintf("%d", m.UploadQueueLength))
	gauge("strata_retry_queue_length", "Pending S3 retry tasks", fmt.Sprintf("%d", m.RetryQueueLength))

	gauge("strata_circuit_breaker_state", "Circuit breaker state (0=Closed, 1=Open, 2=HalfOpen)",
		fmt.Sprintf("%d", m.CircuitBreakerState))
	gauge("strata_circuit_breaker_error_rate", "Current error rate (0.0-1.0)",
		fmt.Sprintf("%.4f", m.CircuitBreakerErrorRate))

	counter("strata_cache_hits_total", "Total cache hits (S3Only policy)", m.CacheHits)
	counter("strata_cache_misses_total", "Total cache misses (S3Only policy)", m.CacheMisses)
	gauge("strata_cache_hit_rate", "Cache hit rate (0.0-1.0)", fmt.Sprintf("%.4f", m.CacheHitRate()))

	gauge("strata_wal_size_bytes", "Current WAL size in bytes", fmt.Sprintf("%d", m.WALSizeBytes))
	counter("strata_compactions_total", "Total compactions performed", m.Compactions)

	return b.String()
}

// metricsState is the mutable counter set behind the backend, guarded by
// its own mutex so hot-path updates never contend with the vector map.
type metricsState struct {
	mu sync.Mutex
	m  Metrics
}

func (s *metricsState) update(fn func(*Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.m)
}

func (s *metricsState) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

// Collector exposes a backend's metrics to a prometheus registry. All
// series are emitted as const metrics from a snapshot, so collection
// never blocks the write path.
type Collector struct {
	source func() Metrics

	inserts      *prometheus.Desc
	queries      *prometheus.Desc
	deletes      *prometheus.Desc
	s3Uploads    *prometheus.Desc
	s3Downloads  *prometheus.Desc
	s3Retries    *prometheus.Desc
	s3Permanent  *prometheus.Desc
	dlqSize      *prometheus.Desc
	breakerState *prometheus.Desc
	breakerRate  *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheHitRate *prometheus.Desc
	walSize      *prometheus.Desc
	compactions  *prometheus.Desc
}

// NewCollector wraps a metrics source for registry registration.
func NewCollector(source func() Metrics) *Collector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &Collector{
		source:       source,
		inserts:      d("strata_storage_inserts_total", "Total insert operations"),
		queries:      d("strata_storage_queries_total", "Total query operations"),
		deletes:      d("strata_storage_deletes_total", "Total delete operations"),
		s3Uploads:    d("strata_s3_uploads_total", "Total S3 uploads completed"),
		s3Downloads:  d("strata_s3_downloads_total", "Total S3 downloads completed"),
		s3Retries:    d("strata_s3_retries_total", "Total S3 retry attempts"),
		s3Permanent:  d("strata_s3_permanent_failures_total", "Total S3 permanent failures"),
		dlqSize:      d("strata_dlq_size", "Current dead-letter queue size"),
		breakerState: d("strata_circuit_breaker_state", "Circuit breaker state (0=Closed, 1=Open, 2=HalfOpen)"),
		breakerRate:  d("strata_circuit_breaker_error_rate", "Current error rate (0.0-1.0)"),
		cacheHits:    d("strata_cache_hits_total", "Total cache hits (S3Only policy)"),
		cacheMisses:  d("strata_cache_misses_total", "Total cache misses (S3Only policy)"),
		cacheHitRate: d("strata_cache_hit_rate", "Cache hit rate (0.0-1.0)"),
		walSize:      d("strata_wal_size_bytes", "Current WAL size in bytes"),
		compactions:  d("strata_compactions_total", "Total compactions performed"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(c.inserts, m.Inserts)
	counter(c.queries, m.Queries)
	counter(c.deletes, m.Deletes)
	counter(c.s3Uploads, m.S3Uploads)
	counter(c.s3Downloads, m.S3Downloads)
	counter(c.s3Retries, m.S3Retries)
	counter(c.s3Permanent, m.S3PermanentFailures)
	gauge(c.dlqSize, float64(m.DLQSize))
	gauge(c.breakerState, float64(m.CircuitBreakerState))
	gauge(c.breakerRate, m.CircuitBreakerErrorRate)
	counter(c.cacheHits, m.CacheHits)
	counter(c.cacheMisses, m.CacheMisses)
	gauge(c.cacheHitRate, m.CacheHitRate())
	gauge(c.walSize, float64(m.WALSizeBytes))
	counter(c.compactions, m.Compactions)
}

var _ prometheus.Collector = (*Collector)(nil)
