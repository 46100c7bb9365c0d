package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector-compatible descriptors, namespaced per cfg.MetricsNamespace so
// more than one Orchestrator can be scraped from the same process without
// colliding. Grounded on the corpus's ghcache prometheus instrumentation
// (other_examples/de869279_kubernetes-test-infra__ghproxy-ghcache-ghcache.go.go),
// which registers a small, fixed set of counters/gauges the same way.
type descriptors struct {
	totalLookups *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	queued       *prometheus.Desc
	failed       *prometheus.Desc
	keyRotations *prometheus.Desc
	cacheSize    *prometheus.Desc
	queueDepth   *prometheus.Desc
}

func newDescriptors(namespace string) *descriptors {
	return &descriptors{
		totalLookups: prometheus.NewDesc(namespace+"_lookups_total", "Total lookups processed.", nil, nil),
		cacheHits:    prometheus.NewDesc(namespace+"_cache_hits_total", "Lookups served from cache.", nil, nil),
		cacheMisses:  prometheus.NewDesc(namespace+"_cache_misses_total", "Lookups that missed the cache.", nil, nil),
		queued:       prometheus.NewDesc(namespace+"_queued_total", "Lookups queued for rate-limit recovery.", nil, nil),
		failed:       prometheus.NewDesc(namespace+"_failed_total", "Lookups that resolved Failed.", nil, nil),
		keyRotations: prometheus.NewDesc(namespace+"_key_rotations_total", "Credential rotations due to invalid/rate-limited outcomes.", nil, nil),
		cacheSize:    prometheus.NewDesc(namespace+"_cache_size", "Current number of cache entries.", nil, nil),
		queueDepth:   prometheus.NewDesc(namespace+"_queue_depth", "Current number of queued requests.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (o *Orchestrator) Describe(ch chan<- *prometheus.Desc) {
	d := newDescriptors(o.cfg.MetricsNamespace)
	ch <- d.totalLookups
	ch <- d.cacheHits
	ch <- d.cacheMisses
	ch <- d.queued
	ch <- d.failed
	ch <- d.keyRotations
	ch <- d.cacheSize
	ch <- d.queueDepth
}

// Collect implements prometheus.Collector.
func (o *Orchestrator) Collect(ch chan<- prometheus.Metric) {
	d := newDescriptors(o.cfg.MetricsNamespace)
	stats := o.Stats()

	ch <- prometheus.MustNewConstMetric(d.totalLookups, prometheus.CounterValue, float64(stats.TotalLookups))
	ch <- prometheus.MustNewConstMetric(d.cacheHits, prometheus.CounterValue, float64(stats.CacheHits))
	ch <- prometheus.MustNewConstMetric(d.cacheMisses, prometheus.CounterValue, float64(stats.CacheMisses))
	ch <- prometheus.MustNewConstMetric(d.queued, prometheus.CounterValue, float64(stats.Queued))
	ch <- prometheus.MustNewConstMetric(d.failed, prometheus.CounterValue, float64(stats.Failed))
	ch <- prometheus.MustNewConstMetric(d.keyRotations, prometheus.CounterValue, float64(stats.KeyRotations))
	ch <- prometheus.MustNewConstMetric(d.cacheSize, prometheus.GaugeValue, float64(stats.CacheSize))
	ch <- prometheus.MustNewConstMetric(d.queueDepth, prometheus.GaugeValue, float64(stats.QueueDepth))
}
