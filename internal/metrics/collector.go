package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aegisshield/entity-correlation/internal/models"
)

// Collector contains all metrics for the entity correlation service
type Collector struct {
	// Run metrics
	RunsTotal        prometheus.Counter
	RunFailures      prometheus.Counter
	CachedRunsTotal  prometheus.Counter
	RecordsProcessed prometheus.Counter
	ClustersTotal    prometheus.Counter
	RunDuration      prometheus.Histogram
	BatchSize        prometheus.Histogram
	ClusterSize      prometheus.Histogram

	// Resolution metrics
	EdgesTotal       *prometheus.CounterVec
	DiagnosticsTotal *prometheus.CounterVec
	FuzzyComparisons prometheus.Histogram
	SkippedBuckets   prometheus.Counter
	AmbiguousStrips  prometheus.Counter
	AssessmentsTotal *prometheus.CounterVec
	CompositeScore   prometheus.Histogram
	DetectionsTotal  *prometheus.CounterVec

	// Adapter metrics
	CacheLookups           *prometheus.CounterVec
	KafkaMessagesConsumed  prometheus.Counter
	KafkaMessagesPublished prometheus.Counter
	AdapterDuration        *prometheus.HistogramVec
	AdapterErrors          *prometheus.CounterVec
}

// NewCollector registers every metric with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Run metrics
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_runs_total",
			Help: "The total number of completed correlation runs",
		}),
		RunFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_run_failures_total",
			Help: "The total number of runs that returned an error",
		}),
		CachedRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_cached_runs_total",
			Help: "The total number of runs served from the run cache",
		}),
		RecordsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_records_processed_total",
			Help: "The total number of entity records submitted to runs",
		}),
		ClustersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_clusters_total",
			Help: "The total number of clusters produced",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entity_correlation_run_duration_seconds",
			Help:    "Time taken by one resolve and score run",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entity_correlation_batch_size",
			Help:    "Number of records per run",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		ClusterSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entity_correlation_cluster_size",
			Help:    "Number of member records per cluster",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		}),

		// Resolution metrics
		EdgesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_edges_total",
			Help: "Correlation edges by match type and rule",
		}, []string{"match_type", "rule"}),
		DiagnosticsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_diagnostics_total",
			Help: "Per-record diagnostics by kind",
		}, []string{"kind"}),
		FuzzyComparisons: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entity_correlation_fuzzy_comparisons",
			Help:    "Pairwise comparisons performed per run",
			Buckets: prometheus.ExponentialBuckets(1, 10, 9),
		}),
		SkippedBuckets: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_skipped_buckets_total",
			Help: "Blocking buckets skipped for exceeding the size limit",
		}),
		AmbiguousStrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_ambiguous_suffix_strips_total",
			Help: "Names where more than one legal suffix matched",
		}),
		AssessmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_assessments_total",
			Help: "Risk assessments by category",
		}, []string{"category"}),
		CompositeScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entity_correlation_composite_score",
			Help:    "Distribution of composite risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_detections_total",
			Help: "Pattern detections by method, none when nothing matched",
		}, []string{"method"}),

		// Adapter metrics
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_cache_lookups_total",
			Help: "Run cache lookups by result",
		}, []string{"result"}),
		KafkaMessagesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_kafka_messages_consumed_total",
			Help: "The total number of record messages consumed",
		}),
		KafkaMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "entity_correlation_kafka_messages_published_total",
			Help: "The total number of assessment messages published",
		}),
		AdapterDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entity_correlation_adapter_duration_seconds",
			Help:    "Duration of calls into external adapters",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter"}),
		AdapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_correlation_adapter_errors_total",
			Help: "Errors returned by external adapters",
		}, []string{"adapter"}),
	}
}

// RecordRun records the outcome of one run
func (c *Collector) RecordRun(run *models.Run) {
	c.RunsTotal.Inc()
	c.RecordsProcessed.Add(float64(run.RecordCount))
	c.ClustersTotal.Add(float64(len(run.Clusters)))
	c.RunDuration.Observe(run.Duration.Seconds())
	c.BatchSize.Observe(float64(run.RecordCount))
	c.FuzzyComparisons.Observe(float64(run.Stats.Comparisons))
	c.SkippedBuckets.Add(float64(run.Stats.SkippedBuckets))
	c.AmbiguousStrips.Add(float64(run.Stats.AmbiguousStrips))

	for _, cl := range run.Clusters {
		c.ClusterSize.Observe(float64(len(cl.Members)))
		for _, e := range cl.Edges {
			c.EdgesTotal.WithLabelValues(string(e.MatchType), e.Rule).Inc()
		}
	}
	for _, d := range run.Diagnostics {
		c.DiagnosticsTotal.WithLabelValues(string(d.Kind)).Inc()
	}
	for _, a := range run.Assessments {
		c.AssessmentsTotal.WithLabelValues(string(a.Category)).Inc()
		c.CompositeScore.Observe(a.CompositeScore)
	}
}

// RecordRunFailure records a run that returned an error
func (c *Collector) RecordRunFailure() {
	c.RunFailures.Inc()
}

// RecordDetection records one pattern matcher result
func (c *Collector) RecordDetection(result models.DetectionResult) {
	method := "none"
	if result.Matched {
		method = string(result.Method)
	}
	c.DetectionsTotal.WithLabelValues(method).Inc()
}

// RecordCacheLookup records a run cache hit or miss
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.CacheLookups.WithLabelValues("hit").Inc()
		c.CachedRunsTotal.Inc()
		return
	}
	c.CacheLookups.WithLabelValues("miss").Inc()
}

// RecordKafkaConsumed records consumed record messages
func (c *Collector) RecordKafkaConsumed(n int) {
	c.KafkaMessagesConsumed.Add(float64(n))
}

// RecordKafkaPublished records published assessment messages
func (c *Collector) RecordKafkaPublished(n int) {
	c.KafkaMessagesPublished.Add(float64(n))
}

// TrackAdapterOperation tracks the duration and outcome of an adapter call
func (c *Collector) TrackAdapterOperation(adapter string, operation func() error) error {
	timer := NewTimer()
	err := operation()
	c.AdapterDuration.WithLabelValues(adapter).Observe(timer.Duration().Seconds())
	if err != nil {
		c.AdapterErrors.WithLabelValues(adapter).Inc()
	}
	return err
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed duration
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration observes the duration on a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}
