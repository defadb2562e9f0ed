package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/aegisshield/entity-correlation/internal/models"
)

func TestCollector(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	t.Run("RecordRun", func(t *testing.T) {
		c.RecordRun(&models.Run{
			RecordCount: 3,
			Duration:    20 * time.Millisecond,
			Stats:       models.ResolutionStats{Comparisons: 4, SkippedBuckets: 1},
			Clusters: []models.EntityCluster{{
				Members: make([]models.ClusterMember, 3),
				Edges: []models.CorrelationEdge{
					{MatchType: models.MatchTypeExact, Rule: "normalized_key"},
					{MatchType: models.MatchTypeExact, Rule: "normalized_key"},
				},
			}},
			Assessments: []models.RiskAssessment{{Category: models.RiskCategoryCritical, CompositeScore: 70}},
			Diagnostics: []models.Diagnostic{{Kind: models.DiagnosticDuplicateRecord}},
		})

		assert.Equal(t, 1.0, testutil.ToFloat64(c.RunsTotal))
		assert.Equal(t, 3.0, testutil.ToFloat64(c.RecordsProcessed))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.SkippedBuckets))
		assert.Equal(t, 2.0, testutil.ToFloat64(c.EdgesTotal.WithLabelValues("exact", "normalized_key")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.AssessmentsTotal.WithLabelValues("CRITICAL")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.DiagnosticsTotal.WithLabelValues("duplicate_record")))
	})

	t.Run("RecordDetection", func(t *testing.T) {
		c.RecordDetection(models.NoDetection())
		c.RecordDetection(models.DetectionResult{Matched: true, Method: models.MethodCompanyName})
		assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectionsTotal.WithLabelValues("none")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectionsTotal.WithLabelValues("company_name")))
	})

	t.Run("Cache", func(t *testing.T) {
		c.RecordCacheLookup(true)
		c.RecordCacheLookup(false)
		c.RecordCacheLookup(false)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.CachedRunsTotal))
		assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("miss")))
	})

	t.Run("TrackAdapterOperation", func(t *testing.T) {
		err := c.TrackAdapterOperation("neo4j", func() error { return errors.New("unavailable") })
		assert.Error(t, err)
		assert.NoError(t, c.TrackAdapterOperation("neo4j", func() error { return nil }))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.AdapterErrors.WithLabelValues("neo4j")))
	})
}
