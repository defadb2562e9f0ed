// Package pipeline runs engine batches through the optional cache, store,
// publisher and graph adapters.
package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/metrics"
	"github.com/aegisshield/entity-correlation/internal/models"
)

// DefaultRecentRuns bounds the in-memory run history used without a store.
const DefaultRecentRuns = 256

// Runner executes one batch.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (*models.Run, error)
	Digest(req engine.Request) (string, error)
}

// RunCache memoizes runs by request digest.
type RunCache interface {
	Get(ctx context.Context, digest string) (*models.Run, bool, error)
	Put(ctx context.Context, run *models.Run) error
}

// RunStore persists records and runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.Run, records []models.EntityRecord) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// Publisher emits assessments downstream.
type Publisher interface {
	PublishAssessments(ctx context.Context, run *models.Run) error
}

// GraphWriter projects clusters and edges into a graph.
type GraphWriter interface {
	WriteRun(ctx context.Context, run *models.Run) error
}

// Sinks holds the optional adapters; any of them may be nil.
type Sinks struct {
	Cache     RunCache
	Store     RunStore
	Publisher Publisher
	Graph     GraphWriter
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	runner  Runner
	sinks   Sinks
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.RWMutex
	recent map[string]*models.Run
	order  []string
	limit  int
}

// New creates a pipeline. collector may be nil.
func New(runner Runner, sinks Sinks, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		runner:  runner,
		sinks:   sinks,
		metrics: collector,
		logger:  logger.Named("pipeline"),
		recent:  make(map[string]*models.Run),
		limit:   DefaultRecentRuns,
	}
}

// Process runs one batch. A store failure fails the call; publisher and
// graph failures are logged and the run is still returned.
func (p *Pipeline) Process(ctx context.Context, req engine.Request) (*models.Run, error) {
	// Step 1: Serve identical requests from the cache
	digest, err := p.runner.Digest(req)
	if err != nil {
		return nil, err
	}
	if run, ok := p.lookup(ctx, digest); ok {
		return run, nil
	}

	// Step 2: Resolve and score
	run, err := p.runner.Run(ctx, req)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordRunFailure()
		}
		return nil, err
	}

	// Step 3: Persist the records the run actually used
	if p.sinks.Store != nil {
		records := models.AcceptedRecords(req.Records, run.Diagnostics)
		if err := p.track("database", func() error {
			return p.sinks.Store.SaveRun(ctx, run, records)
		}); err != nil {
			return nil, errors.Wrap(err, "failed to persist run")
		}
	}
	p.remember(run)

	// Step 4: Fan out
	if p.sinks.Publisher != nil {
		if err := p.track("kafka", func() error {
			return p.sinks.Publisher.PublishAssessments(ctx, run)
		}); err != nil {
			p.logger.Warn("Failed to publish assessments", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	if p.sinks.Graph != nil {
		if err := p.track("neo4j", func() error {
			return p.sinks.Graph.WriteRun(ctx, run)
		}); err != nil {
			p.logger.Warn("Failed to write correlation graph", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	// Step 5: Cache for identical requests
	if p.sinks.Cache != nil {
		if err := p.track("redis", func() error {
			return p.sinks.Cache.Put(ctx, run)
		}); err != nil {
			p.logger.Warn("Failed to cache run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	return run, nil
}

// GetRun returns a run from recent history or the store.
func (p *Pipeline) GetRun(ctx context.Context, id string) (*models.Run, error) {
	p.mu.RLock()
	run, ok := p.recent[id]
	p.mu.RUnlock()
	if ok {
		return run, nil
	}
	if p.sinks.Store == nil {
		return nil, apperrors.ErrRunNotFound
	}
	return p.sinks.Store.GetRun(ctx, id)
}

func (p *Pipeline) lookup(ctx context.Context, digest string) (*models.Run, bool) {
	if p.sinks.Cache == nil {
		return nil, false
	}
	run, ok, err := p.sinks.Cache.Get(ctx, digest)
	if err != nil {
		p.logger.Warn("Run cache lookup failed", zap.String("digest", digest), zap.Error(err))
		ok = false
	}
	if p.metrics != nil {
		p.metrics.RecordCacheLookup(ok)
	}
	if !ok {
		return nil, false
	}
	run.Cached = true
	p.logger.Debug("Serving cached run", zap.String("run_id", run.ID), zap.String("digest", digest))
	return run, true
}

func (p *Pipeline) remember(run *models.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.recent[run.ID]; !ok {
		p.order = append(p.order, run.ID)
	}
	p.recent[run.ID] = run
	for len(p.order) > p.limit {
		delete(p.recent, p.order[0])
		p.order = p.order[1:]
	}
}

func (p *Pipeline) track(adapter string, op func() error) error {
	if p.metrics == nil {
		return op()
	}
	return p.metrics.TrackAdapterOperation(adapter, op)
}
