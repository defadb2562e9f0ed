// Package engine wires the normalizer, pattern matcher, resolver and scorer
// behind one validated policy.
package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/models"
	"github.com/aegisshield/entity-correlation/internal/normalize"
	"github.com/aegisshield/entity-correlation/internal/patterns"
	"github.com/aegisshield/entity-correlation/internal/resolver"
	"github.com/aegisshield/entity-correlation/internal/scoring"
)

// Recorder receives run measurements. The metrics collector implements it.
type Recorder interface {
	RecordRun(run *models.Run)
	RecordDetection(result models.DetectionResult)
}

// Options tunes an Engine.
type Options struct {
	Workers       int
	MaxBucketSize int
	Recorder      Recorder
}

// Request is one batch. Contexts are keyed by cluster id or by a member's
// external id and replace derived signals for that cluster.
type Request struct {
	Records  []models.EntityRecord         `json:"records" validate:"required,min=1"`
	Contexts map[string]models.RiskContext `json:"contexts,omitempty" validate:"dive,keys,required,endkeys"`
}

// Engine is safe for concurrent use; every Run is independent.
type Engine struct {
	policy           *config.Policy
	policyDigest     []byte
	normalizer       *normalize.Normalizer
	matcher          *patterns.Matcher
	resolver         *resolver.Resolver
	scorer           *scoring.Scorer
	sanctionsSources map[string]struct{}
	recorder         Recorder
	logger           *zap.Logger
}

// New validates policy and builds every component. Any configuration problem
// is returned before a record is seen.
func New(policy *config.Policy, opts Options, logger *zap.Logger) (*Engine, error) {
	if policy == nil {
		return nil, apperrors.NewConfigurationError("policy", "policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")

	errs := apperrors.NewMultiError()
	errs.Add(policy.Validate())

	normalizer, err := normalize.New(policy.LegalSuffixes, policy.Mode())
	errs.Add(err)

	matcher, err := patterns.NewMatcher(policy.PatternConfig(), logger)
	errs.Add(err)

	scorer, err := scoring.NewScorer(policy.ScoringConfig(), logger)
	errs.Add(err)

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	res, err := resolver.New(normalizer, matcher, resolver.Options{
		Workers:       opts.Workers,
		MaxBucketSize: opts.MaxBucketSize,
	}, logger)
	if err != nil {
		return nil, apperrors.NewConfigurationError("engine", "%v", err)
	}

	encoded, err := policy.Marshal()
	if err != nil {
		return nil, err
	}
	digest := blake2b.Sum256(encoded)

	return &Engine{
		policy:           policy,
		policyDigest:     digest[:],
		normalizer:       normalizer,
		matcher:          matcher,
		resolver:         res,
		scorer:           scorer,
		sanctionsSources: sourceSet(policy.SanctionsSources),
		recorder:         opts.Recorder,
		logger:           logger,
	}, nil
}

// Policy returns the policy the engine was built from.
func (e *Engine) Policy() *config.Policy {
	return e.policy
}

// Normalize exposes the normalizer.
func (e *Engine) Normalize(raw string) (string, bool) {
	return e.normalizer.Normalize(raw)
}

// Detect runs the pattern matcher over one text blob.
func (e *Engine) Detect(text, countryCode string) models.DetectionResult {
	result := e.matcher.Detect(text, countryCode)
	if e.recorder != nil {
		e.recorder.RecordDetection(result)
	}
	return result
}

// Resolve clusters records without scoring them.
func (e *Engine) Resolve(ctx context.Context, records []models.EntityRecord) (*resolver.Result, error) {
	return e.resolver.Resolve(ctx, records)
}

// Score assesses a single cluster.
func (e *Engine) Score(cluster models.EntityCluster, rc models.RiskContext) models.RiskAssessment {
	return e.scorer.Score(cluster, rc)
}

// Digest fingerprints the policy and request. Equal digests yield equal
// clusters and assessments.
func (e *Engine) Digest(req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode request")
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create hash")
	}
	h.Write(e.policyDigest)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Run resolves and scores one batch.
func (e *Engine) Run(ctx context.Context, req Request) (*models.Run, error) {
	started := time.Now().UTC()

	digest, err := e.Digest(req)
	if err != nil {
		return nil, err
	}

	result, err := e.resolver.Resolve(ctx, req.Records)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve records")
	}

	assessments := make([]models.RiskAssessment, 0, len(result.Clusters))
	for _, c := range result.Clusters {
		assessments = append(assessments, e.scorer.Score(c, e.contextFor(c, req.Contexts)))
	}

	run := &models.Run{
		ID:          uuid.New().String(),
		Digest:      digest,
		StartedAt:   started,
		RecordCount: len(req.Records),
		Stats:       result.Stats,
		Clusters:    result.Clusters,
		Assessments: assessments,
		Diagnostics: result.Diagnostics,
	}
	run.Duration = time.Since(started)

	counts := run.CategoryCounts()
	e.logger.Info("Run completed",
		zap.String("run_id", run.ID),
		zap.Int("records", run.RecordCount),
		zap.Int("clusters", len(run.Clusters)),
		zap.Int("critical", counts[models.RiskCategoryCritical]),
		zap.Int("high", counts[models.RiskCategoryHigh]),
		zap.Int("diagnostics", len(run.Diagnostics)),
		zap.Duration("duration", run.Duration))

	if e.recorder != nil {
		e.recorder.RecordRun(run)
	}
	return run, nil
}

func (e *Engine) contextFor(c models.EntityCluster, supplied map[string]models.RiskContext) models.RiskContext {
	if rc, ok := supplied[c.ID]; ok {
		return rc
	}
	for _, m := range c.Members {
		if id := strings.TrimSpace(m.Record.ExternalID); id != "" {
			if rc, ok := supplied[id]; ok {
				return rc
			}
		}
	}
	return SignalsFromCluster(c, e.sanctionsSources)
}
