// Package scoring combines independent risk signals into one explainable
// composite score and category.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
)

// Dimension names in declaration order.
const (
	DimensionSanctions   = "sanctions_list_membership"
	DimensionDualUse     = "dual_use_indicators"
	DimensionStateOwned  = "state_ownership_indicator"
	DimensionBreadth     = "cross_source_breadth"
	DimensionMagnitude   = "transaction_magnitude"
	ReasonSanctionsFloor = "sanctions_floor"
)

const (
	MaxScore              = 100.0
	DualUsePointsPerHit   = 20.0
	BreadthPointsPerSrc   = 25.0
	MagnitudeFullAmount   = 500000.0
	DefaultSanctionsFloor = 70.0

	weightSumTolerance = 0.001
	scorePrecision     = 1e9
)

type Dimension struct {
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
}

type Threshold struct {
	Category models.RiskCategory `yaml:"category" json:"category"`
	MinScore float64             `yaml:"min_score" json:"min_score"`
}

// Config is the weight table, category thresholds and sanctions floor.
type Config struct {
	Dimensions     []Dimension `yaml:"dimension_weights" json:"dimension_weights"`
	Thresholds     []Threshold `yaml:"category_thresholds" json:"category_thresholds"`
	SanctionsFloor float64     `yaml:"sanctions_floor" json:"sanctions_floor"`
}

func DefaultDimensions() []Dimension {
	return []Dimension{
		{Name: DimensionSanctions, Weight: 0.35},
		{Name: DimensionDualUse, Weight: 0.20},
		{Name: DimensionStateOwned, Weight: 0.20},
		{Name: DimensionBreadth, Weight: 0.15},
		{Name: DimensionMagnitude, Weight: 0.10},
	}
}

func DefaultThresholds() []Threshold {
	return []Threshold{
		{Category: models.RiskCategoryCritical, MinScore: 70},
		{Category: models.RiskCategoryHigh, MinScore: 50},
		{Category: models.RiskCategoryMedium, MinScore: 30},
		{Category: models.RiskCategoryLow, MinScore: 0},
	}
}

func DefaultConfig() Config {
	return Config{
		Dimensions:     DefaultDimensions(),
		Thresholds:     DefaultThresholds(),
		SanctionsFloor: DefaultSanctionsFloor,
	}
}

type scoreRule func(cluster models.EntityCluster, rc models.RiskContext) float64

var rules = map[string]scoreRule{
	DimensionSanctions: func(_ models.EntityCluster, rc models.RiskContext) float64 {
		return flag(rc.SanctionsListMembership)
	},
	DimensionDualUse: func(_ models.EntityCluster, rc models.RiskContext) float64 {
		return capScore(DualUsePointsPerHit * float64(rc.DualUseKeywordCount))
	},
	DimensionStateOwned: func(_ models.EntityCluster, rc models.RiskContext) float64 {
		return flag(rc.StateOwnership)
	},
	DimensionBreadth: func(c models.EntityCluster, _ models.RiskContext) float64 {
		return capScore(BreadthPointsPerSrc * float64(c.SourceCount-1))
	},
	DimensionMagnitude: func(_ models.EntityCluster, rc models.RiskContext) float64 {
		if rc.Amount > MagnitudeFullAmount {
			return MaxScore
		}
		return capScore(MaxScore * rc.Amount / MagnitudeFullAmount)
	},
}

// Scorer is immutable after construction and safe for concurrent use.
type Scorer struct {
	cfg    Config
	logger *zap.Logger
}

// NewScorer validates cfg before returning a scorer.
func NewScorer(cfg Config, logger *zap.Logger) (*Scorer, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{cfg: cfg, logger: logger.Named("scoring")}, nil
}

// Validate checks the weight table and thresholds.
func Validate(cfg Config) error {
	errs := apperrors.NewMultiError()

	if len(cfg.Dimensions) == 0 {
		errs.Add(apperrors.NewConfigurationError("dimension_weights", "table is empty"))
	}
	seen := make(map[string]bool, len(cfg.Dimensions))
	sum := 0.0
	for _, d := range cfg.Dimensions {
		if _, ok := rules[d.Name]; !ok {
			errs.Add(apperrors.NewConfigurationError("dimension_weights", "unknown dimension %q", d.Name))
		}
		if seen[d.Name] {
			errs.Add(apperrors.NewConfigurationError("dimension_weights", "duplicate dimension %q", d.Name))
		}
		seen[d.Name] = true
		if math.IsNaN(d.Weight) || d.Weight < 0 || d.Weight > 1 {
			errs.Add(apperrors.NewConfigurationError("dimension_weights", "weight of %s must be within [0,1], got %v", d.Name, d.Weight))
		}
		sum += d.Weight
	}
	if len(cfg.Dimensions) > 0 && math.Abs(sum-1) > weightSumTolerance {
		errs.Add(apperrors.NewConfigurationError("dimension_weights", "weights sum to %.4f, want 1", sum))
	}

	if len(cfg.Thresholds) == 0 {
		errs.Add(apperrors.NewConfigurationError("category_thresholds", "list is empty"))
	}
	categories := make(map[models.RiskCategory]bool, len(cfg.Thresholds))
	for i, th := range cfg.Thresholds {
		if !th.Category.Valid() {
			errs.Add(apperrors.NewConfigurationError("category_thresholds", "unknown category %q", th.Category))
		}
		if categories[th.Category] {
			errs.Add(apperrors.NewConfigurationError("category_thresholds", "duplicate category %q", th.Category))
		}
		categories[th.Category] = true
		if th.MinScore < 0 || th.MinScore > MaxScore {
			errs.Add(apperrors.NewConfigurationError("category_thresholds", "%s min_score %v outside [0,100]", th.Category, th.MinScore))
		}
		if i > 0 && th.MinScore >= cfg.Thresholds[i-1].MinScore {
			errs.Add(apperrors.NewConfigurationError("category_thresholds", "%s min_score %v must be below %v", th.Category, th.MinScore, cfg.Thresholds[i-1].MinScore))
		}
	}
	for _, c := range models.RiskCategories {
		if len(cfg.Thresholds) > 0 && !categories[c] {
			errs.Add(apperrors.NewConfigurationError("category_thresholds", "category %s has no threshold", c))
		}
	}
	if n := len(cfg.Thresholds); n > 0 && cfg.Thresholds[n-1].MinScore != 0 {
		errs.Add(apperrors.NewConfigurationError("category_thresholds", "last threshold must start at 0"))
	}

	if cfg.SanctionsFloor < 0 || cfg.SanctionsFloor > MaxScore {
		errs.Add(apperrors.NewConfigurationError("sanctions_floor", "%v outside [0,100]", cfg.SanctionsFloor))
	}
	return errs.ErrorOrNil()
}

// Config returns the validated configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score assesses one cluster.
func (s *Scorer) Score(cluster models.EntityCluster, rc models.RiskContext) models.RiskAssessment {
	rc = sanitize(rc)

	assessment := models.RiskAssessment{
		ClusterID:       cluster.ID,
		DimensionScores: make([]models.DimensionScore, 0, len(s.cfg.Dimensions)),
		Reasons:         []string{},
	}

	composite := 0.0
	for _, d := range s.cfg.Dimensions {
		score := capScore(rules[d.Name](cluster, rc))
		contribution := round(d.Weight * score)
		assessment.DimensionScores = append(assessment.DimensionScores, models.DimensionScore{
			Name:         d.Name,
			Score:        score,
			Weight:       d.Weight,
			Contribution: contribution,
		})
		composite += contribution
	}
	composite = math.Min(round(composite), MaxScore)
	assessment.WeightedScore = composite

	contributing := make([]models.DimensionScore, 0, len(assessment.DimensionScores))
	for _, ds := range assessment.DimensionScores {
		if ds.Contribution > 0 {
			contributing = append(contributing, ds)
		}
	}
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].Contribution > contributing[j].Contribution
	})
	for _, ds := range contributing {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("%s: score %.1f x weight %.2f = %.2f", ds.Name, ds.Score, ds.Weight, ds.Contribution))
	}

	if rc.SanctionsListMembership && s.cfg.SanctionsFloor > composite {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("%s: composite raised from %.2f to %.2f", ReasonSanctionsFloor, composite, s.cfg.SanctionsFloor))
		composite = s.cfg.SanctionsFloor
	}

	assessment.CompositeScore = composite
	assessment.Category = s.Categorize(composite)

	s.logger.Debug("Cluster scored",
		zap.String("cluster_id", cluster.ID),
		zap.Float64("composite_score", composite),
		zap.String("category", string(assessment.Category)))

	return assessment
}

// Categorize maps a composite score to a category, top-down, first match wins.
func (s *Scorer) Categorize(score float64) models.RiskCategory {
	for _, th := range s.cfg.Thresholds {
		if score >= th.MinScore {
			return th.Category
		}
	}
	return s.cfg.Thresholds[len(s.cfg.Thresholds)-1].Category
}

func sanitize(rc models.RiskContext) models.RiskContext {
	if rc.DualUseKeywordCount < 0 {
		rc.DualUseKeywordCount = 0
	}
	if rc.Amount < 0 || math.IsNaN(rc.Amount) {
		rc.Amount = 0
	}
	return rc
}

func flag(b bool) float64 {
	if b {
		return MaxScore
	}
	return 0
}

func capScore(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > MaxScore:
		return MaxScore
	}
	return v
}

// round trims float drift so boundary scores such as 70 categorize exactly.
func round(v float64) float64 {
	return math.Round(v*scorePrecision) / scorePrecision
}
