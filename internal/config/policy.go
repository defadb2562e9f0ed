package config

import (
	"bytes"
	_ "embed"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/normalize"
	"github.com/aegisshield/entity-correlation/internal/patterns"
	"github.com/aegisshield/entity-correlation/internal/scoring"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the correlation policy: curated pattern lists, legal suffixes,
// the risk weight table and category thresholds. It is data, never code.
type Policy struct {
	CompanyLiterals       []string            `yaml:"company_literals" json:"company_literals" validate:"min=1,dive,required"`
	CityLiterals          []string            `yaml:"city_literals" json:"city_literals" validate:"min=1,dive,required"`
	InstitutionalPhrases  []string            `yaml:"institutional_phrases" json:"institutional_phrases" validate:"min=1,dive,required"`
	Exclusions            []string            `yaml:"exclusions" json:"exclusions" validate:"dive,required"`
	LegalSuffixes         []string            `yaml:"legal_suffixes" json:"legal_suffixes" validate:"min=1,dive,required"`
	PrimaryCountryCodes   []string            `yaml:"primary_country_codes" json:"primary_country_codes" validate:"dive,len=2"`
	SecondaryCountryCodes []string            `yaml:"secondary_country_codes" json:"secondary_country_codes" validate:"dive,len=2"`
	SuffixStripMode       normalize.Mode      `yaml:"suffix_strip_mode" json:"suffix_strip_mode" validate:"omitempty,oneof=single repeated"`
	DimensionWeights      []scoring.Dimension `yaml:"dimension_weights" json:"dimension_weights" validate:"min=1"`
	CategoryThresholds    []scoring.Threshold `yaml:"category_thresholds" json:"category_thresholds" validate:"min=1"`
	SanctionsFloor        *float64            `yaml:"sanctions_floor,omitempty" json:"sanctions_floor,omitempty"`
	SanctionsSources      []string            `yaml:"sanctions_sources" json:"sanctions_sources"`
}

// DefaultPolicy returns a fresh copy of the embedded policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(errors.Wrap(err, "embedded default policy is invalid"))
	}
	return p
}

// LoadPolicy reads a policy file. An empty path yields the default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read policy file")
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, errors.Wrapf(err, "policy %s", path)
	}
	return p, nil
}

// ParsePolicy decodes YAML strictly: unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, apperrors.NewConfigurationError("policy", "malformed document: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal encodes the policy as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "failed to encode policy")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode policy")
	}
	return buf.Bytes(), nil
}

// Validate checks list shapes and the scoring table. Pattern compilation is
// checked when the matcher is built.
func (p *Policy) Validate() error {
	errs := apperrors.NewMultiError()

	if err := policyValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperrors.NewConfigurationError("policy", "%v", err)
		}
		for _, fe := range verrs {
			errs.Add(apperrors.NewConfigurationError(fe.Field(), "failed %q validation", fe.Tag()))
		}
	}
	if err := scoring.Validate(p.ScoringConfig()); err != nil {
		errs.Add(err)
	}
	return errs.ErrorOrNil()
}

// PatternConfig projects the matcher lists.
func (p *Policy) PatternConfig() patterns.Config {
	return patterns.Config{
		PrimaryCountryCodes:   p.PrimaryCountryCodes,
		SecondaryCountryCodes: p.SecondaryCountryCodes,
		CompanyLiterals:       p.CompanyLiterals,
		CityLiterals:          p.CityLiterals,
		InstitutionalPhrases:  p.InstitutionalPhrases,
		Exclusions:            p.Exclusions,
	}
}

// ScoringConfig projects the weight table and thresholds.
func (p *Policy) ScoringConfig() scoring.Config {
	floor := scoring.DefaultSanctionsFloor
	if p.SanctionsFloor != nil {
		floor = *p.SanctionsFloor
	}
	return scoring.Config{
		Dimensions:     p.DimensionWeights,
		Thresholds:     p.CategoryThresholds,
		SanctionsFloor: floor,
	}
}

// Mode returns the suffix strip mode, repeated when unset.
func (p *Policy) Mode() normalize.Mode {
	if p.SuffixStripMode == "" {
		return normalize.ModeRepeated
	}
	return p.SuffixStripMode
}

var policyValidator = newPolicyValidator()

// newPolicyValidator reports fields by their YAML names.
func newPolicyValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
