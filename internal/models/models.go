package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Attribute keys the engine understands. Every other key is passed through.
const (
	AttrCountryCode         = "country_code"
	AttrCity                = "city"
	AttrAddress             = "address"
	AttrRegistrationID      = "registration_id"
	AttrContractValue       = "contract_value"
	AttrStateOwned          = "state_owned"
	AttrSanctioned          = "sanctioned"
	AttrDualUseKeywordCount = "dual_use_keyword_count"
)

type MatchType string

const (
	MatchTypeExact MatchType = "exact"
	MatchTypeFuzzy MatchType = "fuzzy"
)

type DetectionMethod string

const (
	MethodCountryCode       DetectionMethod = "country_code"
	MethodCompanyName       DetectionMethod = "company_name"
	MethodGeographic        DetectionMethod = "geographic"
	MethodInstitutionalTerm DetectionMethod = "institutional_term"
)

type RiskCategory string

const (
	RiskCategoryCritical RiskCategory = "CRITICAL"
	RiskCategoryHigh     RiskCategory = "HIGH"
	RiskCategoryMedium   RiskCategory = "MEDIUM"
	RiskCategoryLow      RiskCategory = "LOW"
)

// RiskCategories lists the categories from most to least severe.
var RiskCategories = []RiskCategory{RiskCategoryCritical, RiskCategoryHigh, RiskCategoryMedium, RiskCategoryLow}

// Valid reports whether c is one of the four known categories.
func (c RiskCategory) Valid() bool {
	switch c {
	case RiskCategoryCritical, RiskCategoryHigh, RiskCategoryMedium, RiskCategoryLow:
		return true
	}
	return false
}

type DiagnosticKind string

const (
	DiagnosticInvalidRecord   DiagnosticKind = "invalid_record"
	DiagnosticDuplicateRecord DiagnosticKind = "duplicate_record"
	DiagnosticUnkeyedRecord   DiagnosticKind = "unkeyed_record"
)

// Attributes is an open string-keyed map. Scalar JSON values are accepted and
// kept in their textual form; nested values are kept as raw JSON.
type Attributes map[string]string

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Attributes, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case bytes.Equal(v, []byte("null")):
			continue
		case len(v) > 0 && v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out[k] = s
		default:
			out[k] = string(v)
		}
	}
	*a = out
	return nil
}

// EntityRecord is one observation of an entity from one source.
type EntityRecord struct {
	SourceID   string     `json:"source_id" yaml:"source_id"`
	ExternalID string     `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	RawName    string     `json:"raw_name" yaml:"raw_name"`
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Attr returns the trimmed attribute value, empty when absent.
func (r EntityRecord) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(r.Attributes[key])
}

// AttrBool interprets an attribute as a boolean flag.
func (r EntityRecord) AttrBool(key string) bool {
	switch strings.ToLower(r.Attr(key)) {
	case "1", "true", "yes", "y", "t":
		return true
	}
	return false
}

// AttrFloat parses a numeric attribute. Thousands separators are tolerated.
func (r EntityRecord) AttrFloat(key string) (float64, bool) {
	v := strings.ReplaceAll(r.Attr(key), ",", "")
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// HasExternalID reports whether the source supplied a native identifier.
func (r EntityRecord) HasExternalID() bool {
	return strings.TrimSpace(r.ExternalID) != ""
}

// Identity is "source/external_id", or "source/#raw_name" when the source
// has no native identifier.
func (r EntityRecord) Identity() string {
	ref := strings.TrimSpace(r.ExternalID)
	if ref == "" {
		ref = "#" + strings.TrimSpace(r.RawName)
	}
	return strings.TrimSpace(r.SourceID) + "/" + ref
}

// DetectionResult is the Pattern Matcher output for one text blob.
type DetectionResult struct {
	Matched    bool            `json:"matched"`
	Confidence float64         `json:"confidence"`
	Method     DetectionMethod `json:"method,omitempty"`
	Evidence   []string        `json:"evidence"`
	Suppressed []string        `json:"suppressed,omitempty"`
}

// NoDetection is the result returned when nothing fires.
func NoDetection() DetectionResult {
	return DetectionResult{Evidence: []string{}}
}

// CorrelationEdge links two input records by their input positions. From is
// always the lower index.
type CorrelationEdge struct {
	From       int       `json:"from"`
	To         int       `json:"to"`
	MatchType  MatchType `json:"match_type"`
	Confidence float64   `json:"confidence"`
	Rule       string    `json:"rule"`
}

// ClusterMember is a record inside a cluster with its input position and key.
type ClusterMember struct {
	Index  int          `json:"index"`
	Key    string       `json:"key,omitempty"`
	Record EntityRecord `json:"record"`
}

// EntityCluster is a connected component of correlated records.
type EntityCluster struct {
	ID          string            `json:"id"`
	Members     []ClusterMember   `json:"members"`
	SourceCount int               `json:"source_count"`
	SourceIDs   []string          `json:"source_ids"`
	MatchType   MatchType         `json:"match_type"`
	Edges       []CorrelationEdge `json:"edges"`
	Attributes  Attributes        `json:"attributes,omitempty"`
	Detection   *DetectionResult  `json:"detection,omitempty"`
}

// Records returns the member records in member order.
func (c EntityCluster) Records() []EntityRecord {
	out := make([]EntityRecord, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Record
	}
	return out
}

// DisplayName is the raw name of the first member.
func (c EntityCluster) DisplayName() string {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].Record.RawName
}

// RiskContext carries external signals computed by collaborators.
type RiskContext struct {
	SanctionsListMembership bool    `json:"sanctions_list_membership"`
	DualUseKeywordCount     int     `json:"dual_use_keyword_count"`
	Amount                  float64 `json:"amount"`
	StateOwnership          bool    `json:"state_ownership"`
}

type DimensionScore struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskAssessment is the Risk Scorer output for one cluster.
type RiskAssessment struct {
	ClusterID       string           `json:"cluster_id"`
	DimensionScores []DimensionScore `json:"dimension_scores"`
	// WeightedScore is the plain weighted sum. CompositeScore differs from it
	// only when the sanctions floor raised it.
	WeightedScore   float64          `json:"weighted_score"`
	CompositeScore  float64          `json:"composite_score"`
	Category        RiskCategory     `json:"category"`
	Reasons         []string         `json:"reasons"`
}

// Dimension returns the named dimension score.
func (a RiskAssessment) Dimension(name string) (DimensionScore, bool) {
	for _, d := range a.DimensionScores {
		if d.Name == name {
			return d, true
		}
	}
	return DimensionScore{}, false
}

// Diagnostic records a per-record problem recovered during a run.
type Diagnostic struct {
	Index      int            `json:"index"`
	Kind       DiagnosticKind `json:"kind"`
	SourceID   string         `json:"source_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Message    string         `json:"message"`
}

// AcceptedRecords drops the records a run rejected as invalid or as a later
// duplicate, keeping input order. Unkeyed records are kept.
func AcceptedRecords(records []EntityRecord, diagnostics []Diagnostic) []EntityRecord {
	rejected := make(map[int]struct{}, len(diagnostics))
	for _, d := range diagnostics {
		if d.Kind == DiagnosticInvalidRecord || d.Kind == DiagnosticDuplicateRecord {
			rejected[d.Index] = struct{}{}
		}
	}
	out := make([]EntityRecord, 0, len(records))
	for i, rec := range records {
		if _, skip := rejected[i]; !skip {
			out = append(out, rec)
		}
	}
	return out
}

// ResolutionStats summarises one resolution pass.
type ResolutionStats struct {
	Input           int `json:"input"`
	Accepted        int `json:"accepted"`
	Invalid         int `json:"invalid"`
	Duplicates      int `json:"duplicates"`
	Unkeyed         int `json:"unkeyed"`
	AmbiguousStrips int `json:"ambiguous_strips"`
	Buckets         int `json:"buckets"`
	SkippedBuckets  int `json:"skipped_buckets"`
	Comparisons     int `json:"comparisons"`
	ExactEdges      int `json:"exact_edges"`
	FuzzyEdges      int `json:"fuzzy_edges"`
	Clusters        int `json:"clusters"`
}

// Run is the full output of one engine invocation.
type Run struct {
	ID          string           `json:"id"`
	Digest      string           `json:"digest"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration_ns"`
	RecordCount int              `json:"record_count"`
	Cached      bool             `json:"cached,omitempty"`
	Stats       ResolutionStats  `json:"stats"`
	Clusters    []EntityCluster  `json:"clusters"`
	Assessments []RiskAssessment `json:"assessments"`
	Diagnostics []Diagnostic     `json:"diagnostics"`
}

// Assessment returns the assessment of the given cluster.
func (r Run) Assessment(clusterID string) (RiskAssessment, bool) {
	for _, a := range r.Assessments {
		if a.ClusterID == clusterID {
			return a, true
		}
	}
	return RiskAssessment{}, false
}

// CategoryCounts tallies assessments per category.
func (r Run) CategoryCounts() map[RiskCategory]int {
	counts := make(map[RiskCategory]int, 4)
	for _, a := range r.Assessments {
		counts[a.Category]++
	}
	return counts
}

// API response envelope used by the HTTP surface.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Health Check Models
type HealthStatus struct {
	Service      string             `json:"service"`
	Status       string             `json:"status"`
	Timestamp    time.Time          `json:"timestamp"`
	Version      string             `json:"version"`
	Dependencies []DependencyHealth `json:"dependencies,omitempty"`
}

type DependencyHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
