package resolver

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/aegisshield/entity-correlation/internal/models"
)

// Edge confidences.
const (
	ConfidenceExact          = 0.95
	ConfidenceRegistrationID = 0.90
	ConfidenceAffix          = 0.75
	ConfidenceEditDistance   = 0.65
)

// Fuzzy rule thresholds.
const (
	MinAffixRatio   = 0.7
	MaxEditDistance = 2
)

// Rule names carried on edges.
const (
	RuleNormalizedKey  = "normalized_key"
	RuleRegistrationID = "registration_id"
	RuleAffix          = "affix"
	RuleEditDistance   = "edit_distance"
)

// fuzzyEdge applies the fuzzy rules in order; the first satisfied rule wins.
func fuzzyEdge(a, b *entry) (models.CorrelationEdge, bool) {
	edge := models.CorrelationEdge{
		From:      a.index,
		To:        b.index,
		MatchType: models.MatchTypeFuzzy,
	}
	if edge.From > edge.To {
		edge.From, edge.To = edge.To, edge.From
	}

	switch {
	case a.registrationID != "" && a.registrationID == b.registrationID:
		edge.Confidence, edge.Rule = ConfidenceRegistrationID, RuleRegistrationID
	case !a.hasKey || !b.hasKey:
		return edge, false
	case affixMatch(a.key, b.key):
		edge.Confidence, edge.Rule = ConfidenceAffix, RuleAffix
	case a.countryCode != "" && a.countryCode == b.countryCode && withinEditDistance(a.key, b.key):
		edge.Confidence, edge.Rule = ConfidenceEditDistance, RuleEditDistance
	default:
		return edge, false
	}
	return edge, true
}

// affixMatch reports whether the shorter key is a prefix or suffix of the
// longer one with length ratio at least MinAffixRatio.
func affixMatch(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(long) == 0 || float64(len(short))/float64(len(long)) < MinAffixRatio {
		return false
	}
	return strings.HasPrefix(long, short) || strings.HasSuffix(long, short)
}

func withinEditDistance(a, b string) bool {
	diff := len(a) - len(b)
	if diff < -MaxEditDistance || diff > MaxEditDistance {
		return false
	}
	return levenshtein.ComputeDistance(a, b) <= MaxEditDistance
}

// canonicalRegistrationID upper-cases an id and drops separators.
func canonicalRegistrationID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			return r
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		}
		return -1
	}, id)
}
