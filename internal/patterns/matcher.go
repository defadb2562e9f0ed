// Package patterns classifies text against curated indicator sets using
// whole-word matching only.
package patterns

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
	"github.com/aegisshield/entity-correlation/internal/normalize"
)

// Per-method confidences.
const (
	ConfidencePrimaryCountry   = 1.00
	ConfidenceSecondaryCountry = 0.90
	ConfidenceCompanyName      = 0.95
	ConfidenceGeographicMulti  = 0.80
	ConfidenceGeographicSingle = 0.60
	ConfidenceInstitutional    = 0.70
)

// Config holds the curated lists. All literals are compared case-insensitively.
type Config struct {
	PrimaryCountryCodes   []string `yaml:"primary_country_codes" json:"primary_country_codes"`
	SecondaryCountryCodes []string `yaml:"secondary_country_codes" json:"secondary_country_codes"`
	CompanyLiterals       []string `yaml:"company_literals" json:"company_literals"`
	CityLiterals          []string `yaml:"city_literals" json:"city_literals"`
	InstitutionalPhrases  []string `yaml:"institutional_phrases" json:"institutional_phrases"`
	Exclusions            []string `yaml:"exclusions" json:"exclusions"`
}

// literal is one compiled indicator. wordStart and wordEnd are set when the
// literal begins or ends with a word rune and so must not touch another one.
type literal struct {
	text      string
	re        *regexp.Regexp
	wordStart bool
	wordEnd   bool
}

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	primary       map[string]struct{}
	secondary     map[string]struct{}
	companies     []literal
	cities        []literal
	institutional []literal
	exclusions    []literal
	logger        *zap.Logger
}

// Input is one text blob for DetectBatch.
type Input struct {
	Text        string `json:"text"`
	CountryCode string `json:"country_code,omitempty"`
}

// NewMatcher compiles cfg. Empty literal lists are a configuration error.
func NewMatcher(cfg Config, logger *zap.Logger) (*Matcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	errs := apperrors.NewMultiError()
	m := &Matcher{
		primary:   codeSet(cfg.PrimaryCountryCodes),
		secondary: codeSet(cfg.SecondaryCountryCodes),
		logger:    logger.Named("patterns"),
	}
	for code := range m.primary {
		if _, dup := m.secondary[code]; dup {
			errs.Add(apperrors.NewConfigurationError("secondary_country_codes", "%s is also a primary code", code))
		}
	}

	var err error
	if m.companies, err = compileList("company_literals", cfg.CompanyLiterals, true); err != nil {
		errs.Add(err)
	}
	if m.cities, err = compileList("city_literals", cfg.CityLiterals, true); err != nil {
		errs.Add(err)
	}
	if m.institutional, err = compileList("institutional_phrases", cfg.InstitutionalPhrases, true); err != nil {
		errs.Add(err)
	}
	if m.exclusions, err = compileList("exclusions", cfg.Exclusions, false); err != nil {
		errs.Add(err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return m, nil
}

// Detect classifies text. The highest confidence among firing methods wins,
// earlier table rows win ties, and evidence from every firing method is kept
// in evaluation order.
func (m *Matcher) Detect(text, countryCode string) models.DetectionResult {
	result := models.NoDetection()

	masked, suppressed := m.mask(normalize.FoldUpper(text))
	if len(suppressed) > 0 {
		result.Suppressed = suppressed
		m.logger.Debug("Exclusions masked",
			zap.Strings("exclusions", suppressed))
	}

	best := -1.0
	fire := func(method models.DetectionMethod, confidence float64) {
		if confidence > best {
			best = confidence
			result.Method = method
		}
	}

	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if _, ok := m.primary[code]; ok && code != "" {
		result.Evidence = append(result.Evidence, "country_code:"+code)
		fire(models.MethodCountryCode, ConfidencePrimaryCountry)
	} else if _, ok := m.secondary[code]; ok && code != "" {
		result.Evidence = append(result.Evidence, "country_code:"+code)
		fire(models.MethodCountryCode, ConfidenceSecondaryCountry)
	}

	if hits := matchAll(m.companies, masked); len(hits) > 0 {
		result.Evidence = appendEvidence(result.Evidence, models.MethodCompanyName, hits)
		fire(models.MethodCompanyName, ConfidenceCompanyName)
	}

	if hits := matchAll(m.cities, masked); len(hits) > 0 {
		result.Evidence = appendEvidence(result.Evidence, models.MethodGeographic, hits)
		if len(hits) >= 2 {
			fire(models.MethodGeographic, ConfidenceGeographicMulti)
		} else {
			fire(models.MethodGeographic, ConfidenceGeographicSingle)
		}
	}

	if hits := matchAll(m.institutional, masked); len(hits) > 0 {
		result.Evidence = appendEvidence(result.Evidence, models.MethodInstitutionalTerm, hits)
		fire(models.MethodInstitutionalTerm, ConfidenceInstitutional)
	}

	if best < 0 {
		return result
	}
	result.Matched = true
	result.Confidence = best
	return result
}

// DetectBatch detects every input, preserving order.
func (m *Matcher) DetectBatch(inputs []Input) []models.DetectionResult {
	out := make([]models.DetectionResult, len(inputs))
	for i, in := range inputs {
		out[i] = m.Detect(in.Text, in.CountryCode)
	}
	return out
}

// DetectRecord runs Detect over the record name plus its city and address.
func (m *Matcher) DetectRecord(r models.EntityRecord) models.DetectionResult {
	parts := []string{r.RawName}
	for _, k := range []string{models.AttrCity, models.AttrAddress} {
		if v := r.Attr(k); v != "" {
			parts = append(parts, v)
		}
	}
	return m.Detect(strings.Join(parts, " \n "), r.Attr(models.AttrCountryCode))
}

// mask blanks out every exclusion span so no other literal can match inside it.
func (m *Matcher) mask(text string) (string, []string) {
	var suppressed []string
	for _, ex := range m.exclusions {
		locs := ex.find(text)
		if len(locs) == 0 {
			continue
		}
		suppressed = append(suppressed, ex.text)
		b := []byte(text)
		for _, loc := range locs {
			for i := loc[0]; i < loc[1]; i++ {
				b[i] = ' '
			}
		}
		text = string(b)
	}
	return text, suppressed
}

func matchAll(list []literal, text string) []string {
	var hits []string
	for _, l := range list {
		if len(l.find(text)) > 0 {
			hits = append(hits, l.text)
		}
	}
	return hits
}

func appendEvidence(evidence []string, method models.DetectionMethod, hits []string) []string {
	for _, h := range hits {
		evidence = append(evidence, string(method)+":"+h)
	}
	return evidence
}

func codeSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

func compileList(field string, raw []string, required bool) ([]literal, error) {
	if required && len(raw) == 0 {
		return nil, apperrors.NewConfigurationError(field, "list is empty")
	}
	out := make([]literal, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, r := range raw {
		text := strings.Join(strings.Fields(normalize.FoldUpper(r)), " ")
		if text == "" {
			return nil, apperrors.NewConfigurationError(field, "entry %d is blank", i)
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		l, err := compileWord(text)
		if err != nil {
			return nil, apperrors.NewConfigurationError(field, "entry %q: %v", r, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// compileWord compiles a literal whose inner whitespace matches any
// whitespace run. Word boundaries are checked by find over Unicode letters
// and digits; RE2's \b is ASCII-only.
func compileWord(text string) (literal, error) {
	words := strings.Fields(text)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return literal{}, err
	}

	first, _ := utf8.DecodeRuneInString(text)
	last, _ := utf8.DecodeLastRuneInString(text)
	return literal{
		text:      text,
		re:        re,
		wordStart: isWordRune(first),
		wordEnd:   isWordRune(last),
	}, nil
}

// find returns the byte spans of every whole-word occurrence of l in text.
// A candidate glued to a word rune is rejected and the scan resumes one rune
// after its start, so an overlapping valid occurrence is still found.
func (l literal) find(text string) [][]int {
	var spans [][]int
	for off := 0; off < len(text); {
		loc := l.re.FindStringIndex(text[off:])
		if loc == nil {
			break
		}
		start, end := off+loc[0], off+loc[1]
		if end > start && l.bounded(text, start, end) {
			spans = append(spans, []int{start, end})
			off = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + size
	}
	return spans
}

func (l literal) bounded(text string, start, end int) bool {
	if l.wordStart && start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return false
		}
	}
	if l.wordEnd && end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}
