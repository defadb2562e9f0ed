// Package normalize canonicalizes raw entity names into comparable keys.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
)

// MinKeyLength is the shortest key considered reliable.
const MinKeyLength = 3

// Mode controls how many legal suffixes are removed from one name.
type Mode string

const (
	// ModeSingle strips at most one suffix, the first match in list order.
	// This is the strict one-suffix behaviour.
	ModeSingle Mode = "single"
	// ModeRepeated repeats the single strip until no suffix matches, so
	// "Huawei Technologies Co Ltd" and "HUAWEI TECHNOLOGIES" share a key. It is
	// the default; policies that need at most one strip select ModeSingle.
	ModeRepeated Mode = "repeated"
)

// DefaultSuffixes is the ordered legal-entity suffix list.
var DefaultSuffixes = []string{
	"LTD", "LIMITED", "INC", "INCORPORATED", "CORP", "CORPORATION",
	"CO", "COMPANY", "LLC", "LP", "PLC", "AG", "SA", "NV", "BV",
	"TECHNOLOGIES", "TECHNOLOGY", "GROUP", "HOLDINGS",
}

type suffixPattern struct {
	literal string
	re      *regexp.Regexp
}

// Normalizer turns raw names into keys. It holds only immutable compiled
// patterns and is safe for concurrent use.
type Normalizer struct {
	suffixes []suffixPattern
	mode     Mode
}

// Detail is the full outcome of normalizing one name.
type Detail struct {
	Key       string
	OK        bool
	Stripped  []string
	Ambiguous bool
	// Signal is ErrAmbiguousSuffixStrip when Ambiguous is set. It is
	// informational and never an error of the call.
	Signal error
}

// New compiles the suffix list. Suffixes are compared upper-cased.
func New(suffixes []string, mode Mode) (*Normalizer, error) {
	if len(suffixes) == 0 {
		return nil, apperrors.NewConfigurationError("legal_suffixes", "list is empty")
	}
	switch mode {
	case "":
		mode = ModeRepeated
	case ModeSingle, ModeRepeated:
	default:
		return nil, apperrors.NewConfigurationError("suffix_strip_mode", "unknown mode %q", mode)
	}

	n := &Normalizer{mode: mode, suffixes: make([]suffixPattern, 0, len(suffixes))}
	for i, s := range suffixes {
		lit := asciiUpper(strings.TrimSpace(s))
		if !hasAlnum(lit) {
			return nil, apperrors.NewConfigurationError("legal_suffixes", "entry %d is blank", i)
		}
		re, err := regexp.Compile(`(?:^|[^A-Z0-9])` + regexp.QuoteMeta(lit) + `[^A-Z0-9]*$`)
		if err != nil {
			return nil, apperrors.NewConfigurationError("legal_suffixes", "entry %q: %v", lit, err)
		}
		n.suffixes = append(n.suffixes, suffixPattern{literal: lit, re: re})
	}
	return n, nil
}

// Default returns a normalizer over DefaultSuffixes in repeated mode.
func Default() *Normalizer {
	n, err := New(DefaultSuffixes, ModeRepeated)
	if err != nil {
		panic(err)
	}
	return n
}

// Mode returns the configured strip mode.
func (n *Normalizer) Mode() Mode {
	return n.mode
}

// Normalize returns the key for raw and false when the key is absent.
func (n *Normalizer) Normalize(raw string) (string, bool) {
	d := n.NormalizeDetailed(raw)
	return d.Key, d.OK
}

// NormalizeDetailed normalizes raw and reports which suffixes were removed.
func (n *Normalizer) NormalizeDetailed(raw string) Detail {
	var d Detail

	s := FoldUpper(raw)

	for {
		next, lit, ambiguous := n.stripOnce(s)
		if lit == "" {
			break
		}
		d.Stripped = append(d.Stripped, lit)
		if ambiguous {
			d.Ambiguous = true
			d.Signal = apperrors.ErrAmbiguousSuffixStrip
		}
		s = next
		if n.mode == ModeSingle {
			break
		}
	}

	s = strings.Map(func(r rune) rune {
		if isASCIIAlnum(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if len(s) < MinKeyLength {
		return d
	}
	d.Key = s
	d.OK = true
	return d
}

// stripOnce removes the first matching suffix in list order. A suffix that
// is the only remaining token is left in place.
func (n *Normalizer) stripOnce(s string) (string, string, bool) {
	var (
		out     string
		literal string
		hits    int
	)
	for _, sp := range n.suffixes {
		loc := sp.re.FindStringIndex(s)
		if loc == nil {
			continue
		}
		head := s[:loc[0]]
		if !hasAlnum(head) {
			continue
		}
		hits++
		if literal == "" {
			out, literal = head, sp.literal
		}
	}
	return out, literal, hits > 1
}

// FoldUpper removes diacritics and upper-cases ASCII letters. It is the
// shared text canonicalization used before any pattern is applied.
func FoldUpper(s string) string {
	return asciiUpper(foldAccents(s))
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func asciiUpper(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r - ('a' - 'A')
		}
		return r
	}, s)
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if isASCIIAlnum(r) {
			return true
		}
	}
	return false
}
