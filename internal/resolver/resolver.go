// Package resolver links entity records observed in different sources into
// clusters of records that denote one real-world entity.
package resolver

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
	"github.com/aegisshield/entity-correlation/internal/normalize"
	"github.com/aegisshield/entity-correlation/internal/patterns"
)

// Options tunes the fuzzy step.
type Options struct {
	// Workers bounds concurrent bucket comparisons. Zero uses GOMAXPROCS.
	Workers int
	// MaxBucketSize skips token and affix buckets larger than this. Zero
	// means unlimited. Registration id buckets are never skipped.
	MaxBucketSize int
}

// Resolver is stateless between calls; concurrent Resolve calls are independent.
type Resolver struct {
	normalizer *normalize.Normalizer
	matcher    *patterns.Matcher
	opts       Options
	logger     *zap.Logger
}

// Stats summarises one Resolve call.
type Stats = models.ResolutionStats

// Result is the output of Resolve.
type Result struct {
	Clusters    []models.EntityCluster   `json:"clusters"`
	Edges       []models.CorrelationEdge `json:"edges"`
	Diagnostics []models.Diagnostic      `json:"diagnostics"`
	Stats       Stats                    `json:"stats"`
}

// EdgeBetween looks up the edge joining input positions a and b in either
// direction.
func (res *Result) EdgeBetween(a, b int) (models.CorrelationEdge, bool) {
	from, to := a, b
	if from > to {
		from, to = to, from
	}
	i := sort.Search(len(res.Edges), func(i int) bool {
		e := res.Edges[i]
		return e.From > from || (e.From == from && e.To >= to)
	})
	if i < len(res.Edges) && res.Edges[i].From == from && res.Edges[i].To == to {
		return res.Edges[i], true
	}
	return models.CorrelationEdge{}, false
}

type entry struct {
	index          int
	record         models.EntityRecord
	key            string
	hasKey         bool
	registrationID string
	countryCode    string
}

// New builds a resolver. matcher may be nil, in which case clusters carry no
// detection.
func New(normalizer *normalize.Normalizer, matcher *patterns.Matcher, opts Options, logger *zap.Logger) (*Resolver, error) {
	if normalizer == nil {
		return nil, errors.New("resolver requires a normalizer")
	}
	if opts.Workers < 0 || opts.MaxBucketSize < 0 {
		return nil, errors.New("resolver options must not be negative")
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		normalizer: normalizer,
		matcher:    matcher,
		opts:       opts,
		logger:     logger.Named("resolver"),
	}, nil
}

// Resolve clusters records. Per-record problems are reported as diagnostics;
// the only error is cancellation of ctx.
func (r *Resolver) Resolve(ctx context.Context, records []models.EntityRecord) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "resolution aborted")
	}

	result := &Result{
		Clusters:    []models.EntityCluster{},
		Edges:       []models.CorrelationEdge{},
		Diagnostics: []models.Diagnostic{},
	}
	result.Stats.Input = len(records)

	entries := r.prepare(records, result)
	result.Stats.Accepted = len(entries)

	uf := newUnionFind(len(records))

	exact := exactEdges(entries)
	for _, e := range exact {
		uf.union(e.From, e.To)
	}
	result.Stats.ExactEdges = len(exact)

	fuzzy, err := r.fuzzyEdges(ctx, entries, &result.Stats)
	if err != nil {
		return nil, err
	}
	for _, e := range fuzzy {
		uf.union(e.From, e.To)
	}
	result.Stats.FuzzyEdges = len(fuzzy)

	result.Edges = mergeEdges(exact, fuzzy)
	result.Clusters = r.buildClusters(entries, result.Edges, uf)
	result.Stats.Clusters = len(result.Clusters)

	r.logger.Info("Resolution completed",
		zap.Int("input", result.Stats.Input),
		zap.Int("accepted", result.Stats.Accepted),
		zap.Int("clusters", result.Stats.Clusters),
		zap.Int("exact_edges", result.Stats.ExactEdges),
		zap.Int("fuzzy_edges", result.Stats.FuzzyEdges),
		zap.Int("diagnostics", len(result.Diagnostics)))

	return result, nil
}

// prepare validates, deduplicates and normalizes records in input order.
func (r *Resolver) prepare(records []models.EntityRecord, result *Result) []*entry {
	entries := make([]*entry, 0, len(records))
	seen := make(map[[2]string]int)

	for i, rec := range records {
		sourceID := strings.TrimSpace(rec.SourceID)
		if invalid := validateRecord(i, sourceID, rec); invalid != nil {
			r.logger.Debug("Rejected record", zap.Error(invalid))
			result.addDiagnostic(i, models.DiagnosticInvalidRecord, rec, invalid.Reason)
			result.Stats.Invalid++
			continue
		}

		if rec.HasExternalID() {
			id := [2]string{sourceID, strings.TrimSpace(rec.ExternalID)}
			if first, dup := seen[id]; dup {
				r.logger.Warn("Duplicate record collision",
					zap.String("source_id", id[0]),
					zap.String("external_id", id[1]),
					zap.Int("index", i),
					zap.Int("first_index", first))
				result.addDiagnostic(i, models.DiagnosticDuplicateRecord, rec,
					fmt.Sprintf("duplicate of record at index %d", first))
				result.Stats.Duplicates++
				continue
			}
			seen[id] = i
		}

		d := r.normalizer.NormalizeDetailed(rec.RawName)
		if d.Ambiguous {
			result.Stats.AmbiguousStrips++
			r.logger.Debug("Legal suffix strip resolved by list order",
				zap.String("raw_name", rec.RawName),
				zap.Strings("stripped", d.Stripped),
				zap.Error(d.Signal))
		}
		if !d.OK {
			result.addDiagnostic(i, models.DiagnosticUnkeyedRecord, rec, "normalized key is too short")
			result.Stats.Unkeyed++
		}

		entries = append(entries, &entry{
			index:          i,
			record:         rec,
			key:            d.Key,
			hasKey:         d.OK,
			registrationID: canonicalRegistrationID(rec.Attr(models.AttrRegistrationID)),
			countryCode:    strings.ToUpper(rec.Attr(models.AttrCountryCode)),
		})
	}
	return entries
}

func validateRecord(i int, sourceID string, rec models.EntityRecord) *apperrors.InvalidRecordError {
	switch {
	case sourceID == "":
		return &apperrors.InvalidRecordError{Index: i, Reason: "missing source_id"}
	case strings.TrimSpace(rec.RawName) == "":
		return &apperrors.InvalidRecordError{Index: i, SourceID: sourceID, Reason: "missing raw_name"}
	}
	return nil
}

// exactEdges links every member of a key group to the group's first member.
func exactEdges(entries []*entry) []models.CorrelationEdge {
	first := make(map[string]int)
	var edges []models.CorrelationEdge
	for _, e := range entries {
		if !e.hasKey {
			continue
		}
		head, ok := first[e.key]
		if !ok {
			first[e.key] = e.index
			continue
		}
		edges = append(edges, models.CorrelationEdge{
			From:       head,
			To:         e.index,
			MatchType:  models.MatchTypeExact,
			Confidence: ConfidenceExact,
			Rule:       RuleNormalizedKey,
		})
	}
	return edges
}

// fuzzyEdges compares pairs inside blocking buckets in parallel. Worker output
// is merged, deduplicated and sorted before anything is unioned.
func (r *Resolver) fuzzyEdges(ctx context.Context, entries []*entry, stats *Stats) ([]models.CorrelationEdge, error) {
	index := newBlockingIndex()
	for pos, e := range entries {
		for _, key := range blockingKeys(e.key, e.registrationID) {
			index.add(key, pos)
		}
	}

	all := index.buckets()
	buckets := all[:0]
	for _, b := range all {
		if r.opts.MaxBucketSize > 0 && len(b.members) > r.opts.MaxBucketSize && !strings.HasPrefix(b.key, "reg:") {
			r.logger.Warn("Skipping oversized blocking bucket",
				zap.String("bucket", b.key),
				zap.Int("size", len(b.members)),
				zap.Int("max", r.opts.MaxBucketSize))
			stats.SkippedBuckets++
			continue
		}
		buckets = append(buckets, b)
	}
	stats.Buckets = len(buckets)

	found := make([][]models.CorrelationEdge, len(buckets))
	comparisons := make([]int, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for bi := range buckets {
		bi := bi
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found[bi], comparisons[bi] = compareBucket(entries, buckets[bi].members)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "fuzzy matching aborted")
	}

	for _, c := range comparisons {
		stats.Comparisons += c
	}

	unique := make(map[[2]int]models.CorrelationEdge)
	for _, edges := range found {
		for _, e := range edges {
			unique[[2]int{e.From, e.To}] = e
		}
	}
	out := make([]models.CorrelationEdge, 0, len(unique))
	for _, e := range unique {
		out = append(out, e)
	}
	sortEdges(out)
	return out, nil
}

func compareBucket(entries []*entry, members []int) ([]models.CorrelationEdge, int) {
	var (
		edges       []models.CorrelationEdge
		comparisons int
	)
	for i := 0; i < len(members); i++ {
		a := entries[members[i]]
		for j := i + 1; j < len(members); j++ {
			b := entries[members[j]]
			if a.hasKey && b.hasKey && a.key == b.key {
				continue
			}
			comparisons++
			if edge, ok := fuzzyEdge(a, b); ok {
				edges = append(edges, edge)
			}
		}
	}
	return edges, comparisons
}

func mergeEdges(exact, fuzzy []models.CorrelationEdge) []models.CorrelationEdge {
	out := make([]models.CorrelationEdge, 0, len(exact)+len(fuzzy))
	out = append(out, exact...)
	out = append(out, fuzzy...)
	sortEdges(out)
	return out
}

func sortEdges(edges []models.CorrelationEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
}

func (res *Result) addDiagnostic(i int, kind models.DiagnosticKind, rec models.EntityRecord, msg string) {
	res.Diagnostics = append(res.Diagnostics, models.Diagnostic{
		Index:      i,
		Kind:       kind,
		SourceID:   strings.TrimSpace(rec.SourceID),
		ExternalID: strings.TrimSpace(rec.ExternalID),
		Message:    msg,
	})
}
