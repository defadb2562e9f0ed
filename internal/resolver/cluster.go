package resolver

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/aegisshield/entity-correlation/internal/models"
)

// buildClusters groups entries by union-find root. Clusters are ordered by
// their first member's input position.
func (r *Resolver) buildClusters(entries []*entry, edges []models.CorrelationEdge, uf *unionFind) []models.EntityCluster {
	clusters := []models.EntityCluster{}
	byRoot := make(map[int]int)

	for _, e := range entries {
		root := uf.find(e.index)
		ci, ok := byRoot[root]
		if !ok {
			ci = len(clusters)
			byRoot[root] = ci
			clusters = append(clusters, models.EntityCluster{
				MatchType: models.MatchTypeExact,
				Edges:     []models.CorrelationEdge{},
			})
		}
		clusters[ci].Members = append(clusters[ci].Members, models.ClusterMember{
			Index:  e.index,
			Key:    e.key,
			Record: e.record,
		})
	}

	for _, edge := range edges {
		ci := byRoot[uf.find(edge.From)]
		clusters[ci].Edges = append(clusters[ci].Edges, edge)
		if edge.MatchType == models.MatchTypeFuzzy {
			clusters[ci].MatchType = models.MatchTypeFuzzy
		}
	}

	ids := make(map[string]int, len(clusters))
	for i := range clusters {
		c := &clusters[i]
		c.SourceIDs = sourceIDs(c.Members)
		c.SourceCount = len(c.SourceIDs)
		c.Attributes = mergeAttributes(c.Members)
		if r.matcher != nil {
			c.Detection = r.bestDetection(c.Members)
		}

		id := clusterID(c.Members)
		if n := ids[id]; n > 0 {
			ids[id] = n + 1
			id = fmt.Sprintf("%s-%d", id, n+1)
		} else {
			ids[id] = 1
		}
		c.ID = id
	}
	return clusters
}

// clusterID hashes the sorted member identities, so the same membership gets
// the same id whatever the input order.
func clusterID(members []models.ClusterMember) string {
	identities := make([]string, len(members))
	for i, m := range members {
		ref := strings.TrimSpace(m.Record.ExternalID)
		if ref == "" {
			ref = "#" + m.Record.RawName
		}
		identities[i] = strings.TrimSpace(m.Record.SourceID) + "\x1f" + ref
	}
	sort.Strings(identities)
	sum := blake2b.Sum256([]byte(strings.Join(identities, "\x1e")))
	return "C-" + hex.EncodeToString(sum[:])[:12]
}

func sourceIDs(members []models.ClusterMember) []string {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[strings.TrimSpace(m.Record.SourceID)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// mergeAttributes keeps the first non-empty value of every key in member order.
func mergeAttributes(members []models.ClusterMember) models.Attributes {
	merged := models.Attributes{}
	for _, m := range members {
		for k, v := range m.Record.Attributes {
			if strings.TrimSpace(v) == "" {
				continue
			}
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	return merged
}

// bestDetection keeps the highest confidence member detection; the earlier
// member wins ties.
func (r *Resolver) bestDetection(members []models.ClusterMember) *models.DetectionResult {
	var best *models.DetectionResult
	for _, m := range members {
		d := r.matcher.DetectRecord(m.Record)
		if best == nil || d.Confidence > best.Confidence {
			d := d
			best = &d
		}
	}
	return best
}
