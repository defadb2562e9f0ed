package engine

import (
	"strconv"
	"strings"

	"github.com/aegisshield/entity-correlation/internal/models"
)

// SignalsFromCluster derives a RiskContext from member data when the caller
// supplies none. A member counts as sanctioned when its source is a sanctions
// list or it carries a truthy sanctioned attribute.
func SignalsFromCluster(cluster models.EntityCluster, sanctionsSources map[string]struct{}) models.RiskContext {
	var rc models.RiskContext
	for _, m := range cluster.Members {
		r := m.Record
		if _, ok := sanctionsSources[strings.ToUpper(strings.TrimSpace(r.SourceID))]; ok {
			rc.SanctionsListMembership = true
		}
		if r.AttrBool(models.AttrSanctioned) {
			rc.SanctionsListMembership = true
		}
		if r.AttrBool(models.AttrStateOwned) {
			rc.StateOwnership = true
		}
		if n, err := strconv.Atoi(r.Attr(models.AttrDualUseKeywordCount)); err == nil && n > 0 {
			rc.DualUseKeywordCount += n
		}
		if v, ok := r.AttrFloat(models.AttrContractValue); ok && v > rc.Amount {
			rc.Amount = v
		}
	}
	return rc
}

func sourceSet(sources []string) map[string]struct{} {
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
