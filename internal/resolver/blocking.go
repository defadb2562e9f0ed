package resolver

import (
	"strings"

	"github.com/armon/go-radix"
	"github.com/bbalet/stopwords"
	"github.com/kljensen/snowball"
)

// affixBlockLength keeps short single-token keys with one inner edit in a
// shared bucket, e.g. HUAWEI and HUAVEI share HUA.
const affixBlockLength = 3

// bucket is one blocking group. Members are entry positions in ascending order.
type bucket struct {
	key     string
	members []int
}

// blockingIndex maps blocking keys to entry positions.
type blockingIndex struct {
	tree *radix.Tree
}

func newBlockingIndex() *blockingIndex {
	return &blockingIndex{tree: radix.New()}
}

func (b *blockingIndex) add(key string, pos int) {
	if existing, ok := b.tree.Get(key); ok {
		members := existing.([]int)
		if members[len(members)-1] == pos {
			return
		}
		b.tree.Insert(key, append(members, pos))
		return
	}
	b.tree.Insert(key, []int{pos})
}

// buckets returns every group with at least two members in lexical key order.
func (b *blockingIndex) buckets() []bucket {
	var out []bucket
	b.tree.Walk(func(key string, v interface{}) bool {
		members := v.([]int)
		if len(members) > 1 {
			out = append(out, bucket{key: key, members: members})
		}
		return false
	})
	return out
}

// blockingKeys lists the buckets a record joins: the stems of its first and
// last significant tokens, the leading and trailing characters of its compact
// key, and its registration id.
func blockingKeys(key, registrationID string) []string {
	var keys []string
	if key != "" {
		tokens := significantTokens(key)
		keys = append(keys, "tok:"+stem(tokens[0]))
		if len(tokens) > 1 {
			keys = append(keys, "tok:"+stem(tokens[len(tokens)-1]))
		}

		compact := strings.ReplaceAll(key, " ", "")
		if len(compact) > affixBlockLength {
			keys = append(keys,
				"pre:"+compact[:affixBlockLength],
				"suf:"+compact[len(compact)-affixBlockLength:])
		} else {
			keys = append(keys, "pre:"+compact, "suf:"+compact)
		}
	}
	if registrationID != "" {
		keys = append(keys, "reg:"+registrationID)
	}
	return dedupeStrings(keys)
}

// significantTokens drops English stopwords. A key made only of stopwords
// keeps its original tokens.
func significantTokens(key string) []string {
	cleaned := strings.Fields(stopwords.CleanString(strings.ToLower(key), "en", false))
	if len(cleaned) == 0 {
		return strings.Fields(strings.ToLower(key))
	}
	return cleaned
}

func stem(token string) string {
	stemmed, err := snowball.Stem(token, "english", true)
	if err != nil || stemmed == "" {
		return token
	}
	return stemmed
}

func dedupeStrings(in []string) []string {
	out := in[:0]
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
