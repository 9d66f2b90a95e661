package index

import (
	"context"

	"github.com/birchdb/birch/pkg/btree"
)

// Array query operators.
const (
	OpContains    = "contains"
	OpNotContains = "!contains"
)

// arrayStrategy indexes each element of an array field as its own
// tree entry. Updates diff the old and new element sets, which falls
// out of the generic projection diff: removed elements produce
// removes, added elements produce adds.
type arrayStrategy struct{}

func (arrayStrategy) name() string { return "array" }

func (arrayStrategy) supports(op string) bool {
	return op == OpContains || op == OpNotContains
}

func (arrayStrategy) metadataKeys(include []string) []string { return include }

func (arrayStrategy) project(idx *Index, childKey string, value any) []projection {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	arr, ok := m[idx.info.Key].([]any)
	if !ok {
		return nil
	}
	meta := idx.metaValues(value)
	seen := make(map[string]struct{}, len(arr))
	out := make([]projection, 0, len(arr))
	for _, el := range arr {
		key := idx.toKey(el)
		if key.IsUndefined() {
			continue
		}
		// Duplicate elements contribute one entry; the tree keeps
		// record pointers unique per entry anyway.
		ks := string(key.EncodeBytes())
		if _, dup := seen[ks]; dup {
			continue
		}
		seen[ks] = struct{}{}
		out = append(out, projection{key: key, meta: meta})
	}
	return out
}

// query translates contains to an equality search and !contains to
// its complement on the underlying tree. A record matches once no
// matter how many of its elements do.
func (arrayStrategy) query(ctx context.Context, idx *Index, op string, val any, filter [][]byte) ([]QueryResult, bool, error) {
	if op == OpContains {
		results, err := idx.searchTree(btree.OpEQ, val, filter)
		return results, true, err
	}
	// !contains: records with any other element, minus the records
	// that do contain the value (one element matching is enough to
	// disqualify the whole record).
	candidates, err := idx.searchTree(btree.OpNEQ, val, filter)
	if err != nil {
		return nil, true, err
	}
	matches, err := idx.searchTree(btree.OpEQ, val, nil)
	if err != nil {
		return nil, true, err
	}
	excluded := make(map[string]struct{}, len(matches))
	for _, r := range matches {
		excluded[r.Path] = struct{}{}
	}
	seen := make(map[string]struct{}, len(candidates))
	results := candidates[:0:0]
	for _, r := range candidates {
		if _, ok := excluded[r.Path]; ok {
			continue
		}
		if _, ok := seen[r.Path]; ok {
			continue
		}
		seen[r.Path] = struct{}{}
		results = append(results, r)
	}
	return results, true, nil
}
