package index

import (
	"context"
	"fmt"
	"regexp"

	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
)

// projection is one (key, metadata) pair a record contributes to the
// tree. A normal index projects one per record, an array index one
// per element, a fulltext index one per unique word, a geo index one
// geohash.
type projection struct {
	key  codec.Value
	meta []codec.Value
}

// strategy is what distinguishes the four index types: which
// operators they accept, which metadata schema they store, how a
// record value projects into tree entries, and any type-specific
// query handling. The tree underneath is the same for all of them.
type strategy interface {
	name() string
	supports(op string) bool
	metadataKeys(include []string) []string
	project(idx *Index, childKey string, value any) []projection
	// query handles type-specific operators; handled=false routes the
	// query through the generic tree search.
	query(ctx context.Context, idx *Index, op string, val any, filter [][]byte) ([]QueryResult, bool, error)
}

func strategyFor(typeName string) (strategy, error) {
	switch typeName {
	case "", "normal":
		return normalStrategy{}, nil
	case "array":
		return arrayStrategy{}, nil
	case "fulltext":
		return fulltextStrategy{}, nil
	case "geo":
		return geoStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: unknown index type %q", ErrInvalidArgument, typeName)
}

var genericOperators = map[string]struct{}{
	btree.OpLT: {}, btree.OpLTE: {}, btree.OpEQ: {}, btree.OpNEQ: {},
	btree.OpGT: {}, btree.OpGTE: {}, btree.OpIn: {}, btree.OpNotIn: {},
	btree.OpBetween: {}, btree.OpNotBetween: {}, btree.OpLike: {}, btree.OpNotLike: {},
	btree.OpMatches: {}, btree.OpNotMatches: {}, btree.OpExists: {}, btree.OpNotExists: {},
}

// normalStrategy indexes one field (or the child key itself) per
// record and exposes the full generic operator set.
type normalStrategy struct{}

func (normalStrategy) name() string { return "normal" }

func (normalStrategy) supports(op string) bool {
	_, ok := genericOperators[op]
	return ok
}

func (normalStrategy) metadataKeys(include []string) []string { return include }

func (normalStrategy) project(idx *Index, childKey string, value any) []projection {
	if value == nil {
		return nil
	}
	var raw any
	if idx.info.Key == SelfKey {
		raw = childKey
	} else if m, ok := value.(map[string]any); ok {
		raw = m[idx.info.Key]
	}
	// Records without the key are indexed under undefined so exists
	// and !exists stay answerable from the tree.
	return []projection{{key: idx.toKey(raw), meta: idx.metaValues(value)}}
}

func (normalStrategy) query(ctx context.Context, idx *Index, op string, val any, filter [][]byte) ([]QueryResult, bool, error) {
	return nil, false, nil
}

// diffProjections matches old and new projections pairwise; equal
// (key, metadata) pairs cancel out, the rest become removes and adds.
func diffProjections(old, new []projection) (removes, adds []projection) {
	matched := make([]bool, len(new))
outer:
	for _, o := range old {
		for i, n := range new {
			if matched[i] {
				continue
			}
			if codec.Equal(o.key, n.key) && metaEqual(o.meta, n.meta) {
				matched[i] = true
				continue outer
			}
		}
		removes = append(removes, o)
	}
	for i, n := range new {
		if !matched[i] {
			adds = append(adds, n)
		}
	}
	return removes, adds
}

func metaEqual(a, b []codec.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !codec.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func compileRegex(val any) (*regexp.Regexp, error) {
	switch v := val.(type) {
	case *regexp.Regexp:
		return v, nil
	case string:
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regular expression: %v", ErrInvalidArgument, err)
		}
		return re, nil
	}
	return nil, fmt.Errorf("%w: matches expects a regular expression", ErrInvalidArgument)
}
