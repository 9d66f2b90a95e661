package btree

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/birchdb/birch/pkg/binio"
	"github.com/birchdb/birch/pkg/codec"
)

// Operator names accepted by Search.
const (
	OpLT         = "<"
	OpLTE        = "<="
	OpEQ         = "=="
	OpNEQ        = "!="
	OpGT         = ">"
	OpGTE        = ">="
	OpIn         = "in"
	OpNotIn      = "!in"
	OpBetween    = "between"
	OpNotBetween = "!between"
	OpLike       = "like"
	OpNotLike    = "!like"
	OpMatches    = "matches"
	OpNotMatches = "!matches"
	OpExists     = "exists"
	OpNotExists  = "!exists"
)

// SearchOptions tunes a Search call.
type SearchOptions struct {
	// Filter intersects results by record pointer without changing
	// how the tree is read. Entries whose pointer is not in the set
	// are dropped.
	Filter [][]byte
}

// SearchResult is the outcome of a tree search.
type SearchResult struct {
	Entries    []Entry
	Keys       []codec.Value
	KeyCount   int
	ValueCount int
}

func (r *SearchResult) addEntry(e Entry, filter map[string]struct{}) {
	values := e.Values
	if filter != nil {
		values = values[:0:0]
		for _, v := range e.Values {
			if _, ok := filter[string(v.RecordPointer)]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return
		}
	}
	r.Entries = append(r.Entries, Entry{Key: e.Key, Values: values})
	r.Keys = append(r.Keys, e.Key)
	r.KeyCount++
	r.ValueCount += len(values)
}

// Search evaluates op against val and returns all matching entries in
// key order. Range operators traverse the leaf chain; negated
// operators scan the full chain minus the match.
//
// val's form depends on op: a codec.Value for comparisons, a
// []codec.Value for in/!in, a [2]codec.Value for between/!between, a
// string pattern for like/!like (glob, * = any run, ? = one), a
// compiled *regexp.Regexp for matches/!matches, and nil for
// exists/!exists.
func (t *Tree) Search(op string, val any, opts *SearchOptions) (*SearchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if opts == nil {
		opts = &SearchOptions{}
	}
	var filter map[string]struct{}
	if opts.Filter != nil {
		filter = make(map[string]struct{}, len(opts.Filter))
		for _, rp := range opts.Filter {
			filter[string(rp)] = struct{}{}
		}
	}
	res := &SearchResult{}

	switch op {
	case OpEQ:
		key, err := compareVal(op, val)
		if err != nil {
			return nil, err
		}
		return res, t.scanRange(key, func(e Entry) (bool, error) {
			c := codec.Compare(e.Key, key)
			if c > 0 {
				return false, nil
			}
			if c == 0 {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpLT, OpLTE:
		key, err := compareVal(op, val)
		if err != nil {
			return nil, err
		}
		return res, t.scanAll(func(e Entry) (bool, error) {
			c := codec.Compare(e.Key, key)
			if c > 0 || (c == 0 && op == OpLT) {
				return false, nil
			}
			res.addEntry(e, filter)
			return true, nil
		})
	case OpGT, OpGTE:
		key, err := compareVal(op, val)
		if err != nil {
			return nil, err
		}
		return res, t.scanRange(key, func(e Entry) (bool, error) {
			c := codec.Compare(e.Key, key)
			if c > 0 || (c == 0 && op == OpGTE) {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpBetween, OpNotBetween:
		bounds, err := betweenVal(op, val)
		if err != nil {
			return nil, err
		}
		lo, hi := bounds[0], bounds[1]
		if codec.Compare(hi, lo) < 0 {
			lo, hi = hi, lo
		}
		if op == OpBetween {
			return res, t.scanRange(lo, func(e Entry) (bool, error) {
				if codec.Compare(e.Key, hi) > 0 {
					return false, nil
				}
				if codec.Compare(e.Key, lo) >= 0 {
					res.addEntry(e, filter)
				}
				return true, nil
			})
		}
		return res, t.scanAll(func(e Entry) (bool, error) {
			if codec.Compare(e.Key, lo) < 0 || codec.Compare(e.Key, hi) > 0 {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpIn, OpNotIn:
		keys, ok := val.([]codec.Value)
		if !ok {
			return nil, fmt.Errorf("btree: %s expects []codec.Value, got %T", op, val)
		}
		if op == OpIn {
			for _, key := range keys {
				k := key
				err := t.scanRange(k, func(e Entry) (bool, error) {
					c := codec.Compare(e.Key, k)
					if c > 0 {
						return false, nil
					}
					if c == 0 {
						res.addEntry(e, filter)
					}
					return true, nil
				})
				if err != nil {
					return nil, err
				}
			}
			return res, nil
		}
		return res, t.scanAll(func(e Entry) (bool, error) {
			for _, key := range keys {
				if codec.Equal(e.Key, key) {
					return true, nil
				}
			}
			res.addEntry(e, filter)
			return true, nil
		})
	case OpNEQ:
		key, err := compareVal(op, val)
		if err != nil {
			return nil, err
		}
		return res, t.scanAll(func(e Entry) (bool, error) {
			if !codec.Equal(e.Key, key) {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpLike, OpNotLike:
		pattern, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("btree: %s expects a string pattern, got %T", op, val)
		}
		re, err := globToRegexp(pattern)
		if err != nil {
			return nil, err
		}
		if op == OpLike {
			// A literal prefix turns the glob into a bounded range
			// scan instead of a full chain walk.
			if prefix := globPrefix(pattern); prefix != "" {
				start := codec.String(prefix)
				return res, t.scanRange(start, func(e Entry) (bool, error) {
					if codec.Compare(e.Key, start) > 0 &&
						(e.Key.Type != codec.TypeString || !strings.HasPrefix(e.Key.Str, prefix)) {
						return false, nil
					}
					if e.Key.Type == codec.TypeString && re.MatchString(e.Key.Str) {
						res.addEntry(e, filter)
					}
					return true, nil
				})
			}
			return res, t.scanAll(func(e Entry) (bool, error) {
				if e.Key.Type == codec.TypeString && re.MatchString(e.Key.Str) {
					res.addEntry(e, filter)
				}
				return true, nil
			})
		}
		return res, t.scanAll(func(e Entry) (bool, error) {
			if e.Key.Type != codec.TypeString || !re.MatchString(e.Key.Str) {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpMatches, OpNotMatches:
		re, ok := val.(*regexp.Regexp)
		if !ok {
			return nil, fmt.Errorf("btree: %s expects *regexp.Regexp, got %T", op, val)
		}
		want := op == OpMatches
		return res, t.scanAll(func(e Entry) (bool, error) {
			if (e.Key.Type == codec.TypeString && re.MatchString(e.Key.Str)) == want {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	case OpExists, OpNotExists:
		want := op == OpNotExists
		return res, t.scanAll(func(e Entry) (bool, error) {
			if e.Key.IsUndefined() == want {
				res.addEntry(e, filter)
			}
			return true, nil
		})
	}
	return nil, fmt.Errorf("btree: unsupported operator %q", op)
}

func compareVal(op string, val any) (codec.Value, error) {
	if v, ok := val.(codec.Value); ok {
		return v, nil
	}
	return codec.Undefined, fmt.Errorf("btree: %s expects a codec.Value, got %T", op, val)
}

func betweenVal(op string, val any) ([2]codec.Value, error) {
	switch v := val.(type) {
	case [2]codec.Value:
		return v, nil
	case []codec.Value:
		if len(v) == 2 {
			return [2]codec.Value{v[0], v[1]}, nil
		}
	}
	return [2]codec.Value{}, fmt.Errorf("btree: %s expects two boundary values", op)
}

// scanAll walks every entry in leaf-chain order. The callback returns
// false to stop early.
func (t *Tree) scanAll(fn func(Entry) (bool, error)) error {
	r := t.reader()
	lf, err := t.leftmostLeaf(r)
	if err != nil {
		return err
	}
	return t.walkFrom(r, lf, fn)
}

// scanRange walks entries starting at the leaf that would hold key.
func (t *Tree) scanRange(key codec.Value, fn func(Entry) (bool, error)) error {
	r := t.reader()
	path, err := t.descend(r, key)
	if err != nil {
		return err
	}
	return t.walkFrom(r, path.leaf, fn)
}

func (t *Tree) walkFrom(r *binio.Reader, lf *leafNode, fn func(Entry) (bool, error)) error {
	for {
		for _, e := range lf.entries {
			more, err := fn(e)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if lf.next == NilPtr {
			return nil
		}
		next, _, err := t.readNode(r, lf.next)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("btree: leaf chain points at non-leaf node %d", lf.next)
		}
		lf = next
	}
}

// Cursor iterates entries in ascending key order across the leaf
// chain.
type Cursor struct {
	tree *Tree
	r    *binio.Reader
	leaf *leafNode
	idx  int
	err  error
}

// NewCursor positions a cursor before the first entry.
func (t *Tree) NewCursor() *Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reader()
	lf, err := t.leftmostLeaf(r)
	return &Cursor{tree: t, r: r, leaf: lf, err: err}
}

// Next returns the next entry, or nil when exhausted.
func (c *Cursor) Next() (*Entry, error) {
	if c.err != nil {
		return nil, c.err
	}
	for {
		if c.idx < len(c.leaf.entries) {
			e := c.leaf.entries[c.idx]
			c.idx++
			return &e, nil
		}
		if c.leaf.next == NilPtr {
			return nil, nil
		}
		next, _, err := c.tree.readNode(c.r, c.leaf.next)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("btree: leaf chain points at non-leaf node")
		}
		c.leaf = next
		c.idx = 0
	}
}

// rightmostLeaf walks the gt chain down to the last leaf.
func (t *Tree) rightmostLeaf(r *binio.Reader) (*leafNode, error) {
	off := t.info.Root
	for {
		lf, in, err := t.readNode(r, off)
		if err != nil {
			return nil, err
		}
		if lf != nil {
			return lf, nil
		}
		off = in.gtChild
	}
}

// ReverseCursor iterates entries in descending key order via the leaf
// chain's prev pointers.
type ReverseCursor struct {
	tree *Tree
	r    *binio.Reader
	leaf *leafNode
	idx  int
	err  error
}

// NewReverseCursor positions a cursor after the last entry.
func (t *Tree) NewReverseCursor() *ReverseCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reader()
	lf, err := t.rightmostLeaf(r)
	c := &ReverseCursor{tree: t, r: r, leaf: lf, err: err}
	if lf != nil {
		c.idx = len(lf.entries) - 1
	}
	return c
}

// Next returns the next entry in descending order, or nil when
// exhausted.
func (c *ReverseCursor) Next() (*Entry, error) {
	if c.err != nil {
		return nil, c.err
	}
	for {
		if c.idx >= 0 && c.idx < len(c.leaf.entries) {
			e := c.leaf.entries[c.idx]
			c.idx--
			return &e, nil
		}
		if c.leaf.prev == NilPtr {
			return nil, nil
		}
		prev, _, err := c.tree.readNode(c.r, c.leaf.prev)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, fmt.Errorf("btree: leaf chain points at non-leaf node")
		}
		c.leaf = prev
		c.idx = len(prev.entries) - 1
	}
}

// globToRegexp compiles a glob pattern (* = any run, ? = exactly one
// character) into an anchored regular expression.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("btree: bad like pattern %q: %w", pattern, err)
	}
	return re, nil
}

// globPrefix returns the literal prefix of a glob pattern, if any.
func globPrefix(pattern string) string {
	i := strings.IndexAny(pattern, "*?")
	if i < 0 {
		return pattern
	}
	return pattern[:i]
}
