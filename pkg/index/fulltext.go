package index

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/birchdb/birch/pkg/btree"
	"github.com/birchdb/birch/pkg/codec"
)

// Fulltext query operators.
const (
	OpFulltextContains    = "fulltext:contains"
	OpFulltextNotContains = "fulltext:!contains"
)

// occursKey is the metadata key holding a word's positions within the
// tokenized source text, comma-separated. Phrase queries replay these
// to require adjacent positions.
const occursKey = "_occurs_"

// wordPattern segments latin text into words. Locale-aware
// tokenization is out of scope.
var wordPattern = regexp.MustCompile(`[\w']+`)

// fulltextStrategy indexes every unique word of a string field as its
// own entry, with the word's occurrence positions as metadata.
//
// Query grammar: terms are ANDed, "OR" splits alternatives, quoted
// strings match as phrases (positions must form a run), and words may
// carry * and ? wildcards.
type fulltextStrategy struct{}

func (fulltextStrategy) name() string { return "fulltext" }

func (fulltextStrategy) supports(op string) bool {
	return op == OpFulltextContains || op == OpFulltextNotContains
}

func (fulltextStrategy) metadataKeys(include []string) []string {
	return append(append([]string{}, include...), occursKey)
}

func (fulltextStrategy) project(idx *Index, childKey string, value any) []projection {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	text, ok := m[idx.info.Key].(string)
	if !ok {
		return nil
	}
	include := idx.metaValues(value)

	words := tokenize(idx, text)
	out := make([]projection, 0, len(words))
	for _, w := range orderedWords(words) {
		positions := words[w]
		occurs := make([]string, len(positions))
		for i, p := range positions {
			occurs[i] = strconv.Itoa(p)
		}
		meta := append(append([]codec.Value{}, include...), codec.String(strings.Join(occurs, ",")))
		out = append(out, projection{key: codec.String(w), meta: meta})
	}
	return out
}

// tokenize lowercases via the index locale and maps each unique word
// to its positions in the text.
func tokenize(idx *Index, text string) map[string][]int {
	words := make(map[string][]int)
	for i, w := range wordPattern.FindAllString(text, -1) {
		w = idx.folder.Fold(w)
		if len(w) > codec.MaxStringBytes {
			w = w[:codec.MaxStringBytes]
		}
		words[w] = append(words[w], i)
	}
	return words
}

func orderedWords(words map[string][]int) []string {
	out := make([]string, 0, len(words))
	for w := range words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// ftTerm is one parsed query term: a single word (possibly with
// wildcards) or a phrase.
type ftTerm struct {
	words    []string
	wildcard bool
}

// parseFulltextQuery splits a query into OR branches of ANDed terms.
func parseFulltextQuery(idx *Index, q string) ([][]ftTerm, error) {
	var branches [][]ftTerm
	var current []ftTerm
	rest := strings.TrimSpace(q)
	for rest != "" {
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated phrase in %q", ErrInvalidArgument, q)
			}
			phrase := rest[1 : 1+end]
			rest = strings.TrimSpace(rest[end+2:])
			var words []string
			for _, w := range wordPattern.FindAllString(phrase, -1) {
				words = append(words, idx.folder.Fold(w))
			}
			if len(words) > 0 {
				current = append(current, ftTerm{words: words})
			}
			continue
		}
		word := rest
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			word, rest = rest[:i], strings.TrimSpace(rest[i+1:])
		} else {
			rest = ""
		}
		if word == "OR" {
			if len(current) > 0 {
				branches = append(branches, current)
				current = nil
			}
			continue
		}
		wildcard := strings.ContainsAny(word, "*?")
		if !wildcard {
			match := wordPattern.FindString(word)
			if match == "" {
				continue
			}
			word = match
		}
		current = append(current, ftTerm{words: []string{idx.folder.Fold(word)}, wildcard: wildcard})
	}
	if len(current) > 0 {
		branches = append(branches, current)
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("%w: empty fulltext query", ErrInvalidArgument)
	}
	return branches, nil
}

// ftHit is one record matched by a term, with per-word occurrence
// positions for phrase replay.
type ftHit struct {
	result QueryResult
	occurs map[string][]int
}

func (fulltextStrategy) query(ctx context.Context, idx *Index, op string, val any, filter [][]byte) ([]QueryResult, bool, error) {
	q, ok := val.(string)
	if !ok {
		return nil, true, fmt.Errorf("%w: fulltext query expects a string", ErrInvalidArgument)
	}
	branches, err := parseFulltextQuery(idx, q)
	if err != nil {
		return nil, true, err
	}

	union := make(map[string]QueryResult)
	for _, terms := range branches {
		hits, err := idx.ftBranch(ctx, terms)
		if err != nil {
			return nil, true, err
		}
		for path, h := range hits {
			if _, seen := union[path]; !seen {
				union[path] = h.result
			}
		}
	}

	if op == OpFulltextNotContains {
		all, err := idx.ftAllRecords()
		if err != nil {
			return nil, true, err
		}
		complement := make(map[string]QueryResult, len(all))
		for path, r := range all {
			if _, matched := union[path]; !matched {
				complement[path] = r
			}
		}
		union = complement
	}

	results := make([]QueryResult, 0, len(union))
	for _, r := range union {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	if filter != nil {
		results = intersectByPointer(results, filter)
	}
	return results, true, nil
}

// ftBranch evaluates the ANDed terms of one branch: fetch candidates
// per term, order terms by ascending result count, and intersect
// sequentially so the working set only shrinks.
func (idx *Index) ftBranch(ctx context.Context, terms []ftTerm) (map[string]ftHit, error) {
	sets := make([]map[string]ftHit, len(terms))
	for i, term := range terms {
		s, err := idx.ftTermHits(ctx, term)
		if err != nil {
			return nil, err
		}
		sets[i] = s
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	out := sets[0]
	for _, s := range sets[1:] {
		for path := range out {
			if _, ok := s[path]; !ok {
				delete(out, path)
			}
		}
	}
	return out, nil
}

// ftTermHits fetches the records matching a single term.
func (idx *Index) ftTermHits(ctx context.Context, term ftTerm) (map[string]ftHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Phrase: every word must hit the record, and some occurrence of
	// the first word must be followed position-by-position by the
	// rest.
	if len(term.words) > 1 {
		perWord := make([]map[string]ftHit, len(term.words))
		for i, w := range term.words {
			s, err := idx.ftWordHits(btree.OpEQ, w)
			if err != nil {
				return nil, err
			}
			perWord[i] = s
		}
		out := make(map[string]ftHit)
		for path, first := range perWord[0] {
			positions := make([][]int, len(term.words))
			ok := true
			for i := range term.words {
				h, present := perWord[i][path]
				if !present {
					ok = false
					break
				}
				positions[i] = h.occurs[term.words[i]]
			}
			if ok && phraseRun(positions) {
				out[path] = first
			}
		}
		return out, nil
	}
	if term.wildcard {
		return idx.ftWordHits(btree.OpLike, term.words[0])
	}
	return idx.ftWordHits(btree.OpEQ, term.words[0])
}

// ftWordHits searches the tree for one word (or glob) and groups the
// matches by record path.
func (idx *Index) ftWordHits(op string, word string) (map[string]ftHit, error) {
	var results []QueryResult
	var err error
	if op == btree.OpLike {
		results, err = idx.searchTree(btree.OpLike, word, nil)
	} else {
		results, err = idx.searchTree(btree.OpEQ, word, nil)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]ftHit, len(results))
	for _, r := range results {
		matched, _ := r.Value.(string)
		h, ok := out[r.Path]
		if !ok {
			h = ftHit{result: r, occurs: make(map[string][]int)}
		}
		h.occurs[matched] = parseOccurs(r.Metadata[occursKey])
		out[r.Path] = h
	}
	return out, nil
}

// ftAllRecords collects every record in the index, for complement
// queries.
func (idx *Index) ftAllRecords() (map[string]QueryResult, error) {
	results, err := idx.searchTree(btree.OpExists, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]QueryResult, len(results))
	for _, r := range results {
		if _, ok := out[r.Path]; !ok {
			out[r.Path] = r
		}
	}
	return out, nil
}

// phraseRun reports whether some occurrence of the first word is
// followed by occurrences of each next word at strictly increasing
// positions, step one.
func phraseRun(positions [][]int) bool {
	if len(positions) == 0 {
		return false
	}
	for _, start := range positions[0] {
		ok := true
		for i := 1; i < len(positions); i++ {
			if !containsInt(positions[i], start+i) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func parseOccurs(v any) []int {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func intersectByPointer(results []QueryResult, filter [][]byte) []QueryResult {
	set := make(map[string]struct{}, len(filter))
	for _, rp := range filter {
		set[string(rp)] = struct{}{}
	}
	out := results[:0:0]
	for _, r := range results {
		if _, ok := set[string(r.rp)]; ok {
			out = append(out, r)
		}
	}
	return out
}
