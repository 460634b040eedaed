// Package index implements the toolhost runtime's semantic tool index.
// Scoring is hand-rolled on stdlib math/sort/strings rather than on a
// vector-search library: candidate libraries such as chromem-go and
// sqlite-vec-go-bindings both fix an embedding dimension per collection and
// error on mismatch, which conflicts with this index's required behavior of
// zero-extending a query or stored vector of a different width instead of
// rejecting it, and of tombstoning a removed entry without forcing a
// rebuild. See DESIGN.md for the full justification.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Result is one ranked hit from Search.
type Result struct {
	QualifiedID string
	Score       float64
}

type entry struct {
	qualifiedID string
	embedding   []float32
	tokens      map[string]struct{}
	tombstoned  bool
	order       int
}

// Index is an append-only, tombstone-on-remove semantic index over tool
// embeddings with a lexical fallback for tools that carry none. It is safe
// for concurrent use.
type Index struct {
	mu sync.RWMutex

	byID    map[string]*entry
	entries []*entry
	nextOrd int

	dim int

	removedSinceCompact int
}

// New returns an empty Index.
func New() *Index {
	return NewWithDim(0)
}

// NewWithDim returns an empty Index pre-sized to dim, so the first vector
// added need not trigger a widen. dim <= 0 behaves exactly like New.
func NewWithDim(dim int) *Index {
	if dim < 0 {
		dim = 0
	}
	return &Index{byID: make(map[string]*entry), dim: dim}
}

// Add inserts or replaces a tool's indexed representation. embedding may be
// nil, in which case the tool is only matched lexically via text (its
// display name, description, and tags joined by the caller). If embedding is
// narrower than the index's current width it is zero-extended; if it is
// wider, every previously stored vector is zero-extended to match.
func (idx *Index) Add(qualifiedID string, embedding []float32, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(embedding) > idx.dim {
		idx.widen(len(embedding))
	}

	vec := zeroExtend(embedding, idx.dim)

	if existing, ok := idx.byID[qualifiedID]; ok {
		existing.embedding = vec
		existing.tokens = tokenize(text)
		existing.tombstoned = false
		return
	}

	e := &entry{
		qualifiedID: qualifiedID,
		embedding:   vec,
		tokens:      tokenize(text),
		order:       idx.nextOrd,
	}
	idx.nextOrd++
	idx.byID[qualifiedID] = e
	idx.entries = append(idx.entries, e)
}

// Remove tombstones an entry without compacting the backing slice. A
// tombstoned entry is invisible to Search but its slot is only reclaimed on
// the next Compact.
func (idx *Index) Remove(qualifiedID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byID[qualifiedID]
	if !ok || e.tombstoned {
		return
	}
	e.tombstoned = true
	delete(idx.byID, qualifiedID)
	idx.removedSinceCompact++
}

// Compact physically drops tombstoned entries. It does not change any
// surviving entry's score contribution and is safe to call at any time.
// Nothing in the runtime calls it automatically; Search skips tombstones
// whether or not Compact has run.
func (idx *Index) Compact() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.removedSinceCompact == 0 {
		return
	}

	live := idx.entries[:0]
	for _, e := range idx.entries {
		if !e.tombstoned {
			live = append(live, e)
		}
	}
	idx.entries = live
	idx.removedSinceCompact = 0
}

// Search ranks live entries by cosine similarity against queryEmbedding when
// non-empty, falling back to lexical token overlap against queryText for
// entries with no stored embedding, or when queryEmbedding itself is empty.
// Ties are broken by insertion order, oldest first, so repeated searches
// over an unchanged index are deterministic.
func (idx *Index) Search(queryEmbedding []float32, queryText string, limit int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTokens := tokenize(queryText)
	queryVec := queryEmbedding
	if len(queryVec) > 0 && len(queryVec) < idx.dim {
		queryVec = zeroExtend(queryVec, idx.dim)
	}

	type scored struct {
		e     *entry
		score float64
	}
	candidates := make([]scored, 0, len(idx.entries))

	for _, e := range idx.entries {
		if e.tombstoned {
			continue
		}
		var score float64
		if len(queryVec) > 0 && hasNonZero(e.embedding) {
			score = cosineSimilarity(queryVec, e.embedding)
		} else {
			score = lexicalOverlap(queryTokens, e.tokens)
		}
		candidates = append(candidates, scored{e: e, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].e.order < candidates[j].e.order
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{QualifiedID: c.e.qualifiedID, Score: c.score}
	}
	return out
}

// Len reports the number of live (non-tombstoned) entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

func (idx *Index) widen(newDim int) {
	idx.dim = newDim
	for _, e := range idx.entries {
		e.embedding = zeroExtend(e.embedding, newDim)
	}
}

func zeroExtend(v []float32, dim int) []float32 {
	if len(v) >= dim {
		out := make([]float32, dim)
		copy(out, v[:dim])
		return out
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

func hasNonZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	// The shorter vector is treated as zero-extended: its missing
	// components add nothing to the dot product, but the longer vector's
	// extra components still count toward its norm.
	var dot, normA, normB float64
	for i := range a {
		normA += float64(a[i]) * float64(a[i])
		if i < len(b) {
			dot += float64(a[i]) * float64(b[i])
		}
	}
	for i := range b {
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func lexicalOverlap(query, tokens map[string]struct{}) float64 {
	if len(query) == 0 || len(tokens) == 0 {
		return 0
	}
	var hits int
	for t := range query {
		if _, ok := tokens[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}
