package search

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// BM25Parameters are the Okapi scoring constants.
type BM25Parameters struct {
	K1 float64
	B  float64
}

// DefaultBM25Parameters are the standard values used across the platform.
var DefaultBM25Parameters = BM25Parameters{K1: 1.5, B: 0.75}

// IndexDoc is one indexable record: an opaque ref (entity ID) and the
// text to index.
type IndexDoc struct {
	Ref  string
	Text string
}

// DocumentLoader supplies all indexable docs for an org when the index
// rebuilds. Invalidated orgs rebuild lazily on the next query.
type DocumentLoader func(ctx context.Context, orgID string) ([]IndexDoc, error)

// ScoredRef pairs a document ref with its raw relevance score.
type ScoredRef struct {
	Ref   string
	Score float64
}

type bm25Doc struct {
	length int
	freqs  map[string]int
}

// orgIndex is the inverted index for one organization.
type orgIndex struct {
	mu       sync.RWMutex
	docs     map[string]*bm25Doc
	postings map[string]map[string]int // term -> ref -> tf
	totalLen int

	// dirty advances on every write; built records the version the
	// in-memory structures reflect. dirty != built forces a rebuild
	// before the next search.
	dirty atomic.Uint64
	built uint64
}

// BM25Index is the per-tenant in-memory keyword index. Scores are raw
// Okapi BM25, never normalized.
type BM25Index struct {
	params BM25Parameters
	loader DocumentLoader

	mu   sync.Mutex
	orgs map[string]*orgIndex
}

// NewBM25Index creates an index that lazily builds per-org structures
// through loader.
func NewBM25Index(loader DocumentLoader, params BM25Parameters) *BM25Index {
	if params.K1 == 0 && params.B == 0 {
		params = DefaultBM25Parameters
	}
	return &BM25Index{
		params: params,
		loader: loader,
		orgs:   make(map[string]*orgIndex),
	}
}

func (idx *BM25Index) org(orgID string) *orgIndex {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	oi, ok := idx.orgs[orgID]
	if !ok {
		oi = &orgIndex{
			docs:     make(map[string]*bm25Doc),
			postings: make(map[string]map[string]int),
		}
		oi.dirty.Store(1) // force initial build
		idx.orgs[orgID] = oi
	}
	return oi
}

// Invalidate marks an org's index stale. The next search rebuilds it.
func (idx *BM25Index) Invalidate(orgID string) {
	idx.org(orgID).dirty.Add(1)
}

// Rebuild rebuilds an org's index immediately from the loader.
func (idx *BM25Index) Rebuild(ctx context.Context, orgID string) error {
	oi := idx.org(orgID)
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return idx.rebuildLocked(ctx, orgID, oi)
}

func (idx *BM25Index) rebuildLocked(ctx context.Context, orgID string, oi *orgIndex) error {
	target := oi.dirty.Load()

	if idx.loader == nil {
		oi.built = target
		return nil
	}
	docs, err := idx.loader(ctx, orgID)
	if err != nil {
		return appErrors.Wrap(err, "failed to load documents for keyword index")
	}

	oi.docs = make(map[string]*bm25Doc, len(docs))
	oi.postings = make(map[string]map[string]int)
	oi.totalLen = 0
	for _, d := range docs {
		idx.addLocked(oi, d.Ref, d.Text)
	}
	oi.built = target
	return nil
}

func (idx *BM25Index) addLocked(oi *orgIndex, ref, text string) {
	if old, ok := oi.docs[ref]; ok {
		idx.removeLocked(oi, ref, old)
	}
	freqs := TermFrequencies(text)
	length := 0
	for _, tf := range freqs {
		length += tf
	}
	doc := &bm25Doc{length: length, freqs: freqs}
	oi.docs[ref] = doc
	oi.totalLen += length
	for term, tf := range freqs {
		posting, ok := oi.postings[term]
		if !ok {
			posting = make(map[string]int)
			oi.postings[term] = posting
		}
		posting[ref] = tf
	}
}

func (idx *BM25Index) removeLocked(oi *orgIndex, ref string, doc *bm25Doc) {
	for term := range doc.freqs {
		if posting, ok := oi.postings[term]; ok {
			delete(posting, ref)
			if len(posting) == 0 {
				delete(oi.postings, term)
			}
		}
	}
	oi.totalLen -= doc.length
	delete(oi.docs, ref)
}

// Add indexes or reindexes a single document in place, keeping the org
// fresh without a full rebuild.
func (idx *BM25Index) Add(orgID, ref, text string) {
	oi := idx.org(orgID)
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.built != oi.dirty.Load() {
		// Stale anyway; the next search rebuilds from the loader.
		return
	}
	idx.addLocked(oi, ref, text)
}

// Remove drops a single document from a fresh org index.
func (idx *BM25Index) Remove(orgID, ref string) {
	oi := idx.org(orgID)
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.built != oi.dirty.Load() {
		return
	}
	if doc, ok := oi.docs[ref]; ok {
		idx.removeLocked(oi, ref, doc)
	}
}

// Search scores query against the org's index and returns the top-k
// refs by descending raw BM25 score. Ties break on lexicographic ref.
func (idx *BM25Index) Search(ctx context.Context, orgID, query string, k int) ([]ScoredRef, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	oi := idx.org(orgID)
	oi.mu.Lock()
	if oi.built != oi.dirty.Load() {
		if err := idx.rebuildLocked(ctx, orgID, oi); err != nil {
			oi.mu.Unlock()
			return nil, err
		}
	}
	oi.mu.Unlock()

	oi.mu.RLock()
	defer oi.mu.RUnlock()

	n := len(oi.docs)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(oi.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		posting, ok := oi.postings[term]
		if !ok {
			continue
		}
		df := len(posting)
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for ref, tf := range posting {
			doc := oi.docs[ref]
			norm := 1 - idx.params.B + idx.params.B*float64(doc.length)/avgLen
			scores[ref] += idf * (float64(tf) * (idx.params.K1 + 1)) / (float64(tf) + idx.params.K1*norm)
		}
	}

	if len(scores) == 0 {
		return nil, nil
	}
	results := make([]ScoredRef, 0, len(scores))
	for ref, score := range scores {
		results = append(results, ScoredRef{Ref: ref, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ref < results[j].Ref
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
