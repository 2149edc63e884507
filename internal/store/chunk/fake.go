package chunk

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Fake is an in-memory chunk store for unit tests, mirroring the real
// store's filter semantics. Error injection works per method name.
type Fake struct {
	mu sync.RWMutex

	documents map[string]domain.Document // document ID -> document
	chunks    map[string][]domain.Chunk  // document ID -> ordered chunks

	shouldFailOn map[string]error
}

// NewFake creates an empty in-memory chunk store.
func NewFake() *Fake {
	return &Fake{
		documents:    make(map[string]domain.Document),
		chunks:       make(map[string][]domain.Chunk),
		shouldFailOn: make(map[string]error),
	}
}

var _ search.ChunkSearcher = (*Fake)(nil)

// SetError configures the fake to return an error for a specific method.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn[method] = err
}

// ClearErrors removes all configured errors.
func (f *Fake) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn = make(map[string]error)
}

func (f *Fake) checkError(method string) error {
	if err, exists := f.shouldFailOn[method]; exists {
		return err
	}
	return nil
}

func (f *Fake) PutDocument(ctx context.Context, doc domain.Document) error {
	if err := f.checkError("PutDocument"); err != nil {
		return err
	}
	if doc.ID == "" || doc.OrganizationID == "" || doc.SourceID == "" {
		return appErrors.NewValidation("document requires id, organization, and source")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := f.documents[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
		doc.ChunkCount = existing.ChunkCount
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	f.documents[doc.ID] = doc
	return nil
}

func (f *Fake) ReplaceChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	if err := f.checkError("ReplaceChunks"); err != nil {
		return err
	}
	if doc.ID == "" || doc.OrganizationID == "" {
		return appErrors.NewValidation("document requires id and organization")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := f.documents[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.ChunkCount = len(chunks)
	f.documents[doc.ID] = doc

	copied := make([]domain.Chunk, len(chunks))
	copy(copied, chunks)
	sort.Slice(copied, func(i, j int) bool { return copied[i].Ordinal < copied[j].Ordinal })
	for i := range copied {
		copied[i].DocumentID = doc.ID
		if copied[i].CreatedAt.IsZero() {
			copied[i].CreatedAt = now
		}
		if copied[i].TokenFreqs == nil {
			copied[i].TokenFreqs = search.TermFrequencies(copied[i].Text)
		}
	}
	f.chunks[doc.ID] = copied
	return nil
}

func (f *Fake) GetDocument(ctx context.Context, orgID, id string) (domain.Document, error) {
	if err := f.checkError("GetDocument"); err != nil {
		return domain.Document{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.documents[id]
	if !ok || doc.OrganizationID != orgID {
		return domain.Document{}, appErrors.NewNotFound("document not found").WithDetail("document_id", id)
	}
	return doc, nil
}

func (f *Fake) GetDocumentByURL(ctx context.Context, orgID, sourceID, url string) (domain.Document, error) {
	if err := f.checkError("GetDocumentByURL"); err != nil {
		return domain.Document{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, doc := range f.documents {
		if doc.OrganizationID == orgID && doc.SourceID == sourceID && doc.URL == url {
			return doc, nil
		}
	}
	return domain.Document{}, appErrors.NewNotFound("document not found")
}

func (f *Fake) ListDocuments(ctx context.Context, orgID, sourceID string, limit, offset int) ([]domain.Document, int, error) {
	if err := f.checkError("ListDocuments"); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	f.mu.RLock()
	matched := make([]domain.Document, 0)
	for _, doc := range f.documents {
		if doc.OrganizationID == orgID && doc.SourceID == sourceID {
			matched = append(matched, doc)
		}
	}
	f.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if offset >= total {
		return []domain.Document{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (f *Fake) DeleteDocument(ctx context.Context, orgID, id string) error {
	if err := f.checkError("DeleteDocument"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.OrganizationID != orgID {
		return appErrors.NewNotFound("document not found").WithDetail("document_id", id)
	}
	delete(f.documents, id)
	delete(f.chunks, id)
	return nil
}

func (f *Fake) DeleteSourceDocuments(ctx context.Context, orgID, sourceID string) (int, error) {
	if err := f.checkError("DeleteSourceDocuments"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, doc := range f.documents {
		if doc.OrganizationID == orgID && doc.SourceID == sourceID {
			delete(f.documents, id)
			delete(f.chunks, id)
			removed++
		}
	}
	return removed, nil
}

func (f *Fake) CountBySource(ctx context.Context, orgID, sourceID string) (int, int, error) {
	if err := f.checkError("CountBySource"); err != nil {
		return 0, 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	docs, chunks := 0, 0
	for id, doc := range f.documents {
		if doc.OrganizationID == orgID && doc.SourceID == sourceID {
			docs++
			chunks += len(f.chunks[id])
		}
	}
	return docs, chunks, nil
}

func (f *Fake) Counts(ctx context.Context, orgID string) (int, int, error) {
	if err := f.checkError("Counts"); err != nil {
		return 0, 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	docs, chunks := 0, 0
	for id, doc := range f.documents {
		if doc.OrganizationID == orgID {
			docs++
			chunks += len(f.chunks[id])
		}
	}
	return docs, chunks, nil
}

// matchesFilter applies the same scoping the SQL filter encodes.
func matchesFilter(filter search.ChunkFilter, doc domain.Document, c domain.Chunk) bool {
	if doc.OrganizationID != filter.Access.OrgID {
		return false
	}
	if !filter.Access.AllowsProject(doc.ProjectID) {
		return false
	}
	if len(filter.SourceIDs) > 0 {
		found := false
		for _, id := range filter.SourceIDs {
			if id == doc.SourceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Language != "" && c.Language != filter.Language && doc.Language != filter.Language {
		return false
	}
	if filter.ChunkType != "" && c.Type != filter.ChunkType {
		return false
	}
	if filter.Since != nil && doc.UpdatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

func (f *Fake) VectorSearchChunks(ctx context.Context, filter search.ChunkFilter, vector []float32, k int) ([]search.ChunkHit, error) {
	if err := f.checkError("VectorSearchChunks"); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, appErrors.NewValidation("query vector cannot be empty")
	}
	k = coerceK(k)

	f.mu.RLock()
	hits := make([]search.ChunkHit, 0)
	for docID, chunks := range f.chunks {
		doc := f.documents[docID]
		for _, c := range chunks {
			if len(c.Vector) != len(vector) {
				continue
			}
			if !matchesFilter(filter, doc, c) {
				continue
			}
			score := fakeCosine(vector, c.Vector)
			if score < filter.MinScore {
				continue
			}
			hits = append(hits, chunkHit(doc, c, score))
		}
	}
	f.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *Fake) KeywordSearchChunks(ctx context.Context, filter search.ChunkFilter, query string, k int) ([]search.ChunkHit, error) {
	if err := f.checkError("KeywordSearchChunks"); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	k = coerceK(k)

	terms := strings.Fields(query)
	f.mu.RLock()
	hits := make([]search.ChunkHit, 0)
	for docID, chunks := range f.chunks {
		doc := f.documents[docID]
		for _, c := range chunks {
			if !matchesFilter(filter, doc, c) {
				continue
			}
			text := strings.ToLower(c.Text)
			matched := 0
			boost := 0
			for _, t := range terms {
				if strings.Contains(text, t) {
					matched++
				}
				boost += c.TokenFreqs[t]
			}
			if matched == 0 {
				continue
			}
			// Same shape as the SQL channel: coverage scaled by the
			// stored term frequencies.
			score := float64(matched) / float64(len(terms))
			score *= 1 + math.Log1p(float64(boost))
			hits = append(hits, chunkHit(doc, c, score))
		}
	}
	f.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func chunkHit(doc domain.Document, c domain.Chunk, score float64) search.ChunkHit {
	return search.ChunkHit{
		Chunk:         c,
		DocumentTitle: doc.Title,
		DocumentURL:   doc.URL,
		SourceID:      doc.SourceID,
		ProjectID:     doc.ProjectID,
		UpdatedAt:     doc.UpdatedAt,
		Score:         score,
	}
}

func sortHits(hits []search.ChunkHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
}

func fakeCosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
