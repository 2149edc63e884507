package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// FakeEmbedder produces deterministic vectors from a text hash. It stands
// in for the provider in tests and local development; identical texts map
// to identical vectors, so similarity behaves predictably.
type FakeEmbedder struct {
	dims int

	mu   sync.Mutex
	errs map[string]error
}

// NewFakeEmbedder builds a fake with the given vector width.
func NewFakeEmbedder(dims int) *FakeEmbedder {
	if dims <= 0 {
		dims = 8
	}
	return &FakeEmbedder{dims: dims, errs: make(map[string]error)}
}

// SetError makes the named method fail until cleared.
func (f *FakeEmbedder) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *FakeEmbedder) checkError(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[method]
}

// Dimensions is the fixed vector width.
func (f *FakeEmbedder) Dimensions() int { return f.dims }

// Embed hashes the text into a unit-norm vector.
func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := f.checkError("Embed"); err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

// EmbedBatch embeds each text independently.
func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := f.checkError("EmbedBatch"); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *FakeEmbedder) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, f.dims)
	var norm float64
	for i := 0; i < f.dims; i++ {
		// Stretch the digest by re-reading it with a shifting window.
		off := (i * 4) % (len(sum) - 4)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		val := float32(bits%2000)/1000.0 - 1.0
		v[i] = val
		norm += float64(val) * float64(val)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

// FakeReranker scores candidates by a fixed map, falling back to a
// position-derived score so output order is deterministic.
type FakeReranker struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
}

// NewFakeReranker builds an empty fake.
func NewFakeReranker() *FakeReranker {
	return &FakeReranker{scores: make(map[string]float64)}
}

// SetScore pins the score returned for a candidate text.
func (f *FakeReranker) SetScore(candidate string, score float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[candidate] = score
}

// SetError makes every Rerank call fail until cleared.
func (f *FakeReranker) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls reports how many times Rerank ran.
func (f *FakeReranker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Rerank returns pinned scores, or descending position scores for
// unpinned candidates.
func (f *FakeReranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		if s, ok := f.scores[c]; ok {
			out[i] = s
			continue
		}
		out[i] = 1.0 / float64(i+1)
	}
	return out, nil
}

// FakeCompleter answers with a canned string.
type FakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

// NewFakeCompleter builds a fake returning response.
func NewFakeCompleter(response string) *FakeCompleter {
	return &FakeCompleter{response: response}
}

// SetError makes every Complete call fail until cleared.
func (f *FakeCompleter) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Prompts returns every prompt seen so far.
func (f *FakeCompleter) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// Complete records the prompt and returns the canned response.
func (f *FakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}
