package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// embedBatchSize bounds one provider round trip. Crawl jobs embed whole
// documents; the provider caps request size well below that.
const embedBatchSize = 64

// HTTPEmbedder talks to an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// EmbedderConfig parameterizes the embedding client.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewHTTPEmbedder builds the embedding client. The circuit breaker opens
// after repeated provider failures so search degrades to keyword channels
// instead of queueing on a dead upstream.
func NewHTTPEmbedder(cfg EmbedderConfig, logger *zap.Logger) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, appErrors.NewValidation("embedding base URL cannot be empty")
	}
	if cfg.Dimensions <= 0 {
		return nil, appErrors.NewValidation("embedding dimensions must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPEmbedder{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// Dimensions is the fixed vector width this embedder produces.
func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

// Embed produces the vector for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch embeds texts in provider-sized batches, index-aligned with
// the input.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := e.breaker.Execute(func() (any, error) {
		return e.call(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, appErrors.NewUnavailable("embedding service unavailable", err)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, appErrors.NewInternal("failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.NewInternal("failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, appErrors.NewTimeout("embedding request timed out", err)
		}
		return nil, appErrors.NewUnavailable("embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, appErrors.NewUnavailable(
			fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, string(payload)), nil)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, appErrors.NewUnavailable("failed to decode embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, appErrors.NewUnavailable(
			fmt.Sprintf("embedding service returned %d vectors for %d inputs", len(parsed.Data), len(texts)), nil)
	}

	// Providers may reorder; the index field is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, appErrors.NewUnavailable("embedding response index out of range", nil)
		}
		if len(d.Embedding) != e.dimensions {
			return nil, appErrors.NewValidationf(
				"embedding dimension mismatch: got %d, deployment is fixed at %d", len(d.Embedding), e.dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
