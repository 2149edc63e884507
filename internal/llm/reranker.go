package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// HTTPReranker talks to a cross-encoder /rerank endpoint (Jina/Cohere
// wire shape). Failures surface as errors; the search pipeline falls
// back to pre-rerank order on its own.
type HTTPReranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// RerankerConfig parameterizes the rerank client.
type RerankerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPReranker builds the rerank client.
func NewHTTPReranker(cfg RerankerConfig, logger *zap.Logger) (*HTTPReranker, error) {
	if cfg.BaseURL == "" {
		return nil, appErrors.NewValidation("reranker base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPReranker{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores each candidate against the query. Scores are
// index-aligned with the input candidates.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: candidates})
	if err != nil {
		return nil, appErrors.NewInternal("failed to encode rerank request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.NewInternal("failed to build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, appErrors.NewTimeout("rerank request timed out", err)
		}
		return nil, appErrors.NewUnavailable("rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, appErrors.NewUnavailable(
			fmt.Sprintf("rerank service returned %d: %s", resp.StatusCode, string(payload)), nil)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, appErrors.NewUnavailable("failed to decode rerank response", err)
	}

	scores := make([]float64, len(candidates))
	seen := 0
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		scores[res.Index] = res.RelevanceScore
		seen++
	}
	if seen != len(candidates) {
		return nil, appErrors.NewUnavailable(
			fmt.Sprintf("rerank service scored %d of %d candidates", seen, len(candidates)), nil)
	}
	return scores, nil
}
