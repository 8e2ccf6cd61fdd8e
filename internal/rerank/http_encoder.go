package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psi/logbook-agent/internal/retry"
)

// httpEncoderRequest mirrors a llama.cpp-style /rerank endpoint payload.
type httpEncoderRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type httpEncoderResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type httpEncoderResponse struct {
	Model   string               `json:"model"`
	Results []httpEncoderResult  `json:"results"`
}

// HTTPCrossEncoder scores documents against a remote reranking endpoint.
type HTTPCrossEncoder struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

// NewHTTPCrossEncoder constructs a CrossEncoder backed by an HTTP reranking service.
func NewHTTPCrossEncoder(baseURL, model string, timeout time.Duration) *HTTPCrossEncoder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCrossEncoder{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Score implements CrossEncoder. The request is tried up to 3 times with
// exponential backoff on transport errors or a 5xx response; a 4xx response
// is treated as permanent since retrying an unchanged bad request can't help.
func (e *HTTPCrossEncoder) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	payload, err := json.Marshal(httpEncoderRequest{
		Model:     e.Model,
		Query:     query,
		TopN:      len(documents),
		Documents: documents,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	decoded, result := retry.DoWithValue(ctx, retry.Exponential(3, 200*time.Millisecond, 2*time.Second), func() (httpEncoderResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL, bytes.NewReader(payload))
		if err != nil {
			return httpEncoderResponse{}, retry.Permanent(fmt.Errorf("build rerank request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.Client.Do(req)
		if err != nil {
			return httpEncoderResponse{}, fmt.Errorf("rerank request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode < 500 {
				return httpEncoderResponse{}, retry.Permanent(err)
			}
			return httpEncoderResponse{}, err
		}

		var out httpEncoderResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return httpEncoderResponse{}, retry.Permanent(fmt.Errorf("decode rerank response: %w", err))
		}
		return out, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}

	scores := make([]float64, len(documents))
	for _, r := range decoded.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}
