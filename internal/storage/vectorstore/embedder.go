package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/envwatch/envwatch/pkg/retry"
)

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	backoff    retry.Config
}

// NewOpenAIEmbedder builds an embedder for the given model.
func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    retry.DefaultConfig(),
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed returns the embedding vector for the text. Transient failures are
// retried with backoff.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}

	var embedding []float32
	err := retry.Do(ctx, 3, e.backoff, func() error {
		var err error
		embedding, err = e.embedOnce(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, &retry.Terminal{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &retry.Terminal{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("embeddings API returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.Terminal{Err: fmt.Errorf("embeddings API returned %d", resp.StatusCode)}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &retry.Terminal{Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &retry.Terminal{Err: fmt.Errorf("embeddings API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Data) == 0 {
		return nil, &retry.Terminal{Err: fmt.Errorf("empty embedding response")}
	}
	return parsed.Data[0].Embedding, nil
}
