package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/envwatch/envwatch/internal/models"
)

// LLMSummariser asks a chat-completion model to write the incident summary.
// Composer falls back to the deterministic template whenever it errors, so
// a missing key or a flaky endpoint degrades gracefully.
type LLMSummariser struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewLLMSummariser builds an OpenAI-backed summariser.
func NewLLMSummariser(apiKey, model, baseURL string) *LLMSummariser {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &LLMSummariser{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Summarise sends the incident facts to the model and returns the text.
func (s *LLMSummariser) Summarise(ctx context.Context, cluster models.Cluster, permits []models.Permit, rainfall models.RainfallSummary, priority models.Priority) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("no API key configured")
	}

	prompt := s.buildPrompt(cluster, permits, rainfall, priority)
	reqBody := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an environmental incident analyst. Write a single factual paragraph of at most 600 characters summarising the incident. Do not invent data."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 300,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}

	summary := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("blank completion")
	}
	return clampSummary(summary), nil
}

func (s *LLMSummariser) buildPrompt(cluster models.Cluster, permits []models.Permit, rainfall models.RainfallSummary, priority models.Priority) string {
	peak, avg, threshold := clusterStats(cluster)
	var b strings.Builder
	fmt.Fprintf(&b, "Source kind: %s\nPriority: %s\n", cluster.Kind, priority)
	fmt.Fprintf(&b, "Stations (%d): %s\n", len(cluster.StationIDs()), formatStationList(cluster.StationIDs()))
	fmt.Fprintf(&b, "Peak value: %.2f, average: %.2f, threshold: %.2f\n", peak, avg, threshold)
	fmt.Fprintf(&b, "Rainfall: %s (%.1f mm over %d gauges)\n", rainfall.Category, rainfall.TotalMm, rainfall.GaugeCount)
	fmt.Fprintf(&b, "Nearby regulated sites: %d\n", len(permits))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
