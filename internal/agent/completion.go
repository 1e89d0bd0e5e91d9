package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/textutil"
)

// DefaultCompletionURL is the messages endpoint used when no override
// is configured.
const DefaultCompletionURL = "https://api.anthropic.com"

const apiVersion = "2023-06-01"

// Distillations fan out across layers on sleep; keep them to a
// sustainable request rate.
const (
	completionRateLimit = 1
	completionRateBurst = 2
)

// CompletionClient implements Completer against an Anthropic-style
// messages API.
type CompletionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewCompletionClient creates a client for the messages API at baseURL.
// An empty baseURL selects DefaultCompletionURL.
func NewCompletionClient(baseURL, apiKey string, log *zap.Logger) *CompletionClient {
	if baseURL == "" {
		baseURL = DefaultCompletionURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CompletionClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(completionRateLimit), completionRateBurst),
		log:     log,
	}
}

type messagesRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends one stateless completion and returns the concatenated
// text content.
func (c *CompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []apiMessage{{Role: "user", Content: req.Prompt}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", domain.WrapStackError(domain.ErrDistillFailed.Code, "completion request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.WrapStackError(domain.ErrDistillFailed.Code, "read completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("completion returned error status",
			zap.String("model", req.Model),
			zap.Int("status", resp.StatusCode))
		return "", domain.NewStackError(domain.ErrDistillFailed.Code,
			fmt.Sprintf("completion returned status %d: %s", resp.StatusCode, textutil.Head(string(body), 200)))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", domain.WrapStackError(domain.ErrDistillFailed.Code, "malformed completion response", err)
	}

	var parts []string
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", domain.NewStackError(domain.ErrDistillFailed.Code, "completion returned empty response")
	}
	return text, nil
}
