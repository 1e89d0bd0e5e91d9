package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anthropics/cascade-engine/internal/domain"
	"github.com/anthropics/cascade-engine/internal/textutil"
)

// Requests per second allowed per layer runtime, with a small burst.
// Cascade ticks arrive in clumps when several transcripts grow in the
// same poll cycle; the limiter smooths them out.
const (
	runtimeRateLimit = 2
	runtimeRateBurst = 4
)

// HTTPRuntime implements Runtime against a layer agent process
// listening on loopback HTTP.
type HTTPRuntime struct {
	baseURL       string
	maxIterations int
	client        *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger
}

// NewHTTPRuntime creates a Runtime for the agent at baseURL,
// e.g. "http://127.0.0.1:18789". maxIterations caps the tool
// iterations the agent may run per turn.
func NewHTTPRuntime(baseURL string, maxIterations int, log *zap.Logger) *HTTPRuntime {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPRuntime{
		baseURL:       baseURL,
		maxIterations: maxIterations,
		client:        &http.Client{Timeout: 120 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(runtimeRateLimit), runtimeRateBurst),
		log:           log,
	}
}

type turnRequest struct {
	Session           string `json:"session"`
	Input             string `json:"input"`
	MaxToolIterations int    `json:"max_tool_iterations"`
}

type turnResponse struct {
	Output string `json:"output"`
	Tokens int    `json:"tokens"`
}

type reseedRequest struct {
	Session string `json:"session"`
	Seed    string `json:"seed"`
}

// RunTurn posts the input to the agent's turn endpoint and returns its
// output. A missing token count in the response is estimated from the
// output length.
func (r *HTTPRuntime) RunTurn(ctx context.Context, session, input string) (domain.TurnResult, error) {
	body, err := r.post(ctx, "/v1/turn", turnRequest{
		Session:           session,
		Input:             input,
		MaxToolIterations: r.maxIterations,
	})
	if err != nil {
		return domain.TurnResult{}, err
	}

	var resp turnResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.TurnResult{}, domain.WrapStackError(
			domain.ErrAgentUnavailable.Code, "malformed turn response", err)
	}
	if resp.Tokens == 0 {
		resp.Tokens = textutil.EstimateTokens(resp.Output)
	}
	return domain.TurnResult{Output: resp.Output, Tokens: resp.Tokens}, nil
}

// Reseed posts a session reset to the agent's reseed endpoint.
func (r *HTTPRuntime) Reseed(ctx context.Context, session, seed string) error {
	_, err := r.post(ctx, "/v1/reseed", reseedRequest{Session: session, Seed: seed})
	return err
}

func (r *HTTPRuntime) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapStackError(domain.ErrAgentTimeout.Code, "agent turn timed out", err)
		}
		return nil, domain.WrapStackError(domain.ErrAgentUnavailable.Code, "agent request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapStackError(domain.ErrAgentUnavailable.Code, "read agent response", err)
	}
	if resp.StatusCode != http.StatusOK {
		r.log.Warn("agent returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, domain.NewStackError(domain.ErrAgentUnavailable.Code,
			fmt.Sprintf("agent returned status %d: %s", resp.StatusCode, textutil.Head(string(body), 200)))
	}
	return body, nil
}
