// Package agent defines the boundary to the external agent runtimes.
//
// The cascade never runs model turns itself. Each layer is an
// independent agent process reached over loopback HTTP, and ego
// distillation goes through a completion service. Both are consumed
// through small interfaces so the orchestrator and tests stay
// independent of the wire details.
package agent

import (
	"context"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// Runtime drives one layer's agent process.
type Runtime interface {
	// RunTurn sends input as the next turn of the named session and
	// returns the agent's output plus the tokens the turn consumed.
	RunTurn(ctx context.Context, session, input string) (domain.TurnResult, error)

	// Reseed discards the named session's context and starts it over
	// with seed as the opening prompt. Used on wake and core reseeding.
	Reseed(ctx context.Context, session, seed string) error
}

// CompletionRequest is a single stateless completion call.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Completer performs stateless completions, used for ego distillation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
