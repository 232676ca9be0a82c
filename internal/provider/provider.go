// Package provider abstracts the two text-generation collaborators behind a
// single interface. Stage logic dispatches on the role tag, never on the
// concrete client type; the context budget tells callers how much research
// summary a collaborator can absorb.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Role tags a collaborator with its function in the workflow.
type Role string

const (
	// RoleAnalyst is the high-context collaborator used for synthesis,
	// compilation, and drafting.
	RoleAnalyst Role = "analyst"
	// RoleCritic is the low-context collaborator used for critique and
	// document review.
	RoleCritic Role = "critic"
)

// Collaborator produces text given a prompt and a token budget.
type Collaborator interface {
	// Generate blocks until the provider responds, the context is done, or
	// the client's retry budget is exhausted.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	// Role reports which workflow role this collaborator fills.
	Role() Role
	// ContextBudget is the approximate token window the collaborator can take.
	ContextBudget() int
}

// ErrRateLimited marks throttling responses. Retried with longer backoff
// than transient failures, then escalated.
var ErrRateLimited = errors.New("provider: rate limited")

// ErrMalformedOutput marks a response that failed an expected structural
// parse. Callers retry once with a clarified prompt, then fall back to a
// degraded default rather than failing the session.
var ErrMalformedOutput = errors.New("provider: malformed output")

// Error is a transient provider failure (network, HTTP status, decode).
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried by the client's loop.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var perr *Error
	return errors.As(err, &perr)
}
