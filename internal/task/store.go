package task

import (
	"context"
	"errors"

	"storyreel/internal/domain"
)

// ErrNoTaskAvailable signals an empty queue to the claim loop.
var ErrNoTaskAvailable = errors.New("no task available")

// Store is the durable task record store as the runner sees it. Every mutation
// is terminal-sticky: a write against an already-terminal record returns
// domain.ErrTaskTerminal instead of changing anything.
type Store interface {
	// ClaimPending atomically claims the oldest pending task so that exactly
	// one runner executes it, or returns ErrNoTaskAvailable.
	ClaimPending(ctx context.Context) (*domain.Task, error)

	// MarkRunning records the provider linkage after a successful submission.
	MarkRunning(ctx context.Context, id, provider, providerTaskID string, progress int) error

	// SetProgress advances status/progress while the task is non-terminal.
	// Progress never decreases.
	SetProgress(ctx context.Context, id string, status domain.TaskStatus, progress int) error

	// Complete persists the result and flips the record to completed.
	Complete(ctx context.Context, id string, result *domain.TaskResult) error

	// Fail persists the error message and flips the record to failed.
	Fail(ctx context.Context, id, message string) error
}
