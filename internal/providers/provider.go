// Package providers defines the uniform adapter contract the task runner
// speaks, regardless of which vendor wire protocol sits behind it.
package providers

import (
	"context"
	"errors"

	"storyreel/internal/domain"
)

// Protocol identifies one of the closed set of provider wire-protocol
// families. A model resolves to exactly one family at submission time.
type Protocol string

const (
	// ProtocolSingleShot providers return the asset in one round trip.
	ProtocolSingleShot Protocol = "single_shot"
	// ProtocolPoll providers return a job id and are polled on a uniform
	// status endpoint.
	ProtocolPoll Protocol = "poll"
	// ProtocolPollVideo providers share the create-then-poll shape but name
	// submission fields per sub-model.
	ProtocolPollVideo Protocol = "poll_video"
)

// JobRef is the vendor job handle used only for polling. Its value is never
// exposed to clients beyond the task record's provider linkage.
type JobRef struct {
	ID string
}

// Submission is the outcome of a submit call: either a job reference to poll,
// or, for single-shot protocols, the final result directly.
type Submission struct {
	Job    *JobRef
	Result *domain.TaskResult
}

// PollStatus is the normalized answer of one provider status check.
type PollStatus struct {
	Done      bool
	Failed    bool
	Message   string // provider failure text, verbatim
	ResultURL string
	Progress  int // 0 when the provider does not report progress
}

// ErrCancelUnsupported marks adapters whose provider has no cancel primitive.
// The local record is still cancelled; a late completion is ignored.
var ErrCancelUnsupported = errors.New("provider does not support cancellation")

// Adapter translates the uniform task abstraction into one vendor protocol.
// Poll and Materialize are only meaningful for poll-style protocols.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, task *domain.Task) (Submission, error)
	Poll(ctx context.Context, ref JobRef) (PollStatus, error)
	Materialize(ctx context.Context, st PollStatus) (*domain.TaskResult, error)
	Cancel(ctx context.Context, ref JobRef) error
}
