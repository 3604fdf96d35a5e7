// Package client is the Go SDK for the task service. It wraps submission,
// status polling with an adaptive interval, result retrieval, cancellation,
// and reattachment to in-flight tasks after a restart.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"storyreel/internal/domain"
)

const (
	defaultPollBase    = 2 * time.Second
	defaultPollStep    = time.Second
	defaultPollCeiling = 10 * time.Second

	// A task that the server reports missing this many polls in a row is
	// treated as gone rather than transiently unreadable.
	missingPollLimit = 3
)

// Timeouts by task type. Callers can override per wait.
var defaultWaitTimeouts = map[domain.TaskType]time.Duration{
	domain.TaskTypeChat:  5 * time.Minute,
	domain.TaskTypeImage: 10 * time.Minute,
	domain.TaskTypeVideo: 30 * time.Minute,
}

// ErrTaskGone marks a task the server persistently no longer knows about.
var ErrTaskGone = errors.New("task no longer exists on the server")

// TaskRequest is a submission. Fields mirror the POST /tasks payload.
type TaskRequest struct {
	Type            domain.TaskType `json:"type"`
	ProjectID       string          `json:"project_id"`
	ModelID         string          `json:"model_id"`
	Prompt          string          `json:"prompt"`
	ReferenceImages []string        `json:"reference_images,omitempty"`
	StartImage      string          `json:"start_image,omitempty"`
	EndImage        string          `json:"end_image,omitempty"`
	AspectRatio     string          `json:"aspect_ratio,omitempty"`
	Duration        int             `json:"duration,omitempty"`
	Params          map[string]any  `json:"params,omitempty"`
	Target          *domain.Target  `json:"target,omitempty"`
}

// Task is the server's task envelope.
type Task struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"project_id"`
	Type        domain.TaskType    `json:"type"`
	ModelID     string             `json:"model_id"`
	Status      domain.TaskStatus  `json:"status"`
	Progress    int                `json:"progress"`
	Error       string             `json:"error,omitempty"`
	Result      *domain.TaskResult `json:"result,omitempty"`
	Target      *domain.Target     `json:"target,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

type apiError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	UserID  string
	Logger  zerolog.Logger

	// Polling knobs; zero values take the defaults above.
	PollBase    time.Duration
	PollStep    time.Duration
	PollCeiling time.Duration
}

// Client talks to one task service. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger

	pollBase    time.Duration
	pollStep    time.Duration
	pollCeiling time.Duration

	mu       sync.Mutex
	watching map[string]struct{}
}

// New builds a Client for the service at baseURL.
func New(opts Options) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	if opts.UserID != "" {
		httpc.SetHeader("X-User-ID", opts.UserID)
	}

	c := &Client{
		http:        httpc,
		logger:      opts.Logger,
		pollBase:    opts.PollBase,
		pollStep:    opts.PollStep,
		pollCeiling: opts.PollCeiling,
		watching:    make(map[string]struct{}),
	}
	if c.pollBase <= 0 {
		c.pollBase = defaultPollBase
	}
	if c.pollStep <= 0 {
		c.pollStep = defaultPollStep
	}
	if c.pollCeiling <= 0 {
		c.pollCeiling = defaultPollCeiling
	}
	return c
}

// Submit validates the request locally and creates the task. Validation
// failures never reach the wire.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (*Task, error) {
	probe := domain.Task{
		Type:      req.Type,
		ProjectID: req.ProjectID,
		ModelID:   req.ModelID,
		Prompt:    req.Prompt,
	}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	refs := append([]string{}, req.ReferenceImages...)
	if req.StartImage != "" {
		refs = append(refs, req.StartImage)
	}
	if req.EndImage != "" {
		refs = append(refs, req.EndImage)
	}
	for _, ref := range refs {
		if !validImageRef(ref) {
			return nil, fmt.Errorf("%w: image reference must be an http(s) URL, a data URL, or base64", domain.ErrValidation)
		}
	}

	var task Task
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&task).
		Post("/tasks")
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &task, nil
}

// validImageRef accepts the same shapes the server's reference-image
// normalizer does: remote URLs, data URLs, and bare base64 payloads.
func validImageRef(s string) bool {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return true
	}
	if strings.HasPrefix(s, "data:") {
		return strings.Contains(s, ";base64,")
	}
	if len(s) < 16 {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

// Get fetches the current task envelope. includeResult attaches the result
// once the task completed.
func (c *Client) Get(ctx context.Context, id string, includeResult bool) (*Task, error) {
	var task Task
	req := c.http.R().SetContext(ctx).SetResult(&task)
	if includeResult {
		req.SetQueryParam("include_result", "true")
	}
	resp, err := req.Get("/tasks/" + id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if resp.StatusCode() == 404 {
		return nil, domain.ErrNotFound
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &task, nil
}

// Result fetches the result envelope of a completed task.
func (c *Client) Result(ctx context.Context, id string) (*domain.TaskResult, error) {
	var result domain.TaskResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/tasks/" + id + "/result")
	if err != nil {
		return nil, fmt.Errorf("get task result %s: %w", id, err)
	}
	if resp.StatusCode() == 404 {
		return nil, domain.ErrNotFound
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return &result, nil
}

// Cancel requests cancellation. Cancelling an already-terminal task returns
// domain.ErrTaskTerminal.
func (c *Client) Cancel(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/tasks/" + id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	switch resp.StatusCode() {
	case 404:
		return domain.ErrNotFound
	case 409:
		return domain.ErrTaskTerminal
	}
	if resp.IsError() {
		return decodeAPIError(resp)
	}
	return nil
}

// List returns the project's tasks. With all false the server trims the list
// to what a resynchronizing client needs.
func (c *Client) List(ctx context.Context, projectID string, all bool) ([]*Task, error) {
	var payload struct {
		Items []*Task `json:"items"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("project_id", projectID).
		SetResult(&payload)
	if all {
		req.SetQueryParam("all", "true")
	}
	resp, err := req.Get("/tasks")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return payload.Items, nil
}

// WaitOptions tune a single Wait call.
type WaitOptions struct {
	// Timeout caps the whole wait. Zero means the task type's default.
	Timeout time.Duration
	// OnProgress, when set, receives the envelope each time the task's
	// status or progress changes.
	OnProgress func(*Task)
}

// Wait polls until the task reaches a terminal state and returns the final
// envelope with its result attached. A failed task yields the stored error
// and a cancelled one yields domain.ErrCancelled, in both cases alongside
// the envelope. The interval starts at the base, grows
// by one step per observation while the task sits in the external polling
// phase, caps at the ceiling, and resets when the task moves again. Transient
// request failures are absorbed; three consecutive not-found responses mean
// the task is gone. A context cancellation triggers a best-effort server-side
// cancel before returning.
func (c *Client) Wait(ctx context.Context, id string, taskType domain.TaskType) (*Task, error) {
	timeout, ok := defaultWaitTimeouts[taskType]
	if !ok {
		timeout = defaultWaitTimeouts[domain.TaskTypeImage]
	}
	return c.WaitWith(ctx, id, WaitOptions{Timeout: timeout})
}

// WaitTimeout is Wait with an explicit deadline.
func (c *Client) WaitTimeout(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	return c.WaitWith(ctx, id, WaitOptions{Timeout: timeout})
}

// WaitWith is Wait with explicit options.
func (c *Client) WaitWith(ctx context.Context, id string, opts WaitOptions) (*Task, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWaitTimeouts[domain.TaskTypeImage]
	}
	deadline := time.Now().Add(timeout)
	interval := c.pollBase
	lastStatus := domain.TaskStatus("")
	lastProgress := -1
	missing := 0

	for {
		select {
		case <-ctx.Done():
			c.cancelDetached(id)
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			c.cancelDetached(id)
			return nil, fmt.Errorf("%w: task %s still running after %s", domain.ErrTimeout, id, timeout)
		}

		task, err := c.Get(ctx, id, true)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(id)
				return nil, ctx.Err()
			}
			if errors.Is(err, domain.ErrNotFound) {
				missing++
				if missing >= missingPollLimit {
					return nil, fmt.Errorf("%w: %s", ErrTaskGone, id)
				}
			} else {
				c.logger.Warn().Err(err).Str("task_id", id).Msg("client: status poll failed, will retry")
			}
			continue
		}
		missing = 0

		if opts.OnProgress != nil && (task.Status != lastStatus || task.Progress != lastProgress) {
			opts.OnProgress(task)
		}
		lastProgress = task.Progress

		if task.Status.Terminal() {
			switch task.Status {
			case domain.TaskStatusFailed:
				return task, fmt.Errorf("task %s failed: %s", id, task.Error)
			case domain.TaskStatusCancelled:
				return task, fmt.Errorf("%w: task %s", domain.ErrCancelled, id)
			}
			return task, nil
		}

		// Adapt the interval to the phase the task is in.
		if task.Status == domain.TaskStatusPolling && lastStatus == domain.TaskStatusPolling {
			interval += c.pollStep
			if interval > c.pollCeiling {
				interval = c.pollCeiling
			}
		} else if task.Status != lastStatus {
			interval = c.pollBase
		}
		lastStatus = task.Status
	}
}

// cancelDetached fires a cancel decoupled from the caller's (already dead)
// context.
func (c *Client) cancelDetached(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, id); err != nil &&
		!errors.Is(err, domain.ErrTaskTerminal) && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn().Err(err).Str("task_id", id).Msg("client: detached cancel failed")
	}
}

// Recover reattaches to every active task of a project and hands terminal
// envelopes to onDone as they finish. Tasks already being watched by this
// client are skipped, so calling Recover repeatedly is safe. Returns the
// tasks it newly attached to.
func (c *Client) Recover(ctx context.Context, projectID string, onDone func(*Task)) ([]*Task, error) {
	tasks, err := c.List(ctx, projectID, false)
	if err != nil {
		return nil, err
	}

	var attached []*Task
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if !c.claimWatch(t.ID) {
			continue
		}
		attached = append(attached, t)
		go func(t *Task) {
			defer c.releaseWatch(t.ID)
			final, err := c.Wait(ctx, t.ID, t.Type)
			if err != nil {
				c.logger.Warn().Err(err).Str("task_id", t.ID).Msg("client: recovered task wait failed")
			}
			// Failed and cancelled tasks come back with both a final
			// envelope and an error; the envelope still goes to onDone.
			if final != nil && onDone != nil {
				onDone(final)
			}
		}(t)
	}
	return attached, nil
}

func (c *Client) claimWatch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watching[id]; ok {
		return false
	}
	c.watching[id] = struct{}{}
	return true
}

func (c *Client) releaseWatch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watching, id)
}

func decodeAPIError(resp *resty.Response) error {
	var e apiError
	if err := json.Unmarshal(resp.Body(), &e); err == nil && e.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), e.Message)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode())
}
