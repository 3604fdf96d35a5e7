package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskType enumerates supported generation task categories.
type TaskType string

const (
	TaskTypeChat  TaskType = "chat"
	TaskTypeImage TaskType = "image"
	TaskTypeVideo TaskType = "video"
)

// Valid reports whether the type is one of the known categories.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeChat, TaskTypeImage, TaskTypeVideo:
		return true
	}
	return false
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPolling   TaskStatus = "polling"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task is still owned by a runner.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPolling:
		return true
	}
	return false
}

// CanTransition enforces the one-directional lifecycle: pending -> running <->
// polling -> terminal. Terminal states are sticky.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusFailed || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to == TaskStatusPolling || to.Terminal() || to == TaskStatusRunning
	case TaskStatusPolling:
		return to == TaskStatusRunning || to == TaskStatusPolling || to.Terminal()
	}
	return false
}

// ActiveStatuses lists the non-terminal states, in lifecycle order. Used by the
// repository to guard writes and by the list endpoint.
func ActiveStatuses() []string {
	return []string{string(TaskStatusPending), string(TaskStatusRunning), string(TaskStatusPolling)}
}

// Target points at the external entity that should receive the result once the
// task completes. The core never dereferences it; it is metadata for the caller.
type Target struct {
	Type     string `json:"type"`
	ShotID   string `json:"shot_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// TaskResult is the normalized result envelope. URL is preferred for
// transmission; Data carries base64 bytes as the durable fallback. Text is set
// for chat tasks only.
type TaskResult struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Empty reports whether the envelope carries nothing usable.
func (r *TaskResult) Empty() bool {
	return r == nil || (r.URL == "" && r.Data == "" && r.Text == "")
}

// Task is the durable unit of work for one generation request.
type Task struct {
	ID        string
	ProjectID string
	UserID    string
	Type      TaskType
	ModelID   string

	// Request payload, stored verbatim so the runner can re-dispatch.
	Prompt          string
	ReferenceImages []string
	StartImage      string
	EndImage        string
	AspectRatio     string
	Duration        int
	Params          map[string]any

	Status         TaskStatus
	Progress       int
	Provider       string
	ProviderTaskID string
	Error          string
	Result         *TaskResult

	Target *Target

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// taskPayload is the JSON shape of the provider-agnostic request fields.
type taskPayload struct {
	Prompt          string         `json:"prompt"`
	ReferenceImages []string       `json:"reference_images,omitempty"`
	StartImage      string         `json:"start_image,omitempty"`
	EndImage        string         `json:"end_image,omitempty"`
	AspectRatio     string         `json:"aspect_ratio,omitempty"`
	Duration        int            `json:"duration,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// MarshalPayload serializes the request fields for JSONB storage.
func (t *Task) MarshalPayload() ([]byte, error) {
	return json.Marshal(taskPayload{
		Prompt:          t.Prompt,
		ReferenceImages: t.ReferenceImages,
		StartImage:      t.StartImage,
		EndImage:        t.EndImage,
		AspectRatio:     t.AspectRatio,
		Duration:        t.Duration,
		Params:          t.Params,
	})
}

// UnmarshalPayload restores the request fields from JSONB storage.
func (t *Task) UnmarshalPayload(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var p taskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	t.Prompt = p.Prompt
	t.ReferenceImages = p.ReferenceImages
	t.StartImage = p.StartImage
	t.EndImage = p.EndImage
	t.AspectRatio = p.AspectRatio
	t.Duration = p.Duration
	t.Params = p.Params
	return nil
}

// Validate checks the fields every submission must carry. Failures are local
// validation errors, surfaced before any record is created.
func (t *Task) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, t.Type)
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return fmt.Errorf("%w: project id is required", ErrValidation)
	}
	if strings.TrimSpace(t.ModelID) == "" {
		return fmt.Errorf("%w: model id is required", ErrValidation)
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	return nil
}
