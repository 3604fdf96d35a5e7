package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"storyreel/internal/domain"
	"storyreel/internal/infra"
)

// TaskStore is the slice of the repository the HTTP surface needs.
type TaskStore interface {
	Create(ctx context.Context, t *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByProject(ctx context.Context, projectID string, all bool) ([]*domain.Task, error)
	Cancel(ctx context.Context, id string) error
}

// ModelCatalog answers whether a model id is known and what it produces.
type ModelCatalog interface {
	Lookup(modelID string) (domain.TaskType, bool)
}

type App struct {
	Tasks  TaskStore
	Models ModelCatalog
	Logger infra.Logger
}

func NewApp(tasks TaskStore, models ModelCatalog, logger infra.Logger) *App {
	return &App{Tasks: tasks, Models: models, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

// taskDTO is the wire representation of a task record. Result is attached only
// when the caller asked for it.
type taskDTO struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	Type           domain.TaskType    `json:"type"`
	ModelID        string             `json:"model_id"`
	Status         domain.TaskStatus  `json:"status"`
	Progress       int                `json:"progress"`
	Provider       string             `json:"provider,omitempty"`
	ProviderTaskID string             `json:"provider_task_id,omitempty"`
	Error          string             `json:"error,omitempty"`
	Result         *domain.TaskResult `json:"result,omitempty"`
	Target         *domain.Target     `json:"target,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

func taskToDTO(t *domain.Task, includeResult bool) taskDTO {
	dto := taskDTO{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Type:           t.Type,
		ModelID:        t.ModelID,
		Status:         t.Status,
		Progress:       t.Progress,
		Provider:       t.Provider,
		ProviderTaskID: t.ProviderTaskID,
		Error:          t.Error,
		Target:         t.Target,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
	if includeResult {
		dto.Result = resultForTransmission(t.Result)
	}
	return dto
}

// resultForTransmission prefers the URL form and drops inline bytes when a URL
// is available, keeping status payloads small.
func resultForTransmission(r *domain.TaskResult) *domain.TaskResult {
	if r == nil {
		return nil
	}
	if r.URL != "" && r.Data != "" {
		cp := *r
		cp.Data = ""
		return &cp
	}
	return r
}
