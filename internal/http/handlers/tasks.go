package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyreel/internal/domain"
	"storyreel/pkg/zip"
)

type taskCreateRequest struct {
	Type            string         `json:"type"`
	ProjectID       string         `json:"project_id"`
	ModelID         string         `json:"model_id"`
	Prompt          string         `json:"prompt"`
	ReferenceImages []string       `json:"reference_images"`
	StartImage      string         `json:"start_image"`
	EndImage        string         `json:"end_image"`
	AspectRatio     string         `json:"aspect_ratio"`
	Duration        int            `json:"duration"`
	Params          map[string]any `json:"params"`
	Target          *domain.Target `json:"target"`
}

// TasksCreate validates a submission and enqueues it. The response is the
// lightweight pending record; execution happens in the worker.
func (a *App) TasksCreate(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	t := &domain.Task{
		ID:              uuid.NewString(),
		ProjectID:       strings.TrimSpace(req.ProjectID),
		UserID:          userIDFromRequest(r),
		Type:            domain.TaskType(req.Type),
		ModelID:         strings.TrimSpace(req.ModelID),
		Prompt:          req.Prompt,
		ReferenceImages: req.ReferenceImages,
		StartImage:      req.StartImage,
		EndImage:        req.EndImage,
		AspectRatio:     req.AspectRatio,
		Duration:        req.Duration,
		Params:          req.Params,
		Status:          domain.TaskStatusPending,
		Target:          req.Target,
	}
	if err := t.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	modelType, ok := a.Models.Lookup(t.ModelID)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported model "+t.ModelID)
		return
	}
	if modelType != t.Type {
		a.error(w, http.StatusBadRequest, "bad_request", "model "+t.ModelID+" does not produce "+string(t.Type))
		return
	}

	if err := a.Tasks.Create(r.Context(), t); err != nil {
		a.Logger.Error().Err(err).Str("project_id", t.ProjectID).Msg("create task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create task")
		return
	}
	a.json(w, http.StatusCreated, taskToDTO(t, false))
}

// TasksGet returns the task status envelope. Pass include_result=true to get
// the result attached once the task completed.
func (a *App) TasksGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.Tasks.GetByID(r.Context(), id)
	if err != nil {
		a.respondLookupError(w, err, id)
		return
	}
	includeResult := r.URL.Query().Get("include_result") == "true"
	a.json(w, http.StatusOK, taskToDTO(t, includeResult))
}

// TasksGetResult returns only the result envelope. Conflict until the task has
// completed.
func (a *App) TasksGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.Tasks.GetByID(r.Context(), id)
	if err != nil {
		a.respondLookupError(w, err, id)
		return
	}
	switch t.Status {
	case domain.TaskStatusCompleted:
		if t.Result.Empty() {
			a.error(w, http.StatusInternalServerError, "internal", "completed task has no result")
			return
		}
		a.json(w, http.StatusOK, resultForTransmission(t.Result))
	case domain.TaskStatusFailed:
		a.error(w, http.StatusConflict, "task_failed", t.Error)
	case domain.TaskStatusCancelled:
		a.error(w, http.StatusConflict, "task_cancelled", "task was cancelled")
	default:
		a.error(w, http.StatusConflict, "not_ready", "task has not completed")
	}
}

// TasksList returns tasks for a project. By default only tasks a reconnecting
// client cares about are listed; all=true returns the full history.
func (a *App) TasksList(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "project_id required")
		return
	}
	all := r.URL.Query().Get("all") == "true"
	tasks, err := a.Tasks.ListByProject(r.Context(), projectID, all)
	if err != nil {
		a.Logger.Error().Err(err).Str("project_id", projectID).Msg("list tasks failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list tasks")
		return
	}
	items := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskToDTO(t, false))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// TasksCancel requests cancellation of an active task. Terminal tasks are a
// conflict, not an error to retry.
func (a *App) TasksCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.Tasks.Cancel(r.Context(), id)
	switch {
	case err == nil:
		a.json(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.TaskStatusCancelled)})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, domain.ErrTaskTerminal):
		a.error(w, http.StatusConflict, "task_terminal", "task already reached a terminal state")
	default:
		a.Logger.Error().Err(err).Str("task_id", id).Msg("cancel task failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel task")
	}
}

// TasksExport bundles every completed result of a project into a zip archive.
// URL-only results are skipped; only results with inline bytes or text are
// included.
func (a *App) TasksExport(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "project_id required")
		return
	}
	tasks, err := a.Tasks.ListByProject(r.Context(), projectID, true)
	if err != nil {
		a.Logger.Error().Err(err).Str("project_id", projectID).Msg("export tasks failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list tasks")
		return
	}

	var assets []zip.Asset
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted || t.Result.Empty() {
			continue
		}
		asset, ok := resultAsset(t)
		if !ok {
			continue
		}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no exportable results for project")
		return
	}

	archive := zip.ArchiveAssets(assets)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+projectID+`-results.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func resultAsset(t *domain.Task) (zip.Asset, bool) {
	switch {
	case t.Result.Text != "":
		return zip.Asset{
			Filename: t.ID + ".txt",
			MIME:     "text/plain",
			Data:     []byte(t.Result.Text),
		}, true
	case t.Result.Data != "":
		raw, err := base64.StdEncoding.DecodeString(t.Result.Data)
		if err != nil {
			return zip.Asset{}, false
		}
		ext := "bin"
		if i := strings.Index(t.Result.MimeType, "/"); i >= 0 {
			ext = t.Result.MimeType[i+1:]
		}
		return zip.Asset{
			Filename: t.ID + "." + ext,
			MIME:     t.Result.MimeType,
			Data:     raw,
		}, true
	}
	return zip.Asset{}, false
}

func (a *App) respondLookupError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	a.Logger.Error().Err(err).Str("task_id", id).Msg("load task failed")
	a.error(w, http.StatusInternalServerError, "internal", "failed to load task")
}

func userIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
