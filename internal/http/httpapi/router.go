package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"storyreel/internal/http/handlers"
	"storyreel/internal/middleware"
)

// Options carries the router's cross-cutting knobs.
type Options struct {
	App            *handlers.App
	AllowedOrigins []string
	// FilesDir, when set, is served under /files/ so result URLs written by
	// the worker resolve.
	FilesDir string
	// SubmitLimit caps task submissions per client IP per minute. Zero
	// disables the limiter.
	SubmitLimit int
}

func NewRouter(opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.App.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	app := opts.App

	r.Get("/v1/healthz", app.Health)

	r.Route("/tasks", func(r chi.Router) {
		if opts.SubmitLimit > 0 {
			r.With(middleware.RateLimit(opts.SubmitLimit, time.Minute)).Post("/", app.TasksCreate)
		} else {
			r.Post("/", app.TasksCreate)
		}
		r.Get("/", app.TasksList)
		r.Get("/export", app.TasksExport)
		r.Get("/{id}", app.TasksGet)
		r.Get("/{id}/result", app.TasksGetResult)
		r.Delete("/{id}", app.TasksCancel)
	})

	if opts.FilesDir != "" {
		fs := stdhttp.StripPrefix("/files/", stdhttp.FileServer(stdhttp.Dir(opts.FilesDir)))
		r.Get("/files/*", fs.ServeHTTP)
	}

	return r
}
