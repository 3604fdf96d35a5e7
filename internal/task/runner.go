// Package task owns the task record lifecycle: claiming pending records,
// dispatching to the protocol-family adapter, and persisting every transition.
package task

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
	"storyreel/internal/retry"
	"storyreel/internal/storage"
)

const (
	defaultClaimInterval = 2 * time.Second
	defaultConcurrency   = 8

	// Results larger than this stay on disk only; the envelope keeps the URL.
	inlineResultLimit = 1 << 20

	progressSubmitted = 10
	progressPollFloor = 10
	progressPollSpan  = 80
)

// RunnerOptions configures the runner.
type RunnerOptions struct {
	Store          Store
	Registry       *Registry
	Logger         zerolog.Logger
	Concurrency    int64
	ClaimInterval  time.Duration
	FileStore      *storage.FileStore
	StorageBaseURL string
}

// Runner executes claimed tasks. Each poll-style task occupies its own
// goroutine for its lifetime; the semaphore bounds how many run at once.
type Runner struct {
	store          Store
	registry       *Registry
	logger         zerolog.Logger
	sem            *semaphore.Weighted
	claimInterval  time.Duration
	files          *storage.FileStore
	storageBaseURL string
}

// NewRunner constructs a Runner with sane defaults.
func NewRunner(opts RunnerOptions) *Runner {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	interval := opts.ClaimInterval
	if interval <= 0 {
		interval = defaultClaimInterval
	}
	return &Runner{
		store:          opts.Store,
		registry:       opts.Registry,
		logger:         opts.Logger,
		sem:            semaphore.NewWeighted(concurrency),
		claimInterval:  interval,
		files:          opts.FileStore,
		storageBaseURL: strings.TrimRight(opts.StorageBaseURL, "/"),
	}
}

// Run claims and executes tasks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Msg("runner: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t, err := r.store.ClaimPending(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoTaskAvailable) && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("runner: failed to claim task")
			}
			select {
			case <-time.After(r.claimInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(t *domain.Task) {
			defer r.sem.Release(1)
			r.Execute(ctx, t)
		}(t)
	}
}

// Execute drives one claimed task to a terminal state.
func (r *Runner) Execute(ctx context.Context, t *domain.Task) {
	log := r.logger.With().Str("task_id", t.ID).Str("model", t.ModelID).Str("type", string(t.Type)).Logger()
	log.Info().Msg("runner: picked task")

	spec, adapter, err := r.registry.Resolve(t.ModelID)
	if err != nil {
		r.fail(ctx, t.ID, err.Error(), log)
		return
	}

	sub, err := adapter.Submit(ctx, t)
	if err != nil {
		r.fail(ctx, t.ID, err.Error(), log)
		return
	}

	if sub.Result != nil {
		// Single-shot protocol: the submission already carried the asset.
		r.complete(ctx, t.ID, sub.Result, log)
		return
	}
	if sub.Job == nil {
		r.fail(ctx, t.ID, "adapter returned neither job nor result", log)
		return
	}

	log = log.With().Str("provider", adapter.Name()).Str("provider_task_id", sub.Job.ID).Logger()
	if err := r.store.MarkRunning(ctx, t.ID, adapter.Name(), sub.Job.ID, progressSubmitted); err != nil {
		r.abandon(ctx, adapter, *sub.Job, err, log)
		return
	}

	r.pollUntilTerminal(ctx, t.ID, spec, adapter, *sub.Job, log)
}

// pollUntilTerminal waits on the external job with a fixed interval and a hard
// ceiling. Interval adaptivity lives in the client poller, not here.
func (r *Runner) pollUntilTerminal(ctx context.Context, id string, spec ModelSpec, adapter providers.Adapter, ref providers.JobRef, log zerolog.Logger) {
	deadline := time.Now().Add(spec.PollCeiling)
	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			msg := fmt.Sprintf("%s: provider job %s not finished after %s", domain.ErrTimeout.Error(), ref.ID, spec.PollCeiling)
			r.fail(ctx, id, msg, log)
			r.cancelProvider(ctx, adapter, ref, log)
			return
		}

		st, err := adapter.Poll(ctx, ref)
		if err != nil {
			if retry.NonRetryable(err) {
				r.fail(ctx, id, err.Error(), log)
				return
			}
			// Transient even after the adapter's retry budget; the ceiling
			// bounds how long we keep trying.
			log.Warn().Err(err).Msg("runner: status check failed, will retry")
			continue
		}

		switch {
		case st.Done && st.Failed:
			r.fail(ctx, id, st.Message, log)
			return
		case st.Done:
			result, err := adapter.Materialize(ctx, st)
			if err != nil {
				r.fail(ctx, id, err.Error(), log)
				return
			}
			r.complete(ctx, id, result, log)
			return
		default:
			if err := r.store.SetProgress(ctx, id, domain.TaskStatusPolling, pollProgress(st.Progress)); err != nil {
				if errors.Is(err, domain.ErrTaskTerminal) {
					r.abandon(ctx, adapter, ref, err, log)
					return
				}
				log.Warn().Err(err).Msg("runner: progress update failed")
			}
		}
	}
}

func (r *Runner) complete(ctx context.Context, id string, result *domain.TaskResult, log zerolog.Logger) {
	result = r.persistResult(ctx, id, result, log)
	if err := r.store.Complete(ctx, id, result); err != nil {
		if errors.Is(err, domain.ErrTaskTerminal) {
			// Lost the race against a cancel; the completion is discarded.
			log.Info().Msg("runner: task already terminal, discarding completion")
			return
		}
		log.Error().Err(err).Msg("runner: failed to persist completion")
		return
	}
	log.Info().Msg("runner: task completed")
}

func (r *Runner) fail(ctx context.Context, id, message string, log zerolog.Logger) {
	if err := r.store.Fail(ctx, id, message); err != nil {
		if errors.Is(err, domain.ErrTaskTerminal) {
			log.Info().Msg("runner: task already terminal, discarding failure")
			return
		}
		log.Error().Err(err).Msg("runner: failed to persist failure")
		return
	}
	log.Warn().Str("error", message).Msg("runner: task failed")
}

// abandon handles a write rejected by a terminal record: the task was
// cancelled out from under the runner, so the provider job is cancelled best
// effort and execution stops.
func (r *Runner) abandon(ctx context.Context, adapter providers.Adapter, ref providers.JobRef, cause error, log zerolog.Logger) {
	if !errors.Is(cause, domain.ErrTaskTerminal) {
		log.Error().Err(cause).Msg("runner: lost task record, abandoning")
		return
	}
	log.Info().Msg("runner: task cancelled, abandoning provider job")
	r.cancelProvider(ctx, adapter, ref, log)
}

func (r *Runner) cancelProvider(ctx context.Context, adapter providers.Adapter, ref providers.JobRef, log zerolog.Logger) {
	if err := adapter.Cancel(ctx, ref); err != nil && !errors.Is(err, providers.ErrCancelUnsupported) {
		log.Warn().Err(err).Msg("runner: provider cancel failed")
	}
}

// persistResult writes materialized bytes to the file store so the envelope
// can prefer a served URL, keeping bytes inline only while they are small.
func (r *Runner) persistResult(ctx context.Context, id string, result *domain.TaskResult, log zerolog.Logger) *domain.TaskResult {
	if r.files == nil || result == nil || result.Data == "" {
		return result
	}
	raw, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		log.Warn().Err(err).Msg("runner: result bytes not decodable, keeping envelope as-is")
		return result
	}
	key := resultStorageKey(id, result.MimeType)
	savedKey, err := r.files.Write(ctx, key, raw)
	if err != nil {
		log.Warn().Err(err).Msg("runner: persist result to storage failed")
		return result
	}
	out := *result
	if r.storageBaseURL != "" && out.URL == "" {
		out.URL = r.storageBaseURL + "/" + savedKey
	}
	if len(raw) > inlineResultLimit {
		out.Data = ""
	}
	return &out
}

func resultStorageKey(id, mime string) string {
	category := "images"
	if strings.HasPrefix(mime, "video/") {
		category = "videos"
	}
	return fmt.Sprintf("generated/%s/%s/result%s", category, id, extensionForMIME(mime))
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}

// pollProgress maps a provider-reported percentage into the band reserved for
// the external wait, keeping the record's progress monotonic.
func pollProgress(reported int) int {
	if reported <= 0 {
		return progressPollFloor
	}
	if reported > 100 {
		reported = 100
	}
	return progressPollFloor + reported*progressPollSpan/100
}
