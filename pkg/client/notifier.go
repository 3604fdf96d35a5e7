package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
)

const (
	notifyAttempts = 3
	notifyDelay    = 500 * time.Millisecond
)

// TargetHandler applies a finished task's result to the entity named by its
// target, for example writing a generated frame onto a storyboard shot.
type TargetHandler func(ctx context.Context, target domain.Target, task *Task) error

// TargetNotifier routes terminal tasks to the handler registered for their
// target type. Delivery gets a small retry budget; after that the failure is
// logged and the task is dropped, never re-queued.
type TargetNotifier struct {
	handlers map[string]TargetHandler
	logger   zerolog.Logger
	attempts int
	delay    time.Duration
}

// NewTargetNotifier builds a notifier with the default retry budget.
func NewTargetNotifier(logger zerolog.Logger) *TargetNotifier {
	return &TargetNotifier{
		handlers: make(map[string]TargetHandler),
		logger:   logger,
		attempts: notifyAttempts,
		delay:    notifyDelay,
	}
}

// Handle registers the handler for one target type, replacing any previous
// one.
func (n *TargetNotifier) Handle(targetType string, h TargetHandler) {
	n.handlers[targetType] = h
}

// Notify delivers a terminal task to its target handler. Tasks without a
// target, or with a target type nobody registered for, are skipped.
func (n *TargetNotifier) Notify(ctx context.Context, task *Task) {
	if task == nil || task.Target == nil {
		return
	}
	h, ok := n.handlers[task.Target.Type]
	if !ok {
		n.logger.Debug().
			Str("task_id", task.ID).
			Str("target_type", task.Target.Type).
			Msg("notifier: no handler for target type")
		return
	}

	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = h(ctx, *task.Target, task); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(n.delay * time.Duration(attempt)):
		}
	}
	n.logger.Error().
		Err(err).
		Str("task_id", task.ID).
		Str("target_type", task.Target.Type).
		Str("shot_id", task.Target.ShotID).
		Str("entity_id", task.Target.EntityID).
		Msg("notifier: target update failed, dropping result")
}
