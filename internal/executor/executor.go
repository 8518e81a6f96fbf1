// Package executor routes queued jobs to the component that performs them.
package executor

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/reminder"
)

// UpdateHandler processes one chat update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *tgbotapi.Update) error
}

// BroadcastRunner delivers a stored broadcast and settles one whose job
// has run out of attempts.
type BroadcastRunner interface {
	Run(ctx context.Context, broadcastID string) error
	Abandon(ctx context.Context, broadcastID string, cause error) error
}

// ReminderRunner sends the due-tomorrow digests.
type ReminderRunner interface {
	Run(ctx context.Context, now time.Time) (reminder.Report, error)
}

// DefaultUpdateTimeout bounds the handling of a single chat message.
const DefaultUpdateTimeout = 30 * time.Second

// Executor implements dispatcher.Executor.
type Executor struct {
	updates    UpdateHandler
	broadcasts BroadcastRunner
	reminders  ReminderRunner

	updateTimeout time.Duration
	logger        *zap.Logger
}

// New creates an executor over the three job handlers.
func New(updates UpdateHandler, broadcasts BroadcastRunner, reminders ReminderRunner) *Executor {
	return &Executor{
		updates:       updates,
		broadcasts:    broadcasts,
		reminders:     reminders,
		updateTimeout: DefaultUpdateTimeout,
		logger:        zap.L().Named("executor"),
	}
}

// WithUpdateTimeout overrides the per-message deadline.
func (e *Executor) WithUpdateTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.updateTimeout = d
	}
	return e
}

// Execute runs the job. Chat updates are never retried: a second attempt
// could repeat side effects the user has already been told about.
func (e *Executor) Execute(ctx context.Context, job *dispatcher.Job) error {
	switch job.Kind {
	case dispatcher.KindUpdate:
		if job.Update == nil || e.updates == nil {
			return dispatcher.NonRetryable(fmt.Errorf("job %s: no update handler", job.ID))
		}
		ctx, cancel := context.WithTimeout(ctx, e.updateTimeout)
		defer cancel()
		if err := e.updates.HandleUpdate(ctx, job.Update); err != nil {
			return dispatcher.NonRetryable(fmt.Errorf("handle update %d: %w", job.Update.UpdateID, err))
		}
		return nil

	case dispatcher.KindBroadcast:
		if e.broadcasts == nil {
			return dispatcher.NonRetryable(fmt.Errorf("job %s: broadcasts disabled", job.ID))
		}
		if err := e.broadcasts.Run(ctx, job.BroadcastID); err != nil {
			return fmt.Errorf("broadcast %s: %w", job.BroadcastID, err)
		}
		return nil

	case dispatcher.KindReminder:
		if e.reminders == nil {
			return dispatcher.NonRetryable(fmt.Errorf("job %s: reminders disabled", job.ID))
		}
		at := job.At
		if at.IsZero() {
			at = time.Now()
		}
		report, err := e.reminders.Run(ctx, at)
		if err != nil {
			return fmt.Errorf("reminder for %s: %w", report.Day, err)
		}
		e.logger.Debug("reminder job done", zap.String("job", job.ID), zap.Int("users", report.Users))
		return nil

	default:
		return dispatcher.NonRetryable(fmt.Errorf("job %s: unknown kind %q", job.ID, job.Kind))
	}
}

// GiveUp implements dispatcher.GiveUpHandler. An exhausted broadcast is marked
// failed so it is neither left running nor resumed on restart. Other kinds
// need no cleanup.
func (e *Executor) GiveUp(ctx context.Context, job *dispatcher.Job, cause error) {
	if job.Kind != dispatcher.KindBroadcast || e.broadcasts == nil {
		return
	}
	if err := e.broadcasts.Abandon(ctx, job.BroadcastID, cause); err != nil {
		e.logger.Error("abandon broadcast failed", zap.String("broadcast", job.BroadcastID), zap.Error(err))
	}
}
