// Package reminder sends each user a digest of the open tasks due the next day.
package reminder

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/telegram"
)

// Report summarises one reminder run.
type Report struct {
	Day    storage.Date `json:"day"`
	Users  int          `json:"users"`
	Tasks  int          `json:"tasks"`
	Failed int          `json:"failed"`
}

// Service builds and sends the due-tomorrow digests.
type Service struct {
	store  *storage.Store
	sender telegram.Sender
	loc    *time.Location
	logger *zap.Logger
}

// NewService creates a reminder service; "tomorrow" is evaluated in loc.
func NewService(store *storage.Store, sender telegram.Sender, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  store,
		sender: sender,
		loc:    loc,
		logger: zap.L().Named("reminder"),
	}
}

// Tomorrow returns the calendar day after now in the service location.
func (s *Service) Tomorrow(now time.Time) storage.Date {
	return storage.NewDate(now.In(s.loc)).AddDays(1)
}

// Run sends one digest per user with open tasks due the day after now.
// A failed send is logged and counted; the remaining users are still notified.
func (s *Service) Run(ctx context.Context, now time.Time) (Report, error) {
	day := s.Tomorrow(now)
	report := Report{Day: day}

	due, err := s.store.ListOpenTasksDueOn(ctx, day)
	if err != nil {
		return report, err
	}

	for _, group := range groupByRecipient(due) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Users++
		report.Tasks += len(group.tasks)
		if err := s.sender.SendMessage(ctx, group.chatID, FormatDigest(group.tasks)); err != nil {
			report.Failed++
			s.logger.Warn("reminder not delivered", zap.Int64("chat", group.chatID), zap.Error(err))
		}
	}

	s.logger.Info("reminder run finished",
		zap.String("day", day.String()), zap.Int("users", report.Users),
		zap.Int("tasks", report.Tasks), zap.Int("failed", report.Failed))
	return report, nil
}

type recipientTasks struct {
	chatID int64
	tasks  []storage.DueTask
}

// groupByRecipient relies on the store ordering rows by owner.
func groupByRecipient(due []storage.DueTask) []recipientTasks {
	var out []recipientTasks
	for _, t := range due {
		if n := len(out); n > 0 && out[n-1].chatID == t.TelegramID {
			out[n-1].tasks = append(out[n-1].tasks, t)
			continue
		}
		out = append(out, recipientTasks{chatID: t.TelegramID, tasks: []storage.DueTask{t}})
	}
	return out
}

// FormatDigest renders the reminder message for one user.
func FormatDigest(tasks []storage.DueTask) string {
	var sb strings.Builder
	sb.WriteString("⏰ <b>Your tasks for tomorrow:</b>\n")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "\n• %s", html.EscapeString(t.Description))
	}
	return sb.String()
}
