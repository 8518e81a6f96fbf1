package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/reminder"
	"github.com/cexll/studybuddy/internal/storage"
)

type stubUpdates struct {
	got      *tgbotapi.Update
	deadline bool
	err      error
}

func (s *stubUpdates) HandleUpdate(ctx context.Context, update *tgbotapi.Update) error {
	s.got = update
	_, s.deadline = ctx.Deadline()
	return s.err
}

type stubBroadcasts struct {
	id  string
	err error

	abandoned string
	cause     error
}

func (s *stubBroadcasts) Abandon(ctx context.Context, id string, cause error) error {
	s.abandoned = id
	s.cause = cause
	return nil
}

func (s *stubBroadcasts) Run(ctx context.Context, id string) error {
	s.id = id
	return s.err
}

type stubReminders struct {
	at  time.Time
	err error
}

func (s *stubReminders) Run(ctx context.Context, now time.Time) (reminder.Report, error) {
	s.at = now
	return reminder.Report{Day: storage.NewDate(now).AddDays(1), Users: 1}, s.err
}

func TestExecute_Update(t *testing.T) {
	updates := &stubUpdates{}
	e := New(updates, nil, nil)

	update := &tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}}
	if err := e.Execute(context.Background(), dispatcher.UpdateJob(update)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if updates.got != update {
		t.Fatal("update not forwarded")
	}
	if !updates.deadline {
		t.Fatal("update handling should run with a deadline")
	}

	updates.err = errors.New("db down")
	err := e.Execute(context.Background(), dispatcher.UpdateJob(update))
	if !dispatcher.IsNonRetryable(err) {
		t.Fatalf("update failures must be non-retryable, got %v", err)
	}
	if !errors.Is(err, updates.err) {
		t.Fatalf("error should wrap the cause: %v", err)
	}
}

func TestExecute_Broadcast(t *testing.T) {
	runner := &stubBroadcasts{}
	e := New(nil, runner, nil)

	if err := e.Execute(context.Background(), dispatcher.BroadcastJob("b-9")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if runner.id != "b-9" {
		t.Fatalf("broadcast id = %q", runner.id)
	}

	runner.err = errors.New("temporary")
	err := e.Execute(context.Background(), dispatcher.BroadcastJob("b-9"))
	if err == nil || dispatcher.IsNonRetryable(err) {
		t.Fatalf("broadcast failures should be retryable, got %v", err)
	}
}

func TestExecute_Reminder(t *testing.T) {
	runner := &stubReminders{}
	e := New(nil, nil, runner)

	at := time.Date(2024, 5, 10, 19, 0, 0, 0, time.UTC)
	if err := e.Execute(context.Background(), dispatcher.ReminderJob(at)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !runner.at.Equal(at) {
		t.Fatalf("reminder ran for %s, want %s", runner.at, at)
	}

	if err := e.Execute(context.Background(), &dispatcher.Job{ID: "r", Kind: dispatcher.KindReminder}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if runner.at.IsZero() {
		t.Fatal("zero reference time should default to now")
	}
}

func TestExecute_MissingHandlersAndUnknownKinds(t *testing.T) {
	e := New(nil, nil, nil)
	jobs := []*dispatcher.Job{
		dispatcher.UpdateJob(&tgbotapi.Update{}),
		dispatcher.BroadcastJob("x"),
		dispatcher.ReminderJob(time.Now()),
		{ID: "odd", Kind: "mystery"},
	}
	for _, job := range jobs {
		if err := e.Execute(context.Background(), job); !dispatcher.IsNonRetryable(err) {
			t.Errorf("Execute(%s) = %v, want non-retryable error", job, err)
		}
	}
}

func TestGiveUp_AbandonsBroadcasts(t *testing.T) {
	runner := &stubBroadcasts{}
	e := New(nil, runner, nil)

	cause := errors.New("database is locked")
	e.GiveUp(context.Background(), dispatcher.BroadcastJob("b-9"), cause)
	if runner.abandoned != "b-9" {
		t.Fatalf("abandoned broadcast = %q, want b-9", runner.abandoned)
	}
	if !errors.Is(runner.cause, cause) {
		t.Fatalf("abandon cause = %v", runner.cause)
	}

	runner.abandoned = ""
	e.GiveUp(context.Background(), dispatcher.ReminderJob(time.Now()), cause)
	if runner.abandoned != "" {
		t.Fatal("only broadcast jobs are abandoned")
	}

	// no broadcast runner configured
	New(nil, nil, nil).GiveUp(context.Background(), dispatcher.BroadcastJob("b-9"), cause)
}

var _ dispatcher.GiveUpHandler = (*Executor)(nil)
