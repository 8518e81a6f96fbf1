// Command chat-sim drives the bot from a terminal without talking to Telegram.
// Each input line is posted to the webhook handler as a message update and
// the bot's replies are printed.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/bot"
	"github.com/cexll/studybuddy/internal/broadcast"
	"github.com/cexll/studybuddy/internal/dialog"
	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/executor"
	"github.com/cexll/studybuddy/internal/reminder"
	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/webhook"
)

const simSecret = "local-secret"

// consoleSender prints outgoing messages instead of sending them.
type consoleSender struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consoleSender) SendMessage(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[bot -> %d]\n%s\n\n", chatID, text)
	return err
}

// inlineDispatcher executes jobs synchronously so replies print in order.
type inlineDispatcher struct {
	exec   *executor.Executor
	logger *zap.Logger
}

func (d *inlineDispatcher) Enqueue(job *dispatcher.Job) error {
	if err := d.exec.Execute(context.Background(), job); err != nil {
		d.logger.Warn("job failed", zap.String("job", job.String()), zap.Error(err))
	}
	return nil
}

type simulator struct {
	handler *webhook.Handler
	queue   *inlineDispatcher
	out     io.Writer

	chatID   int64
	name     string
	updateID int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dbPath string
		chatID int64
		name   string
		admins []int64
	)

	cmd := &cobra.Command{
		Use:   "chat-sim",
		Short: "Talk to the bot from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
			zap.ReplaceGlobals(logger)
			defer logger.Sync()

			sim, closeFn, err := newSimulator(cmd.Context(), dbPath, admins, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeFn()
			sim.chatID = chatID
			sim.name = name

			return sim.repl(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "chat-sim.db", "sqlite database file")
	cmd.Flags().Int64Var(&chatID, "user", 100, "telegram id to chat as")
	cmd.Flags().StringVar(&name, "name", "Student", "first name of the simulated user")
	cmd.Flags().Int64SliceVar(&admins, "admin", []int64{1}, "administrator telegram ids")
	return cmd
}

func newSimulator(ctx context.Context, dbPath string, admins []int64, out io.Writer) (*simulator, func(), error) {
	store, err := storage.Open(ctx, "sqlite3", dbPath)
	if err != nil {
		return nil, nil, err
	}

	sender := &consoleSender{out: out}
	queue := &inlineDispatcher{logger: zap.L().Named("chat-sim")}

	isAdmin := func(id int64) bool {
		for _, a := range admins {
			if a == id {
				return true
			}
		}
		return false
	}

	broadcasts := broadcast.NewService(store, sender, queue, broadcast.Config{BatchSize: 50})
	reminders := reminder.NewService(store, sender, time.Local)
	botHandler := bot.NewHandler(store, sender, dialog.NewStore(time.Hour)).
		WithBroadcaster(broadcasts).
		WithAdmins(isAdmin).
		WithLocation(time.Local)
	queue.exec = executor.New(botHandler, broadcasts, reminders)

	sim := &simulator{
		handler: webhook.NewHandler(simSecret, queue),
		queue:   queue,
		out:     out,
	}
	return sim, func() { store.Close() }, nil
}

func (s *simulator) repl(in io.Reader) error {
	fmt.Fprintf(s.out, "Chatting as %d. Commands: !as <id> [name], !remind, !quit\n\n", s.chatID)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "!quit":
			return nil
		case line == "!remind":
			job := dispatcher.ReminderJob(time.Now())
			if err := s.queue.Enqueue(job); err != nil {
				return err
			}
		case strings.HasPrefix(line, "!as "):
			fields := strings.Fields(strings.TrimPrefix(line, "!as "))
			id, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				fmt.Fprintf(s.out, "invalid id %q\n", fields[0])
				continue
			}
			s.chatID = id
			if len(fields) > 1 {
				s.name = strings.Join(fields[1:], " ")
			}
			fmt.Fprintf(s.out, "Now chatting as %d (%s)\n\n", s.chatID, s.name)
		default:
			if err := s.send(line); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// send posts the text through the webhook endpoint like Telegram would.
func (s *simulator) send(text string) error {
	s.updateID++
	update := tgbotapi.Update{
		UpdateID: s.updateID,
		Message: &tgbotapi.Message{
			MessageID: s.updateID,
			From:      &tgbotapi.User{ID: s.chatID, FirstName: s.name},
			Chat:      &tgbotapi.Chat{ID: s.chatID, Type: "private"},
			Date:      int(time.Now().Unix()),
			Text:      text,
		},
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set(webhook.SecretTokenHeader, simSecret)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.handler.Handle(rec, req)
	if rec.Code != http.StatusOK {
		fmt.Fprintf(s.out, "webhook returned %d: %s\n", rec.Code, strings.TrimSpace(rec.Body.String()))
	}
	return nil
}
