package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/web"
)

type fakeBotClient struct {
	mu            sync.Mutex
	sent          map[int64][]string
	updates       chan tgbotapi.Update
	webhookURL    string
	webhookSecret string
	deleted       bool
}

func newFakeBotClient() *fakeBotClient {
	return &fakeBotClient{
		sent:    make(map[int64][]string),
		updates: make(chan tgbotapi.Update, 1),
	}
}

func (f *fakeBotClient) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

func (f *fakeBotClient) messagesTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chatID]...)
}

func (f *fakeBotClient) Username() string { return "StudyBuddyBot" }

func (f *fakeBotClient) Updates(context.Context) <-chan tgbotapi.Update { return f.updates }

func (f *fakeBotClient) SetWebhook(url, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookURL, f.webhookSecret = url, secret
	return nil
}

func (f *fakeBotClient) DeleteWebhook() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

// setRequiredEnv isolates run from the developer environment and swaps in a fake bot client.
func setRequiredEnv(t *testing.T) *fakeBotClient {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BOT_TOKEN", "123:test")
	t.Setenv("UPDATE_MODE", "polling")
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "bot.db"))
	t.Setenv("ADMINS", "900")
	t.Setenv("ADMIN_API_SECRET", "")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DISPATCHER_WORKERS", "1")
	t.Setenv("DISPATCHER_QUEUE_SIZE", "4")

	client := newFakeBotClient()
	prevDotEnv, prevClient := loadDotEnv, newBotClient
	loadDotEnv = func(...string) error { return nil }
	newBotClient = func(string) (botClient, error) { return client, nil }
	t.Cleanup(func() {
		loadDotEnv = prevDotEnv
		newBotClient = prevClient
	})
	return client
}

func textUpdate(id int, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id,
			From:      &tgbotapi.User{ID: chatID, FirstName: "Ann"},
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			Text:      text,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRun_StartsServerWithValidConfig(t *testing.T) {
	client := setRequiredEnv(t)
	t.Setenv("PORT", "4321")

	var servedAddr string
	var servedHandler http.Handler

	serve := func(ctx context.Context, addr string, handler http.Handler) error {
		servedAddr = addr
		servedHandler = handler

		// polling intake is live while serving
		client.updates <- textUpdate(1, 100, "/start")
		waitFor(t, func() bool { return len(client.messagesTo(100)) > 0 })
		return nil
	}

	if err := run(context.Background(), serve); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	if servedAddr != ":4321" {
		t.Fatalf("serve addr = %q, want :4321", servedAddr)
	}
	if servedHandler == nil {
		t.Fatalf("serve handler is nil")
	}
	if !client.deleted {
		t.Fatalf("polling mode should delete any registered webhook")
	}
	if got := client.messagesTo(100)[0]; !strings.Contains(got, "Hi, Ann!") {
		t.Fatalf("start reply = %q, want greeting", got)
	}

	// Smoke test a couple of routes to ensure router wiring is intact.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	servedHandler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"service":"studybuddy"`) {
		t.Fatalf("root body = %q, want service payload", body)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	servedHandler.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("/webhook should not be routed in polling mode")
	}
}

func TestRun_HealthCheck(t *testing.T) {
	setRequiredEnv(t)

	err := run(context.Background(), func(ctx context.Context, addr string, handler http.Handler) error {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("/health status = %d, want 200", rec.Code)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
}

func TestRun_WebhookMode(t *testing.T) {
	client := setRequiredEnv(t)
	t.Setenv("UPDATE_MODE", "webhook")
	t.Setenv("WEBHOOK_URL", "https://bot.example.com/webhook")
	t.Setenv("WEBHOOK_SECRET", "hook_secret")

	err := run(context.Background(), func(ctx context.Context, addr string, handler http.Handler) error {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
			t.Errorf("unsigned webhook status = %d, want rejection", rec.Code)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if client.webhookURL != "https://bot.example.com/webhook" || client.webhookSecret != "hook_secret" {
		t.Fatalf("webhook registered as %q/%q", client.webhookURL, client.webhookSecret)
	}
	if client.deleted {
		t.Fatalf("webhook mode should not delete the webhook")
	}
}

func TestRun_AdminAPI(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_API_SECRET", "api-secret")

	token, err := web.IssueToken("api-secret", 900, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	err = run(context.Background(), func(ctx context.Context, addr string, handler http.Handler) error {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("/api/users status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
}

func TestRun_ReturnsErrorWhenServeFails(t *testing.T) {
	setRequiredEnv(t)

	expected := errors.New("listen failed")
	err := run(context.Background(), func(context.Context, string, http.Handler) error {
		return expected
	})

	if err == nil {
		t.Fatalf("run() error = nil, want %v", expected)
	}
	if !errors.Is(err, expected) {
		t.Fatalf("run() error = %v, want to wrap %v", err, expected)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOT_TOKEN", "")

	called := false
	err := run(context.Background(), func(context.Context, string, http.Handler) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want configuration error")
	}
	if called {
		t.Fatalf("serve should not be called when configuration fails")
	}
}

func TestRun_BotClientError(t *testing.T) {
	setRequiredEnv(t)
	newBotClient = func(string) (botClient, error) { return nil, errors.New("unauthorized") }

	err := run(context.Background(), func(context.Context, string, http.Handler) error {
		t.Fatalf("serve should not be called without a bot client")
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "failed to initialize telegram client") {
		t.Fatalf("error = %v, want telegram client failure", err)
	}
}

func TestRun_WebHandlerError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_API_SECRET", "api-secret")

	prevWebHandler := newWebHandler
	defer func() { newWebHandler = prevWebHandler }()
	newWebHandler = func(*storage.Store, web.Broadcaster, web.JobQueue, string, func(int64) bool) (*web.Handler, error) {
		return nil, errors.New("inject failure")
	}

	err := run(context.Background(), func(context.Context, string, http.Handler) error {
		t.Fatalf("serve should not be called on web handler failure")
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want web handler failure")
	}
	if !strings.Contains(err.Error(), "failed to initialize web handler") {
		t.Fatalf("error = %v, want web handler failure", err)
	}
}

func TestTokenCommand(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_API_SECRET", "api-secret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--admin", "900", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command: %v", err)
	}

	id, err := web.ParseToken("api-secret", strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if id != 900 {
		t.Fatalf("token subject = %d, want 900", id)
	}

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--admin", "100"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("token for a non-admin should fail")
	}
}

func TestDBCheckCommand(t *testing.T) {
	setRequiredEnv(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"dbcheck"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("dbcheck command: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "database ok (sqlite3), 0 registered users") {
		t.Fatalf("dbcheck output = %q", got)
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatal("newLogger should reject an unknown level")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("newLogger(debug): %v", err)
	}
}
