package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error should not retry", err: nil, expected: false},
		{name: "EOF error should retry", err: errors.New(`Post "https://api.telegram.org/bot/sendMessage": EOF`), expected: true},
		{name: "timeout error should retry", err: errors.New("request timeout after 30s"), expected: true},
		{name: "connection reset should retry", err: errors.New("read tcp: connection reset by peer"), expected: true},
		{name: "no such host should retry", err: errors.New("dial tcp: lookup api.telegram.org: no such host"), expected: true},
		{name: "rate limited should retry", err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, expected: true},
		{name: "server error should retry", err: &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, expected: true},
		{name: "blocked should not retry", err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, expected: false},
		{name: "bad request should not retry", err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, expected: false},
		{name: "wrapped api error keeps its code", err: fmt.Errorf("send: %w", &tgbotapi.Error{Code: 429}), expected: true},
		{name: "permission denied should not retry", err: errors.New("permission denied"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsUndeliverable(t *testing.T) {
	if !IsUndeliverable(fmt.Errorf("send: %w", &tgbotapi.Error{Code: 403})) {
		t.Error("403 should be undeliverable")
	}
	for _, msg := range []string{
		"Bad Request: chat not found",
		"Bad Request: user is deactivated",
		"Bad Request: PEER_ID_INVALID",
	} {
		if !IsUndeliverable(&tgbotapi.Error{Code: 400, Message: msg}) {
			t.Errorf("400 %q should be undeliverable", msg)
		}
	}
	for _, msg := range []string{
		"Bad Request: can't parse entities: Can't find end of the entity starting at byte offset 4095",
		"Bad Request: message is too long",
		"",
	} {
		if IsUndeliverable(&tgbotapi.Error{Code: 400, Message: msg}) {
			t.Errorf("400 %q describes the message, not the recipient", msg)
		}
	}
	if IsUndeliverable(&tgbotapi.Error{Code: 500}) {
		t.Error("500 should not be undeliverable")
	}
	if IsUndeliverable(errors.New("Forbidden")) {
		t.Error("plain errors should not be undeliverable")
	}
}

func TestRetryWithBackoff_SucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), zap.NewNop(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryWithBackoff returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), zap.NewNop(), 3, time.Millisecond, func() error {
		attempts++
		return &tgbotapi.Error{Code: 403, Message: "Forbidden"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_GivesUp(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), zap.NewNop(), 2, time.Millisecond, func() error {
		attempts++
		return errors.New("EOF")
	})
	if err == nil || !strings.Contains(err.Error(), "EOF") {
		t.Fatalf("err = %v, want EOF", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryWithBackoff(ctx, zap.NewNop(), 5, time.Hour, func() error {
		attempts++
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryAfter(t *testing.T) {
	err := &tgbotapi.Error{Code: 429, ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}
	if got := retryAfter(err); got != 3*time.Second {
		t.Fatalf("retryAfter = %s, want 3s", got)
	}
	if got := retryAfter(errors.New("x")); got != 0 {
		t.Fatalf("retryAfter = %s, want 0", got)
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := SplitMessage("short", 10); len(parts) != 1 || parts[0] != "short" {
		t.Fatalf("SplitMessage short = %q", parts)
	}

	text := "line one\nline two\nline three\n"
	parts := SplitMessage(text, 10)
	if strings.Join(parts, "") != text {
		t.Fatalf("parts do not reassemble: %q", parts)
	}
	for _, p := range parts {
		if len([]rune(p)) > 10 {
			t.Fatalf("part %q exceeds limit", p)
		}
	}

	long := strings.Repeat("я", 25)
	parts = SplitMessage(long, 10)
	if len(parts) != 3 || strings.Join(parts, "") != long {
		t.Fatalf("SplitMessage long = %q", parts)
	}
}

func TestSplitMessage_KeepsHTMLEntitiesWhole(t *testing.T) {
	line := "1. 🟡 " + html.EscapeString(strings.Repeat("a&", 1500)) + " (due 2024-05-20)"
	text := "📋 <b>Your tasks:</b>\n\n" + line

	parts := SplitMessage(text, MaxMessageLength)
	if len(parts) < 2 {
		t.Fatalf("expected the text to be split, got %d part(s)", len(parts))
	}
	if strings.Join(parts, "") != text {
		t.Fatal("parts do not reassemble")
	}
	for i, p := range parts {
		if n := len([]rune(p)); n > MaxMessageLength {
			t.Fatalf("part %d has %d runes", i, n)
		}
		if strings.Count(p, "&") != strings.Count(p, ";") {
			t.Errorf("part %d splits an entity: ...%q", i, p[max(0, len(p)-12):])
		}
	}
}

func TestMarkupSafeCut(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"plain text", "abcdefgh", 4, 4},
		{"inside entity", "ab&amp;cd", 5, 2},
		{"after entity", "ab&amp;cd", 8, 8},
		{"inside tag", "ab<b>cd", 4, 2},
		{"entity at start", "&amp;amp;", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markupSafeCut([]rune(tt.text), tt.limit); got != tt.want {
				t.Errorf("markupSafeCut(%q, %d) = %d, want %d", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}
