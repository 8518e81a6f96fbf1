package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	// Default retry configuration for Bot API calls
	defaultMaxRetries   = 4
	defaultInitialDelay = 500 * time.Millisecond
)

// retryWithBackoff executes fn with exponential backoff for transient failures.
// A 429 response waits for the retry_after interval the Bot API asked for.
func retryWithBackoff(ctx context.Context, logger *zap.Logger, maxRetries int, initialDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if ra := retryAfter(lastErr); ra > 0 {
				wait = ra
			}
			logger.Debug("retrying bot api call",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxRetries+1),
				zap.Duration("delay", wait))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	logger.Warn("bot api call failed after retries", zap.Int("attempts", maxRetries+1), zap.Error(lastErr))
	return lastErr
}

// isRetryableError reports whether an error is transient: rate limiting,
// Telegram side 5xx responses, or network level failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func retryAfter(err error) time.Duration {
	if apiErr, ok := asAPIError(err); ok && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

// recipientGonePatterns are Bad Request descriptions that concern the chat
// itself rather than the message content.
var recipientGonePatterns = []string{
	"chat not found",
	"user not found",
	"user is deactivated",
	"bot was blocked",
	"bot was kicked",
	"peer_id_invalid",
}

// IsUndeliverable reports whether the recipient can never receive messages
// from the bot, e.g. the user blocked it or the chat does not exist. Other
// 400 responses (bad markup, oversized text) are not about the recipient.
func IsUndeliverable(err error) bool {
	apiErr, ok := asAPIError(err)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case 403:
		return true
	case 400:
		msg := strings.ToLower(apiErr.Message)
		for _, pattern := range recipientGonePatterns {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}

func asAPIError(err error) (*tgbotapi.Error, bool) {
	if err == nil {
		return nil, false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr, true
	}
	return nil, false
}
