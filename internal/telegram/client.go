package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// MaxMessageLength is the Bot API limit for a single text message.
const MaxMessageLength = 4096

// Sender delivers HTML formatted text messages to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Client is the production Sender backed by the Bot API.
type Client struct {
	api          *tgbotapi.BotAPI
	logger       *zap.Logger
	maxRetries   int
	initialDelay time.Duration
}

// NewClient authenticates against the Bot API with the token.
func NewClient(token string) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to bot api: %w", err)
	}
	return &Client{
		api:          api,
		logger:       zap.L().Named("telegram"),
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
	}, nil
}

// Username returns the bot's own username.
func (c *Client) Username() string {
	return c.api.Self.UserName
}

// SendMessage sends text as HTML, splitting it when it exceeds the message limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text, MaxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		err := retryWithBackoff(ctx, c.logger, c.maxRetries, c.initialDelay, func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := c.api.Send(msg)
			return err
		})
		if err != nil {
			return fmt.Errorf("send message to %d: %w", chatID, err)
		}
	}
	return nil
}

// SetWebhook registers url as the update destination. Telegram echoes secret
// in the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := c.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	c.logger.Info("webhook registered", zap.String("url", url))
	return nil
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook() error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Updates long-polls the Bot API until ctx is cancelled.
func (c *Client) Updates(ctx context.Context) <-chan tgbotapi.Update {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"message"}
	in := c.api.GetUpdatesChan(cfg)

	out := make(chan tgbotapi.Update)
	go func() {
		defer close(out)
		defer c.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SplitMessage breaks text into chunks no longer than limit runes, preferring line boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			cut := markupSafeCut(runes, limit)
			parts = append(parts, string(runes[:cut]))
			runes = runes[cut:]
		}
		if currentLen+len(runes) > limit {
			flush()
		}
		current.WriteString(string(runes))
		currentLen += len(runes)
	}
	flush()
	return parts
}

// maxMarkupScan bounds how far back markupSafeCut looks for an open entity or tag.
const maxMarkupScan = 256

// markupSafeCut returns a cut position no greater than limit that does not
// fall inside an HTML entity ("&amp;") or tag ("<b>").
func markupSafeCut(runes []rune, limit int) int {
	for i := limit - 1; i >= 0 && limit-i <= maxMarkupScan; i-- {
		switch runes[i] {
		case ';', '>':
			return limit
		case '&', '<':
			if i == 0 {
				return limit
			}
			return i
		}
	}
	return limit
}
