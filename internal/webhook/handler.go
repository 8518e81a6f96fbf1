package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/dispatcher"
)

const maxPayloadBytes = 1 << 20

// JobQueue enqueues jobs for asynchronous execution
type JobQueue interface {
	Enqueue(job *dispatcher.Job) error
}

// Handler accepts chat updates from the webhook endpoint and the polling loop
type Handler struct {
	secret  string
	queue   JobQueue
	deduper *updateDeduper
	logger  *zap.Logger
}

// NewHandler creates a new intake handler. An empty secret disables header
// verification, which is only acceptable in polling mode.
func NewHandler(secret string, queue JobQueue) *Handler {
	return &Handler{
		secret:  secret,
		queue:   queue,
		deduper: newUpdateDeduper(12 * time.Hour),
		logger:  zap.L().Named("webhook"),
	}
}

// Handle serves POST /webhook.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Warn("error reading payload", zap.Error(err))
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		token := r.Header.Get(SecretTokenHeader)
		if err := ValidateSecretToken(token); err != nil {
			h.logger.Warn("invalid secret token header", zap.Error(err))
			http.Error(w, "Invalid secret token", http.StatusUnauthorized)
			return
		}
		if !VerifySecretToken(token, h.secret) {
			h.logger.Warn("secret token verification failed")
			http.Error(w, "Invalid secret token", http.StatusUnauthorized)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		h.logger.Warn("error parsing update", zap.Error(err))
		http.Error(w, "Error parsing update", http.StatusBadRequest)
		return
	}

	queued, err := h.Accept(&update)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrQueueFull):
			http.Error(w, "Job queue is busy, try again later", http.StatusServiceUnavailable)
		case errors.Is(err, dispatcher.ErrQueueClosed):
			http.Error(w, "Job queue unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Failed to enqueue update", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if queued {
		w.Write([]byte("Update queued"))
		return
	}
	w.Write([]byte("Update ignored"))
}

// Accept filters, de-duplicates and queues one update. It reports whether a
// job was queued; ignored updates return false with a nil error.
func (h *Handler) Accept(update *tgbotapi.Update) (bool, error) {
	msg := update.Message
	switch {
	case msg == nil || msg.Chat == nil:
		h.logger.Debug("ignoring update without message", zap.Int("update_id", update.UpdateID))
		return false, nil
	case msg.From != nil && msg.From.IsBot:
		h.logger.Debug("ignoring message from bot", zap.Int("update_id", update.UpdateID))
		return false, nil
	case msg.Text == "":
		h.logger.Debug("ignoring non-text message", zap.Int("update_id", update.UpdateID))
		return false, nil
	}

	if !h.deduper.markIfNew(update.UpdateID) {
		h.logger.Info("ignoring duplicate update", zap.Int("update_id", update.UpdateID))
		return false, nil
	}

	if err := h.queue.Enqueue(dispatcher.UpdateJob(update)); err != nil {
		h.deduper.forget(update.UpdateID)
		h.logger.Warn("failed to enqueue update", zap.Int("update_id", update.UpdateID), zap.Error(err))
		return false, err
	}
	return true, nil
}

// Poll feeds updates from a long-polling channel through Accept until ctx is
// cancelled or the channel closes. A full queue is retried since the polling
// offset has already moved past the update.
func (h *Handler) Poll(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			h.acceptWithRetry(ctx, &update)
		}
	}
}

func (h *Handler) acceptWithRetry(ctx context.Context, update *tgbotapi.Update) {
	delay := 100 * time.Millisecond
	for {
		_, err := h.Accept(update)
		if !errors.Is(err, dispatcher.ErrQueueFull) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, 5*time.Second)
	}
}
