// Package broadcast delivers administrator messages to registered users and
// tracks the outcome for every recipient.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/telegram"
)

var (
	// ErrEmptyText is returned when the broadcast text is blank.
	ErrEmptyText = errors.New("broadcast text is empty")
	// ErrNoRecipients is returned when no registered user matches the request.
	ErrNoRecipients = errors.New("no registered recipients")
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(job *dispatcher.Job) error
}

// Config tunes delivery pacing.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

// Service creates and delivers broadcasts.
type Service struct {
	store  *storage.Store
	sender telegram.Sender
	queue  Enqueuer
	cfg    Config
	logger *zap.Logger

	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// Result describes a newly created broadcast.
type Result struct {
	Broadcast *storage.Broadcast `json:"broadcast"`
	// Unknown lists requested telegram ids that are not registered users.
	Unknown []int64 `json:"unknown,omitempty"`
}

// NewService wires a broadcast service.
func NewService(store *storage.Store, sender telegram.Sender, queue Enqueuer, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	return &Service{
		store:  store,
		sender: sender,
		queue:  queue,
		cfg:    cfg,
		logger: zap.L().Named("broadcast"),
		newID:  uuid.NewString,
		sleep:  sleepContext,
	}
}

// Create stores a broadcast for all users, or for the registered subset of
// recipients when the list is non-empty, and queues its delivery.
func (s *Service) Create(ctx context.Context, adminID int64, text string, recipients []int64) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	targets, unknown, err := s.resolveRecipients(ctx, recipients)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &Result{Unknown: unknown}, ErrNoRecipients
	}

	b, err := s.store.CreateBroadcast(ctx, s.newID(), adminID, text, targets)
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(dispatcher.BroadcastJob(b.ID)); err != nil {
		if statusErr := s.store.SetBroadcastStatus(ctx, b.ID, storage.BroadcastFailed); statusErr != nil {
			s.logger.Error("mark broadcast failed", zap.String("broadcast", b.ID), zap.Error(statusErr))
		}
		return nil, fmt.Errorf("queue broadcast %s: %w", b.ID, err)
	}

	s.logger.Info("broadcast queued",
		zap.String("broadcast", b.ID), zap.Int64("admin", adminID),
		zap.Int("recipients", len(targets)), zap.Int("unknown", len(unknown)))
	return &Result{Broadcast: b, Unknown: unknown}, nil
}

func (s *Service) resolveRecipients(ctx context.Context, requested []int64) ([]int64, []int64, error) {
	var users []storage.User
	var err error
	if len(requested) == 0 {
		users, err = s.store.ListAllUsers(ctx)
	} else {
		users, err = s.store.ListUsersByTelegramIDs(ctx, dedupe(requested))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve recipients: %w", err)
	}

	known := make(map[int64]bool, len(users))
	targets := make([]int64, 0, len(users))
	for _, u := range users {
		known[u.TelegramID] = true
		targets = append(targets, u.TelegramID)
	}

	var unknown []int64
	for _, id := range dedupe(requested) {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	return targets, unknown, nil
}

// Run delivers every pending recipient of the broadcast in batches, then
// finalises the counters and reports to the sending admin. Recipients already
// attempted are skipped, so a retried run resumes where the last one stopped.
func (s *Service) Run(ctx context.Context, id string) error {
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return dispatcher.NonRetryable(err)
	}
	if b.Status == storage.BroadcastCompleted || b.Status == storage.BroadcastFailed {
		s.logger.Info("broadcast already finished", zap.String("broadcast", id), zap.String("status", string(b.Status)))
		return nil
	}

	if err := s.store.SetBroadcastStatus(ctx, id, storage.BroadcastRunning); err != nil {
		return err
	}

	pending, err := s.store.ListDeliveries(ctx, id, storage.DeliveryPending)
	if err != nil {
		return err
	}

	text := html.EscapeString(b.Text)
	log := s.logger.With(zap.String("broadcast", id))
	log.Info("delivering broadcast", zap.Int("pending", len(pending)), zap.Int("batch_size", s.cfg.BatchSize))

	for start := 0; start < len(pending); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(pending))
		if err := s.sendBatch(ctx, id, text, pending[start:end]); err != nil {
			return err
		}
		if end < len(pending) {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				return err
			}
		}
	}

	final, err := s.store.FinishBroadcast(ctx, id, storage.BroadcastCompleted)
	if err != nil {
		return err
	}
	log.Info("broadcast finished", zap.Int("sent", final.Sent), zap.Int("failed", final.Failed), zap.Int("total", final.Total))

	if err := s.sender.SendMessage(ctx, final.AdminID, FormatReport(final)); err != nil {
		log.Warn("report to admin failed", zap.Int64("admin", final.AdminID), zap.Error(err))
	}
	return nil
}

// Abandon marks a broadcast failed once its job has run out of attempts and
// reports the partial outcome to the sending admin. Recipients still pending
// are left untouched and counted as not attempted.
func (s *Service) Abandon(ctx context.Context, id string, cause error) error {
	final, err := s.store.FinishBroadcast(ctx, id, storage.BroadcastFailed)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("broadcast", id))
	log.Error("broadcast abandoned", zap.Int("sent", final.Sent), zap.Int("failed", final.Failed),
		zap.Int("total", final.Total), zap.Error(cause))

	if err := s.sender.SendMessage(ctx, final.AdminID, FormatReport(final)); err != nil {
		log.Warn("report to admin failed", zap.Int64("admin", final.AdminID), zap.Error(err))
	}
	return nil
}

func (s *Service) sendBatch(ctx context.Context, id, text string, batch []storage.Delivery) error {
	var g errgroup.Group
	for _, d := range batch {
		recipient := d.TelegramID
		g.Go(func() error {
			status, errText := storage.DeliverySent, ""
			if err := s.sender.SendMessage(ctx, recipient, text); err != nil {
				if ctx.Err() != nil {
					// leave the delivery pending for the next run
					return ctx.Err()
				}
				status, errText = storage.DeliveryFailed, err.Error()
				if telegram.IsUndeliverable(err) {
					status = storage.DeliveryUndeliverable
				}
				s.logger.Warn("delivery failed",
					zap.String("broadcast", id), zap.Int64("recipient", recipient),
					zap.String("status", string(status)), zap.Error(err))
			}
			return s.store.RecordDelivery(ctx, id, recipient, status, errText)
		})
	}
	return g.Wait()
}

// ResumeUnfinished re-queues broadcasts interrupted by a restart.
func (s *Service) ResumeUnfinished(ctx context.Context) (int, error) {
	unfinished, err := s.store.ListUnfinishedBroadcasts(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, b := range unfinished {
		if err := s.queue.Enqueue(dispatcher.BroadcastJob(b.ID)); err != nil {
			return queued, fmt.Errorf("requeue broadcast %s: %w", b.ID, err)
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info("resumed unfinished broadcasts", zap.Int("count", queued))
	}
	return queued, nil
}

// FormatReport renders the delivery summary sent to the admin.
func FormatReport(b *storage.Broadcast) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📣 Broadcast sent to %d of %d users.", b.Sent, b.Total)
	if b.Failed > 0 {
		fmt.Fprintf(&sb, "\nNot delivered: %d.", b.Failed)
	}
	if b.Status == storage.BroadcastFailed {
		fmt.Fprintf(&sb, "\n⚠️ Delivery stopped after repeated errors; %d not attempted.", b.Total-b.Sent-b.Failed)
	}
	return sb.String()
}

func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
