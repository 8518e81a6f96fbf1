package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/dispatcher"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(job *dispatcher.Job) error
}

// Scheduler queues a reminder job on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	queue  Enqueuer
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler parses the standard five-field spec in loc.
func NewScheduler(spec string, loc *time.Location, queue Enqueuer) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		queue:  queue,
		logger: zap.L().Named("reminder.scheduler"),
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	job := dispatcher.ReminderJob(s.now())
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Error("queue reminder run", zap.Error(err))
		return
	}
	s.logger.Info("reminder run queued", zap.String("job", job.ID))
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	if next := s.Next(); !next.IsZero() {
		s.logger.Info("reminder scheduler started", zap.Time("next_run", next))
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next reports when the reminder fires next.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
