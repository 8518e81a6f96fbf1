package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor runs a queued job
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// GiveUpHandler is implemented by executors that settle a job after its
// final failed attempt.
type GiveUpHandler interface {
	GiveUp(ctx context.Context, job *Job, err error)
}

// Config controls dispatcher behaviour
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Dispatcher serialises execution per job key and retries failed jobs with backoff
type Dispatcher struct {
	executor Executor
	cfg      Config
	logger   *zap.Logger

	queue chan *queueItem

	keyedLocks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	once sync.Once
}

type queueItem struct {
	job     *Job
	attempt int
}

// New creates a dispatcher with the provided configuration
func New(executor Executor, cfg Config) *Dispatcher {
	normalized := normalizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		executor:   executor,
		cfg:        normalized,
		logger:     zap.L().Named("dispatcher"),
		queue:      make(chan *queueItem, normalized.QueueSize),
		keyedLocks: newKeyedMutex(),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 15 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Enqueue queues a new job for execution
func (d *Dispatcher) Enqueue(job *Job) error {
	if job == nil {
		return errors.New("dispatcher enqueue: job is nil")
	}

	select {
	case <-d.stopCh:
		return ErrQueueClosed
	default:
	}

	job.EnqueuedAt = time.Now()
	select {
	case d.queue <- &queueItem{job: job, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case item, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	job := item.job
	job.Attempt = item.attempt
	log := d.logger.With(zap.String("job", job.ID), zap.String("key", job.Key), zap.Int("attempt", item.attempt))

	d.keyedLocks.Lock(job.Key)
	start := time.Now()
	err := d.executor.Execute(d.ctx, job)
	d.keyedLocks.Unlock(job.Key)

	if err != nil {
		log.Warn("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if IsNonRetryable(err) {
			log.Info("job marked non-retryable; no further attempts")
			return
		}
		d.handleRetry(item, err)
		return
	}

	log.Debug("job succeeded", zap.Duration("elapsed", time.Since(start)))
}

func (d *Dispatcher) handleRetry(item *queueItem, execErr error) {
	if item.attempt >= d.cfg.MaxAttempts {
		d.logger.Error("job exceeded max attempts",
			zap.String("job", item.job.ID), zap.Int("max_attempts", d.cfg.MaxAttempts), zap.Error(execErr))
		d.giveUp(item.job, execErr)
		return
	}

	nextAttempt := item.attempt + 1
	delay := d.backoffDuration(nextAttempt)
	d.logger.Info("scheduling retry", zap.String("job", item.job.ID), zap.Int("attempt", nextAttempt), zap.Duration("delay", delay))

	// called from a worker, so the group counter is non-zero here
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			d.enqueueRetry(&queueItem{
				job:     item.job,
				attempt: nextAttempt,
			})
		case <-d.stopCh:
			return
		}
	}()
}

// giveUp hands an exhausted job to the executor unless the dispatcher is
// shutting down, in which case the job stays resumable.
func (d *Dispatcher) giveUp(job *Job, execErr error) {
	h, ok := d.executor.(GiveUpHandler)
	if !ok || d.ctx.Err() != nil {
		return
	}
	d.keyedLocks.Lock(job.Key)
	defer d.keyedLocks.Unlock(job.Key)
	h.GiveUp(d.ctx, job, execErr)
}

func (d *Dispatcher) enqueueRetry(item *queueItem) {
	for {
		select {
		case <-d.stopCh:
			return
		case d.queue <- item:
			return
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown stops accepting jobs, cancels running ones and waits for workers
// until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.stopCh)
		if d.cancel != nil {
			d.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached with jobs still running")
	case <-done:
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[string]*keyedEntry),
	}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the key and forgets it once no one holds or waits for it,
// so per-chat keys do not accumulate.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
