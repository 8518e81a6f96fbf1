package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/storage"
	tgtesting "github.com/cexll/studybuddy/internal/telegram/testing"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*dispatcher.Job
	err  error
}

func (q *recordingQueue) Enqueue(job *dispatcher.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	store  *storage.Store
	sender *tgtesting.MockSender
	queue  *recordingQueue
	svc    *Service
	sleeps []time.Duration
}

func newFixture(t *testing.T, users ...int64) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, id := range users {
		_, _, err := store.EnsureUser(context.Background(), storage.Profile{TelegramID: id})
		require.NoError(t, err)
	}

	f := &fixture{
		store:  store,
		sender: tgtesting.NewMockSender(),
		queue:  &recordingQueue{},
	}
	f.svc = NewService(store, f.sender, f.queue, Config{BatchSize: 2, BatchDelay: time.Second})
	f.svc.newID = func() string { return "b-1" }
	f.svc.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func TestCreate_AllUsers(t *testing.T) {
	f := newFixture(t, 10, 20, 30)

	res, err := f.svc.Create(context.Background(), 1, "  exam moved  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "b-1", res.Broadcast.ID)
	assert.Equal(t, "exam moved", res.Broadcast.Text)
	assert.Equal(t, 3, res.Broadcast.Total)
	assert.Empty(t, res.Unknown)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, dispatcher.KindBroadcast, f.queue.jobs[0].Kind)
	assert.Equal(t, "b-1", f.queue.jobs[0].BroadcastID)
}

func TestCreate_SubsetReportsUnknownIDs(t *testing.T) {
	f := newFixture(t, 10, 20, 30)

	res, err := f.svc.Create(context.Background(), 1, "hi", []int64{30, 99, 10, 30})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Broadcast.Total)
	assert.Equal(t, []int64{99}, res.Unknown)

	deliveries, err := f.store.ListDeliveries(context.Background(), "b-1", "")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, int64(10), deliveries[0].TelegramID)
	assert.Equal(t, int64(30), deliveries[1].TelegramID)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.svc.Create(context.Background(), 1, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyText)

	res, err := f.svc.Create(context.Background(), 1, "hi", []int64{404})
	assert.ErrorIs(t, err, ErrNoRecipients)
	require.NotNil(t, res)
	assert.Equal(t, []int64{404}, res.Unknown)
	assert.Empty(t, f.queue.jobs)
}

func TestCreate_QueueFailureMarksBroadcastFailed(t *testing.T) {
	f := newFixture(t, 10)
	f.queue.err = dispatcher.ErrQueueFull

	_, err := f.svc.Create(context.Background(), 1, "hi", nil)
	require.ErrorIs(t, err, dispatcher.ErrQueueFull)

	b, err := f.store.GetBroadcast(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, storage.BroadcastFailed, b.Status)
}

func TestRun_DeliversInBatchesAndTracksOutcomes(t *testing.T) {
	f := newFixture(t, 10, 20, 30)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, 7, "<b>quiz</b> tomorrow", nil)
	require.NoError(t, err)

	f.sender.SendFunc = func(ctx context.Context, chatID int64, text string) error {
		switch chatID {
		case 20:
			return &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
		case 30:
			return errors.New("connection reset by peer")
		}
		return nil
	}

	require.NoError(t, f.svc.Run(ctx, "b-1"))

	assert.Equal(t, []string{"&lt;b&gt;quiz&lt;/b&gt; tomorrow"}, f.sender.MessagesTo(10))
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps, "one pause between two batches")

	deliveries, err := f.store.ListDeliveries(ctx, "b-1", "")
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	assert.Equal(t, storage.DeliverySent, deliveries[0].Status)
	assert.Equal(t, storage.DeliveryUndeliverable, deliveries[1].Status)
	assert.Equal(t, storage.DeliveryFailed, deliveries[2].Status)
	assert.Contains(t, deliveries[2].Error, "connection reset")

	b, err := f.store.GetBroadcast(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, storage.BroadcastCompleted, b.Status)
	assert.Equal(t, 1, b.Sent)
	assert.Equal(t, 2, b.Failed)

	assert.Equal(t, "📣 Broadcast sent to 1 of 3 users.\nNot delivered: 2.", f.sender.Last(7))
}

func TestRun_ResumesOnlyPendingDeliveries(t *testing.T) {
	f := newFixture(t, 10, 20)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, 7, "hello", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordDelivery(ctx, "b-1", 10, storage.DeliverySent, ""))

	require.NoError(t, f.svc.Run(ctx, "b-1"))

	assert.Empty(t, f.sender.MessagesTo(10))
	assert.Equal(t, []string{"hello"}, f.sender.MessagesTo(20))
	assert.Empty(t, f.sleeps)

	b, err := f.store.GetBroadcast(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Sent)

	// a second run is a no-op
	f.sender.Reset()
	require.NoError(t, f.svc.Run(ctx, "b-1"))
	assert.Empty(t, f.sender.Messages())
}

func TestRun_CancelledContextLeavesDeliveriesPending(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.svc.Create(ctx, 7, "hello", nil)
	require.NoError(t, err)

	f.sender.SendFunc = func(ctx context.Context, chatID int64, text string) error {
		cancel()
		return ctx.Err()
	}
	err = f.svc.Run(ctx, "b-1")
	require.ErrorIs(t, err, context.Canceled)

	pending, err := f.store.ListDeliveries(context.Background(), "b-1", storage.DeliveryPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	n, err := f.svc.ResumeUnfinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_UnknownBroadcastIsNotRetried(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, dispatcher.IsNonRetryable(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAbandon_MarksFailedAndReportsToAdmin(t *testing.T) {
	f := newFixture(t, 10, 20, 30)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, 7, "hello", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetBroadcastStatus(ctx, "b-1", storage.BroadcastRunning))
	require.NoError(t, f.store.RecordDelivery(ctx, "b-1", 10, storage.DeliverySent, ""))

	require.NoError(t, f.svc.Abandon(ctx, "b-1", errors.New("database is locked")))

	b, err := f.store.GetBroadcast(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, storage.BroadcastFailed, b.Status)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, 1, b.Sent)
	assert.Equal(t, 0, b.Failed)
	assert.Equal(t, "📣 Broadcast sent to 1 of 3 users.\n⚠️ Delivery stopped after repeated errors; 2 not attempted.", f.sender.Last(7))

	n, err := f.svc.ResumeUnfinished(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "abandoned broadcasts are not resumed")

	f.sender.Reset()
	require.NoError(t, f.svc.Run(ctx, "b-1"))
	assert.Empty(t, f.sender.Messages(), "a failed broadcast is not delivered again")
}

func TestAbandon_UnknownBroadcast(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Abandon(context.Background(), "missing", errors.New("boom"))
	require.Error(t, err)
	assert.Empty(t, f.sender.Messages())
}
