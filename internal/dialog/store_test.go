package dialog

import (
	"sync"
	"testing"
	"time"
)

func TestStore_SetGetClear(t *testing.T) {
	store := NewStore(time.Minute)

	if got := store.Get(1); got.Step != StepIdle {
		t.Fatalf("Get on empty store = %q, want idle", got.Step)
	}

	store.Set(1, State{Step: StepAwaitingDeadline, PendingText: "read chapter 3"})
	got := store.Get(1)
	if got.Step != StepAwaitingDeadline || got.PendingText != "read chapter 3" {
		t.Fatalf("Get = %+v, want awaiting deadline with pending text", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should be stamped on Set")
	}

	if other := store.Get(2); other.Step != StepIdle {
		t.Fatalf("state leaked to another chat: %+v", other)
	}

	if !store.Clear(1) {
		t.Fatal("Clear should report an active form")
	}
	if store.Clear(1) {
		t.Fatal("second Clear should report nothing to clear")
	}
	if store.Get(1).Step != StepIdle {
		t.Fatal("state should be idle after Clear")
	}
}

func TestStore_SetIdleDeletes(t *testing.T) {
	store := NewStore(time.Minute)
	store.Set(5, State{Step: StepAwaitingText})
	store.Set(5, State{})
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after setting idle", store.Len())
	}
}

func TestStore_Expiry(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	store := NewStore(10 * time.Minute)
	store.WithClock(func() time.Time { return now })

	store.Set(1, State{Step: StepAwaitingEditField, TaskID: 9})
	store.Set(2, State{Step: StepAwaitingText})

	now = now.Add(5 * time.Minute)
	store.Set(2, State{Step: StepAwaitingDeadline, PendingText: "x"})

	now = now.Add(6 * time.Minute)
	if got := store.Get(1); got.Step != StepIdle {
		t.Fatalf("expired entry returned %+v", got)
	}
	if got := store.Get(2); got.Step != StepAwaitingDeadline {
		t.Fatalf("refreshed entry expired early: %+v", got)
	}

	now = now.Add(time.Hour)
	if n := store.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0", store.Len())
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(time.Minute)
	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			store.Set(id, State{Step: StepAwaitingText})
			_ = store.Get(id)
			store.Clear(id)
		}(i)
	}
	wg.Wait()
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0", store.Len())
	}
}
