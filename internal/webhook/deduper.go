package webhook

import (
	"sync"
	"time"
)

type updateDeduper struct {
	mu      sync.Mutex
	entries map[int]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newUpdateDeduper(ttl time.Duration) *updateDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &updateDeduper{
		entries: make(map[int]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// markIfNew returns true if the update ID has not been seen recently.
// When it returns true, the ID is recorded with an expiry timestamp.
func (d *updateDeduper) markIfNew(id int) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}

	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return false
	}

	d.entries[id] = now.Add(d.ttl)
	return true
}

// forget drops the ID so a redelivery is accepted.
func (d *updateDeduper) forget(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}
