package dialog

import (
	"sync"
	"time"
)

// Step is the position of a chat inside a multi-step form.
type Step string

const (
	StepIdle              Step = ""
	StepAwaitingText      Step = "awaiting_text"
	StepAwaitingDeadline  Step = "awaiting_deadline"
	StepAwaitingEditField Step = "awaiting_edit_field"
	StepAwaitingEditValue Step = "awaiting_edit_value"
)

// EditField names the task attribute being edited.
type EditField string

const (
	FieldText     EditField = "text"
	FieldDeadline EditField = "deadline"
)

// State is the in-progress form of one chat.
type State struct {
	Step        Step
	PendingText string
	TaskID      int64
	TaskNumber  int
	Field       EditField
	UpdatedAt   time.Time
}

// Store keeps form state per chat. Entries idle for longer than the TTL are
// treated as absent and purged lazily.
type Store struct {
	mu     sync.Mutex
	states map[int64]*State
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a store whose entries expire after ttl of inactivity.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		states: make(map[int64]*State),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns a copy of the chat's state; a missing or expired entry yields the idle state.
func (s *Store) Get(chatID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[chatID]
	if !ok {
		return State{}
	}
	if s.now().Sub(st.UpdatedAt) > s.ttl {
		delete(s.states, chatID)
		return State{}
	}
	return *st
}

// Set replaces the chat's state and refreshes its expiry.
func (s *Store) Set(chatID int64, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Step == StepIdle {
		delete(s.states, chatID)
		return
	}
	st.UpdatedAt = s.now()
	s.states[chatID] = &st
}

// Clear drops the chat's state. It reports whether a form was in progress.
func (s *Store) Clear(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[chatID]
	if !ok {
		return false
	}
	delete(s.states, chatID)
	return s.now().Sub(st.UpdatedAt) <= s.ttl
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, st := range s.states {
		if now.Sub(st.UpdatedAt) > s.ttl {
			delete(s.states, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
