// Package stats summarises a user's recent task activity.
package stats

import (
	"fmt"
	"time"

	"github.com/cexll/studybuddy/internal/storage"
)

// Window is the look-back period of the weekly summary.
const Window = 7 * 24 * time.Hour

// Summary counts task activity inside a window ending at Until.
type Summary struct {
	Since time.Time
	Until time.Time
	Added int
	Done  int
	Open  int
}

// Compute derives the weekly summary of tasks relative to now.
// Done counts every task completed in the window, including tasks created earlier.
func Compute(tasks []storage.Task, now time.Time) Summary {
	since := now.Add(-Window)
	s := Summary{Since: since, Until: now}
	for _, t := range tasks {
		createdInWindow := !t.CreatedAt.Before(since)
		if createdInWindow {
			s.Added++
			if !t.IsDone {
				s.Open++
			}
		}
		if t.IsDone && t.DoneAt.Valid && !t.DoneAt.Time.Before(since) {
			s.Done++
		}
	}
	return s
}

// HasActivity reports whether any task was added in the window.
func (s Summary) HasActivity() bool { return s.Added > 0 }

// CompletionRate is Done/Added as a percentage. It can exceed 100 when older
// tasks were completed during the window.
func (s Summary) CompletionRate() float64 {
	if s.Added == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Added) * 100
}

// Percent renders the completion rate, or a dash when nothing was added.
func (s Summary) Percent() string {
	if !s.HasActivity() {
		return "—"
	}
	return fmt.Sprintf("%.0f%%", s.CompletionRate())
}
