package stats

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cexll/studybuddy/internal/storage"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func task(created time.Time, done *time.Time) storage.Task {
	t := storage.Task{CreatedAt: created}
	if done != nil {
		t.IsDone = true
		t.DoneAt = sql.NullTime{Time: *done, Valid: true}
	}
	return t
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestCompute(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name    string
		tasks   []storage.Task
		want    Summary
		percent string
	}{
		{
			name:    "no tasks",
			want:    Summary{},
			percent: "—",
		},
		{
			name: "mixed activity",
			tasks: []storage.Task{
				task(*ago(2 * day), nil),
				task(*ago(3 * day), ago(day)),
				task(*ago(6 * day), nil),
				task(*ago(30 * day), nil),
			},
			want:    Summary{Added: 3, Done: 1, Open: 2},
			percent: "33%",
		},
		{
			name: "old task completed this week counts as done",
			tasks: []storage.Task{
				task(*ago(20 * day), ago(2 * day)),
				task(*ago(day), ago(time.Hour)),
			},
			want:    Summary{Added: 1, Done: 2, Open: 0},
			percent: "200%",
		},
		{
			name: "completion before the window is ignored",
			tasks: []storage.Task{
				task(*ago(20 * day), ago(10 * day)),
			},
			want:    Summary{},
			percent: "—",
		},
		{
			name: "window boundary is inclusive",
			tasks: []storage.Task{
				task(now.Add(-Window), nil),
			},
			want:    Summary{Added: 1, Open: 1},
			percent: "0%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.tasks, now)
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Summary{}, "Since", "Until")); diff != "" {
				t.Fatalf("Compute mismatch (-want +got):\n%s", diff)
			}
			if got.Percent() != tt.percent {
				t.Fatalf("Percent = %q, want %q", got.Percent(), tt.percent)
			}
			if !got.Until.Equal(now) || !got.Since.Equal(now.Add(-Window)) {
				t.Fatalf("window = [%s, %s]", got.Since, got.Until)
			}
		})
	}
}
