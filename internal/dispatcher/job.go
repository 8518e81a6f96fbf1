package dispatcher

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Kind identifies what a job does.
type Kind string

const (
	KindUpdate    Kind = "update"
	KindBroadcast Kind = "broadcast"
	KindReminder  Kind = "reminder"
)

// Job is one unit of queued work. Jobs sharing a Key never run concurrently.
type Job struct {
	ID   string
	Kind Kind
	Key  string

	Update      *tgbotapi.Update
	BroadcastID string
	// At is the reference time of a reminder run.
	At time.Time

	Attempt    int
	EnqueuedAt time.Time
}

// UpdateJob wraps an incoming chat update; updates from one chat are serialised.
func UpdateJob(update *tgbotapi.Update) *Job {
	var chatID int64
	if msg := update.Message; msg != nil && msg.Chat != nil {
		chatID = msg.Chat.ID
	}
	return &Job{
		ID:     fmt.Sprintf("update-%d", update.UpdateID),
		Kind:   KindUpdate,
		Key:    fmt.Sprintf("chat:%d", chatID),
		Update: update,
	}
}

// BroadcastJob delivers a stored broadcast.
func BroadcastJob(broadcastID string) *Job {
	return &Job{
		ID:          "broadcast-" + broadcastID,
		Kind:        KindBroadcast,
		Key:         "broadcast",
		BroadcastID: broadcastID,
	}
}

// ReminderJob runs the due-tomorrow reminder relative to at.
func ReminderJob(at time.Time) *Job {
	return &Job{
		ID:   "reminder-" + uuid.NewString(),
		Kind: KindReminder,
		Key:  "reminder",
		At:   at,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s]", j.Kind, j.ID)
}
