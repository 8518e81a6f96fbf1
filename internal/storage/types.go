package storage

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// DateLayout is the canonical textual form of a deadline.
const DateLayout = "2006-01-02"

// Date is a calendar day. It is stored as YYYY-MM-DD so that ordering and
// equality work the same way on every backend.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in t's location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

// Before reports whether d is an earlier day than other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

// MarshalJSON renders the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*d = NewDate(v)
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("storage: cannot scan %T into Date", src)
	}
}

func (d *Date) parse(s string) error {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return fmt.Errorf("storage: invalid date %q: %w", s, err)
	}
	*d = parsed
	return nil
}

// User is a registered chat participant.
type User struct {
	ID           int64          `db:"id" json:"id"`
	TelegramID   int64          `db:"telegram_id" json:"telegram_id"`
	FirstName    sql.NullString `db:"first_name" json:"-"`
	Username     sql.NullString `db:"username" json:"-"`
	IsAdmin      bool           `db:"is_admin" json:"is_admin"`
	RegisteredAt time.Time      `db:"registered_at" json:"registered_at"`
}

// DisplayName returns the best human readable name for the user.
func (u *User) DisplayName() string {
	if u.FirstName.Valid && u.FirstName.String != "" {
		return u.FirstName.String
	}
	if u.Username.Valid && u.Username.String != "" {
		return "@" + u.Username.String
	}
	return fmt.Sprintf("user %d", u.TelegramID)
}

// Profile is the platform supplied identity of a message sender.
type Profile struct {
	TelegramID int64
	FirstName  string
	Username   string
	IsAdmin    bool
}

// Task is a user-owned to-do item.
type Task struct {
	ID          int64        `db:"id" json:"id"`
	UserID      int64        `db:"user_id" json:"user_id"`
	Description string       `db:"description" json:"description"`
	Deadline    Date         `db:"deadline" json:"deadline"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	IsDone      bool         `db:"is_done" json:"is_done"`
	DoneAt      sql.NullTime `db:"done_at" json:"-"`
}

// DueTask is an open task joined with its owner's telegram id.
type DueTask struct {
	Task
	TelegramID int64 `db:"telegram_id"`
}

// BroadcastStatus is the lifecycle state of a broadcast.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastRunning   BroadcastStatus = "running"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
)

// Broadcast is an administrator initiated message to many users.
type Broadcast struct {
	ID         string          `db:"id" json:"id"`
	AdminID    int64           `db:"admin_id" json:"admin_id"`
	Text       string          `db:"text" json:"text"`
	Status     BroadcastStatus `db:"status" json:"status"`
	Total      int             `db:"total" json:"total"`
	Sent       int             `db:"sent" json:"sent"`
	Failed     int             `db:"failed" json:"failed"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	FinishedAt sql.NullTime    `db:"finished_at" json:"-"`
}

// DeliveryStatus is the outcome of sending a broadcast to one recipient.
type DeliveryStatus string

const (
	DeliveryPending       DeliveryStatus = "pending"
	DeliverySent          DeliveryStatus = "sent"
	DeliveryFailed        DeliveryStatus = "failed"
	DeliveryUndeliverable DeliveryStatus = "undeliverable"
)

// Delivery tracks a single recipient of a broadcast.
type Delivery struct {
	BroadcastID string         `db:"broadcast_id" json:"broadcast_id"`
	TelegramID  int64          `db:"telegram_id" json:"telegram_id"`
	Status      DeliveryStatus `db:"status" json:"status"`
	Error       string         `db:"error" json:"error,omitempty"`
	AttemptedAt sql.NullTime   `db:"attempted_at" json:"-"`
}
