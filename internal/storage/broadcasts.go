package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const broadcastColumns = `id, admin_id, text, status, total, sent, failed, created_at, finished_at`

// CreateBroadcast stores a broadcast together with one pending delivery per recipient.
func (s *Store) CreateBroadcast(ctx context.Context, id string, adminID int64, text string, recipients []int64) (*Broadcast, error) {
	b := &Broadcast{
		ID:        id,
		AdminID:   adminID,
		Text:      text,
		Status:    BroadcastPending,
		Total:     len(recipients),
		CreatedAt: s.now(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin broadcast %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `INSERT INTO broadcasts (id, admin_id, text, status, total, sent, failed, created_at, finished_at)
    VALUES (:id, :admin_id, :text, :status, :total, :sent, :failed, :created_at, :finished_at)`, b); err != nil {
		return nil, fmt.Errorf("insert broadcast %s: %w", id, err)
	}

	insert := tx.Rebind(`INSERT INTO broadcast_deliveries (broadcast_id, telegram_id, status, error) VALUES (?, ?, ?, '')`)
	for _, rcpt := range recipients {
		if _, err := tx.ExecContext(ctx, insert, id, rcpt, DeliveryPending); err != nil {
			return nil, fmt.Errorf("insert delivery %s/%d: %w", id, rcpt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit broadcast %s: %w", id, err)
	}
	return b, nil
}

// GetBroadcast loads a broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	var b Broadcast
	err := s.db.GetContext(ctx, &b, s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast %s: %w", id, err)
	}
	return &b, nil
}

// ListBroadcasts returns the most recent broadcasts first.
func (s *Store) ListBroadcasts(ctx context.Context, limit int) ([]Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Broadcast
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcasts ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	return out, nil
}

// ListDeliveries returns the deliveries of a broadcast, optionally restricted to one status.
func (s *Store) ListDeliveries(ctx context.Context, broadcastID string, status DeliveryStatus) ([]Delivery, error) {
	query := `SELECT broadcast_id, telegram_id, status, error, attempted_at FROM broadcast_deliveries WHERE broadcast_id = ?`
	args := []any{broadcastID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY telegram_id`

	var out []Delivery
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list deliveries %s: %w", broadcastID, err)
	}
	return out, nil
}

// SetBroadcastStatus moves a broadcast to a new lifecycle state.
func (s *Store) SetBroadcastStatus(ctx context.Context, id string, status BroadcastStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE broadcasts SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("set broadcast %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordDelivery stores the outcome of one send attempt.
func (s *Store) RecordDelivery(ctx context.Context, broadcastID string, telegramID int64, status DeliveryStatus, errText string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE broadcast_deliveries SET status = ?, error = ?, attempted_at = ?
    WHERE broadcast_id = ? AND telegram_id = ?`), status, errText, s.now(), broadcastID, telegramID)
	if err != nil {
		return fmt.Errorf("record delivery %s/%d: %w", broadcastID, telegramID, err)
	}
	return nil
}

// FinishBroadcast recomputes the counters from the deliveries and stamps the final status.
func (s *Store) FinishBroadcast(ctx context.Context, id string, status BroadcastStatus) (*Broadcast, error) {
	var counts struct {
		Total  int `db:"total"`
		Sent   int `db:"sent"`
		Failed int `db:"failed"`
	}
	err := s.db.GetContext(ctx, &counts, s.db.Rebind(`SELECT COUNT(*) AS total,
    COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
    COALESCE(SUM(CASE WHEN status IN ('failed', 'undeliverable') THEN 1 ELSE 0 END), 0) AS failed
    FROM broadcast_deliveries WHERE broadcast_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("count deliveries %s: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE broadcasts SET status = ?, total = ?, sent = ?, failed = ?, finished_at = ? WHERE id = ?`),
		status, counts.Total, counts.Sent, counts.Failed, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("finish broadcast %s: %w", id, err)
	}
	return s.GetBroadcast(ctx, id)
}

// ListUnfinishedBroadcasts returns broadcasts still pending or running, oldest first.
func (s *Store) ListUnfinishedBroadcasts(ctx context.Context) ([]Broadcast, error) {
	var out []Broadcast
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT `+broadcastColumns+` FROM broadcasts WHERE status IN (?, ?) ORDER BY created_at, id`),
		BroadcastPending, BroadcastRunning)
	if err != nil {
		return nil, fmt.Errorf("list unfinished broadcasts: %w", err)
	}
	return out, nil
}
