package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const userColumns = `id, telegram_id, first_name, username, is_admin, registered_at`

// EnsureUser registers the profile on first contact and refreshes the stored
// names and admin flag afterwards. The boolean reports whether the user is new.
func (s *Store) EnsureUser(ctx context.Context, p Profile) (*User, bool, error) {
	existing, err := s.GetUserByTelegramID(ctx, p.TelegramID)
	switch {
	case err == nil:
		if existing.FirstName.String != p.FirstName || existing.Username.String != p.Username || existing.IsAdmin != p.IsAdmin {
			_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET first_name = ?, username = ?, is_admin = ? WHERE id = ?`),
				nullString(p.FirstName), nullString(p.Username), p.IsAdmin, existing.ID)
			if err != nil {
				return nil, false, fmt.Errorf("update user %d: %w", p.TelegramID, err)
			}
			existing.FirstName = nullString(p.FirstName)
			existing.Username = nullString(p.Username)
			existing.IsAdmin = p.IsAdmin
		}
		return existing, false, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, false, err
	}

	user := &User{
		TelegramID:   p.TelegramID,
		FirstName:    nullString(p.FirstName),
		Username:     nullString(p.Username),
		IsAdmin:      p.IsAdmin,
		RegisteredAt: s.now(),
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO users (telegram_id, first_name, username, is_admin, registered_at)
    VALUES (:telegram_id, :first_name, :username, :is_admin, :registered_at)`, user)
	if err != nil {
		// a concurrent first contact from the same chat may have won the insert
		if again, getErr := s.GetUserByTelegramID(ctx, p.TelegramID); getErr == nil {
			return again, false, nil
		}
		return nil, false, fmt.Errorf("insert user %d: %w", p.TelegramID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("insert user %d: %w", p.TelegramID, err)
	}
	user.ID = id
	s.logger.Info("registered user", zap.Int64("telegram_id", p.TelegramID), zap.Int64("id", id))
	return user, true, nil
}

// GetUserByTelegramID looks a user up by platform identifier.
func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`), telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", telegramID, err)
	}
	return &u, nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ListUsers returns one page of users in registration order.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]User, error) {
	if offset < 0 {
		offset = 0
	}
	var users []User
	err := s.db.SelectContext(ctx, &users, s.db.Rebind(`SELECT `+userColumns+` FROM users ORDER BY registered_at, id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListAllUsers returns every registered user in registration order.
func (s *Store) ListAllUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY registered_at, id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListUsersByTelegramIDs returns the registered users among ids.
func (s *Store) ListUsersByTelegramIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE telegram_id IN (?) ORDER BY registered_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build user filter: %w", err)
	}
	var users []User
	if err := s.db.SelectContext(ctx, &users, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list users by id: %w", err)
	}
	return users, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
