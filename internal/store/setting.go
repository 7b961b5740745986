package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

const settingColumns = `user_id, key, value, local_version, synced_version, server_version,
	modified_at, sync_status, synced_at`

// GetSetting returns one setting, or nil if the user has no row for key.
func (db *DB) GetSetting(userID string, key model.SettingKey) (*model.Setting, error) {
	s, err := scanSetting(db.QueryRow(`SELECT `+settingColumns+` FROM settings WHERE user_id = ? AND key = ?`, userID, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get setting", err)
	}
	return s, nil
}

// ListSettings returns every setting row of a user ordered by key.
func (db *DB) ListSettings(userID string) ([]model.Setting, error) {
	return db.querySettings("list settings", `SELECT `+settingColumns+` FROM settings WHERE user_id = ? ORDER BY key`, userID)
}

// PendingSettings returns the rows of a user with unacknowledged local edits.
func (db *DB) PendingSettings(userID string) ([]model.Setting, error) {
	return db.querySettings("pending settings", `
		SELECT `+settingColumns+` FROM settings
		WHERE user_id = ? AND local_version > synced_version ORDER BY key`, userID)
}

// SettingUsers returns every user id with at least one setting row.
func (db *DB) SettingUsers() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT user_id FROM settings ORDER BY user_id`)
	if err != nil {
		return nil, wrapErr("setting users", err)
	}
	defer func() { _ = rows.Close() }()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, wrapErr("setting users", err)
		}
		users = append(users, u)
	}
	return users, wrapErr("setting users", rows.Err())
}

// UpsertSetting inserts or replaces one setting row.
func (db *DB) UpsertSetting(s *model.Setting) error {
	return db.UpsertSettings([]model.Setting{*s})
}

// UpsertSettings writes several rows in one transaction.
func (db *DB) UpsertSettings(settings []model.Setting) error {
	return db.withTx("upsert settings", func(tx *sql.Tx) error {
		for _, s := range settings {
			if s.LocalVersion < 1 {
				return fmt.Errorf("%w: local version of %s must be >= 1, got %d", model.ErrInvalidSetting, s.Key, s.LocalVersion)
			}
			if _, err := tx.Exec(`
				INSERT INTO settings (`+settingColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, key) DO UPDATE SET
					value = excluded.value,
					local_version = excluded.local_version,
					synced_version = excluded.synced_version,
					server_version = excluded.server_version,
					modified_at = excluded.modified_at,
					sync_status = excluded.sync_status,
					synced_at = excluded.synced_at`,
				s.UserID, string(s.Key), s.Value, s.LocalVersion, s.SyncedVersion, s.ServerVersion,
				s.ModifiedAt, string(s.SyncStatus), s.SyncedAt); err != nil {
				return fmt.Errorf("upsert setting %s: %w", s.Key, err)
			}
		}
		return nil
	})
}

// RecordConflict appends a resolved conflict to the conflict log.
func (db *DB) RecordConflict(e *model.ConflictEvent) error {
	_, err := db.Exec(`
		INSERT INTO settings_conflicts (user_id, key, winner, local_value, server_value, accepted_value, conflicted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Key), string(e.Winner), e.LocalValue, e.ServerValue, e.AcceptedValue, e.ConflictedAt)
	return wrapErr("record conflict", err)
}

// ListConflicts returns the most recent conflicts of a user, newest first.
func (db *DB) ListConflicts(userID string, limit int) ([]model.ConflictEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT user_id, key, winner, local_value, server_value, accepted_value, conflicted_at
		FROM settings_conflicts WHERE user_id = ?
		ORDER BY conflicted_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrapErr("list conflicts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ConflictEvent
	for rows.Next() {
		var e model.ConflictEvent
		var key, winner string
		if err := rows.Scan(&e.UserID, &key, &winner, &e.LocalValue, &e.ServerValue, &e.AcceptedValue, &e.ConflictedAt); err != nil {
			return nil, wrapErr("list conflicts", err)
		}
		e.Key, e.Winner = model.SettingKey(key), model.ConflictWinner(winner)
		out = append(out, e)
	}
	return out, wrapErr("list conflicts", rows.Err())
}

func (db *DB) querySettings(op, query string, args ...any) ([]model.Setting, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, *s)
	}
	return out, wrapErr(op, rows.Err())
}

func scanSetting(r rowScanner) (*model.Setting, error) {
	var s model.Setting
	var key, status string
	if err := r.Scan(&s.UserID, &key, &s.Value, &s.LocalVersion, &s.SyncedVersion, &s.ServerVersion,
		&s.ModifiedAt, &status, &s.SyncedAt); err != nil {
		return nil, err
	}
	s.Key, s.SyncStatus = model.SettingKey(key), model.SyncStatus(status)
	return &s, nil
}
