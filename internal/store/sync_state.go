package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	keyLastSync = "deltas.last_sync_timestamp"
	keyIdentity = "identity.user_id"
)

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	return wrapErr("set checkpoint", setCheckpoint(db, key, value))
}

// Checkpoint returns a sync checkpoint value and whether it exists.
func (db *DB) Checkpoint(key string) (string, bool, error) {
	v, ok, err := checkpoint(db, key)
	return v, ok, wrapErr("get checkpoint", err)
}

// SetIdentity records the local user. Unread counts exclude messages sent by
// this id.
func (db *DB) SetIdentity(userID string) error {
	return db.withTx("set identity", func(tx *sql.Tx) error {
		if err := setCheckpoint(tx, keyIdentity, userID); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT id FROM chats`)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		for _, id := range ids {
			if err := recomputeUnread(tx, id); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// Identity returns the local user id, or "" if none was set.
func (db *DB) Identity() (string, error) {
	v, _, err := checkpoint(db, keyIdentity)
	return v, wrapErr("get identity", err)
}

// GetLastSyncTimestamp returns the delta watermark. ok is false when no
// round has completed yet.
func (db *DB) GetLastSyncTimestamp() (ts int64, ok bool, err error) {
	ts, ok, err = lastSync(db)
	return ts, ok, wrapErr("get last sync timestamp", err)
}

// UpdateLastSyncTimestamp advances the watermark to ts. Older values are ignored.
func (db *DB) UpdateLastSyncTimestamp(ts int64) error {
	return db.withTx("update last sync timestamp", func(tx *sql.Tx) error {
		_, err := advanceWatermark(tx, ts)
		return err
	})
}

// ResetSyncState drops the watermark and every cached chat so the next
// round resyncs from scratch. Settings are kept.
func (db *DB) ResetSyncState() error {
	return db.withTx("reset sync state", func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM messages`,
			`DELETE FROM participants`,
			`DELETE FROM chats`,
			`DELETE FROM tombstones`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`DELETE FROM sync_state WHERE key = ?`, keyLastSync)
		return err
	})
}

func setCheckpoint(q querier, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func checkpoint(q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func lastSync(q querier) (int64, bool, error) {
	v, ok, err := checkpoint(q, keyLastSync)
	if err != nil || !ok {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return ts, true, nil
}

// advanceWatermark moves the watermark forward and returns the stored value.
func advanceWatermark(q querier, ts int64) (int64, error) {
	cur, ok, err := lastSync(q)
	if err != nil {
		return 0, err
	}
	if ok && cur >= ts {
		return cur, nil
	}
	if err := setCheckpoint(q, keyLastSync, strconv.FormatInt(ts, 10)); err != nil {
		return 0, err
	}
	return ts, nil
}

func putTombstone(q querier, kind, id string, deletedAt int64) error {
	_, err := q.Exec(`
		INSERT INTO tombstones (kind, id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET deleted_at = MAX(tombstones.deleted_at, excluded.deleted_at)`,
		kind, id, deletedAt)
	if err != nil {
		return fmt.Errorf("tombstone %s %s: %w", kind, id, err)
	}
	return nil
}

// tombstoned reports whether kind/id was deleted at or after ts.
func tombstoned(q querier, kind, id string, ts int64) (bool, error) {
	var deletedAt int64
	err := q.QueryRow(`SELECT deleted_at FROM tombstones WHERE kind = ? AND id = ?`, kind, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deletedAt >= ts, nil
}
