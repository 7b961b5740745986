package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
)

const messageColumns = `id, chat_id, parent_id, sender_id, sender_name, text, created_at,
	sent_at, delivered_at, edited_at, status, status_progress, status_reason, updated_at`

// UpsertMessage inserts or updates a message (idempotent on id). An existing
// row with a newer UpdatedAt is kept, except that an in-flight Sending row
// always yields to the incoming copy. It reports whether the row was written.
func (db *DB) UpsertMessage(m *model.Message) (bool, error) {
	var applied bool
	err := db.withTx("upsert message", func(tx *sql.Tx) error {
		var err error
		if applied, err = upsertMessage(tx, m); err != nil || !applied {
			return err
		}
		return recomputeUnread(tx, m.ChatID)
	})
	return applied, err
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(id string) (*model.Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("get message", model.ErrMessageNotFound)
	}
	if err != nil {
		return nil, wrapErr("get message", err)
	}
	return m, nil
}

// ListMessages returns all messages of a chat ordered by creation time.
func (db *DB) ListMessages(chatID string) ([]model.Message, error) {
	msgs, err := listMessages(db, chatID)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}
	return msgs, nil
}

// MessagesWithStatus returns every message whose delivery status has the given kind.
func (db *DB) MessagesWithStatus(kind model.StatusKind) ([]model.Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY created_at, id`, string(kind))
	if err != nil {
		return nil, wrapErr("messages with status", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, wrapErr("messages with status", err)
	}
	return msgs, nil
}

// TransitionStatus moves a message to next if check accepts the stored
// status. The read, check and write happen in one transaction so concurrent
// writers (delta apply, delivery) cannot interleave.
func (db *DB) TransitionStatus(id string, next model.DeliveryStatus, at int64, check func(current model.DeliveryStatus) error) (*model.Message, error) {
	var out *model.Message
	err := db.withTx("transition status", func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(m.Status); err != nil {
				return err
			}
		}
		m.Status = next
		m.UpdatedAt = max(m.UpdatedAt, at)
		switch next.Kind {
		case model.StatusSent:
			m.SentAt = at
		case model.StatusDelivered:
			m.DeliveredAt = at
		}
		if _, err := tx.Exec(`
			UPDATE messages SET status = ?, status_progress = ?, status_reason = ?,
				sent_at = ?, delivered_at = ?, updated_at = ?
			WHERE id = ?`,
			string(next.Kind), next.Progress, next.Reason, m.SentAt, m.DeliveredAt, m.UpdatedAt, id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		out = m
		return nil
	})
	return out, err
}

// UpdateMessageStatus sets the delivery status of a message unconditionally.
func (db *DB) UpdateMessageStatus(id string, status model.DeliveryStatus, at int64) (*model.Message, error) {
	return db.TransitionStatus(id, status, at, nil)
}

// DeleteMessage removes a message, leaving a tombstone at deletedAt, and
// recomputes the unread count of its chat.
func (db *DB) DeleteMessage(id string, deletedAt int64) error {
	return db.withTx("delete message", func(tx *sql.Tx) error {
		var chatID string
		var updatedAt int64
		err := tx.QueryRow(`SELECT chat_id, updated_at FROM messages WHERE id = ?`, id).Scan(&chatID, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		// An explicit delete wins over any stored version.
		if _, err := deleteMessage(tx, id, max(deletedAt, updatedAt)); err != nil {
			return err
		}
		return recomputeUnread(tx, chatID)
	})
}

func upsertMessage(q querier, m *model.Message) (bool, error) {
	if dead, err := tombstoned(q, "message", m.ID, m.UpdatedAt); err != nil || dead {
		return false, err
	}
	res, err := q.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			sender_name = excluded.sender_name,
			text = excluded.text,
			sent_at = excluded.sent_at,
			delivered_at = excluded.delivered_at,
			edited_at = excluded.edited_at,
			status = excluded.status,
			status_progress = excluded.status_progress,
			status_reason = excluded.status_reason,
			updated_at = MAX(messages.updated_at, excluded.updated_at)
		WHERE excluded.updated_at >= messages.updated_at
			OR (messages.status = 'sending' AND excluded.status NOT IN ('', 'sending'))`,
		m.ID, m.ChatID, m.ParentID, m.SenderID, m.SenderName, m.Text, m.CreatedAt,
		m.SentAt, m.DeliveredAt, m.EditedAt, string(m.Status.Kind), m.Status.Progress, m.Status.Reason, m.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func deleteMessage(q querier, id string, deletedAt int64) (bool, error) {
	res, err := q.Exec(`DELETE FROM messages WHERE id = ? AND updated_at <= ?`, id, deletedAt)
	if err != nil {
		return false, fmt.Errorf("delete message %s: %w", id, err)
	}
	if err := putTombstone(q, "message", id, deletedAt); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func listMessages(q querier, chatID string) ([]model.Message, error) {
	rows, err := q.Query(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func lastMessage(q querier, chatID string) (*model.Message, error) {
	m, err := scanMessage(q.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()
	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var m model.Message
	var kind string
	if err := r.Scan(&m.ID, &m.ChatID, &m.ParentID, &m.SenderID, &m.SenderName, &m.Text, &m.CreatedAt,
		&m.SentAt, &m.DeliveredAt, &m.EditedAt, &kind, &m.Status.Progress, &m.Status.Reason, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status.Kind = model.StatusKind(kind)
	return &m, nil
}

func sortPreviews(ps []model.ChatPreview) {
	slices.SortStableFunc(ps, func(a, b model.ChatPreview) int {
		if a.LastActivityAt != b.LastActivityAt {
			if a.LastActivityAt > b.LastActivityAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
