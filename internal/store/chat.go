package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const chatColumns = `id, name, picture_url, rules, unread_count, last_read_message_id,
	last_activity_at, is_closed, is_archived, is_one_to_one, updated_at`

// InsertChat stores a chat with its participants and messages in one
// transaction. Existing rows are replaced unless they carry a newer UpdatedAt.
// The chat comes from a confirmed remote command, so it supersedes any local
// tombstone for the same id.
func (db *DB) InsertChat(c *model.Chat) error {
	return db.withTx("insert chat", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM tombstones WHERE kind = 'chat' AND id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear tombstone: %w", err)
		}
		if _, err := upsertChat(tx, c.ID, chatMetadata(c), c.UpdatedAt); err != nil {
			return err
		}
		for i := range c.Messages {
			m := c.Messages[i]
			m.ChatID = c.ID
			if _, err := upsertMessage(tx, &m); err != nil {
				return err
			}
		}
		return recomputeUnread(tx, c.ID)
	})
}

// GetChat returns a chat with participants and messages ordered by creation time.
func (db *DB) GetChat(id string) (*model.Chat, error) {
	c, err := getChat(db, id)
	if err != nil {
		return nil, wrapErr("get chat", err)
	}
	return c, nil
}

// DeleteChat removes a chat and everything in it, leaving a tombstone at deletedAt.
func (db *DB) DeleteChat(id string, deletedAt int64) error {
	return db.withTx("delete chat", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.ErrChatNotFound
		}
		return putTombstone(tx, "chat", id, deletedAt)
	})
}

// ListChatPreviews returns the preview of every chat, most recently active first.
func (db *DB) ListChatPreviews() ([]model.ChatPreview, error) {
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats`)
	if err != nil {
		return nil, wrapErr("list chats", err)
	}
	var chats []*model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			_ = rows.Close()
			return nil, wrapErr("list chats", err)
		}
		chats = append(chats, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list chats", err)
	}

	previews := make([]model.ChatPreview, 0, len(chats))
	for _, c := range chats {
		if c.Participants, err = listParticipants(db, c.ID); err != nil {
			return nil, wrapErr("list chats", err)
		}
		last, err := lastMessage(db, c.ID)
		if err != nil {
			return nil, wrapErr("list chats", err)
		}
		if last != nil {
			c.Messages = []model.Message{*last}
		}
		p := model.PreviewOf(c)
		if p.LastActivityAt == 0 {
			p.LastActivityAt = c.UpdatedAt
		}
		previews = append(previews, p)
	}
	sortPreviews(previews)
	return previews, nil
}

// MarkRead sets the read marker of a chat to messageID and recomputes the
// unread count. It returns the updated chat.
func (db *DB) MarkRead(chatID, messageID string) (*model.Chat, error) {
	var out *model.Chat
	err := db.withTx("mark read", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM messages WHERE id = ? AND chat_id = ?`, messageID, chatID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		// updated_at is left alone: it only ever holds server time.
		res, err := tx.Exec(`UPDATE chats SET last_read_message_id = ?, read_marker_at = MAX(read_marker_at, ?) WHERE id = ?`,
			messageID, time.Now().UnixMilli(), chatID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.ErrChatNotFound
		}
		if err := recomputeUnread(tx, chatID); err != nil {
			return err
		}
		out, err = getChat(tx, chatID)
		return err
	})
	return out, err
}

func chatMetadata(c *model.Chat) *model.ChatMetadata {
	return &model.ChatMetadata{
		Name:                c.Name,
		PictureURL:          c.PictureURL,
		Participants:        c.Participants,
		Rules:               c.Rules,
		UnreadMessagesCount: c.UnreadMessagesCount,
		LastReadMessageID:   c.LastReadMessageID,
		IsClosed:            c.IsClosed,
		IsArchived:          c.IsArchived,
		IsOneToOne:          c.IsOneToOne,
	}
}

// upsertChat writes chat metadata unless the stored row is newer than
// updatedAt or a tombstone at least as new exists. It reports whether the
// row was written. A local read marker set after updatedAt survives the
// write.
func upsertChat(q querier, id string, md *model.ChatMetadata, updatedAt int64) (bool, error) {
	if dead, err := tombstoned(q, "chat", id, updatedAt); err != nil || dead {
		return false, err
	}
	rules, err := json.Marshal(md.Rules)
	if err != nil {
		return false, fmt.Errorf("encode rules: %w", err)
	}
	if md.Rules == nil {
		rules = []byte("[]")
	}
	res, err := q.Exec(`
		INSERT INTO chats (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			picture_url = excluded.picture_url,
			rules = excluded.rules,
			last_read_message_id = CASE
				WHEN excluded.last_read_message_id = '' OR excluded.updated_at < chats.read_marker_at
				THEN chats.last_read_message_id
				ELSE excluded.last_read_message_id
			END,
			last_activity_at = MAX(chats.last_activity_at, excluded.last_activity_at),
			is_closed = excluded.is_closed,
			is_archived = excluded.is_archived,
			is_one_to_one = excluded.is_one_to_one,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= chats.updated_at`,
		id, md.Name, md.PictureURL, string(rules), md.UnreadMessagesCount, md.LastReadMessageID,
		md.LastActivityAt, boolInt(md.IsClosed), boolInt(md.IsArchived), boolInt(md.IsOneToOne), updatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := replaceParticipants(q, id, md.Participants); err != nil {
		return false, err
	}
	return true, nil
}

func replaceParticipants(q querier, chatID string, ps []model.Participant) error {
	if _, err := q.Exec(`DELETE FROM participants WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, p := range ps {
		if _, err := q.Exec(`
			INSERT INTO participants (chat_id, id, name, picture_url, joined_at, online_at, is_admin, is_moderator)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chatID, p.ID, p.Name, p.PictureURL, p.JoinedAt, p.OnlineAt, boolInt(p.IsAdmin), boolInt(p.IsModerator)); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func getChat(q querier, id string) (*model.Chat, error) {
	c, err := scanChat(q.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Participants, err = listParticipants(q, id); err != nil {
		return nil, err
	}
	if c.Messages, err = listMessages(q, id); err != nil {
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*model.Chat, error) {
	var (
		c                          model.Chat
		rules                      string
		lastActivity               int64
		closed, archived, oneToOne int
	)
	if err := r.Scan(&c.ID, &c.Name, &c.PictureURL, &rules, &c.UnreadMessagesCount, &c.LastReadMessageID,
		&lastActivity, &closed, &archived, &oneToOne, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &c.Rules); err != nil {
		return nil, fmt.Errorf("%w: decode rules of chat %s: %v", model.ErrStorageCorrupted, c.ID, err)
	}
	c.IsClosed, c.IsArchived, c.IsOneToOne = closed != 0, archived != 0, oneToOne != 0
	c.Participants = []model.Participant{}
	c.Messages = []model.Message{}
	return &c, nil
}

func listParticipants(q querier, chatID string) ([]model.Participant, error) {
	rows, err := q.Query(`
		SELECT id, name, picture_url, joined_at, online_at, is_admin, is_moderator
		FROM participants WHERE chat_id = ? ORDER BY joined_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ps := []model.Participant{}
	for rows.Next() {
		var p model.Participant
		var admin, moderator int
		if err := rows.Scan(&p.ID, &p.Name, &p.PictureURL, &p.JoinedAt, &p.OnlineAt, &admin, &moderator); err != nil {
			return nil, err
		}
		p.IsAdmin, p.IsModerator = admin != 0, moderator != 0
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// recomputeUnread derives unread_count from the read marker: messages after
// it (by created_at, id) whose sender is not the local identity.
func recomputeUnread(q querier, chatID string) error {
	_, err := q.Exec(`
		UPDATE chats SET unread_count = (
			SELECT COUNT(*) FROM messages m
			WHERE m.chat_id = chats.id
				AND m.sender_id <> COALESCE((SELECT value FROM sync_state WHERE key = ?), '')
				AND (
					NOT EXISTS (SELECT 1 FROM messages r WHERE r.id = chats.last_read_message_id AND r.chat_id = chats.id)
					OR (m.created_at, m.id) > (SELECT r.created_at, r.id FROM messages r WHERE r.id = chats.last_read_message_id)
				)
		)
		WHERE id = ?`, keyIdentity, chatID)
	if err != nil {
		return fmt.Errorf("recompute unread: %w", err)
	}
	return nil
}
