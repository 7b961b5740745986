package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// ApplyResult summarizes what ApplyDeltas changed.
type ApplyResult struct {
	Applied   int
	Skipped   int
	Watermark int64
	// Chats lists the ids of chats touched by applied deltas.
	Chats []string
}

// ApplyDeltas applies every delta of one sync round and advances the
// watermark to watermark in a single transaction. Each delta is guarded by
// its timestamp, so applying the same deltas again changes nothing.
func (db *DB) ApplyDeltas(deltas []model.ChatDelta, watermark int64) (*ApplyResult, error) {
	res := &ApplyResult{}
	touched := map[string]bool{}
	err := db.withTx("apply deltas", func(tx *sql.Tx) error {
		for i := range deltas {
			applied, err := applyDelta(tx, &deltas[i])
			if err != nil {
				return fmt.Errorf("delta %d (%s %s): %w", i, deltas[i].Kind, deltas[i].ChatID, err)
			}
			if !applied {
				res.Skipped++
				continue
			}
			res.Applied++
			if !touched[deltas[i].ChatID] {
				touched[deltas[i].ChatID] = true
				res.Chats = append(res.Chats, deltas[i].ChatID)
			}
		}
		for _, id := range res.Chats {
			if err := recomputeUnread(tx, id); err != nil {
				return err
			}
		}
		var err error
		res.Watermark, err = advanceWatermark(tx, watermark)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func applyDelta(q querier, d *model.ChatDelta) (bool, error) {
	switch d.Kind {
	case model.DeltaChatCreated, model.DeltaChatUpdated:
		applied := false
		if d.Metadata != nil {
			ok, err := upsertChat(q, d.ChatID, d.Metadata, d.Timestamp)
			if err != nil {
				return false, err
			}
			applied = ok
		}
		exists, err := chatExists(q, d.ChatID)
		if err != nil || !exists {
			return applied, err
		}
		for i := range d.Messages {
			m := d.Messages[i]
			m.ChatID = d.ChatID
			if m.UpdatedAt == 0 {
				m.UpdatedAt = d.Timestamp
			}
			ok, err := upsertMessage(q, &m)
			if err != nil {
				return false, err
			}
			applied = applied || ok
		}
		for _, id := range d.DeletedMessageIDs {
			ok, err := deleteMessage(q, id, d.Timestamp)
			if err != nil {
				return false, err
			}
			applied = applied || ok
		}
		return applied, nil

	case model.DeltaChatDeleted:
		res, err := q.Exec(`DELETE FROM chats WHERE id = ? AND updated_at <= ?`, d.ChatID, d.Timestamp)
		if err != nil {
			return false, fmt.Errorf("delete chat: %w", err)
		}
		if err := putTombstone(q, "chat", d.ChatID, d.Timestamp); err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	return false, fmt.Errorf("unknown delta kind %q", d.Kind)
}

func chatExists(q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRow(`SELECT COUNT(*) FROM chats WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
