package model

// DeltaKind tags a ChatDelta.
type DeltaKind string

const (
	DeltaChatCreated DeltaKind = "chat_created"
	DeltaChatUpdated DeltaKind = "chat_updated"
	DeltaChatDeleted DeltaKind = "chat_deleted"
)

// ChatMetadata is the chat-level state carried by created and updated deltas.
type ChatMetadata struct {
	Name                string        `json:"name"`
	PictureURL          string        `json:"picture_url,omitempty"`
	Participants        []Participant `json:"participants"`
	Rules               []Rule        `json:"rules,omitempty"`
	UnreadMessagesCount int           `json:"unread_messages_count"`
	LastReadMessageID   string        `json:"last_read_message_id,omitempty"`
	LastActivityAt      int64         `json:"last_activity_at,omitempty"`
	IsClosed            bool          `json:"is_closed,omitempty"`
	IsArchived          bool          `json:"is_archived,omitempty"`
	IsOneToOne          bool          `json:"is_one_to_one,omitempty"`
}

// ChatDelta is one authoritative change to a chat. Timestamp (unix ms) orders
// deltas and guards against re-applying older state.
//
//   - chat_created carries Metadata and Messages (initial history).
//   - chat_updated carries Metadata, Messages (to add or update) and
//     DeletedMessageIDs (tombstones).
//   - chat_deleted carries only ChatID.
type ChatDelta struct {
	Kind              DeltaKind     `json:"kind"`
	ChatID            string        `json:"chat_id"`
	Metadata          *ChatMetadata `json:"metadata,omitempty"`
	Messages          []Message     `json:"messages,omitempty"`
	DeletedMessageIDs []string      `json:"deleted_message_ids,omitempty"`
	Timestamp         int64         `json:"timestamp"`
}

// DeltaPage is one response of the paginated delta feed.
type DeltaPage struct {
	Deltas         []ChatDelta `json:"deltas"`
	HasMoreChanges bool        `json:"has_more_changes"`
	NextCursor     string      `json:"next_cursor,omitempty"`
	ToTimestamp    int64       `json:"to_timestamp,omitempty"`
}

// MaxTimestamp returns the latest delta timestamp in the page, or 0.
func (p *DeltaPage) MaxTimestamp() int64 {
	var ts int64
	for _, d := range p.Deltas {
		ts = max(ts, d.Timestamp)
	}
	return ts
}
