package model

// Chat is the locally cached view of a conversation. Messages are ordered by CreatedAt.
type Chat struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	PictureURL          string        `json:"picture_url,omitempty"`
	Participants        []Participant `json:"participants"`
	Messages            []Message     `json:"messages"`
	Rules               []Rule        `json:"rules,omitempty"`
	UnreadMessagesCount int           `json:"unread_messages_count"`
	LastReadMessageID   string        `json:"last_read_message_id,omitempty"`
	IsClosed            bool          `json:"is_closed,omitempty"`
	IsArchived          bool          `json:"is_archived,omitempty"`
	IsOneToOne          bool          `json:"is_one_to_one,omitempty"`
	// UpdatedAt is the authoritative modification time (unix ms) used to
	// order competing writes.
	UpdatedAt int64 `json:"updated_at"`
}

// Participant is a member of a chat.
type Participant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PictureURL  string `json:"picture_url,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
	OnlineAt    int64  `json:"online_at,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	IsModerator bool   `json:"is_moderator,omitempty"`
}

// RuleKind names a chat policy.
type RuleKind string

const (
	RuleCanNotWriteAfterJoining  RuleKind = "can_not_write_after_joining"
	RuleDebounce                 RuleKind = "debounce"
	RuleEditWindow               RuleKind = "edit_window"
	RuleSenderIDCanNotChange     RuleKind = "sender_id_can_not_change"
	RuleRecipientCanNotChange    RuleKind = "recipient_can_not_change"
	RuleCreationTimeCanNotChange RuleKind = "creation_time_can_not_change"
	RuleDeleteWindow             RuleKind = "delete_window"
	RuleSenderCanDeleteOwn       RuleKind = "sender_can_delete_own"
	RuleAdminCanDeleteAny        RuleKind = "admin_can_delete_any"
	RuleModeratorCanDeleteAny    RuleKind = "moderator_can_delete_any"
	RuleNoDeleteAfterDelivered   RuleKind = "no_delete_after_delivered"
	RuleDeleteForEveryoneWindow  RuleKind = "delete_for_everyone_window"
	RuleOnlyAdminCanDelete       RuleKind = "only_admin_can_delete"
)

// Rule is a chat policy. DurationMs is only meaningful for windowed kinds.
type Rule struct {
	Kind       RuleKind `json:"kind"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

// ChatPreview is the list-view projection of a Chat. It is derived on read
// and never stored on its own.
type ChatPreview struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	PictureURL          string        `json:"picture_url,omitempty"`
	Participants        []Participant `json:"participants"`
	Rules               []Rule        `json:"rules,omitempty"`
	UnreadMessagesCount int           `json:"unread_messages_count"`
	LastReadMessageID   string        `json:"last_read_message_id,omitempty"`
	LastMessage         *Message      `json:"last_message,omitempty"`
	LastActivityAt      int64         `json:"last_activity_at,omitempty"`
}

// PreviewOf projects a chat into its preview.
func PreviewOf(c *Chat) ChatPreview {
	p := ChatPreview{
		ID:                  c.ID,
		Name:                c.Name,
		PictureURL:          c.PictureURL,
		Participants:        c.Participants,
		Rules:               c.Rules,
		UnreadMessagesCount: c.UnreadMessagesCount,
		LastReadMessageID:   c.LastReadMessageID,
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		p.LastMessage = &last
		p.LastActivityAt = last.CreatedAt
	}
	return p
}

// CountUnread returns the number of messages ordered after lastReadID that
// were not authored by selfID. msgs must be ordered by CreatedAt. An empty or
// unknown lastReadID counts every message from others.
func CountUnread(msgs []Message, lastReadID, selfID string) int {
	start := 0
	if lastReadID != "" {
		for i, m := range msgs {
			if m.ID == lastReadID {
				start = i + 1
				break
			}
		}
	}
	n := 0
	for _, m := range msgs[start:] {
		if m.SenderID != selfID {
			n++
		}
	}
	return n
}
