package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Namespaces end with a dot so subscribers can filter by prefix.
const (
	ChatUpserted = "chat.upserted"
	ChatDeleted  = "chat.deleted"

	MessageUpserted      = "message.upserted"
	MessageDeleted       = "message.deleted"
	MessageStatusChanged = "message.status_changed"
	MessagesRead         = "message.read"

	SyncStarted   = "sync.started"
	SyncApplied   = "sync.applied"
	SyncCompleted = "sync.completed"
	SyncFailed    = "sync.failed"

	SettingsChanged  = "settings.changed"
	SettingsConflict = "settings.conflict"

	SessionStatusChanged = "session.status_changed"
	ConnectionChanged    = "session.connection_changed"
)

// ChatRef identifies the chat (and optionally message) an event is about.
type ChatRef struct {
	ChatID    string
	MessageID string
}

// SettingRef identifies the user (and optionally key) a settings event is about.
type SettingRef struct {
	UserID string
	Key    string
}

// SyncRound summarizes one delta-sync round.
type SyncRound struct {
	Pages     int
	Deltas    int
	Watermark int64
	Err       error
}
