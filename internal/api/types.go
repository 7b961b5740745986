package api

import "github.com/matheus3301/chatsync/internal/model"

// Wire messages. Every request and response travels as a google.protobuf.Struct
// holding the JSON form of these types; methods without input take
// google.protobuf.Empty.

type StatusResponse struct {
	Session    string                `json:"session"`
	UserID     string                `json:"user_id"`
	State      string                `json:"state"`
	StateSince int64                 `json:"state_since"`
	Connection model.ConnectionState `json:"connection"`
	Updating   bool                  `json:"updating"`
	Chats      int                   `json:"chats"`
	UptimeMs   int64                 `json:"uptime_ms"`
}

type ChatListResponse struct {
	Chats    []model.ChatPreview `json:"chats"`
	Updating bool                `json:"updating"`
}

type ChatRequest struct {
	ChatID     string `json:"chat_id"`
	InviteLink string `json:"invite_link,omitempty"`
}

type CreateChatRequest struct {
	Chat model.Chat `json:"chat"`
}

type ChatResponse struct {
	Chat *model.Chat `json:"chat,omitempty"`
}

type MessageRequest struct {
	Message model.Message `json:"message"`
}

// MessageResponse is one emission of a send or the result of an edit.
type MessageResponse struct {
	Message model.Message `json:"message"`
}

type DeleteMessageRequest struct {
	MessageID string           `json:"message_id"`
	Mode      model.DeleteMode `json:"mode,omitempty"`
}

type MarkReadRequest struct {
	ChatID        string `json:"chat_id"`
	UptoMessageID string `json:"upto_message_id"`
}

type SyncRoundResponse struct {
	Pages     int   `json:"pages"`
	Deltas    int   `json:"deltas"`
	Applied   int   `json:"applied"`
	Watermark int64 `json:"watermark"`
}

type SyncStatusResponse struct {
	Watermark    int64  `json:"watermark"`
	HasWatermark bool   `json:"has_watermark"`
	Updating     bool   `json:"updating"`
	LastRoundAt  int64  `json:"last_round_at,omitempty"`
	LastDeltas   int    `json:"last_deltas"`
	LastError    string `json:"last_error,omitempty"`
	LastErrorAt  int64  `json:"last_error_at,omitempty"`
}

type SettingsRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type SettingsResponse struct {
	UserID      string                 `json:"user_id"`
	Settings    model.Settings         `json:"settings"`
	Metadata    model.SettingsMetadata `json:"metadata"`
	State       model.SettingsState    `json:"state"`
	Rows        []model.Setting        `json:"rows"`
	UpdateError string                 `json:"update_error,omitempty"`
}

type SetSettingRequest struct {
	UserID string `json:"user_id,omitempty"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

type ConflictsRequest struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ConflictsResponse struct {
	Conflicts []model.ConflictEvent `json:"conflicts"`
}

type WatchRequest struct {
	// Namespaces filters events by kind prefix, for example "chat." or
	// "sync.". Empty means every event.
	Namespaces []string `json:"namespaces,omitempty"`
}

// Event is one bus event forwarded to a watcher.
type Event struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	At      int64  `json:"at"`
	Payload any    `json:"payload,omitempty"`
}
