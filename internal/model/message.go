package model

import (
	"fmt"
	"unicode/utf8"
)

// MaxTextLength is the longest message body accepted for sending or editing.
const MaxTextLength = 2000

// Message is a chat message. Only Status and the edit fields change after creation.
type Message struct {
	ID          string         `json:"id"`
	ParentID    string         `json:"parent_id,omitempty"`
	ChatID      string         `json:"chat_id"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name,omitempty"`
	Text        string         `json:"text"`
	CreatedAt   int64          `json:"created_at"`
	SentAt      int64          `json:"sent_at,omitempty"`
	DeliveredAt int64          `json:"delivered_at,omitempty"`
	EditedAt    int64          `json:"edited_at,omitempty"`
	Status      DeliveryStatus `json:"status"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Validate checks the message body before it is handed to the remote.
func (m *Message) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("%w: missing chat id", ErrInvalidMessage)
	}
	if m.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(m.Text); n > MaxTextLength {
		return fmt.Errorf("%w: text length %d exceeds %d", ErrInvalidMessage, n, MaxTextLength)
	}
	return nil
}

// DeleteMode selects who loses a deleted message.
type DeleteMode string

const (
	DeleteForSenderOnly DeleteMode = "FOR_SENDER_ONLY"
	DeleteForEveryone   DeleteMode = "FOR_EVERYONE"
)

// StatusKind tags a DeliveryStatus.
type StatusKind string

const (
	StatusSending   StatusKind = "sending"
	StatusSent      StatusKind = "sent"
	StatusDelivered StatusKind = "delivered"
	StatusRead      StatusKind = "read"
	StatusFailed    StatusKind = "failed"
)

// DeliveryStatus is the lifecycle tag of an outgoing message. Progress is
// set for Sending only, Reason for Failed only. The zero value means the
// message has no status yet.
type DeliveryStatus struct {
	Kind     StatusKind `json:"kind,omitempty"`
	Progress int        `json:"progress,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

func Sending(progress int) DeliveryStatus {
	return DeliveryStatus{Kind: StatusSending, Progress: min(max(progress, 0), 100)}
}

func Sent() DeliveryStatus      { return DeliveryStatus{Kind: StatusSent} }
func Delivered() DeliveryStatus { return DeliveryStatus{Kind: StatusDelivered} }
func Read() DeliveryStatus      { return DeliveryStatus{Kind: StatusRead} }

func Failed(reason string) DeliveryStatus {
	return DeliveryStatus{Kind: StatusFailed, Reason: reason}
}

// IsZero reports whether no status has been assigned.
func (s DeliveryStatus) IsZero() bool { return s.Kind == "" }

// Terminal reports whether the status ends a send.
func (s DeliveryStatus) Terminal() bool {
	switch s.Kind {
	case StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

func (s DeliveryStatus) String() string {
	switch s.Kind {
	case "":
		return "none"
	case StatusSending:
		return fmt.Sprintf("sending(%d)", s.Progress)
	case StatusFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return string(s.Kind)
}
