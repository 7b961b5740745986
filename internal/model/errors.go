package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNetworkNotAvailable means the device has no connectivity.
	ErrNetworkNotAvailable = errors.New("network not available")
	// ErrRemoteUnreachable means the remote timed out or refused the connection.
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("remote error")

	ErrChatNotFound     = errors.New("chat not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrStorageCorrupted = errors.New("local storage corrupted")

	// ErrSettingsResetToDefaults reports that settings were unreadable locally
	// and unavailable remotely, so built-in defaults were written instead.
	ErrSettingsResetToDefaults = errors.New("settings reset to defaults")

	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidSetting = errors.New("invalid setting")

	// ErrUnsupported is returned by collaborators that do not implement an operation.
	ErrUnsupported = errors.New("unsupported operation")
)

// Remote error codes reported by the chat service.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeAlreadyJoined     = "ALREADY_JOINED"
	CodeChatClosed        = "CHAT_CLOSED"
	CodeChatFull          = "CHAT_FULL"
	CodeExpiredInviteLink = "EXPIRED_INVITE_LINK"
	CodeInvalidInviteLink = "INVALID_INVITE_LINK"
	CodeUserBlocked       = "USER_BLOCKED"
	CodeCooldown          = "COOLDOWN_ACTIVE"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeConflict          = "CONFLICT"
	CodeChatNotFound      = "CHAT_NOT_FOUND"
	CodeMessageNotFound   = "MESSAGE_NOT_FOUND"
)

// RemoteError is an application error returned by the remote.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// HasCode reports whether err is a RemoteError with the given code.
func HasCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// LocalStorageError wraps a failure of the local store.
type LocalStorageError struct {
	Op  string
	Err error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage: %s: %v", e.Op, e.Err)
}

func (e *LocalStorageError) Unwrap() error { return e.Err }

// IsLocal reports whether err came from the local store.
func IsLocal(err error) bool {
	var le *LocalStorageError
	return errors.As(err, &le)
}

// IsTransient reports whether err is a connectivity failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkNotAvailable) || errors.Is(err, ErrRemoteUnreachable)
}
