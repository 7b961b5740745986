package model

import (
	"fmt"
	"slices"
)

// SettingKey identifies a per-user setting.
type SettingKey string

const (
	KeyUILanguage    SettingKey = "ui_language"
	KeyTheme         SettingKey = "theme"
	KeyNotifications SettingKey = "notifications"
)

// AllSettingKeys lists the keys every user has a row for.
var AllSettingKeys = []SettingKey{KeyUILanguage, KeyTheme, KeyNotifications}

var allowedValues = map[SettingKey][]string{
	KeyUILanguage:    {"en", "de"},
	KeyTheme:         {"system", "light", "dark"},
	KeyNotifications: {"on", "off"},
}

var defaultValues = map[SettingKey]string{
	KeyUILanguage:    "en",
	KeyTheme:         "system",
	KeyNotifications: "on",
}

// ParseSettingKey returns the key for s, or false if it is unknown.
func ParseSettingKey(s string) (SettingKey, bool) {
	k := SettingKey(s)
	_, ok := allowedValues[k]
	return k, ok
}

// DefaultValue returns the built-in value for key.
func DefaultValue(key SettingKey) string {
	return defaultValues[key]
}

// ValidateSetting checks that value is allowed for key.
func ValidateSetting(key SettingKey, value string) error {
	allowed, ok := allowedValues[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
	}
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidSetting, value, key)
	}
	return nil
}

// SyncStatus is the replication state of one setting row.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncFailed  SyncStatus = "failed"
)

// Setting is a versioned per-user value.
//
// LocalVersion starts at 1 and is bumped by every local edit. SyncedVersion
// is the LocalVersion last acknowledged by the server. ServerVersion is the
// last version observed from the server, 0 when none is known.
type Setting struct {
	UserID        string     `json:"user_id"`
	Key           SettingKey `json:"key"`
	Value         string     `json:"value"`
	LocalVersion  int        `json:"local_version"`
	SyncedVersion int        `json:"synced_version"`
	ServerVersion int        `json:"server_version"`
	ModifiedAt    int64      `json:"modified_at"`
	SyncStatus    SyncStatus `json:"sync_status"`
	SyncedAt      int64      `json:"synced_at,omitempty"`
}

// Pending reports whether a local edit has not been acknowledged yet.
func (s *Setting) Pending() bool { return s.LocalVersion > s.SyncedVersion }

// DefaultSetting returns a fresh, never-synced row holding the built-in value.
func DefaultSetting(userID string, key SettingKey, now int64) Setting {
	return Setting{
		UserID:       userID,
		Key:          key,
		Value:        DefaultValue(key),
		LocalVersion: 1,
		ModifiedAt:   now,
		SyncStatus:   SyncPending,
	}
}

// RemoteSettingState classifies a setting returned by the server.
type RemoteSettingState int

const (
	RemoteValid RemoteSettingState = iota
	RemoteMissing
	RemoteInvalidValue
)

// SettingSnapshot is the server's view of one setting.
type SettingSnapshot struct {
	Key           SettingKey `json:"key"`
	Value         string     `json:"value"`
	ServerVersion int        `json:"version"`
	ModifiedAt    int64      `json:"modified_at"`
}

// ConflictWinner names the side whose value survived a conflict.
type ConflictWinner string

const (
	WinnerLocal  ConflictWinner = "local"
	WinnerRemote ConflictWinner = "remote"
)

// ConflictEvent reports a concurrent local and remote change of one setting.
type ConflictEvent struct {
	UserID        string         `json:"user_id"`
	Key           SettingKey     `json:"key"`
	Winner        ConflictWinner `json:"winner"`
	LocalValue    string         `json:"local_value"`
	ServerValue   string         `json:"server_value"`
	AcceptedValue string         `json:"accepted_value"`
	ConflictedAt  int64          `json:"conflicted_at"`
}

// Settings is the resolved value set for one user.
type Settings struct {
	UILanguage    string `json:"ui_language"`
	Theme         string `json:"theme"`
	Notifications string `json:"notifications"`
}

// SettingsFrom folds rows into Settings, using defaults for missing keys.
func SettingsFrom(rows []Setting) Settings {
	s := Settings{
		UILanguage:    DefaultValue(KeyUILanguage),
		Theme:         DefaultValue(KeyTheme),
		Notifications: DefaultValue(KeyNotifications),
	}
	for _, r := range rows {
		switch r.Key {
		case KeyUILanguage:
			s.UILanguage = r.Value
		case KeyTheme:
			s.Theme = r.Value
		case KeyNotifications:
			s.Notifications = r.Value
		}
	}
	return s
}

// SettingsState is the lifecycle of a user's settings.
type SettingsState string

const (
	SettingsEmpty    SettingsState = "empty"
	SettingsDefault  SettingsState = "default"
	SettingsInSync   SettingsState = "in_sync"
	SettingsModified SettingsState = "modified"
)

// SettingsMetadata describes where the current settings came from.
type SettingsMetadata struct {
	IsDefault      bool  `json:"is_default"`
	LastModifiedAt int64 `json:"last_modified_at"`
	LastSyncedAt   int64 `json:"last_synced_at,omitempty"`
}

func (m SettingsMetadata) State() SettingsState {
	switch {
	case m.LastModifiedAt == 0:
		return SettingsEmpty
	case m.IsDefault && m.LastSyncedAt == 0:
		return SettingsDefault
	case m.LastSyncedAt != 0 && m.LastModifiedAt <= m.LastSyncedAt:
		return SettingsInSync
	case m.LastSyncedAt != 0:
		return SettingsModified
	}
	return SettingsEmpty
}

// MetadataFrom derives metadata from the stored rows.
func MetadataFrom(rows []Setting) SettingsMetadata {
	var m SettingsMetadata
	if len(rows) == 0 {
		return m
	}
	m.IsDefault = true
	for _, r := range rows {
		m.LastModifiedAt = max(m.LastModifiedAt, r.ModifiedAt)
		m.LastSyncedAt = max(m.LastSyncedAt, r.SyncedAt)
		if r.ServerVersion != 0 || r.LocalVersion != 1 || r.Value != DefaultValue(r.Key) {
			m.IsDefault = false
		}
	}
	return m
}
