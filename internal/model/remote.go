package model

// ConnectionState is the state of the push connection to the remote.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
)

// StatusUpdate is one element of the transport's send stream. Err is set
// when the transport failed; Status is meaningless then.
type StatusUpdate struct {
	Status DeliveryStatus `json:"status"`
	At     int64          `json:"at,omitempty"`
	Err    error          `json:"-"`
}

// SettingSyncRequest pushes one local edit to the server.
type SettingSyncRequest struct {
	Key                    SettingKey `json:"key"`
	Value                  string     `json:"value"`
	ClientVersion          int        `json:"client_version"`
	LastKnownServerVersion int        `json:"last_known_server_version"`
	ModifiedAt             int64      `json:"modified_at"`
}

// SettingSyncStatus tags a SettingSyncResult.
type SettingSyncStatus string

const (
	SettingSyncSuccess  SettingSyncStatus = "success"
	SettingSyncConflict SettingSyncStatus = "conflict"
)

// SettingSyncResult is the server's answer to a SettingSyncRequest. The
// Server* fields are set for conflicts only.
type SettingSyncResult struct {
	Key              SettingKey        `json:"key"`
	Status           SettingSyncStatus `json:"status"`
	NewVersion       int               `json:"new_version"`
	ServerValue      string            `json:"server_value,omitempty"`
	ServerVersion    int               `json:"server_version,omitempty"`
	ServerModifiedAt int64             `json:"server_modified_at,omitempty"`
}

// Snapshot returns the server side of a conflict result.
func (r *SettingSyncResult) Snapshot() SettingSnapshot {
	return SettingSnapshot{
		Key:           r.Key,
		Value:         r.ServerValue,
		ServerVersion: r.ServerVersion,
		ModifiedAt:    r.ServerModifiedAt,
	}
}
