// Package settings replicates per-user settings between the local store and
// the remote with versioned last-writer-wins conflict resolution.
package settings

import "github.com/matheus3301/chatsync/internal/model"

// Resolution is the outcome of comparing a local row with the server's view.
type Resolution struct {
	Setting  model.Setting
	Changed  bool
	Conflict *model.ConflictEvent
}

// Resolve folds a remote snapshot into the local row. It is pure: now is
// only used as the sync and conflict timestamp.
//
// A snapshot that is not newer than the last server version seen locally
// changes nothing. A newer snapshot is adopted when the local row is clean.
// When both sides changed, the later ModifiedAt wins and ties go to local.
func Resolve(local model.Setting, remote model.SettingSnapshot, now int64) Resolution {
	if remote.ServerVersion <= local.ServerVersion {
		return Resolution{Setting: local}
	}
	if model.ValidateSetting(local.Key, remote.Value) != nil {
		return keepLocal(local, remote)
	}
	if !local.Pending() {
		return Resolution{Setting: adopt(local, remote, now), Changed: true}
	}
	return resolveConflict(local, remote, now)
}

// resolveConflict decides between a pending local edit and a newer server
// value.
func resolveConflict(local model.Setting, remote model.SettingSnapshot, now int64) Resolution {
	e := &model.ConflictEvent{
		UserID:       local.UserID,
		Key:          local.Key,
		LocalValue:   local.Value,
		ServerValue:  remote.Value,
		ConflictedAt: now,
	}
	if remote.ModifiedAt > local.ModifiedAt {
		e.Winner, e.AcceptedValue = model.WinnerRemote, remote.Value
		return Resolution{Setting: adopt(local, remote, now), Changed: true, Conflict: e}
	}
	e.Winner, e.AcceptedValue = model.WinnerLocal, local.Value
	res := keepLocal(local, remote)
	res.Conflict = e
	return res
}

func adopt(local model.Setting, remote model.SettingSnapshot, now int64) model.Setting {
	s := local
	s.Value = remote.Value
	s.LocalVersion = remote.ServerVersion
	s.SyncedVersion = remote.ServerVersion
	s.ServerVersion = remote.ServerVersion
	s.ModifiedAt = remote.ModifiedAt
	s.SyncStatus = model.SyncSynced
	s.SyncedAt = now
	return s
}

// keepLocal keeps the local value on top of the newer server version. The
// row stays (or becomes) pending so the next push carries the new base.
func keepLocal(local model.Setting, remote model.SettingSnapshot) Resolution {
	s := local
	s.ServerVersion = remote.ServerVersion
	if !s.Pending() {
		s.LocalVersion = s.SyncedVersion + 1
	}
	s.SyncStatus = model.SyncPending
	return Resolution{Setting: s, Changed: true}
}
