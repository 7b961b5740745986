package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	"go.uber.org/zap"
)

// Remote is the server side of settings replication.
type Remote interface {
	GetSettings(ctx context.Context, userID string) ([]model.SettingSnapshot, error)
	SyncSetting(ctx context.Context, userID string, req model.SettingSyncRequest) (*model.SettingSyncResult, error)
	SyncSettings(ctx context.Context, userID string, reqs []model.SettingSyncRequest) ([]model.SettingSyncResult, error)
}

// Scheduler queues background sync work. Both calls return immediately.
type Scheduler interface {
	ScheduleSettingSync(userID string, key model.SettingKey)
	SchedulePeriodicSync()
}

// Outcome tells the scheduler what to do with a sync job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeSkipped Outcome = "skipped"
)

// Snapshot is one emission of ObserveSettings.
type Snapshot struct {
	Settings    model.Settings
	Metadata    model.SettingsMetadata
	UpdateError error
}

const conflictBuffer = 10

// Service owns the settings rows of every user on this device.
type Service struct {
	db        *store.DB
	remote    Remote
	scheduler Scheduler
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	locks     *lock.Keyed
	now       func() int64

	mu        sync.Mutex
	errs      map[string]error
	conflicts map[int]chan model.ConflictEvent
	nextSub   int
}

// NewService creates a settings service. scheduler may be nil, in which
// case edits are only pushed by explicit SyncSetting calls.
func NewService(db *store.DB, remote Remote, scheduler Scheduler, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		remote:    remote,
		scheduler: scheduler,
		bus:       b,
		metrics:   m,
		logger:    logger.Named("settings"),
		locks:     lock.NewKeyed(),
		now:       func() int64 { return time.Now().UnixMilli() },
		errs:      make(map[string]error),
		conflicts: make(map[int]chan model.ConflictEvent),
	}
}

func lockKey(userID string, key model.SettingKey) string {
	return userID + "\x00" + string(key)
}

// ObserveSettings streams the resolved settings of userID. The first
// emission comes from the local store; a user without rows is recovered
// from the remote first. If recovery fails, ErrSettingsResetToDefaults is
// emitted once, followed by the defaults.
func (s *Service) ObserveSettings(ctx context.Context, userID string) <-chan stream.Result[Snapshot] {
	out := make(chan stream.Result[Snapshot], 1)
	go func() {
		defer close(out)
		events, unsub := s.bus.Subscribe("settings.", 16)
		defer unsub()

		emit := func(r stream.Result[Snapshot]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		rows, err := s.db.ListSettings(userID)
		if err != nil {
			emit(stream.Fail[Snapshot](err))
			return
		}
		if len(rows) == 0 {
			if err := s.Recover(ctx, userID); err != nil {
				if !errors.Is(err, model.ErrSettingsResetToDefaults) {
					emit(stream.Fail[Snapshot](err))
					return
				}
				if !emit(stream.Fail[Snapshot](err)) {
					return
				}
			}
		}

		var last *Snapshot
		for {
			snap, err := s.snapshot(userID)
			if err != nil {
				emit(stream.Fail[Snapshot](err))
				return
			}
			switch {
			case last == nil:
				// Blocking, so a preceding reset error is not conflated away.
				if !emit(stream.Ok(*snap)) {
					return
				}
				last = snap
			case !sameSnapshot(*last, *snap):
				last = snap
				stream.Offer(out, stream.Ok(*snap))
			}

			for wait := true; wait; {
				select {
				case <-ctx.Done():
					return
				case e := <-events:
					ref, ok := e.Payload.(bus.SettingRef)
					wait = ok && ref.UserID != userID
				}
			}
		}
	}()
	return out
}

func (s *Service) snapshot(userID string) (*Snapshot, error) {
	rows, err := s.db.ListSettings(userID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Settings:    model.SettingsFrom(rows),
		Metadata:    model.MetadataFrom(rows),
		UpdateError: s.updateError(userID),
	}, nil
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Settings != b.Settings || a.Metadata != b.Metadata {
		return false
	}
	if a.UpdateError == nil || b.UpdateError == nil {
		return a.UpdateError == b.UpdateError
	}
	return a.UpdateError.Error() == b.UpdateError.Error()
}

func (s *Service) updateError(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[userID]
}

func (s *Service) setUpdateError(userID string, err error) {
	s.mu.Lock()
	s.errs[userID] = err
	s.mu.Unlock()
}

func (s *Service) changed(userID string, key model.SettingKey) {
	s.bus.Emit(bus.SettingsChanged, bus.SettingRef{UserID: userID, Key: string(key)})
}

// ChangeSetting records a local edit and schedules its push. Setting a key
// to its current value is a no-op.
func (s *Service) ChangeSetting(ctx context.Context, userID string, key model.SettingKey, value string) error {
	if err := model.ValidateSetting(key, value); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(lockKey(userID, key))
	defer unlock()

	cur, err := s.db.GetSetting(userID, key)
	if err != nil {
		return err
	}
	var next model.Setting
	if cur == nil {
		next = model.DefaultSetting(userID, key, 0)
		next.LocalVersion = 0
	} else {
		if cur.Value == value {
			return nil
		}
		next = *cur
	}
	next.Value = value
	next.LocalVersion = max(next.LocalVersion, next.SyncedVersion) + 1
	next.ModifiedAt = s.now()
	next.SyncStatus = model.SyncPending
	if err := s.db.UpsertSetting(&next); err != nil {
		return err
	}

	s.setUpdateError(userID, nil)
	s.changed(userID, key)
	s.logger.Debug("setting changed", zap.String("user_id", userID), zap.String("key", string(key)), zap.Int("local_version", next.LocalVersion))
	if s.scheduler != nil {
		s.scheduler.ScheduleSettingSync(userID, key)
	}
	return nil
}

// SyncSetting pushes one pending edit to the remote.
func (s *Service) SyncSetting(ctx context.Context, userID string, key model.SettingKey) (Outcome, error) {
	unlock := s.locks.Lock(lockKey(userID, key))
	defer unlock()

	cur, err := s.db.GetSetting(userID, key)
	if err != nil {
		return OutcomeRetry, err
	}
	if cur == nil || !cur.Pending() {
		s.metrics.SettingSyncs.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	cur.SyncStatus = model.SyncSyncing
	if err := s.db.UpsertSetting(cur); err != nil {
		return OutcomeRetry, err
	}
	res, err := s.remote.SyncSetting(ctx, userID, request(cur))
	if err != nil {
		return s.fail(userID, []model.Setting{*cur}, err)
	}
	if err := s.applyResult(userID, cur, res); err != nil {
		return OutcomeRetry, err
	}
	s.setUpdateError(userID, nil)
	s.changed(userID, key)
	return s.outcomeOf(cur, res), nil
}

// SyncAllPending pushes every pending edit of userID in one batch.
func (s *Service) SyncAllPending(ctx context.Context, userID string) (Outcome, error) {
	pending, err := s.db.PendingSettings(userID)
	if err != nil {
		return OutcomeRetry, err
	}
	if len(pending) == 0 {
		return OutcomeSkipped, nil
	}

	// Keys are locked in the store's key order.
	locked := make(map[model.SettingKey]bool, len(pending))
	for _, p := range pending {
		unlock := s.locks.Lock(lockKey(userID, p.Key))
		defer unlock()
		locked[p.Key] = true
	}
	// Re-read under the locks; an edit may have landed in between. Keys that
	// became pending meanwhile are left to their own job.
	fresh, err := s.db.PendingSettings(userID)
	if err != nil {
		return OutcomeRetry, err
	}
	pending = pending[:0]
	for _, p := range fresh {
		if locked[p.Key] {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return OutcomeSkipped, nil
	}
	reqs := make([]model.SettingSyncRequest, 0, len(pending))
	for i := range pending {
		pending[i].SyncStatus = model.SyncSyncing
		reqs = append(reqs, request(&pending[i]))
	}
	if err := s.db.UpsertSettings(pending); err != nil {
		return OutcomeRetry, err
	}

	results, err := s.remote.SyncSettings(ctx, userID, reqs)
	if err != nil {
		return s.fail(userID, pending, err)
	}
	byKey := make(map[model.SettingKey]*model.SettingSyncResult, len(results))
	for i := range results {
		byKey[results[i].Key] = &results[i]
	}

	outcome := OutcomeSuccess
	for i := range pending {
		cur := &pending[i]
		res, ok := byKey[cur.Key]
		if !ok {
			s.logger.Warn("no sync result for setting", zap.String("user_id", userID), zap.String("key", string(cur.Key)))
			cur.SyncStatus = model.SyncPending
			if err := s.db.UpsertSetting(cur); err != nil {
				return OutcomeRetry, err
			}
			outcome = OutcomeRetry
			continue
		}
		if err := s.applyResult(userID, cur, res); err != nil {
			return OutcomeRetry, err
		}
		if s.outcomeOf(cur, res) == OutcomeRetry {
			outcome = OutcomeRetry
		}
	}
	s.setUpdateError(userID, nil)
	s.changed(userID, "")
	return outcome, nil
}

func request(cur *model.Setting) model.SettingSyncRequest {
	return model.SettingSyncRequest{
		Key:                    cur.Key,
		Value:                  cur.Value,
		ClientVersion:          cur.LocalVersion,
		LastKnownServerVersion: cur.ServerVersion,
		ModifiedAt:             cur.ModifiedAt,
	}
}

// fail marks rows as failed and keeps their versions.
func (s *Service) fail(userID string, rows []model.Setting, cause error) (Outcome, error) {
	s.metrics.SettingSyncs.WithLabelValues("error").Inc()
	s.logger.Warn("setting sync failed", zap.String("user_id", userID), zap.Error(cause))
	for i := range rows {
		rows[i].SyncStatus = model.SyncFailed
	}
	if err := s.db.UpsertSettings(rows); err != nil {
		s.logger.Warn("failed to mark settings as failed", zap.Error(err))
	}
	s.setUpdateError(userID, cause)
	s.changed(userID, "")
	return OutcomeRetry, cause
}

// applyResult writes the server's answer for cur back to the store.
func (s *Service) applyResult(userID string, cur *model.Setting, res *model.SettingSyncResult) error {
	switch res.Status {
	case model.SettingSyncSuccess:
		s.metrics.SettingSyncs.WithLabelValues(string(OutcomeSuccess)).Inc()
		cur.SyncedVersion = cur.LocalVersion
		cur.ServerVersion = res.NewVersion
		cur.SyncStatus = model.SyncSynced
		cur.SyncedAt = s.now()
		return s.db.UpsertSetting(cur)

	case model.SettingSyncConflict:
		s.metrics.SettingSyncs.WithLabelValues("conflict").Inc()
		r := Resolve(*cur, res.Snapshot(), s.now())
		if !r.Changed {
			// The server reported a conflict without a newer version.
			cur.SyncStatus = model.SyncPending
			return s.db.UpsertSetting(cur)
		}
		*cur = r.Setting
		if err := s.db.UpsertSetting(cur); err != nil {
			return err
		}
		if r.Conflict != nil {
			s.publishConflict(*r.Conflict)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown sync status %q for %s", model.ErrRemote, res.Status, res.Key)
}

// outcomeOf tells whether cur still needs a push after res was applied.
func (s *Service) outcomeOf(cur *model.Setting, res *model.SettingSyncResult) Outcome {
	if res.Status == model.SettingSyncConflict && cur.Pending() {
		return OutcomeRetry
	}
	return OutcomeSuccess
}

// Refresh pulls the server's settings and folds every newer value into the
// local rows.
func (s *Service) Refresh(ctx context.Context, userID string) error {
	snaps, err := s.remote.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	changed := false
	for _, snap := range snaps {
		if _, ok := model.ParseSettingKey(string(snap.Key)); !ok {
			continue
		}
		err := func() error {
			unlock := s.locks.Lock(lockKey(userID, snap.Key))
			defer unlock()
			cur, err := s.db.GetSetting(userID, snap.Key)
			if err != nil || cur == nil {
				return err
			}
			r := Resolve(*cur, snap, now)
			if !r.Changed {
				return nil
			}
			if err := s.db.UpsertSetting(&r.Setting); err != nil {
				return err
			}
			changed = true
			if r.Conflict != nil {
				s.publishConflict(*r.Conflict)
			}
			return nil
		}()
		if err != nil {
			return err
		}
	}
	if changed || s.updateError(userID) != nil {
		s.setUpdateError(userID, nil)
		s.changed(userID, "")
	}
	return nil
}

// Recover rebuilds every row of userID from the remote. Valid server values
// are adopted as synced, missing keys get a pending default and invalid
// values are replaced by the default at the server's version. If the remote
// is unavailable, clean defaults are written for keys without a row and
// ErrSettingsResetToDefaults is returned.
func (s *Service) Recover(ctx context.Context, userID string) error {
	now := s.now()
	snaps, err := s.remote.GetSettings(ctx, userID)
	if err != nil {
		s.logger.Warn("settings recovery failed, using defaults", zap.String("user_id", userID), zap.Error(err))
		existing, rerr := s.db.ListSettings(userID)
		if rerr != nil {
			return rerr
		}
		have := make(map[model.SettingKey]bool, len(existing))
		for _, r := range existing {
			have[r.Key] = true
		}
		rows := make([]model.Setting, 0, len(model.AllSettingKeys))
		for _, key := range model.AllSettingKeys {
			if have[key] {
				continue
			}
			row := model.DefaultSetting(userID, key, now)
			// Not pending: a later pull must not lose to these defaults.
			row.SyncedVersion = row.LocalVersion
			row.SyncStatus = model.SyncSynced
			rows = append(rows, row)
		}
		if werr := s.db.UpsertSettings(rows); werr != nil {
			return werr
		}
		reset := fmt.Errorf("%w: %w", model.ErrSettingsResetToDefaults, err)
		s.setUpdateError(userID, reset)
		s.changed(userID, "")
		return reset
	}

	byKey := make(map[model.SettingKey]model.SettingSnapshot, len(snaps))
	for _, snap := range snaps {
		byKey[snap.Key] = snap
	}
	rows := make([]model.Setting, 0, len(model.AllSettingKeys))
	var missing []model.SettingKey
	for _, key := range model.AllSettingKeys {
		snap, ok := byKey[key]
		row := model.DefaultSetting(userID, key, now)
		switch classify(key, snap, ok) {
		case model.RemoteValid:
			row = adopt(row, snap, now)
		case model.RemoteMissing:
			missing = append(missing, key)
		case model.RemoteInvalidValue:
			v := max(snap.ServerVersion, 1)
			row.LocalVersion, row.SyncedVersion, row.ServerVersion = v, v, snap.ServerVersion
			row.SyncStatus = model.SyncSynced
			row.SyncedAt = now
		}
		rows = append(rows, row)
	}
	if err := s.db.UpsertSettings(rows); err != nil {
		return err
	}
	s.setUpdateError(userID, nil)
	s.changed(userID, "")
	s.logger.Info("settings recovered", zap.String("user_id", userID), zap.Int("missing", len(missing)))
	if s.scheduler != nil {
		for _, key := range missing {
			s.scheduler.ScheduleSettingSync(userID, key)
		}
	}
	return nil
}

func classify(key model.SettingKey, snap model.SettingSnapshot, ok bool) model.RemoteSettingState {
	switch {
	case !ok || snap.ServerVersion <= 0:
		return model.RemoteMissing
	case model.ValidateSetting(key, snap.Value) != nil:
		return model.RemoteInvalidValue
	}
	return model.RemoteValid
}

// Users lists every user with stored settings.
func (s *Service) Users() ([]string, error) { return s.db.SettingUsers() }

// Get returns the current snapshot of userID without touching the remote.
func (s *Service) Get(userID string) (*Snapshot, error) { return s.snapshot(userID) }

// Rows returns the stored rows of userID.
func (s *Service) Rows(userID string) ([]model.Setting, error) { return s.db.ListSettings(userID) }

// Conflicts returns the persisted conflict log of userID, newest first.
func (s *Service) Conflicts(userID string, limit int) ([]model.ConflictEvent, error) {
	return s.db.ListConflicts(userID, limit)
}

// ConflictEvents subscribes to resolved conflicts until ctx ends. Events are
// dropped for a subscriber whose buffer is full.
func (s *Service) ConflictEvents(ctx context.Context) <-chan model.ConflictEvent {
	ch := make(chan model.ConflictEvent, conflictBuffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.conflicts[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.conflicts, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Service) publishConflict(e model.ConflictEvent) {
	s.metrics.SettingConflicts.WithLabelValues(string(e.Winner)).Inc()
	if err := s.db.RecordConflict(&e); err != nil {
		s.logger.Warn("failed to record conflict", zap.Error(err))
	}
	s.logger.Info("setting conflict resolved",
		zap.String("user_id", e.UserID),
		zap.String("key", string(e.Key)),
		zap.String("winner", string(e.Winner)))

	s.mu.Lock()
	for _, ch := range s.conflicts {
		select {
		case ch <- e:
		default:
		}
	}
	s.mu.Unlock()
	s.bus.Emit(bus.SettingsConflict, bus.SettingRef{UserID: e.UserID, Key: string(e.Key)})
}
