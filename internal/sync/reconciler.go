package sync

import (
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const (
	keyLastRoundAt     = "sync.last_round_at"
	keyLastRoundDeltas = "sync.last_round_deltas"
	keyLastError       = "sync.last_error"
	keyLastErrorAt     = "sync.last_error_at"
)

// Status is the persisted bookkeeping of the sync loop.
type Status struct {
	Watermark    int64
	HasWatermark bool
	LastRoundAt  int64
	LastDeltas   int
	LastError    string
	LastErrorAt  int64
}

// Reconciler manages sync round checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// RecordSuccess stores the time and size of a completed round and clears
// the last error.
func (r *Reconciler) RecordSuccess(round bus.SyncRound, at time.Time) error {
	if err := r.db.SetCheckpoint(keyLastRoundAt, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		return err
	}
	if err := r.db.SetCheckpoint(keyLastRoundDeltas, strconv.Itoa(round.Deltas)); err != nil {
		return err
	}
	return r.db.SetCheckpoint(keyLastError, "")
}

// RecordFailure stores the error of a failed round.
func (r *Reconciler) RecordFailure(err error, at time.Time) error {
	if cerr := r.db.SetCheckpoint(keyLastError, err.Error()); cerr != nil {
		return cerr
	}
	return r.db.SetCheckpoint(keyLastErrorAt, strconv.FormatInt(at.UnixMilli(), 10))
}

// Status reads every checkpoint.
func (r *Reconciler) Status() (*Status, error) {
	var s Status
	var err error
	if s.Watermark, s.HasWatermark, err = r.db.GetLastSyncTimestamp(); err != nil {
		return nil, err
	}
	if s.LastRoundAt, err = r.int64Checkpoint(keyLastRoundAt); err != nil {
		return nil, err
	}
	deltas, err := r.int64Checkpoint(keyLastRoundDeltas)
	if err != nil {
		return nil, err
	}
	s.LastDeltas = int(deltas)
	if s.LastError, _, err = r.db.Checkpoint(keyLastError); err != nil {
		return nil, err
	}
	if s.LastErrorAt, err = r.int64Checkpoint(keyLastErrorAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Reconciler) int64Checkpoint(key string) (int64, error) {
	v, ok, err := r.db.Checkpoint(key)
	if err != nil || !ok || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed checkpoint", zap.String("key", key), zap.String("value", v))
		return 0, nil
	}
	return n, nil
}
