// Package sync runs the background delta reconciliation between the remote
// and the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRoundInFlight is returned when a round is requested while one runs.
var ErrRoundInFlight = errors.New("sync round already in flight")

// DeltaSource is the remote side of the delta feed.
type DeltaSource interface {
	FetchDeltas(ctx context.Context, since int64, cursor string) (*model.DeltaPage, error)
}

// Config tunes the loop.
type Config struct {
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	// TriggerRate and TriggerBurst bound explicit Trigger calls.
	TriggerRate  rate.Limit
	TriggerBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
		PollInterval: 30 * time.Second,
		TriggerRate:  rate.Every(time.Second),
		TriggerBurst: 3,
	}
}

// Round summarizes a successful round.
type Round struct {
	Pages     int
	Deltas    int
	Applied   int
	Watermark int64
	Chats     []string
}

// Loop is the delta-sync loop. At most one round runs at a time.
type Loop struct {
	db      *store.DB
	source  DeltaSource
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	rec     *Reconciler
	cfg     Config

	inFlight atomic.Bool
	updating *stream.State[bool]
	trigger  chan struct{}
	limiter  *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a sync loop.
func NewLoop(db *store.DB, source DeltaSource, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Loop {
	logger = logger.Named("sync")
	return &Loop{
		db:       db,
		source:   source,
		bus:      b,
		metrics:  m,
		logger:   logger,
		rec:      NewReconciler(db, logger),
		cfg:      cfg,
		updating: stream.NewState(false, func(a, b bool) bool { return a == b }),
		trigger:  make(chan struct{}, 1),
		limiter:  rate.NewLimiter(cfg.TriggerRate, max(cfg.TriggerBurst, 1)),
	}
}

// Start runs rounds in the background until ctx ends or Stop is called.
// The first round starts immediately.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop stops the loop and waits for the current round to return.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// Trigger asks for a round soon. Calls are coalesced and rate limited;
// excess calls are dropped.
func (l *Loop) Trigger() {
	if !l.limiter.Allow() {
		return
	}
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// IsUpdating streams whether a round is in flight, replaying the current state.
func (l *Loop) IsUpdating(ctx context.Context) <-chan bool {
	return l.updating.Subscribe(ctx)
}

// Updating reports whether a round is in flight.
func (l *Loop) Updating() bool { return l.updating.Get() }

// Status returns the bookkeeping of the last rounds.
func (l *Loop) Status() (*Status, error) { return l.rec.Status() }

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	var backoff, delay time.Duration
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-l.trigger:
			timer.Stop()
		}

		_, err := l.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrRoundInFlight):
			delay = l.cfg.PollInterval
		case err != nil:
			backoff = nextBackoff(backoff, l.cfg.MinBackoff, l.cfg.MaxBackoff)
			delay = backoff
			l.logger.Warn("sync round failed", zap.Error(err), zap.Duration("retry_in", delay))
		default:
			backoff = 0
			delay = l.cfg.PollInterval
		}
	}
}

// nextBackoff doubles cur within [lo, hi].
func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur <= 0 {
		return lo
	}
	return min(cur*2, hi)
}

// RunOnce fetches every page after the watermark and applies them in one
// transaction. On failure nothing is written.
func (l *Loop) RunOnce(ctx context.Context) (*Round, error) {
	return l.exclusive(ctx, l.round)
}

// exclusive runs body as the single round in flight and reports its outcome.
func (l *Loop) exclusive(ctx context.Context, body func(context.Context) (*Round, error)) (*Round, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRoundInFlight
	}
	defer l.inFlight.Store(false)
	l.updating.Set(true)
	defer l.updating.Set(false)

	start := time.Now()
	l.bus.Emit(bus.SyncStarted, nil)
	round, err := body(ctx)
	l.metrics.RoundDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		l.metrics.SyncRounds.WithLabelValues("error").Inc()
		l.bus.Emit(bus.SyncFailed, bus.SyncRound{Err: err})
		if rerr := l.rec.RecordFailure(err, time.Now()); rerr != nil {
			l.logger.Warn("failed to record sync failure", zap.Error(rerr))
		}
		return nil, err
	}

	l.metrics.SyncRounds.WithLabelValues("ok").Inc()
	l.metrics.DeltasApplied.Add(float64(round.Applied))
	l.metrics.DeltasSkipped.Add(float64(round.Deltas - round.Applied))
	l.metrics.Watermark.Set(float64(round.Watermark))
	summary := bus.SyncRound{Pages: round.Pages, Deltas: round.Deltas, Watermark: round.Watermark}
	if err := l.rec.RecordSuccess(summary, time.Now()); err != nil {
		l.logger.Warn("failed to record sync round", zap.Error(err))
	}
	if round.Applied > 0 {
		l.bus.Emit(bus.SyncApplied, summary)
	}
	l.bus.Emit(bus.SyncCompleted, summary)
	l.logger.Debug("sync round done",
		zap.Int("pages", round.Pages),
		zap.Int("deltas", round.Deltas),
		zap.Int("applied", round.Applied),
		zap.Int64("watermark", round.Watermark))
	return round, nil
}

func (l *Loop) round(ctx context.Context) (*Round, error) {
	since, _, err := l.db.GetLastSyncTimestamp()
	if err != nil {
		return nil, err
	}

	r := &Round{Watermark: since}
	var deltas []model.ChatDelta
	cursor := ""
	for {
		// Every page of a round is requested against the same baseline.
		page, err := l.source.FetchDeltas(ctx, since, cursor)
		if err != nil {
			return nil, err
		}
		r.Pages++
		deltas = append(deltas, page.Deltas...)
		r.Watermark = max(r.Watermark, page.MaxTimestamp())
		if !page.HasMoreChanges {
			break
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil, &model.RemoteError{StatusCode: 200, Code: "INVALID_PAYLOAD", Message: "more changes without a new cursor"}
		}
		cursor = page.NextCursor
	}
	r.Deltas = len(deltas)
	if len(deltas) == 0 {
		return r, nil
	}

	res, err := l.db.ApplyDeltas(deltas, r.Watermark)
	if err != nil {
		return nil, fmt.Errorf("apply deltas: %w", err)
	}
	r.Applied, r.Watermark, r.Chats = res.Applied, res.Watermark, res.Chats
	return r, nil
}

// ResyncFromScratch drops the cached chats and the watermark, then runs a
// full round. The reset and the round hold the same in-flight slot, so no
// other round can read the old watermark in between.
func (l *Loop) ResyncFromScratch(ctx context.Context) (*Round, error) {
	return l.exclusive(ctx, func(ctx context.Context) (*Round, error) {
		if err := l.db.ResetSyncState(); err != nil {
			return nil, err
		}
		l.logger.Info("sync state reset, resyncing from scratch")
		l.bus.Emit(bus.SyncApplied, bus.SyncRound{})
		return l.round(ctx)
	})
}
