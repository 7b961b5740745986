package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Runner executes the jobs a WorkScheduler queues. *Service implements it.
type Runner interface {
	SyncSetting(ctx context.Context, userID string, key model.SettingKey) (Outcome, error)
	SyncAllPending(ctx context.Context, userID string) (Outcome, error)
	Refresh(ctx context.Context, userID string) error
	Users() ([]string, error)
}

// SchedulerConfig tunes a WorkScheduler.
type SchedulerConfig struct {
	Debounce     time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Cron         string
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:     500 * time.Millisecond,
		RetryBackoff: 15 * time.Second,
		MaxBackoff:   10 * time.Minute,
		Cron:         "*/15 * * * *",
	}
}

type job struct {
	userID string
	key    model.SettingKey
}

// WorkScheduler debounces per-key pushes, retries them with exponential
// backoff and runs a periodic pull and push for every known user.
type WorkScheduler struct {
	cfg    SchedulerConfig
	logger *zap.Logger

	mu       sync.Mutex
	runner   Runner
	ctx      context.Context
	timers   map[job]*time.Timer
	attempts map[job]int
	gens     map[job]int
	queued   map[job]bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewWorkScheduler creates a scheduler. Jobs scheduled before Start are
// held until it is called.
func NewWorkScheduler(cfg SchedulerConfig, logger *zap.Logger) *WorkScheduler {
	return &WorkScheduler{
		cfg:      cfg,
		logger:   logger.Named("settings.scheduler"),
		timers:   make(map[job]*time.Timer),
		attempts: make(map[job]int),
		gens:     make(map[job]int),
		queued:   make(map[job]bool),
	}
}

// Start binds the runner and starts the cron loop. The runner is passed here
// rather than to the constructor because it usually depends on the
// scheduler itself.
func (w *WorkScheduler) Start(ctx context.Context, runner Runner) error {
	if w.cfg.Cron != "" && !gronx.IsValid(w.cfg.Cron) {
		return fmt.Errorf("invalid settings sync cron %q", w.cfg.Cron)
	}
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.runner, w.ctx, w.cancel = runner, ctx, cancel
	for j := range w.queued {
		w.armLocked(j, w.cfg.Debounce)
	}
	clear(w.queued)
	w.mu.Unlock()

	if w.cfg.Cron != "" {
		w.wg.Add(1)
		go w.cronLoop(ctx)
	}
	return nil
}

// Stop cancels pending timers and waits for running jobs.
func (w *WorkScheduler) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	for j, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, j)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// ScheduleSettingSync pushes key after the debounce window. A later call
// for the same key restarts the window and forgets earlier failures.
func (w *WorkScheduler) ScheduleSettingSync(userID string, key model.SettingKey) {
	j := job{userID, key}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, j)
	if w.runner == nil {
		w.queued[j] = true
		return
	}
	if w.ctx.Err() != nil {
		return
	}
	w.armLocked(j, w.cfg.Debounce)
}

// SchedulePeriodicSync runs the periodic job now, in the background.
func (w *WorkScheduler) SchedulePeriodicSync() {
	w.mu.Lock()
	runner, ctx := w.runner, w.ctx
	if runner == nil || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		w.periodic(ctx, runner)
	}()
}

// armLocked (re)starts the timer of j. w.mu must be held.
func (w *WorkScheduler) armLocked(j job, delay time.Duration) {
	// A timer that already fired sees the bumped generation and backs off.
	if t, ok := w.timers[j]; ok && t.Stop() {
		w.wg.Done()
	}
	w.timers[j] = w.newTimer(j, delay)
}

// newTimer must be called with w.mu held.
func (w *WorkScheduler) newTimer(j job, delay time.Duration) *time.Timer {
	w.gens[j]++
	gen := w.gens[j]
	w.wg.Add(1)
	return time.AfterFunc(delay, func() {
		defer w.wg.Done()
		w.run(j, gen)
	})
}

func (w *WorkScheduler) run(j job, gen int) {
	w.mu.Lock()
	runner, ctx := w.runner, w.ctx
	w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	outcome, err := runner.SyncSetting(ctx, j.userID, j.key)

	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil || w.gens[j] != gen {
		// Stopped, or rescheduled while running.
		return
	}
	if outcome != OutcomeRetry {
		delete(w.attempts, j)
		delete(w.timers, j)
		delete(w.gens, j)
		return
	}
	w.attempts[j]++
	delay := retryDelay(w.attempts[j], w.cfg.RetryBackoff, w.cfg.MaxBackoff)
	w.logger.Debug("setting sync will retry",
		zap.String("user_id", j.userID),
		zap.String("key", string(j.key)),
		zap.Int("attempt", w.attempts[j]),
		zap.Duration("delay", delay),
		zap.Error(err))
	w.timers[j] = w.newTimer(j, delay)
}

// retryDelay is base doubled per attempt beyond the first, capped at hi.
func retryDelay(attempt int, base, hi time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < hi; i++ {
		d *= 2
	}
	return min(d, hi)
}

func (w *WorkScheduler) cronLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		next, err := gronx.NextTickAfter(w.cfg.Cron, time.Now(), false)
		if err != nil {
			w.logger.Error("cannot compute next settings sync", zap.Error(err))
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.mu.Lock()
		runner := w.runner
		w.mu.Unlock()
		w.periodic(ctx, runner)
	}
}

// periodic pulls newer server values and pushes pending edits for every
// user with stored settings.
func (w *WorkScheduler) periodic(ctx context.Context, runner Runner) {
	users, err := runner.Users()
	if err != nil {
		w.logger.Warn("cannot list settings users", zap.Error(err))
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		if err := runner.Refresh(ctx, u); err != nil {
			w.logger.Debug("settings refresh failed", zap.String("user_id", u), zap.Error(err))
		}
		if _, err := runner.SyncAllPending(ctx, u); err != nil {
			w.logger.Debug("periodic settings sync failed", zap.String("user_id", u), zap.Error(err))
		}
	}
}
