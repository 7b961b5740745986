package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fetchCall struct {
	since  int64
	cursor string
}

// pagedSource serves pages keyed by cursor and records every call.
type pagedSource struct {
	remotetest.Unsupported
	mu    gosync.Mutex
	pages map[string]*model.DeltaPage
	fail  map[string]error
	calls []fetchCall
	block chan struct{}
}

func (s *pagedSource) FetchDeltas(ctx context.Context, since int64, cursor string) (*model.DeltaPage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fetchCall{since, cursor})
	block := s.block
	page, err := s.pages[cursor], s.fail[cursor]
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &model.DeltaPage{}, nil
	}
	return page, nil
}

func (s *pagedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SetIdentity("me"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() Config {
	return Config{
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   40 * time.Millisecond,
		PollInterval: time.Hour,
		TriggerRate:  rate.Inf,
		TriggerBurst: 1,
	}
}

func newLoop(t *testing.T, src DeltaSource) (*Loop, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	return NewLoop(db, src, b, metrics.New(), zap.NewNop(), testConfig()), db, b
}

func created(chatID string, ts int64, msgs ...model.Message) model.ChatDelta {
	return model.ChatDelta{
		Kind:      model.DeltaChatCreated,
		ChatID:    chatID,
		Metadata:  &model.ChatMetadata{Name: chatID},
		Messages:  msgs,
		Timestamp: ts,
	}
}

func message(id string, createdAt int64) model.Message {
	return model.Message{ID: id, SenderID: "bob", Text: id, CreatedAt: createdAt}
}

func twoPages() map[string]*model.DeltaPage {
	return map[string]*model.DeltaPage{
		"": {
			Deltas:         []model.ChatDelta{created("c1", 100, message("m1", 90))},
			HasMoreChanges: true,
			NextCursor:     "p2",
		},
		"p2": {
			Deltas: []model.ChatDelta{created("c2", 150, message("m2", 140))},
		},
	}
}

func TestRunOncePaginatesWithSameBaseline(t *testing.T) {
	src := &pagedSource{pages: twoPages()}
	l, db, _ := newLoop(t, src)
	if err := db.UpdateLastSyncTimestamp(50); err != nil {
		t.Fatal(err)
	}

	round, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []fetchCall{{50, ""}, {50, "p2"}}
	if len(src.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", src.calls, want)
	}
	for i := range want {
		if src.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, src.calls[i], want[i])
		}
	}
	if round.Pages != 2 || round.Deltas != 2 || round.Watermark != 150 {
		t.Errorf("round = %+v", round)
	}
	ts, _, _ := db.GetLastSyncTimestamp()
	if ts != 150 {
		t.Errorf("watermark = %d, want 150", ts)
	}
	previews, _ := db.ListChatPreviews()
	if len(previews) != 2 {
		t.Errorf("previews = %d, want 2", len(previews))
	}
}

func TestRunOnceFailureLeavesStoreUntouched(t *testing.T) {
	src := &pagedSource{pages: twoPages(), fail: map[string]error{"p2": model.ErrRemoteUnreachable}}
	l, db, b := newLoop(t, src)
	if err := db.UpdateLastSyncTimestamp(50); err != nil {
		t.Fatal(err)
	}
	failed, unsub := b.Subscribe(bus.SyncFailed, 1)
	defer unsub()

	if _, err := l.RunOnce(context.Background()); !errors.Is(err, model.ErrRemoteUnreachable) {
		t.Fatalf("err = %v, want ErrRemoteUnreachable", err)
	}
	ts, _, _ := db.GetLastSyncTimestamp()
	if ts != 50 {
		t.Errorf("watermark = %d, want unchanged 50", ts)
	}
	if _, err := db.GetChat("c1"); !errors.Is(err, model.ErrChatNotFound) {
		t.Errorf("first page leaked into the store: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Error("no sync.failed event")
	}
	st, err := l.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastError == "" || st.LastErrorAt == 0 {
		t.Errorf("status = %+v, want recorded error", st)
	}
}

func TestRunOnceIdempotentAndMonotonic(t *testing.T) {
	src := &pagedSource{pages: twoPages()}
	l, db, _ := newLoop(t, src)

	if _, err := l.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := db.ListChatPreviews()

	// The server replays an older page: nothing changes, the watermark stays.
	src.pages = map[string]*model.DeltaPage{"": {Deltas: []model.ChatDelta{created("c1", 100, message("m1", 90))}}}
	round, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if round.Watermark != 150 {
		t.Errorf("watermark = %d, want 150", round.Watermark)
	}
	second, _ := db.ListChatPreviews()
	if len(first) != len(second) {
		t.Fatalf("previews %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].UnreadMessagesCount != second[i].UnreadMessagesCount {
			t.Errorf("preview %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
}

func TestRunOnceRejectsMissingCursor(t *testing.T) {
	src := &pagedSource{pages: map[string]*model.DeltaPage{"": {HasMoreChanges: true}}}
	l, _, _ := newLoop(t, src)
	if _, err := l.RunOnce(context.Background()); !errors.Is(err, model.ErrRemote) {
		t.Errorf("err = %v, want ErrRemote", err)
	}
}

func TestSingleFlight(t *testing.T) {
	src := &pagedSource{block: make(chan struct{})}
	l, _, _ := newLoop(t, src)

	done := make(chan error, 1)
	go func() {
		_, err := l.RunOnce(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !l.Updating() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !l.Updating() {
		t.Fatal("first round never started")
	}

	if _, err := l.RunOnce(context.Background()); !errors.Is(err, ErrRoundInFlight) {
		t.Errorf("err = %v, want ErrRoundInFlight", err)
	}
	close(src.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if l.Updating() {
		t.Error("still updating after round")
	}
}

func TestIsUpdatingReplaysState(t *testing.T) {
	l, _, _ := newLoop(t, &pagedSource{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := l.IsUpdating(ctx)
	select {
	case v := <-ch:
		if v {
			t.Error("idle loop reported updating")
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed value")
	}
}

func TestStartRunsAndTriggers(t *testing.T) {
	src := &pagedSource{}
	l, _, b := newLoop(t, src)
	completed, unsub := b.Subscribe(bus.SyncCompleted, 4)
	defer unsub()

	l.Start(context.Background())
	defer l.Stop()

	wait := func() {
		t.Helper()
		select {
		case <-completed:
		case <-time.After(2 * time.Second):
			t.Fatal("round did not complete")
		}
	}
	wait() // initial round
	l.Trigger()
	wait()
	if n := src.callCount(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestStartBacksOffAfterFailure(t *testing.T) {
	src := &pagedSource{fail: map[string]error{"": model.ErrNetworkNotAvailable}}
	l, _, _ := newLoop(t, src)

	l.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	l.Stop()

	// 10ms, 20ms, 40ms, 40ms... leaves room for a handful of retries only.
	if n := src.callCount(); n < 2 || n > 8 {
		t.Errorf("fetches = %d, want a few backed-off retries", n)
	}
}

func TestNextBackoff(t *testing.T) {
	lo, hi := time.Second, 8*time.Second
	var got []time.Duration
	b := time.Duration(0)
	for range 6 {
		b = nextBackoff(b, lo, hi)
		got = append(got, b)
	}
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i]*time.Second)
		}
	}
}

func TestResyncFromScratch(t *testing.T) {
	src := &pagedSource{pages: twoPages()}
	l, db, _ := newLoop(t, src)
	if _, err := l.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.pages = map[string]*model.DeltaPage{"": {Deltas: []model.ChatDelta{created("c3", 10)}}}
	if _, err := l.ResyncFromScratch(context.Background()); err != nil {
		t.Fatal(err)
	}
	last := src.calls[len(src.calls)-1]
	if last.since != 0 {
		t.Errorf("resync since = %d, want 0", last.since)
	}
	previews, _ := db.ListChatPreviews()
	if len(previews) != 1 || previews[0].ID != "c3" {
		t.Errorf("previews = %+v, want only c3", previews)
	}
	ts, _, _ := db.GetLastSyncTimestamp()
	if ts != 10 {
		t.Errorf("watermark = %d, want 10 after resync", ts)
	}
}

func TestResyncWaitsForRoundInFlight(t *testing.T) {
	src := &pagedSource{pages: twoPages()}
	l, db, _ := newLoop(t, src)
	if _, err := l.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _, _ := db.GetLastSyncTimestamp()

	src.mu.Lock()
	src.block = make(chan struct{})
	src.pages = map[string]*model.DeltaPage{}
	src.mu.Unlock()
	calls := src.callCount()

	done := make(chan error, 1)
	go func() {
		_, err := l.RunOnce(context.Background())
		done <- err
	}()
	deadline := time.After(2 * time.Second)
	for src.callCount() == calls {
		select {
		case <-deadline:
			t.Fatal("round never reached the remote")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := l.ResyncFromScratch(context.Background()); !errors.Is(err, ErrRoundInFlight) {
		t.Fatalf("ResyncFromScratch() err = %v, want ErrRoundInFlight", err)
	}
	previews, err := db.ListChatPreviews()
	if err != nil {
		t.Fatal(err)
	}
	if len(previews) == 0 {
		t.Error("resync wiped the cache while another round was in flight")
	}

	close(src.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	after, _, _ := db.GetLastSyncTimestamp()
	if after != before {
		t.Errorf("watermark = %d, want %d", after, before)
	}
	if got, _ := db.ListChatPreviews(); len(got) != len(previews) {
		t.Errorf("previews = %d after the round, want %d", len(got), len(previews))
	}
}
