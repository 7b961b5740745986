package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const self = "me"

// fakeRemote serves one delta page and records command calls.
type fakeRemote struct {
	remotetest.Unsupported

	mu        sync.Mutex
	page      *model.DeltaPage
	fetchErr  error
	cmdErr    error
	deletes   []string
	reads     []string
	left      []string
	sendState model.DeliveryStatus
}

func (f *fakeRemote) FetchDeltas(context.Context, int64, string) (*model.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.page == nil {
		return &model.DeltaPage{}, nil
	}
	return f.page, nil
}

func (f *fakeRemote) setPage(p *model.DeltaPage) {
	f.mu.Lock()
	f.page = p
	f.mu.Unlock()
}

func (f *fakeRemote) CreateChat(_ context.Context, c *model.Chat) (*model.Chat, error) {
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	out := *c
	out.ID = "srv-" + c.Name
	out.UpdatedAt = 10
	return &out, nil
}

func (f *fakeRemote) JoinChat(_ context.Context, chatID, _ string) (*model.Chat, error) {
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	// The server copy carries no timestamp of its own.
	return &model.Chat{ID: chatID, Name: "joined " + chatID, Participants: []model.Participant{{ID: self}}}, nil
}

func (f *fakeRemote) LeaveChat(_ context.Context, chatID string) error {
	f.mu.Lock()
	f.left = append(f.left, chatID)
	f.mu.Unlock()
	return f.cmdErr
}

func (f *fakeRemote) DeleteChat(_ context.Context, chatID string) error {
	f.mu.Lock()
	f.left = append(f.left, chatID)
	f.mu.Unlock()
	return f.cmdErr
}

func (f *fakeRemote) DeleteMessage(_ context.Context, id string, _ model.DeleteMode) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, id)
	f.mu.Unlock()
	return f.cmdErr
}

func (f *fakeRemote) EditMessage(_ context.Context, m *model.Message) (*model.Message, error) {
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	out := *m
	out.EditedAt = 5000
	return &out, nil
}

func (f *fakeRemote) MarkMessagesAsRead(_ context.Context, _ string, upto string) error {
	f.reads = append(f.reads, upto)
	return f.cmdErr
}

func (f *fakeRemote) SendMessage(context.Context, *model.Message) <-chan model.StatusUpdate {
	ch := make(chan model.StatusUpdate, 1)
	ch <- model.StatusUpdate{Status: f.sendState}
	close(ch)
	return ch
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
	if err := db.SetIdentity(self); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRepo(t *testing.T, remote Remote) (*Repository, *store.DB) {
	t.Helper()
	db := testDB(t)
	cfg := deltasync.Config{
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		PollInterval: time.Hour,
		TriggerRate:  rate.Inf,
		TriggerBurst: 1,
	}
	r := New(db, remote, bus.New(), metrics.New(), zap.NewNop(), cfg)
	t.Cleanup(r.Stop)
	return r, db
}

func message(id, sender string, at int64) model.Message {
	return model.Message{ID: id, SenderID: sender, Text: "text " + id, CreatedAt: at, UpdatedAt: at}
}

func seed(t *testing.T, db *store.DB, chatID string, msgs ...model.Message) {
	t.Helper()
	c := &model.Chat{
		ID:           chatID,
		Name:         "chat " + chatID,
		Participants: []model.Participant{{ID: self, Name: "Me"}, {ID: "bob", Name: "Bob"}},
		Messages:     msgs,
		UpdatedAt:    1,
	}
	if err := db.InsertChat(c); err != nil {
		t.Fatal(err)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no emission")
	}
	var zero T
	return zero
}

func TestFlowChatListIsLocalFirst(t *testing.T) {
	remote := &fakeRemote{fetchErr: model.ErrRemoteUnreachable}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("m1", "bob", 100))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := repo.FlowChatList(ctx)
	if err := repo.Start(ctx); err != nil {
		t.Fatal(err)
	}
	first := recv(t, ch)
	if first.Err != nil {
		t.Fatalf("first emission error: %v", first.Err)
	}
	if len(first.Value) != 1 || first.Value[0].ID != "c1" {
		t.Fatalf("previews = %+v", first.Value)
	}

	// Failing rounds keep retrying; none of them may surface here.
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				t.Fatal("stream closed")
			}
			if r.Err != nil {
				t.Fatalf("remote failure leaked into chat list: %v", r.Err)
			}
		case <-deadline:
			return
		}
	}
}

func TestFlowChatListPicksUpDelta(t *testing.T) {
	const t0 = 1000
	remote := &fakeRemote{}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("m1", self, t0))
	if err := db.UpdateLastSyncTimestamp(t0); err != nil {
		t.Fatal(err)
	}
	remote.setPage(&model.DeltaPage{Deltas: []model.ChatDelta{{
		Kind:      model.DeltaChatUpdated,
		ChatID:    "c1",
		Messages:  []model.Message{message("m2", "bob", t0+1)},
		Timestamp: t0 + 1,
	}}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := repo.FlowChatList(ctx)
	first := recv(t, ch)
	if first.Err != nil || len(first.Value) != 1 {
		t.Fatalf("first = %+v", first)
	}
	if p := first.Value[0]; p.LastMessage == nil || p.LastMessage.ID != "m1" || p.UnreadMessagesCount != 0 {
		t.Fatalf("first preview = %+v", p)
	}

	if err := repo.Start(ctx); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.Err != nil {
				t.Fatal(r.Err)
			}
			p := r.Value[0]
			if p.LastMessage != nil && p.LastMessage.ID == "m2" {
				if p.UnreadMessagesCount != 1 {
					t.Errorf("unread = %d, want 1", p.UnreadMessagesCount)
				}
				chat, err := db.GetChat("c1")
				if err != nil {
					t.Fatal(err)
				}
				if len(chat.Messages) != 2 {
					t.Errorf("messages = %d, want 2", len(chat.Messages))
				}
				if ts, _, _ := db.GetLastSyncTimestamp(); ts != t0+1 {
					t.Errorf("watermark = %d, want %d", ts, t0+1)
				}
				return
			}
		case <-timeout:
			t.Fatal("delta never reached the chat list")
		}
	}
}

func TestDeleteMissingMessage(t *testing.T) {
	remote := &fakeRemote{}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("m1", "bob", 100))
	before, _ := db.ListChatPreviews()

	err := repo.DeleteMessage(context.Background(), "nope", model.DeleteForEveryone)
	if !errors.Is(err, model.ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
	if len(remote.deletes) != 0 {
		t.Errorf("remote called for a missing message: %v", remote.deletes)
	}
	after, _ := db.ListChatPreviews()
	if len(after) != len(before) || after[0].UnreadMessagesCount != before[0].UnreadMessagesCount {
		t.Errorf("store changed: %+v -> %+v", before, after)
	}
}

func TestDeleteMessageWritesThrough(t *testing.T) {
	remote := &fakeRemote{}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("m1", "bob", 100))

	if err := repo.DeleteMessage(context.Background(), "m1", model.DeleteForSenderOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetMessage("m1"); !errors.Is(err, model.ErrMessageNotFound) {
		t.Errorf("message still cached: %v", err)
	}
}

func TestMarkMessagesAsRead(t *testing.T) {
	remote := &fakeRemote{}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("msg1", "bob", 100), message("msg2", "bob", 200))

	chat, err := repo.MarkMessagesAsRead(context.Background(), "c1", "msg1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastReadMessageID != "msg1" || chat.UnreadMessagesCount != 1 {
		t.Errorf("chat = last read %q, unread %d", chat.LastReadMessageID, chat.UnreadMessagesCount)
	}
	if len(remote.reads) != 1 {
		t.Errorf("remote reads = %v", remote.reads)
	}
}

func TestCommandsAbortOnRemoteFailure(t *testing.T) {
	remote := &fakeRemote{cmdErr: &model.RemoteError{StatusCode: 422, Code: model.CodeValidation, Message: "bad"}}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1", message("msg1", "bob", 100))

	if _, err := repo.CreateChat(context.Background(), &model.Chat{Name: "x"}); !errors.Is(err, model.ErrRemote) {
		t.Errorf("create err = %v", err)
	}
	if _, err := db.GetChat("srv-x"); !errors.Is(err, model.ErrChatNotFound) {
		t.Errorf("chat written despite remote failure: %v", err)
	}
	if _, err := repo.MarkMessagesAsRead(context.Background(), "c1", "msg1"); !model.HasCode(err, model.CodeValidation) {
		t.Errorf("mark read err = %v", err)
	}
	chat, _ := db.GetChat("c1")
	if chat.LastReadMessageID != "" {
		t.Error("read marker moved despite remote failure")
	}
}

func TestCreateChatCaches(t *testing.T) {
	repo, db := newRepo(t, &fakeRemote{})
	created, err := repo.CreateChat(context.Background(), &model.Chat{Name: "team"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetChat(created.ID); err != nil {
		t.Errorf("created chat not cached: %v", err)
	}
}

func TestReceiveChatUpdatesWaitsForMissingChat(t *testing.T) {
	remote := &fakeRemote{}
	repo, _ := newRepo(t, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := repo.ReceiveChatUpdates(ctx, "c9")
	if first := recv(t, ch); !errors.Is(first.Err, model.ErrChatNotFound) {
		t.Fatalf("first = %+v, want ErrChatNotFound", first)
	}

	remote.setPage(&model.DeltaPage{Deltas: []model.ChatDelta{{
		Kind:      model.DeltaChatCreated,
		ChatID:    "c9",
		Metadata:  &model.ChatMetadata{Name: "late"},
		Timestamp: 50,
	}}})
	if _, err := repo.Loop().RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got := recv(t, ch)
	if got.Err != nil || got.Value.Name != "late" {
		t.Errorf("got = %+v, want chat late", got)
	}
}

func TestSendMessageUsesIdentity(t *testing.T) {
	remote := &fakeRemote{sendState: model.Delivered()}
	repo, db := newRepo(t, remote)
	seed(t, db, "c1")

	var last stream.Result[model.Message]
	for r := range repo.SendMessage(context.Background(), model.Message{ChatID: "c1", Text: "hi"}) {
		last = r
	}
	if last.Err != nil || last.Value.Status != model.Delivered() {
		t.Fatalf("last = %+v", last)
	}
	if last.Value.SenderID != self {
		t.Errorf("sender = %q, want %q", last.Value.SenderID, self)
	}

	invalid := recv(t, repo.SendMessage(context.Background(), model.Message{ChatID: "c1"}))
	if !errors.Is(invalid.Err, model.ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", invalid.Err)
	}
}

func TestEditMessageWritesThrough(t *testing.T) {
	repo, db := newRepo(t, &fakeRemote{})
	seed(t, db, "c1", message("m1", self, 100))

	edited, err := repo.EditMessage(context.Background(), &model.Message{ID: "m1", ChatID: "c1", Text: "fixed"})
	if err != nil {
		t.Fatal(err)
	}
	if edited.EditedAt != 5000 {
		t.Errorf("EditedAt = %d, want the remote's 5000", edited.EditedAt)
	}
	stored, _ := db.GetMessage("m1")
	if stored.Text != "fixed" || stored.EditedAt != 5000 || stored.SenderID != self {
		t.Errorf("stored = %+v", stored)
	}
}

func TestChatMembershipCommands(t *testing.T) {
	failure := &model.RemoteError{StatusCode: 403, Code: model.CodeChatClosed, Message: "closed"}
	tests := []struct {
		name       string
		seeded     bool
		cmdErr     error
		run        func(r *Repository) error
		wantCached bool
	}{
		{"join caches the chat", false, nil, func(r *Repository) error {
			_, err := r.JoinChat(context.Background(), "c1", "https://invite/c1")
			return err
		}, true},
		{"failed join writes nothing", false, failure, func(r *Repository) error {
			_, err := r.JoinChat(context.Background(), "c1", "https://invite/c1")
			return err
		}, false},
		{"leave drops the local copy", true, nil, func(r *Repository) error {
			return r.LeaveChat(context.Background(), "c1")
		}, false},
		{"failed leave keeps the local copy", true, failure, func(r *Repository) error {
			return r.LeaveChat(context.Background(), "c1")
		}, true},
		{"delete drops the local copy", true, nil, func(r *Repository) error {
			return r.DeleteChat(context.Background(), "c1")
		}, false},
		{"failed delete keeps the local copy", true, failure, func(r *Repository) error {
			return r.DeleteChat(context.Background(), "c1")
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{cmdErr: tt.cmdErr}
			repo, db := newRepo(t, remote)
			if tt.seeded {
				seed(t, db, "c1", message("m1", "bob", 100))
			}

			err := tt.run(repo)
			if tt.cmdErr != nil {
				if !model.HasCode(err, model.CodeChatClosed) {
					t.Fatalf("err = %v, want the remote failure verbatim", err)
				}
			} else if err != nil {
				t.Fatal(err)
			}

			_, getErr := db.GetChat("c1")
			if cached := getErr == nil; cached != tt.wantCached {
				t.Errorf("cached = %v (%v), want %v", cached, getErr, tt.wantCached)
			}
		})
	}
}

func TestRejoinAfterLeave(t *testing.T) {
	repo, db := newRepo(t, &fakeRemote{})
	seed(t, db, "c1", message("m1", "bob", 100))

	if err := repo.LeaveChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.JoinChat(context.Background(), "c1", "https://invite/c1"); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatalf("rejoined chat not cached: %v", err)
	}
	if c.Name != "joined c1" {
		t.Errorf("name = %q", c.Name)
	}

	// Later server updates still reach the rejoined chat.
	res, err := db.ApplyDeltas([]model.ChatDelta{{
		Kind:      model.DeltaChatUpdated,
		ChatID:    "c1",
		Metadata:  &model.ChatMetadata{Name: "renamed", Participants: []model.Participant{{ID: self}}},
		Timestamp: 200,
	}}, 200)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Errorf("applied = %d, want 1", res.Applied)
	}
}

func TestReceiveChatUpdatesSuppressesUnchanged(t *testing.T) {
	repo, db := newRepo(t, &fakeRemote{})
	seed(t, db, "c1", message("m1", "bob", 100))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := repo.ReceiveChatUpdates(ctx, "c1")
	if first := recv(t, ch); first.Err != nil {
		t.Fatal(first.Err)
	}

	// Nothing changed, so the re-read must not produce a value.
	repo.bus.Emit(bus.ChatUpserted, bus.ChatRef{ChatID: "c1"})
	select {
	case r := <-ch:
		t.Fatalf("unexpected emission for an unchanged chat: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	m := message("m2", "bob", 200)
	m.ChatID = "c1"
	if _, err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	repo.bus.Emit(bus.MessageUpserted, bus.ChatRef{ChatID: "c1", MessageID: "m2"})
	got := recv(t, ch)
	if got.Err != nil || len(got.Value.Messages) != 2 {
		t.Errorf("got = %+v, want the chat with two messages", got)
	}
}

func TestFlowChatListSurvivesReadError(t *testing.T) {
	repo, db := newRepo(t, &fakeRemote{})
	seed(t, db, "c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := repo.FlowChatList(ctx)
	if first := recv(t, ch); first.Err != nil {
		t.Fatal(first.Err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		repo.bus.Emit(bus.ChatUpserted, bus.ChatRef{ChatID: "c1"})
		r := recv(t, ch)
		if !model.IsLocal(r.Err) || errors.Is(r.Err, model.ErrStorageCorrupted) {
			t.Fatalf("emission %d err = %v, want a local read error", i, r.Err)
		}
	}
}
