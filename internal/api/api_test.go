package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeRemote struct {
	remotetest.Unsupported

	mu   sync.Mutex
	page *model.DeltaPage
}

func (f *fakeRemote) FetchDeltas(context.Context, int64, string) (*model.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.page == nil {
		return &model.DeltaPage{}, nil
	}
	return f.page, nil
}

func (f *fakeRemote) MarkMessagesAsRead(context.Context, string, string) error { return nil }

type fixedConn model.ConnectionState

func (c fixedConn) CurrentConnectionState() model.ConnectionState { return model.ConnectionState(c) }

// startService serves a Service over a temporary Unix socket and returns a
// client for it.
func startService(t *testing.T, remote *fakeRemote) (*Client, *store.DB) {
	t.Helper()
	// Unix socket paths are length limited, so stay out of t.TempDir.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.SetIdentity("me"); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	m := metrics.New()
	repo := repository.New(db, remote, b, m, logger, deltasync.DefaultConfig())
	svc := settings.NewService(db, remote, nil, b, m, logger)
	machine := status.NewMachine(b)
	service := NewService(Identity{Session: "test", UserID: "me"}, db, repo, svc, machine, b, fixedConn(model.Connected), logger)

	sock := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)))
	Register(srv, service)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, db
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func codeOfErr(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("get: %w", model.ErrChatNotFound), codes.NotFound},
		{&model.RemoteError{StatusCode: 404, Code: model.CodeMessageNotFound}, codes.NotFound},
		{fmt.Errorf("fetch: %w", model.ErrNetworkNotAvailable), codes.Unavailable},
		{model.ErrRemoteUnreachable, codes.Unavailable},
		{&model.RemoteError{StatusCode: 422, Code: model.CodeValidation}, codes.FailedPrecondition},
		{&model.RemoteError{StatusCode: 403, Code: model.CodeUserBlocked}, codes.FailedPrecondition},
		{model.ErrInvalidSetting, codes.InvalidArgument},
		{deltasync.ErrRoundInFlight, codes.Aborted},
		{model.ErrUnsupported, codes.Unimplemented},
		{&model.LocalStorageError{Op: "x", Err: errors.New("disk")}, codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := codeOfErr(toStatus(tt.err)); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}

func TestSyncNowThenReadChats(t *testing.T) {
	remote := &fakeRemote{page: &model.DeltaPage{Deltas: []model.ChatDelta{{
		Kind:     model.DeltaChatCreated,
		ChatID:   "c1",
		Metadata: &model.ChatMetadata{Name: "general"},
		Messages: []model.Message{{ID: "m1", ChatID: "c1", SenderID: "bob", Text: "hi", CreatedAt: 1_760_000_000_000, UpdatedAt: 1_760_000_000_000}},
		Timestamp: 1_760_000_000_001,
	}}}}
	client, _ := startService(t, remote)
	ctx := ctxT(t)

	round, err := client.SyncNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if round.Applied != 1 || round.Watermark != 1_760_000_000_001 {
		t.Errorf("round = %+v", round)
	}

	list, err := client.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Chats) != 1 || list.Chats[0].UnreadMessagesCount != 1 {
		t.Fatalf("chats = %+v", list.Chats)
	}

	chat, err := client.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.Name != "general" || len(chat.Messages) != 1 || chat.Messages[0].CreatedAt != 1_760_000_000_000 {
		t.Errorf("chat = %+v", chat)
	}

	read, err := client.MarkRead(ctx, "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if read.UnreadMessagesCount != 0 {
		t.Errorf("unread after mark read = %d", read.UnreadMessagesCount)
	}

	st, err := client.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.HasWatermark || st.Watermark != 1_760_000_000_001 {
		t.Errorf("sync status = %+v", st)
	}
}

func TestGetChatMissingIsNotFound(t *testing.T) {
	client, _ := startService(t, &fakeRemote{})
	_, err := client.GetChat(ctxT(t), "nope")
	if codeOfErr(err) != codes.NotFound {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestStatusReportsSession(t *testing.T) {
	client, _ := startService(t, &fakeRemote{})
	st, err := client.Status(ctxT(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.Session != "test" || st.UserID != "me" || st.State != string(status.Booting) || st.Connection != model.Connected {
		t.Errorf("status = %+v", st)
	}
}

func TestSetSetting(t *testing.T) {
	client, _ := startService(t, &fakeRemote{})
	ctx := ctxT(t)

	if _, err := client.SetSetting(ctx, "", "theme", "purple"); codeOfErr(err) != codes.InvalidArgument {
		t.Errorf("invalid value err = %v", err)
	}
	if _, err := client.SetSetting(ctx, "", "font", "big"); codeOfErr(err) != codes.InvalidArgument {
		t.Errorf("unknown key err = %v", err)
	}

	resp, err := client.SetSetting(ctx, "", "theme", "dark")
	if err != nil {
		t.Fatal(err)
	}
	if resp.UserID != "me" || resp.Settings.Theme != "dark" {
		t.Errorf("settings = %+v", resp)
	}
	if len(resp.Rows) != 1 || resp.Rows[0].SyncStatus != model.SyncPending || resp.Rows[0].LocalVersion != 1 {
		t.Errorf("rows = %+v", resp.Rows)
	}

	conflicts, err := client.Conflicts(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %+v", conflicts)
	}
}

func TestSendMessageStreamsFailure(t *testing.T) {
	remote := &fakeRemote{page: &model.DeltaPage{Deltas: []model.ChatDelta{{
		Kind:      model.DeltaChatCreated,
		ChatID:    "c1",
		Metadata:  &model.ChatMetadata{Name: "general"},
		Timestamp: 10,
	}}}}
	client, _ := startService(t, remote)
	ctx := ctxT(t)
	if _, err := client.SyncNow(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []model.StatusKind
	err := client.SendMessage(ctx, model.Message{ChatID: "c1", Text: "hello"}, func(m model.Message) {
		seen = append(seen, m.Status.Kind)
	})
	if codeOfErr(err) != codes.Unimplemented {
		t.Errorf("err = %v, want Unimplemented", err)
	}
	if len(seen) != 2 || seen[0] != model.StatusSending || seen[1] != model.StatusFailed {
		t.Errorf("statuses = %v", seen)
	}
}

func TestWatchEventsForwardsBusEvents(t *testing.T) {
	remote := &fakeRemote{}
	client, _ := startService(t, remote)
	ctx, cancel := context.WithCancel(ctxT(t))
	defer cancel()

	got := make(chan *Event, 8)
	go func() {
		_ = client.WatchEvents(ctx, []string{"sync."}, func(e *Event) error {
			got <- e
			return nil
		})
	}()

	// The subscription is registered asynchronously; keep triggering rounds
	// until one is observed.
	deadline := time.After(3 * time.Second)
	for {
		if _, err := client.SyncNow(ctx); err != nil && codeOfErr(err) != codes.Aborted {
			t.Fatal(err)
		}
		select {
		case e := <-got:
			if e.ID == "" || e.Kind[:5] != "sync." {
				t.Errorf("event = %+v", e)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event forwarded")
		}
	}
}
