package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const deltaPage = `{
	"deltas": [{
		"kind": "chat_created",
		"chat_id": "c1",
		"timestamp": 100,
		"metadata": {"name": "Team", "participants": [{"id": "me"}]},
		"messages": [{"id": "m1", "sender_id": "bob", "created_at": 10, "text": "hi"}]
	}],
	"has_more_changes": false
}`

// fakeChatService serves the delta feed and an empty settings document.
func fakeChatService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deltas", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "" {
			fmt.Fprint(w, `{"deltas": [], "has_more_changes": false}`)
			return
		}
		fmt.Fprint(w, deltaPage)
	})
	mux.HandleFunc("/v1/users/me/settings", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"settings": []}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testParams points a session at a temporary home and a short socket path.
func testParams(t *testing.T, remoteURL string) Params {
	t.Helper()
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	// Unix socket paths are length limited, so stay out of t.TempDir.
	sockDir, err := os.MkdirTemp("/tmp", "chatsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	cfg := config.DefaultSession()
	cfg.UserID = "me"
	cfg.RemoteURL = remoteURL
	cfg.LogLevel = "error"
	return Params{SessionName: "test", SocketPath: filepath.Join(sockDir, "d.sock"), Config: cfg}
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func TestDaemonSyncsAndServesOverSocket(t *testing.T) {
	p := testParams(t, fakeChatService(t).URL)
	startApp(t, p)

	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Session != "test" || st.UserID != "me" {
		t.Errorf("status = %+v", st)
	}

	// The loop runs its first round on start.
	var chats []model.ChatPreview
	for ctx.Err() == nil {
		resp, err := client.ListChats(ctx)
		if err != nil {
			t.Fatalf("ListChats() error = %v", err)
		}
		if chats = resp.Chats; len(chats) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(chats) != 1 || chats[0].Name != "Team" || chats[0].UnreadMessagesCount != 1 {
		t.Fatalf("chats = %+v", chats)
	}

	sync, err := client.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sync.Watermark != 100 {
		t.Errorf("watermark = %d, want 100", sync.Watermark)
	}

	settings, err := client.Settings(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if settings.Settings.Theme != model.DefaultValue(model.KeyTheme) {
		t.Errorf("settings = %+v", settings.Settings)
	}
}

func TestSecondDaemonIsLockedOut(t *testing.T) {
	p := testParams(t, fakeChatService(t).URL)
	startApp(t, p)

	second := p
	second.SocketPath = p.SocketPath + ".2"
	app := fx.New(Module(second), fx.NopLogger)
	err := app.Err()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = app.Start(ctx)
		_ = app.Stop(ctx)
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want HeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.PID, os.Getpid())
	}
}

func TestAdminRoutes(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	m := metrics.New()
	loop := deltasync.NewLoop(nil, nil, b, m, zap.NewNop(), deltasync.DefaultConfig())
	p := Params{SessionName: "test", Config: config.DefaultSession()}
	admin := NewAdminServer(p, m, machine, loop, api.ConnectionSource(fixedConn(model.Connected)), zap.NewNop())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chatsync_sync_rounds_total") {
		t.Errorf("/metrics = %d", rec.Code)
	}

	_ = machine.Transition(status.Error)
	if rec := get("/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/healthz in ERROR = %d", rec.Code)
	}
}

func TestAdminStatus(t *testing.T) {
	p := testParams(t, fakeChatService(t).URL)
	var admin *AdminServer
	app := fx.New(Module(p), fx.NopLogger, fx.Populate(&admin))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = app.Stop(ctx) }()

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	var out adminStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	if out.Session != "test" || out.State == "" {
		t.Errorf("status = %+v", out)
	}
}

type fixedConn model.ConnectionState

func (c fixedConn) CurrentConnectionState() model.ConnectionState { return model.ConnectionState(c) }
