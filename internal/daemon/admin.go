package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// AdminServer serves metrics and health over HTTP. It is disabled when no
// address is configured.
type AdminServer struct {
	addr   string
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

type adminStatus struct {
	Session    string                `json:"session"`
	State      status.State          `json:"state"`
	Since      int64                 `json:"since"`
	Connection model.ConnectionState `json:"connection"`
	Updating   bool                  `json:"updating"`
	Watermark  int64                 `json:"watermark"`
	LastError  string                `json:"last_error,omitempty"`
}

// NewAdminServer builds the admin router.
func NewAdminServer(p Params, m *metrics.Metrics, machine *status.Machine, loop *deltasync.Loop, conn api.ConnectionSource, logger *zap.Logger) *AdminServer {
	a := &AdminServer{addr: p.Config.AdminAddr, logger: logger.Named("admin")}
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if machine.Current() == status.Error {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","service":"chatsyncd"}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		out := adminStatus{
			Session:    p.SessionName,
			State:      machine.Current(),
			Since:      machine.Since().UnixMilli(),
			Connection: conn.CurrentConnectionState(),
			Updating:   loop.Updating(),
		}
		if st, err := loop.Status(); err == nil {
			out.Watermark = st.Watermark
			out.LastError = st.LastError
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)

	a.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return a
}

// Handler returns the router, for tests.
func (a *AdminServer) Handler() http.Handler { return a.srv.Handler }

// Start listens on the configured address and serves in the background.
func (a *AdminServer) Start() error {
	if a.addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.lis = lis
	a.logger.Info("admin server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := a.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (a *AdminServer) Stop(ctx context.Context) {
	if a.lis == nil {
		return
	}
	_ = a.srv.Shutdown(ctx)
}
