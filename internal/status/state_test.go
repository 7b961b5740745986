package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Connecting, Syncing, Ready}},
		{[]State{Syncing, Offline, Syncing, Ready}},
		{[]State{Connecting, Degraded, Ready}},
		{[]State{Error, Booting}},
	}
	for _, tt := range tests {
		name := ""
		for _, s := range tt.path {
			name += "->" + string(s)
		}
		t.Run(name, func(t *testing.T) {
			m := NewMachine(nil)
			for _, s := range tt.path {
				if err := m.Transition(s); err != nil {
					t.Fatalf("Transition(%s) error = %v", s, err)
				}
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
	_ = m.Transition(Error)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(ERROR -> READY) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.SessionStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.SessionStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Connecting {
		t.Errorf("change = %v -> %v, want BOOTING -> CONNECTING", change.From, change.To)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name string
		cur  State
		in   Input
		want State
	}{
		{"round starts", Ready, Input{SyncKind: bus.SyncStarted}, Syncing},
		{"round completes", Syncing, Input{SyncKind: bus.SyncCompleted}, Ready},
		{"network down", Syncing, Input{SyncKind: bus.SyncFailed, Err: model.ErrNetworkNotAvailable}, Offline},
		{"remote unreachable", Syncing, Input{SyncKind: bus.SyncFailed, Err: model.ErrRemoteUnreachable}, Offline},
		{"remote rejects", Syncing, Input{SyncKind: bus.SyncFailed, Err: &model.RemoteError{StatusCode: 500}}, Degraded},
		{"push connects from boot", Booting, Input{Conn: model.Connecting}, Connecting},
		{"push back from offline", Offline, Input{Conn: model.Connected}, Connecting},
		{"push flap while ready", Ready, Input{Conn: model.Reconnecting}, Ready},
		{"applied is not a transition", Ready, Input{SyncKind: bus.SyncApplied}, Ready},
		{"error is sticky", Error, Input{SyncKind: bus.SyncCompleted}, Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.cur, tt.in); got != tt.want {
				t.Errorf("Next(%s) = %s, want %s", tt.cur, got, tt.want)
			}
		})
	}
}

func TestDriveFollowsSyncEvents(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	changes, unsub := b.Subscribe(bus.SessionStatusChanged, 10)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := make(chan model.ConnectionState, 1)
	go Drive(ctx, m, b, conn, zap.NewNop())

	waitFor := func(want State) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e := <-changes:
				if e.Payload.(StatusChange).To == want {
					return
				}
			case <-deadline:
				t.Fatalf("never reached %s (at %s)", want, m.Current())
			}
		}
	}

	conn <- model.Connecting
	waitFor(Connecting)
	// Drive subscribes asynchronously; keep publishing until it is seen.
	publishUntil(t, b, bus.SyncStarted, bus.SyncRound{}, m, Syncing)
	publishUntil(t, b, bus.SyncFailed, bus.SyncRound{Err: errors.Join(model.ErrRemoteUnreachable)}, m, Offline)
	publishUntil(t, b, bus.SyncCompleted, bus.SyncRound{}, m, Ready)
}

func publishUntil(t *testing.T, b *bus.Bus, kind string, payload any, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Current() != want {
		if time.Now().After(deadline) {
			t.Fatalf("%s did not move status to %s (at %s)", kind, want, m.Current())
		}
		b.Emit(kind, payload)
		time.Sleep(10 * time.Millisecond)
	}
}
