package status

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// Input is one observation that may move the runtime state. Exactly one of
// Conn or SyncKind is set.
type Input struct {
	Conn     model.ConnectionState
	SyncKind string
	Err      error
}

// Next returns the state to move to after in, or cur if nothing changes.
func Next(cur State, in Input) State {
	if cur == Error {
		return cur
	}
	switch in.SyncKind {
	case bus.SyncStarted:
		return Syncing
	case bus.SyncCompleted:
		return Ready
	case bus.SyncFailed:
		if errors.Is(in.Err, model.ErrNetworkNotAvailable) || errors.Is(in.Err, model.ErrRemoteUnreachable) {
			return Offline
		}
		return Degraded
	}
	switch in.Conn {
	case model.Connecting, model.Reconnecting, model.Connected:
		// The push channel coming up is a hint only; rounds decide readiness.
		if cur == Booting || cur == Offline {
			return Connecting
		}
	}
	return cur
}

// Drive feeds sync events from b and connection states from conn into m
// until ctx ends.
func Drive(ctx context.Context, m *Machine, b *bus.Bus, conn <-chan model.ConnectionState, logger *zap.Logger) {
	events, unsub := b.Subscribe("sync.", 16)
	defer unsub()

	apply := func(in Input) {
		cur := m.Current()
		next := Next(cur, in)
		if next == cur {
			return
		}
		if err := m.Transition(next); err != nil {
			logger.Debug("ignoring status input", zap.Error(err))
			return
		}
		logger.Info("runtime status changed", zap.String("from", string(cur)), zap.String("to", string(next)))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			in := Input{SyncKind: e.Kind}
			if r, ok := e.Payload.(bus.SyncRound); ok {
				in.Err = r.Err
			}
			apply(in)
		case c, ok := <-conn:
			if !ok {
				conn = nil
				continue
			}
			apply(Input{Conn: c})
		}
	}
}
