// Package delivery drives outgoing messages through their status lifecycle.
// Every status is persisted before it is emitted to the caller.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	"go.uber.org/zap"
)

// Failure reasons set by the pipeline itself.
const (
	ReasonTransportClosed = "transport closed"
	ReasonInterrupted     = "interrupted"
	ReasonCanceled        = "canceled"
)

// Transport sends a message and streams the server's status updates.
type Transport interface {
	SendMessage(ctx context.Context, msg *model.Message) <-chan model.StatusUpdate
}

// Pipeline persists and emits delivery status transitions.
type Pipeline struct {
	db        *store.DB
	transport Transport
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a delivery pipeline.
func New(db *store.DB, transport Transport, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:        db,
		transport: transport,
		bus:       b,
		metrics:   m,
		logger:    logger.Named("delivery"),
	}
}

// Send stores msg as Sending(0), hands it to the transport and emits the
// message at every persisted status. The stream ends after Delivered, Read
// or Failed, or after Sent if the transport closes then.
func (p *Pipeline) Send(ctx context.Context, msg model.Message) <-chan stream.Result[model.Message] {
	out := make(chan stream.Result[model.Message], 8)
	go func() {
		defer close(out)
		p.run(ctx, msg, out)
	}()
	return out
}

func (p *Pipeline) run(ctx context.Context, msg model.Message, out chan<- stream.Result[model.Message]) {
	emit := func(r stream.Result[model.Message]) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if err := msg.Validate(); err != nil {
		emit(stream.Fail[model.Message](err))
		return
	}
	cur, err := p.begin(&msg)
	if err != nil {
		emit(stream.Fail[model.Message](err))
		return
	}
	log := p.logger.With(zap.String("message_id", cur.ID), zap.String("chat_id", cur.ChatID))
	log.Debug("sending")
	if !emit(stream.Ok(*cur)) {
		p.abandon(cur, ReasonCanceled)
		return
	}

	updates := p.transport.SendMessage(ctx, cur)
loop:
	for u := range updates {
		if u.Err != nil {
			log.Warn("transport failed", zap.Error(u.Err))
			next, perr := p.advance(cur, model.Failed(u.Err.Error()), 0)
			if perr != nil && !errors.Is(perr, ErrInvalidTransition) {
				emit(stream.Fail[model.Message](perr))
				return
			}
			if next != nil {
				cur = next
			}
			emit(stream.Result[model.Message]{Value: *cur, Err: u.Err})
			return
		}

		next, err := p.advance(cur, u.Status, u.At)
		if errors.Is(err, ErrInvalidTransition) {
			p.metrics.InvalidUpdates.Inc()
			log.Warn("skipping invalid status update", zap.Error(err))
			continue
		}
		if err != nil {
			emit(stream.Fail[model.Message](err))
			return
		}
		cur = next
		if !emit(stream.Ok(*cur)) {
			break loop
		}
		if cur.Status.Terminal() {
			return
		}
	}

	if cur.Status.Kind != model.StatusSending {
		// Sent stays Sent; later transitions arrive through deltas.
		return
	}
	reason := ReasonTransportClosed
	if ctx.Err() != nil {
		reason = ReasonCanceled
	}
	next, err := p.abandon(cur, reason)
	if err != nil {
		emit(stream.Fail[model.Message](err))
		return
	}
	emit(stream.Ok(*next))
}

// abandon fails a message that is still Sending.
func (p *Pipeline) abandon(cur *model.Message, reason string) (*model.Message, error) {
	next, err := p.advance(cur, model.Failed(reason), 0)
	if err != nil {
		p.logger.Warn("failed to abandon send", zap.String("message_id", cur.ID), zap.Error(err))
	}
	return next, err
}

// begin persists the Sending(0) row. A message retried after a failure
// keeps its id and goes through the transition check.
func (p *Pipeline) begin(msg *model.Message) (*model.Message, error) {
	now := time.Now().UnixMilli()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}

	existing, err := p.db.GetMessage(msg.ID)
	switch {
	case errors.Is(err, model.ErrMessageNotFound):
		msg.Status = model.Sending(0)
		msg.UpdatedAt = now
		if _, err := p.db.UpsertMessage(msg); err != nil {
			return nil, err
		}
		p.metrics.Transitions.WithLabelValues(string(model.StatusSending)).Inc()
		p.bus.Emit(bus.MessageUpserted, bus.ChatRef{ChatID: msg.ChatID, MessageID: msg.ID})
		return msg, nil
	case err != nil:
		return nil, err
	}
	return p.advance(existing, model.Sending(0), now)
}

// advance persists cur -> next if the lifecycle allows it.
func (p *Pipeline) advance(cur *model.Message, next model.DeliveryStatus, at int64) (*model.Message, error) {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	m, err := p.db.TransitionStatus(cur.ID, next, at, func(stored model.DeliveryStatus) error {
		return CheckTransition(stored, next)
	})
	if err != nil {
		return nil, err
	}
	p.metrics.Transitions.WithLabelValues(string(next.Kind)).Inc()
	p.bus.Emit(bus.MessageStatusChanged, bus.ChatRef{ChatID: m.ChatID, MessageID: m.ID})
	return m, nil
}

// Resume marks messages left in Sending by an earlier run as failed so
// callers can retry them. It returns the number of messages changed.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	stuck, err := p.db.MessagesWithStatus(model.StatusSending)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stuck {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := p.advance(&stuck[i], model.Failed(ReasonInterrupted), 0); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Info("marked interrupted sends as failed", zap.Int("count", n))
	}
	return n, nil
}
