// Package repository is the local-first façade over the chat store. Reads
// come from the local store and are kept fresh by the delta-sync loop;
// commands go to the remote first and are written through on success.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Remote is everything the repository needs from the chat service.
type Remote interface {
	delivery.Transport
	deltasync.DeltaSource

	CreateChat(ctx context.Context, chat *model.Chat) (*model.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	JoinChat(ctx context.Context, chatID, inviteLink string) (*model.Chat, error)
	LeaveChat(ctx context.Context, chatID string) error
	EditMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	DeleteMessage(ctx context.Context, messageID string, mode model.DeleteMode) error
	MarkMessagesAsRead(ctx context.Context, chatID, uptoMessageID string) error
}

// Repository serves chats and messages local-first.
type Repository struct {
	db       *store.DB
	remote   Remote
	bus      *bus.Bus
	logger   *zap.Logger
	pipeline *delivery.Pipeline
	loop     *deltasync.Loop
	locks    *lock.Keyed
}

// New wires a repository with its own delivery pipeline and sync loop.
func New(db *store.DB, remote Remote, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg deltasync.Config) *Repository {
	return &Repository{
		db:       db,
		remote:   remote,
		bus:      b,
		logger:   logger.Named("repository"),
		pipeline: delivery.New(db, remote, b, m, logger),
		loop:     deltasync.NewLoop(db, remote, b, m, logger, cfg),
		locks:    lock.NewKeyed(),
	}
}

// Loop exposes the sync loop for status and manual rounds.
func (r *Repository) Loop() *deltasync.Loop { return r.loop }

// Start fails sends interrupted by an earlier run and starts the sync loop.
func (r *Repository) Start(ctx context.Context) error {
	if _, err := r.pipeline.Resume(ctx); err != nil {
		return fmt.Errorf("resume deliveries: %w", err)
	}
	r.loop.Start(ctx)
	return nil
}

// Stop stops the sync loop.
func (r *Repository) Stop() { r.loop.Stop() }

// IsChatListUpdating streams whether a sync round is in flight.
func (r *Repository) IsChatListUpdating(ctx context.Context) <-chan bool {
	return r.loop.IsUpdating(ctx)
}

// FlowChatList streams the chat previews, most recently active first. The
// first emission is read from the local store only; remote failures never
// reach this stream. A failed first read, or a corrupted store at any point,
// is emitted once and closes the stream. Other read errors on later re-reads
// are emitted and the stream keeps following changes.
func (r *Repository) FlowChatList(ctx context.Context) <-chan stream.Result[[]model.ChatPreview] {
	out := make(chan stream.Result[[]model.ChatPreview], 1)
	go func() {
		defer close(out)
		events, unsub := r.bus.SubscribeMany(32, "chat.", "message.", bus.SyncApplied)
		defer unsub()

		previews, err := r.db.ListChatPreviews()
		if err != nil {
			send(ctx, out, stream.Fail[[]model.ChatPreview](err))
			return
		}
		if !send(ctx, out, stream.Ok(previews)) {
			return
		}
		r.loop.Trigger()

		for {
			if !waitEvent(ctx, events, nil) {
				return
			}
			previews, err := r.db.ListChatPreviews()
			switch {
			case errors.Is(err, model.ErrStorageCorrupted):
				r.logger.Error("chat list read failed", zap.Error(err))
				send(ctx, out, stream.Fail[[]model.ChatPreview](err))
				return
			case err != nil:
				r.logger.Warn("chat list read failed", zap.Error(err))
				stream.Offer(out, stream.Fail[[]model.ChatPreview](err))
			default:
				stream.Offer(out, stream.Ok(previews))
			}
		}
	}()
	return out
}

// ReceiveChatUpdates streams one chat. A missing chat emits ErrChatNotFound
// and keeps the stream open since the chat may arrive by delta. A corrupted
// store, or a failed first read, closes it; later read errors are emitted
// and the stream keeps following. Structurally equal successive values are
// suppressed.
func (r *Repository) ReceiveChatUpdates(ctx context.Context, chatID string) <-chan stream.Result[model.Chat] {
	out := make(chan stream.Result[model.Chat], 1)
	go func() {
		defer close(out)
		events, unsub := r.bus.SubscribeMany(32, "chat.", "message.", bus.SyncApplied)
		defer unsub()

		var last stream.Result[model.Chat]
		first := true
		for {
			chat, err := r.db.GetChat(chatID)
			var res stream.Result[model.Chat]
			switch {
			case err == nil:
				res = stream.Ok(*chat)
			case errors.Is(err, model.ErrChatNotFound):
				res = stream.Fail[model.Chat](err)
			case first || errors.Is(err, model.ErrStorageCorrupted):
				send(ctx, out, stream.Fail[model.Chat](err))
				return
			default:
				r.logger.Warn("chat read failed", zap.String("chat_id", chatID), zap.Error(err))
				res = stream.Fail[model.Chat](err)
			}

			if first {
				if !send(ctx, out, res) {
					return
				}
				first = false
				last = res
			} else if !sameChatResult(last, res) {
				stream.Offer(out, res)
				last = res
			}

			if !waitEvent(ctx, events, func(e bus.Event) bool {
				ref, ok := e.Payload.(bus.ChatRef)
				return !ok || ref.ChatID == chatID
			}) {
				return
			}
		}
	}()
	return out
}

// CreateChat creates a chat remotely and caches the server's copy.
func (r *Repository) CreateChat(ctx context.Context, chat *model.Chat) (*model.Chat, error) {
	created, err := r.remote.CreateChat(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if err := r.cacheChat(created); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return created, nil
}

// JoinChat joins a chat through an invite link and caches it.
func (r *Repository) JoinChat(ctx context.Context, chatID, inviteLink string) (*model.Chat, error) {
	unlock := r.locks.Lock(chatID)
	defer unlock()

	joined, err := r.remote.JoinChat(ctx, chatID, inviteLink)
	if err != nil {
		return nil, fmt.Errorf("join chat %s: %w", chatID, err)
	}
	if joined.ID == "" {
		joined.ID = chatID
	}
	if err := r.cacheChat(joined); err != nil {
		return nil, fmt.Errorf("join chat %s: %w", chatID, err)
	}
	return joined, nil
}

// cacheChat writes a chat returned by the remote. UpdatedAt stays whatever
// the server stamped, zero included, so later deltas are never shadowed by
// the device clock.
func (r *Repository) cacheChat(c *model.Chat) error {
	if err := r.db.InsertChat(c); err != nil {
		return err
	}
	r.bus.Emit(bus.ChatUpserted, bus.ChatRef{ChatID: c.ID})
	return nil
}

// DeleteChat deletes a chat remotely, then drops the local copy.
func (r *Repository) DeleteChat(ctx context.Context, chatID string) error {
	unlock := r.locks.Lock(chatID)
	defer unlock()

	if err := r.remote.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return r.dropChat(chatID)
}

// LeaveChat leaves a chat remotely, then drops the local copy.
func (r *Repository) LeaveChat(ctx context.Context, chatID string) error {
	unlock := r.locks.Lock(chatID)
	defer unlock()

	if err := r.remote.LeaveChat(ctx, chatID); err != nil {
		return fmt.Errorf("leave chat %s: %w", chatID, err)
	}
	return r.dropChat(chatID)
}

// dropChat removes the local copy. The tombstone sits at the last server
// timestamp seen for the chat: replays are ignored, a rejoin still applies.
func (r *Repository) dropChat(chatID string) error {
	var at int64
	if c, err := r.db.GetChat(chatID); err == nil {
		at = c.UpdatedAt
	}
	err := r.db.DeleteChat(chatID, at)
	if err != nil && !errors.Is(err, model.ErrChatNotFound) {
		return fmt.Errorf("drop chat %s: %w", chatID, err)
	}
	r.bus.Emit(bus.ChatDeleted, bus.ChatRef{ChatID: chatID})
	return nil
}

// SendMessage validates msg and hands it to the delivery pipeline. The
// stream emits the message at every persisted status.
func (r *Repository) SendMessage(ctx context.Context, msg model.Message) <-chan stream.Result[model.Message] {
	if err := msg.Validate(); err != nil {
		out := make(chan stream.Result[model.Message], 1)
		out <- stream.Fail[model.Message](err)
		close(out)
		return out
	}
	if msg.SenderID == "" {
		if self, err := r.db.Identity(); err == nil {
			msg.SenderID = self
		}
	}
	return r.pipeline.Send(ctx, msg)
}

// EditMessage edits a message remotely and writes the result through.
func (r *Repository) EditMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(msg.ChatID)
	defer unlock()

	edited, err := r.remote.EditMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("edit message %s: %w", msg.ID, err)
	}
	merged := *msg
	if cur, err := r.db.GetMessage(msg.ID); err == nil {
		merged = *cur
	}
	merged.Text = edited.Text
	merged.EditedAt = edited.EditedAt
	now := time.Now().UnixMilli()
	if merged.EditedAt == 0 {
		merged.EditedAt = now
	}
	merged.UpdatedAt = max(merged.UpdatedAt+1, edited.UpdatedAt, merged.EditedAt)
	if _, err := r.db.UpsertMessage(&merged); err != nil {
		return nil, fmt.Errorf("edit message %s: %w", msg.ID, err)
	}
	r.bus.Emit(bus.MessageUpserted, bus.ChatRef{ChatID: merged.ChatID, MessageID: merged.ID})
	return &merged, nil
}

// DeleteMessage deletes a cached message remotely, then locally. A message
// missing from the store returns ErrMessageNotFound without a remote call.
func (r *Repository) DeleteMessage(ctx context.Context, messageID string, mode model.DeleteMode) error {
	cur, err := r.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	unlock := r.locks.Lock(cur.ChatID)
	defer unlock()

	if err := r.remote.DeleteMessage(ctx, messageID, mode); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if err := r.db.DeleteMessage(messageID, time.Now().UnixMilli()); err != nil && !errors.Is(err, model.ErrMessageNotFound) {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	r.bus.Emit(bus.MessageDeleted, bus.ChatRef{ChatID: cur.ChatID, MessageID: messageID})
	return nil
}

// MarkMessagesAsRead moves the read marker of chatID to uptoMessageID on
// the remote, then locally, and returns the updated chat.
func (r *Repository) MarkMessagesAsRead(ctx context.Context, chatID, uptoMessageID string) (*model.Chat, error) {
	unlock := r.locks.Lock(chatID)
	defer unlock()

	if err := r.remote.MarkMessagesAsRead(ctx, chatID, uptoMessageID); err != nil {
		return nil, fmt.Errorf("mark read %s: %w", chatID, err)
	}
	chat, err := r.db.MarkRead(chatID, uptoMessageID)
	if err != nil {
		return nil, fmt.Errorf("mark read %s: %w", chatID, err)
	}
	r.bus.Emit(bus.MessagesRead, bus.ChatRef{ChatID: chatID, MessageID: uptoMessageID})
	return chat, nil
}
