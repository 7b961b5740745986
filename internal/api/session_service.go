package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

const watchBuffer = 64

func (s *Service) getStatus(_ context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:    s.id.Session,
		UserID:     s.id.UserID,
		State:      string(s.machine.Current()),
		StateSince: s.machine.Since().UnixMilli(),
		Updating:   s.repo.Loop().Updating(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		resp.Connection = s.conn.CurrentConnectionState()
	}
	if previews, err := s.db.ListChatPreviews(); err == nil {
		resp.Chats = len(previews)
	}
	return resp, nil
}

// watchEvents forwards bus events until the client goes away. Events the
// watcher is too slow for are dropped by the bus.
func (s *Service) watchEvents(ctx context.Context, req *WatchRequest, send func(any) error) error {
	ns := req.Namespaces
	if len(ns) == 0 {
		ns = []string{""}
	}
	events, unsub := s.bus.SubscribeMany(watchBuffer, ns...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := send(Event{
				ID:      uuid.NewString(),
				Kind:    e.Kind,
				At:      e.Timestamp.UnixMilli(),
				Payload: eventPayload(e.Payload),
			}); err != nil {
				return err
			}
		}
	}
}

// eventPayload turns a bus payload into its wire form.
func eventPayload(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case bus.ChatRef:
		return map[string]string{"chat_id": v.ChatID, "message_id": v.MessageID}
	case bus.SettingRef:
		return map[string]string{"user_id": v.UserID, "key": v.Key}
	case bus.SyncRound:
		out := map[string]any{"pages": v.Pages, "deltas": v.Deltas, "watermark": v.Watermark}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		return out
	case status.StatusChange:
		return map[string]string{"from": string(v.From), "to": string(v.To)}
	case error:
		return map[string]string{"error": v.Error()}
	}
	return p
}
