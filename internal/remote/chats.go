package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// CreateChat creates a chat and returns the server's copy.
func (c *Client) CreateChat(ctx context.Context, chat *model.Chat) (*model.Chat, error) {
	var out model.Chat
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats", chat, &out, false); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return &out, nil
}

// DeleteChat deletes a chat on the server.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/chats/"+url.PathEscape(chatID), nil, nil, false); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// JoinChat joins a chat through an invite link and returns the chat.
func (c *Client) JoinChat(ctx context.Context, chatID, inviteLink string) (*model.Chat, error) {
	body := map[string]string{"invite_link": inviteLink}
	var out model.Chat
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/join", body, &out, false); err != nil {
		return nil, fmt.Errorf("join chat: %w", err)
	}
	return &out, nil
}

// LeaveChat leaves a chat.
func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/leave", nil, nil, false); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	return nil
}

// EditMessage replaces the text of a message and returns the server's copy.
func (c *Client) EditMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	var out model.Message
	if err := c.doJSON(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(msg.ID), msg, &out, false); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &out, nil
}

// DeleteMessage deletes a message for the sender or for everyone.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, mode model.DeleteMode) error {
	q := url.Values{}
	q.Set("mode", string(mode))
	path := "/v1/messages/" + url.PathEscape(messageID) + "?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil, false); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// MarkMessagesAsRead moves the server-side read marker of a chat.
func (c *Client) MarkMessagesAsRead(ctx context.Context, chatID, uptoMessageID string) error {
	body := map[string]string{"upto_message_id": uptoMessageID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/read", body, nil, false); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// statusLine is one NDJSON line of the send stream.
type statusLine struct {
	Status *model.DeliveryStatus `json:"status"`
	At     int64                 `json:"at"`
	Error  *errorBody            `json:"error"`
}

// SendMessage posts a message and streams the server's delivery updates.
// The channel closes when the server ends the stream. A failure is reported
// as a final update with Err set.
func (c *Client) SendMessage(ctx context.Context, msg *model.Message) <-chan model.StatusUpdate {
	out := make(chan model.StatusUpdate)
	go func() {
		defer close(out)
		emit := func(u model.StatusUpdate) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			emit(model.StatusUpdate{Err: fmt.Errorf("encode message: %w", err)})
			return
		}
		// The stream stays open until delivery, so no client timeout applies.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/chats/"+url.PathEscape(msg.ChatID)+"/messages", bytes.NewReader(payload))
		if err != nil {
			emit(model.StatusUpdate{Err: err})
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-ndjson")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		streamClient := *c.httpClient
		streamClient.Timeout = 0
		resp, err := streamClient.Do(req)
		if err != nil {
			c.metrics.RemoteRequests.WithLabelValues(http.MethodPost, "error").Inc()
			emit(model.StatusUpdate{Err: classifyTransport(err)})
			return
		}
		defer func() { _ = resp.Body.Close() }()
		c.metrics.RemoteRequests.WithLabelValues(http.MethodPost, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(resp.Body)
			emit(model.StatusUpdate{Err: classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), raw)})
			return
		}

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var sl statusLine
			if err := json.Unmarshal(line, &sl); err != nil {
				c.logger.Warn("malformed status line", zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
			var u model.StatusUpdate
			switch {
			case sl.Error != nil:
				u.Err = &model.RemoteError{StatusCode: resp.StatusCode, Code: sl.Error.Code, Message: sl.Error.Message}
			case sl.Status != nil:
				u = model.StatusUpdate{Status: *sl.Status, At: sl.At}
			default:
				continue
			}
			if !emit(u) || u.Err != nil {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			emit(model.StatusUpdate{Err: classifyTransport(err)})
		}
	}()
	return out
}
