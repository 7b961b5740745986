package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	var in any = &emptypb.Empty{}
	if req != nil {
		s, err := toStruct(req)
		if err != nil {
			return nil, err
		}
		in = s
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return resp, nil
}

// watch opens a server stream and calls fn for every message until the
// stream ends, fn fails or ctx is canceled.
func watch[Resp any](ctx context.Context, c *Client, method string, req any, fn func(*Resp) error) error {
	var desc *grpc.StreamDesc
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == method {
			desc = &ServiceDesc.Streams[i]
		}
	}
	if desc == nil {
		return fmt.Errorf("unknown stream %s", method)
	}
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, err := c.conn.NewStream(ctx, desc, fullMethod(method))
	if err != nil {
		return err
	}
	if err := st.SendMsg(in); err != nil {
		return err
	}
	if err := st.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := st.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp := new(Resp)
		if err := fromStruct(out, resp); err != nil {
			return fmt.Errorf("decode %s message: %w", method, err)
		}
		if err := fn(resp); err != nil {
			return err
		}
	}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "GetStatus", nil)
}

func (c *Client) ListChats(ctx context.Context) (*ChatListResponse, error) {
	return invoke[ChatListResponse](ctx, c, "ListChats", nil)
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	resp, err := invoke[ChatResponse](ctx, c, "GetChat", ChatRequest{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

func (c *Client) CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error) {
	resp, err := invoke[ChatResponse](ctx, c, "CreateChat", CreateChatRequest{Chat: chat})
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	_, err := invoke[ChatResponse](ctx, c, "DeleteChat", ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) JoinChat(ctx context.Context, chatID, inviteLink string) (*model.Chat, error) {
	resp, err := invoke[ChatResponse](ctx, c, "JoinChat", ChatRequest{ChatID: chatID, InviteLink: inviteLink})
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	_, err := invoke[ChatResponse](ctx, c, "LeaveChat", ChatRequest{ChatID: chatID})
	return err
}

// SendMessage sends msg and calls fn with the message at every delivery status.
func (c *Client) SendMessage(ctx context.Context, msg model.Message, fn func(model.Message)) error {
	return watch(ctx, c, "SendMessage", MessageRequest{Message: msg}, func(r *MessageResponse) error {
		fn(r.Message)
		return nil
	})
}

func (c *Client) EditMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	resp, err := invoke[MessageResponse](ctx, c, "EditMessage", MessageRequest{Message: msg})
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string, mode model.DeleteMode) error {
	_, err := invoke[MessageResponse](ctx, c, "DeleteMessage", DeleteMessageRequest{MessageID: messageID, Mode: mode})
	return err
}

func (c *Client) MarkRead(ctx context.Context, chatID, uptoMessageID string) (*model.Chat, error) {
	resp, err := invoke[ChatResponse](ctx, c, "MarkRead", MarkReadRequest{ChatID: chatID, UptoMessageID: uptoMessageID})
	if err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

func (c *Client) SyncNow(ctx context.Context) (*SyncRoundResponse, error) {
	return invoke[SyncRoundResponse](ctx, c, "SyncNow", nil)
}

func (c *Client) Resync(ctx context.Context) (*SyncRoundResponse, error) {
	return invoke[SyncRoundResponse](ctx, c, "Resync", nil)
}

func (c *Client) SyncStatus(ctx context.Context) (*SyncStatusResponse, error) {
	return invoke[SyncStatusResponse](ctx, c, "SyncStatus", nil)
}

// Settings returns the settings of userID, or of the session user when empty.
func (c *Client) Settings(ctx context.Context, userID string) (*SettingsResponse, error) {
	return invoke[SettingsResponse](ctx, c, "GetSettings", SettingsRequest{UserID: userID})
}

func (c *Client) SetSetting(ctx context.Context, userID, key, value string) (*SettingsResponse, error) {
	return invoke[SettingsResponse](ctx, c, "SetSetting", SetSettingRequest{UserID: userID, Key: key, Value: value})
}

func (c *Client) Conflicts(ctx context.Context, userID string, limit int) ([]model.ConflictEvent, error) {
	resp, err := invoke[ConflictsResponse](ctx, c, "ListConflicts", ConflictsRequest{UserID: userID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}

// WatchChatList calls fn with every emission of the chat list.
func (c *Client) WatchChatList(ctx context.Context, fn func(*ChatListResponse) error) error {
	return watch(ctx, c, "WatchChatList", WatchRequest{}, fn)
}

// WatchChat calls fn with every change of one chat; Chat is nil while the
// chat is unknown.
func (c *Client) WatchChat(ctx context.Context, chatID string, fn func(*ChatResponse) error) error {
	return watch(ctx, c, "WatchChat", ChatRequest{ChatID: chatID}, fn)
}

// WatchEvents calls fn with every daemon event whose kind starts with one of
// namespaces.
func (c *Client) WatchEvents(ctx context.Context, namespaces []string, fn func(*Event) error) error {
	return watch(ctx, c, "WatchEvents", WatchRequest{Namespaces: namespaces}, fn)
}
