package api

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/model"
)

func (s *Service) listChats(_ context.Context) (*ChatListResponse, error) {
	previews, err := s.db.ListChatPreviews()
	if err != nil {
		return nil, err
	}
	return &ChatListResponse{Chats: previews, Updating: s.repo.Loop().Updating()}, nil
}

func (s *Service) getChat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	chat, err := s.db.GetChat(req.ChatID)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Chat: chat}, nil
}

func (s *Service) createChat(ctx context.Context, req *CreateChatRequest) (*ChatResponse, error) {
	chat, err := s.repo.CreateChat(ctx, &req.Chat)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Chat: chat}, nil
}

func (s *Service) deleteChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := s.repo.DeleteChat(ctx, req.ChatID); err != nil {
		return nil, err
	}
	return &ChatResponse{}, nil
}

func (s *Service) joinChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chat, err := s.repo.JoinChat(ctx, req.ChatID, req.InviteLink)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Chat: chat}, nil
}

func (s *Service) leaveChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := s.repo.LeaveChat(ctx, req.ChatID); err != nil {
		return nil, err
	}
	return &ChatResponse{}, nil
}

// watchChatList streams the chat list, local state first.
func (s *Service) watchChatList(ctx context.Context, _ *WatchRequest, send func(any) error) error {
	for res := range s.repo.FlowChatList(ctx) {
		if res.Err != nil {
			return res.Err
		}
		if err := send(ChatListResponse{Chats: res.Value, Updating: s.repo.Loop().Updating()}); err != nil {
			return err
		}
	}
	return nil
}

// watchChat streams one chat. While the chat is unknown an empty response
// is sent and the stream stays open.
func (s *Service) watchChat(ctx context.Context, req *ChatRequest, send func(any) error) error {
	for res := range s.repo.ReceiveChatUpdates(ctx, req.ChatID) {
		var resp ChatResponse
		switch {
		case res.Err == nil:
			resp.Chat = &res.Value
		case errors.Is(res.Err, model.ErrChatNotFound):
		default:
			return res.Err
		}
		if err := send(resp); err != nil {
			return err
		}
	}
	return nil
}
