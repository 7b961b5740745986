package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// sendMessage streams the message at every persisted delivery status. A
// failed delivery ends the stream after the failed status was sent.
func (s *Service) sendMessage(ctx context.Context, req *MessageRequest, send func(any) error) error {
	for res := range s.repo.SendMessage(ctx, req.Message) {
		if res.Err != nil {
			if res.Value.ID != "" {
				if err := send(MessageResponse{Message: res.Value}); err != nil {
					return err
				}
			}
			return res.Err
		}
		if err := send(MessageResponse{Message: res.Value}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) editMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	if req.Message.ID == "" {
		return nil, fmt.Errorf("%w: missing message id", model.ErrInvalidMessage)
	}
	msg, err := s.repo.EditMessage(ctx, &req.Message)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: *msg}, nil
}

func (s *Service) deleteMessage(ctx context.Context, req *DeleteMessageRequest) (*MessageResponse, error) {
	mode := req.Mode
	switch mode {
	case "":
		mode = model.DeleteForSenderOnly
	case model.DeleteForSenderOnly, model.DeleteForEveryone:
	default:
		return nil, fmt.Errorf("%w: unknown delete mode %q", model.ErrInvalidMessage, mode)
	}
	if err := s.repo.DeleteMessage(ctx, req.MessageID, mode); err != nil {
		return nil, err
	}
	return &MessageResponse{}, nil
}

func (s *Service) markRead(ctx context.Context, req *MarkReadRequest) (*ChatResponse, error) {
	if req.ChatID == "" || req.UptoMessageID == "" {
		return nil, errors.New("chat_id and upto_message_id are required")
	}
	chat, err := s.repo.MarkMessagesAsRead(ctx, req.ChatID, req.UptoMessageID)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Chat: chat}, nil
}
