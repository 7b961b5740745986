package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
	deltasync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-tagged Go value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged Go value.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// toStatus maps domain errors onto gRPC status codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, model.ErrChatNotFound), errors.Is(err, model.ErrMessageNotFound),
		model.HasCode(err, model.CodeChatNotFound), model.HasCode(err, model.CodeMessageNotFound):
		return codes.NotFound
	case model.IsTransient(err):
		return codes.Unavailable
	case errors.Is(err, model.ErrInvalidMessage), errors.Is(err, model.ErrInvalidSetting):
		return codes.InvalidArgument
	case errors.Is(err, deltasync.ErrRoundInFlight):
		return codes.Aborted
	case errors.Is(err, model.ErrUnsupported):
		return codes.Unimplemented
	case errors.Is(err, model.ErrRemote):
		return codes.FailedPrecondition
	}
	return codes.Internal
}
