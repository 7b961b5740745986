package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

const defaultConflictLimit = 20

// user falls back to the session's own user.
func (s *Service) user(id string) string {
	if id != "" {
		return id
	}
	return s.id.UserID
}

func (s *Service) getSettings(_ context.Context, req *SettingsRequest) (*SettingsResponse, error) {
	userID := s.user(req.UserID)
	snap, err := s.settings.Get(userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.settings.Rows(userID)
	if err != nil {
		return nil, err
	}
	resp := &SettingsResponse{
		UserID:   userID,
		Settings: snap.Settings,
		Metadata: snap.Metadata,
		State:    snap.Metadata.State(),
		Rows:     rows,
	}
	if snap.UpdateError != nil {
		resp.UpdateError = snap.UpdateError.Error()
	}
	return resp, nil
}

func (s *Service) setSetting(ctx context.Context, req *SetSettingRequest) (*SettingsResponse, error) {
	key, ok := model.ParseSettingKey(req.Key)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key %q", model.ErrInvalidSetting, req.Key)
	}
	userID := s.user(req.UserID)
	if err := s.settings.ChangeSetting(ctx, userID, key, req.Value); err != nil {
		return nil, err
	}
	return s.getSettings(ctx, &SettingsRequest{UserID: userID})
}

func (s *Service) listConflicts(_ context.Context, req *ConflictsRequest) (*ConflictsResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultConflictLimit
	}
	events, err := s.settings.Conflicts(s.user(req.UserID), limit)
	if err != nil {
		return nil, err
	}
	return &ConflictsResponse{Conflicts: events}, nil
}
