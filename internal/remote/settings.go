package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/matheus3301/chatsync/internal/model"
)

// GetSettings returns the server's copy of every setting of a user. Keys the
// server has no value for are absent.
func (c *Client) GetSettings(ctx context.Context, userID string) ([]model.SettingSnapshot, error) {
	var out struct {
		Settings []model.SettingSnapshot `json:"settings"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/settings", nil, &out, true); err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return out.Settings, nil
}

// SyncSetting pushes one local edit and returns the server's verdict.
func (c *Client) SyncSetting(ctx context.Context, userID string, req model.SettingSyncRequest) (*model.SettingSyncResult, error) {
	results, err := c.SyncSettings(ctx, userID, []model.SettingSyncRequest{req})
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Key == req.Key {
			return &results[i], nil
		}
	}
	return nil, &model.RemoteError{StatusCode: http.StatusOK, Code: "INVALID_PAYLOAD", Message: "no result for " + string(req.Key)}
}

// SyncSettings pushes several edits in one request.
func (c *Client) SyncSettings(ctx context.Context, userID string, reqs []model.SettingSyncRequest) ([]model.SettingSyncResult, error) {
	body := struct {
		Settings []model.SettingSyncRequest `json:"settings"`
	}{reqs}
	var out struct {
		Results []model.SettingSyncResult `json:"results"`
	}
	// A replayed sync would come back as a conflict against our own write.
	if err := c.doJSON(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/settings/sync", body, &out, false); err != nil {
		return nil, fmt.Errorf("sync settings: %w", err)
	}
	return out.Results, nil
}
