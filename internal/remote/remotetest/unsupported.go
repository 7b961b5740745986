// Package remotetest provides building blocks for remote fakes.
package remotetest

import (
	"context"

	"github.com/matheus3301/chatsync/internal/model"
)

// Unsupported implements every remote method by returning
// model.ErrUnsupported. Fakes embed it and override what a test needs.
type Unsupported struct{}

func (Unsupported) CreateChat(context.Context, *model.Chat) (*model.Chat, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) DeleteChat(context.Context, string) error { return model.ErrUnsupported }

func (Unsupported) JoinChat(context.Context, string, string) (*model.Chat, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) LeaveChat(context.Context, string) error { return model.ErrUnsupported }

func (Unsupported) SendMessage(context.Context, *model.Message) <-chan model.StatusUpdate {
	ch := make(chan model.StatusUpdate, 1)
	ch <- model.StatusUpdate{Err: model.ErrUnsupported}
	close(ch)
	return ch
}

func (Unsupported) EditMessage(context.Context, *model.Message) (*model.Message, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) DeleteMessage(context.Context, string, model.DeleteMode) error {
	return model.ErrUnsupported
}

func (Unsupported) MarkMessagesAsRead(context.Context, string, string) error {
	return model.ErrUnsupported
}

func (Unsupported) FetchDeltas(context.Context, int64, string) (*model.DeltaPage, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) GetSettings(context.Context, string) ([]model.SettingSnapshot, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) SyncSetting(context.Context, string, model.SettingSyncRequest) (*model.SettingSyncResult, error) {
	return nil, model.ErrUnsupported
}

func (Unsupported) SyncSettings(context.Context, string, []model.SettingSyncRequest) ([]model.SettingSyncResult, error) {
	return nil, model.ErrUnsupported
}

// ConnectionState reports a permanently disconnected push channel.
func (Unsupported) ConnectionState(ctx context.Context) <-chan model.ConnectionState {
	ch := make(chan model.ConnectionState, 1)
	ch <- model.Disconnected
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
