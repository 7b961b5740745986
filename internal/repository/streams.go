package repository

import (
	"context"
	"reflect"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/stream"
)

// send blocks until v is queued or ctx ends.
func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitEvent blocks until an event accepted by match arrives, then drains
// whatever else is queued so a burst causes a single re-read. A nil match
// accepts every event. It returns false when ctx ends.
func waitEvent(ctx context.Context, events <-chan bus.Event, match func(bus.Event) bool) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e := <-events:
			if match != nil && !match(e) {
				continue
			}
			for {
				select {
				case <-events:
				default:
					return true
				}
			}
		}
	}
}

func sameChatResult(a, b stream.Result[model.Chat]) bool {
	if a.Err != nil || b.Err != nil {
		return a.Err != nil && b.Err != nil && a.Err.Error() == b.Err.Error()
	}
	return reflect.DeepEqual(a.Value, b.Value)
}
