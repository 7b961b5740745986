package delivery

import (
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid delivery status transition")

// allowed maps each status kind to the kinds it may move to. The empty kind
// is a message that has no status yet.
var allowed = map[model.StatusKind][]model.StatusKind{
	"":                    {model.StatusSending},
	model.StatusSending:   {model.StatusSending, model.StatusFailed, model.StatusSent, model.StatusDelivered, model.StatusRead},
	model.StatusFailed:    {model.StatusFailed, model.StatusSending, model.StatusSent, model.StatusDelivered, model.StatusRead},
	model.StatusSent:      {model.StatusSent, model.StatusDelivered, model.StatusRead},
	model.StatusDelivered: {model.StatusDelivered, model.StatusRead},
	model.StatusRead:      nil,
}

// CheckTransition reports whether a message may move from one status to another.
func CheckTransition(from, to model.DeliveryStatus) error {
	if !slices.Contains(allowed[from.Kind], to.Kind) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
