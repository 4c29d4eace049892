package accounts

import (
	"fmt"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/aggregate"
	"github.com/louisbranch/chronicle/internal/chronicle/event"
)

// Account is the replayed state of one account stream.
type Account struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// NewFolder builds the fold table that rebuilds Account state from its
// event stream.
func NewFolder() (*aggregate.Folder, error) {
	folder, err := aggregate.NewFolder(AggregateType, func() any { return &Account{} })
	if err != nil {
		return nil, err
	}

	folds := map[event.Type]aggregate.Fold{
		EventCreated:            foldCreated,
		EventDisplayNameChanged: foldDisplayNameChanged,
		EventDeleted:            foldDeleted,
	}
	for t, fold := range folds {
		if err := folder.Handle(t, fold); err != nil {
			return nil, err
		}
	}
	return folder, nil
}

func foldCreated(state any, env event.Envelope, payload any) (any, error) {
	account, ok := state.(*Account)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	p, ok := payload.(*CreatedPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T for %s", payload, env.Type)
	}
	account.Username = p.Username
	account.DisplayName = p.DisplayName
	account.CreatedAt = env.Timestamp
	return account, nil
}

func foldDisplayNameChanged(state any, env event.Envelope, payload any) (any, error) {
	account, ok := state.(*Account)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	p, ok := payload.(*DisplayNameChangedPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T for %s", payload, env.Type)
	}
	account.DisplayName = p.DisplayName
	return account, nil
}

func foldDeleted(state any, env event.Envelope, payload any) (any, error) {
	account, ok := state.(*Account)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	account.Deleted = true
	return account, nil
}
