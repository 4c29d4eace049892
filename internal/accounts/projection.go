package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/index"
	"github.com/louisbranch/chronicle/internal/chronicle/projection"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// ReadModelName is the checkpoint name of the accounts read model.
const ReadModelName = "accounts-read-model"

const rebuildBatchSize = 200

// NewIndexHandler returns a projection handler that folds account events
// into index entries. Handlers are applied at least once, so every branch is
// an idempotent upsert or delete.
func NewIndexHandler(registry *event.Registry, idx index.Store) (projection.Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if idx == nil {
		return nil, fmt.Errorf("index store is required")
	}

	return func(ctx context.Context, env event.Envelope) error {
		payload, err := registry.DecodePayload(env)
		if err != nil {
			return err
		}

		switch env.Type {
		case EventCreated:
			p, ok := payload.(*CreatedPayload)
			if !ok {
				return fmt.Errorf("unexpected payload type %T for %s", payload, env.Type)
			}
			account := Account{
				Username:    p.Username,
				DisplayName: p.DisplayName,
				CreatedAt:   env.Timestamp,
			}
			err := saveEntry(ctx, idx, env.AggregateID, account)
			if errors.Is(err, index.ErrKeyConflict) {
				// A racing create lost this username to an earlier stream.
				// The losing stream gets no read model entry; replaying it
				// must not stall the projection.
				return nil
			}
			return err
		case EventDisplayNameChanged:
			p, ok := payload.(*DisplayNameChangedPayload)
			if !ok {
				return fmt.Errorf("unexpected payload type %T for %s", payload, env.Type)
			}
			account, err := loadEntry(ctx, idx, env.AggregateID)
			if errors.Is(err, index.ErrNotFound) {
				// The account was deleted later in the feed; a replayed
				// rename has nothing to update.
				return nil
			}
			if err != nil {
				return err
			}
			account.DisplayName = p.DisplayName
			return saveEntry(ctx, idx, env.AggregateID, account)
		case EventDeleted:
			return idx.Delete(ctx, env.AggregateID)
		default:
			return nil
		}
	}, nil
}

// RebuildIndex replays the committed feed from the start into the index.
// The index is a derived read model: after a lost or corrupted backend this
// reconstructs it without touching the event log.
func RebuildIndex(ctx context.Context, events storage.EventStore, registry *event.Registry, idx index.Store) error {
	handler, err := NewIndexHandler(registry, idx)
	if err != nil {
		return err
	}

	var pos uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := events.ReadAll(ctx, pos, rebuildBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, env := range batch {
			if env.AggregateType == AggregateType {
				if err := handler(ctx, env); err != nil {
					return fmt.Errorf("rebuild index at pos %d: %w", env.GlobalPos, err)
				}
			}
			pos = env.GlobalPos
		}
	}
}

func saveEntry(ctx context.Context, idx index.Store, accountID string, account Account) error {
	stateJSON, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode index entry for %s: %w", accountID, err)
	}
	return idx.Save(ctx, accountID, []string{usernameKey(account.Username)}, stateJSON)
}

func loadEntry(ctx context.Context, idx index.Store, accountID string) (Account, error) {
	entry, err := idx.Load(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	var account Account
	if err := json.Unmarshal(entry.State, &account); err != nil {
		return Account{}, fmt.Errorf("decode index entry for %s: %w", accountID, err)
	}
	return account, nil
}
