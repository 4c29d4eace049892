package accounts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/index"
	"github.com/louisbranch/chronicle/internal/chronicle/saga"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// ProvisioningSagaName identifies the account provisioning workflow.
const ProvisioningSagaName = "account-provisioning"

// provisioningState is the durable per-instance state the saga carries
// between steps and into compensation.
type provisioningState struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// reservationKey is the index key a provisioning reservation claims.
func reservationKey(username string) string {
	return "reservation:" + usernameKey(username)
}

// welcomeStreamID is the notification stream for one account.
func welcomeStreamID(accountID string) string {
	return "welcome-" + accountID
}

// NewProvisioningSaga builds the provisioning workflow triggered by every
// account.created event: reserve the username, then enqueue the welcome
// notification. A failed enqueue releases the reservation.
func NewProvisioningSaga(reservations ReservationStore, events storage.EventStore) (saga.Definition, error) {
	if reservations == nil {
		return saga.Definition{}, fmt.Errorf("reservation store is required")
	}
	if events == nil {
		return saga.Definition{}, fmt.Errorf("event store is required")
	}

	return saga.Definition{
		Name:    ProvisioningSagaName,
		Trigger: EventCreated,
		Steps: []saga.Step{
			{
				Name: "reserve-username",
				Execute: func(ctx context.Context, inst *saga.Instance, trigger event.Envelope) error {
					var payload CreatedPayload
					if err := json.Unmarshal(trigger.Payload, &payload); err != nil {
						return fmt.Errorf("decode trigger payload: %w", err)
					}
					state := provisioningState{
						AccountID: trigger.AggregateID,
						Username:  payload.Username,
					}
					stateJSON, err := json.Marshal(state)
					if err != nil {
						return fmt.Errorf("encode saga state: %w", err)
					}
					inst.StateJSON = stateJSON

					// Save is an upsert keyed by aggregate id, so a retried
					// reservation for the same account is a no-op.
					return reservations.Save(ctx, state.AccountID, []string{reservationKey(state.Username)}, stateJSON)
				},
				Compensate: func(ctx context.Context, inst *saga.Instance) error {
					var state provisioningState
					if err := json.Unmarshal(inst.StateJSON, &state); err != nil {
						return fmt.Errorf("decode saga state: %w", err)
					}
					// Delete releases the reservation key; deleting a missing
					// entry is not an error, so this retries safely.
					return reservations.Delete(ctx, state.AccountID)
				},
			},
			{
				Name: "enqueue-welcome",
				Execute: func(ctx context.Context, inst *saga.Instance, trigger event.Envelope) error {
					var state provisioningState
					if err := json.Unmarshal(inst.StateJSON, &state); err != nil {
						return fmt.Errorf("decode saga state: %w", err)
					}

					streamID := welcomeStreamID(state.AccountID)
					version, err := events.LatestVersion(ctx, streamID)
					if err != nil {
						return err
					}
					if version > 0 {
						// A previous attempt already landed the record.
						return nil
					}

					payload, err := json.Marshal(WelcomeEnqueuedPayload{
						AccountID: state.AccountID,
						Username:  state.Username,
					})
					if err != nil {
						return fmt.Errorf("encode welcome payload: %w", err)
					}
					_, err = events.AppendEvents(ctx, streamID, NotificationAggregateType, 0, []event.Envelope{{
						Type:    EventWelcomeEnqueued,
						Payload: payload,
					}})
					return err
				},
			},
		},
	}, nil
}

// ReservationStore is the subset of the index contract the provisioning
// saga needs for username reservations. Reservations live in their own
// index store so releasing one never touches the accounts read model.
type ReservationStore interface {
	Save(ctx context.Context, aggregateID string, keys []string, state []byte) error
	Delete(ctx context.Context, aggregateID string) error
	LoadByKey(ctx context.Context, key string) (index.Entry, error)
}
