// Package accounts is the reference domain built on the chronicle engine:
// an account aggregate with a username index, a rebuildable read model, and
// a provisioning saga. It exists so the engine's contracts are exercised by
// real events rather than fixtures.
package accounts

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
)

// AggregateType is the account consistency boundary.
const AggregateType = "account"

// NotificationAggregateType is the boundary for outbound notification
// records written by the provisioning saga.
const NotificationAggregateType = "notification"

// Account event types.
const (
	EventCreated            event.Type = "account.created"
	EventDisplayNameChanged event.Type = "account.display_name_changed"
	EventDeleted            event.Type = "account.deleted"

	EventWelcomeEnqueued event.Type = "notification.welcome_enqueued"
)

// CreatedPayload is the first event of every account stream.
type CreatedPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// DisplayNameChangedPayload renames the account's display name.
type DisplayNameChangedPayload struct {
	DisplayName string `json:"display_name"`
}

// DeletedPayload closes the account stream. Deletion is an event, not a row
// removal: the stream stays replayable, reads treat the account as gone.
type DeletedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// WelcomeEnqueuedPayload records that a welcome notification was queued for
// a freshly provisioned account.
type WelcomeEnqueuedPayload struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// upcastCreatedNameField migrates the original created schema, which spelled
// the username field "name", into the current "username" spelling.
func upcastCreatedNameField(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode created payload: %w", err)
	}
	if _, ok := fields["username"]; ok {
		return payload, nil
	}
	legacy, ok := fields["name"]
	if !ok {
		return payload, nil
	}
	fields["username"] = legacy
	delete(fields, "name")
	migrated, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode migrated created payload: %w", err)
	}
	return migrated, nil
}

// RegisterEvents registers every account-domain event type on the registry.
func RegisterEvents(reg *event.Registry) error {
	if reg == nil {
		return fmt.Errorf("event registry is required")
	}
	definitions := []event.Definition{
		{
			Type:          EventCreated,
			AggregateType: AggregateType,
			New:           func() any { return &CreatedPayload{} },
			Upcasters:     []event.Upcast{upcastCreatedNameField},
		},
		{
			Type:          EventDisplayNameChanged,
			AggregateType: AggregateType,
			New:           func() any { return &DisplayNameChangedPayload{} },
		},
		{
			Type:          EventDeleted,
			AggregateType: AggregateType,
			New:           func() any { return &DeletedPayload{} },
		},
		{
			Type:          EventWelcomeEnqueued,
			AggregateType: NotificationAggregateType,
			New:           func() any { return &WelcomeEnqueuedPayload{} },
		},
	}
	for _, def := range definitions {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
