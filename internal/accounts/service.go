package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/chronicle/internal/chronicle/aggregate"
	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/index"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
	"github.com/louisbranch/chronicle/internal/platform/id"
)

// usernameKey is the index key under which an account's username resolves.
// Usernames are case-insensitive.
func usernameKey(username string) string {
	return "username:" + strings.ToLower(strings.TrimSpace(username))
}

// ServiceConfig wires the collaborators a Service needs.
type ServiceConfig struct {
	Events    storage.EventStore
	Snapshots storage.SnapshotStore
	// Index is the username lookup track. The service writes it through on
	// every save; RebuildIndex can reconstruct it from the feed at any time.
	Index index.Store
	// SnapshotInterval overrides the repository default when > 0.
	SnapshotInterval uint64
}

// Service is the account write model: it validates commands, appends events
// through the aggregate repository, and keeps the username index in step.
type Service struct {
	repo     *aggregate.Repository
	registry *event.Registry
	idx      index.Store
}

// NewService builds the account service with its own registry and folder.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("index store is required")
	}
	registry := event.NewRegistry()
	if err := RegisterEvents(registry); err != nil {
		return nil, err
	}
	folder, err := NewFolder()
	if err != nil {
		return nil, err
	}
	repo, err := aggregate.NewRepository(aggregate.RepositoryConfig{
		Events:           cfg.Events,
		Snapshots:        cfg.Snapshots,
		Registry:         registry,
		Folder:           folder,
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo, registry: registry, idx: cfg.Index}, nil
}

// Registry exposes the account event registry for feed consumers.
func (s *Service) Registry() *event.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Create starts a new account stream and claims the username in the index.
// Returns index.ErrKeyConflict when the username is already taken.
func (s *Service) Create(ctx context.Context, username, displayName string) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if s == nil {
		return "", 0, fmt.Errorf("service is not configured")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", 0, fmt.Errorf("username is required")
	}
	displayName = strings.TrimSpace(displayName)

	accountID, err := id.NewID()
	if err != nil {
		return "", 0, fmt.Errorf("generate account id: %w", err)
	}

	// Claim the username by writing the index entry before the append. The
	// index keeps one live entry per key, so the write is the decision
	// point: the loser of a racing create gets a key conflict here and
	// never appends an orphaned stream. The entry is finalized from the
	// replayed state after the append.
	claim, err := json.Marshal(Account{Username: username, DisplayName: displayName})
	if err != nil {
		return "", 0, fmt.Errorf("encode username claim: %w", err)
	}
	if err := s.idx.Save(ctx, accountID, []string{usernameKey(username)}, claim); err != nil {
		return "", 0, err
	}

	payload, err := s.registry.EncodePayload(EventCreated, CreatedPayload{
		Username:    username,
		DisplayName: displayName,
	})
	if err != nil {
		return "", 0, s.releaseClaim(ctx, accountID, err)
	}

	version, err := s.repo.Save(ctx, accountID, 0, []event.Envelope{{
		Type:    EventCreated,
		Payload: payload,
	}})
	if err != nil {
		return "", 0, s.releaseClaim(ctx, accountID, err)
	}
	if err := s.syncIndex(ctx, accountID); err != nil {
		return "", 0, err
	}
	return accountID, version, nil
}

// releaseClaim drops the username claim of a create that failed before its
// stream existed, then surfaces the original error.
func (s *Service) releaseClaim(ctx context.Context, accountID string, cause error) error {
	if err := s.idx.Delete(ctx, accountID); err != nil {
		log.Printf("release username claim for %s: %v", accountID, err)
	}
	return cause
}

// ChangeDisplayName appends a rename event at the expected version.
func (s *Service) ChangeDisplayName(ctx context.Context, accountID string, expectedVersion uint64, displayName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil {
		return 0, fmt.Errorf("service is not configured")
	}
	if _, _, err := s.Get(ctx, accountID); err != nil {
		return 0, err
	}

	payload, err := s.registry.EncodePayload(EventDisplayNameChanged, DisplayNameChangedPayload{
		DisplayName: strings.TrimSpace(displayName),
	})
	if err != nil {
		return 0, err
	}
	version, err := s.repo.Save(ctx, accountID, expectedVersion, []event.Envelope{{
		Type:    EventDisplayNameChanged,
		Payload: payload,
	}})
	if err != nil {
		return 0, err
	}
	if err := s.syncIndex(ctx, accountID); err != nil {
		return 0, err
	}
	return version, nil
}

// Delete closes the account. The stream keeps its history; the index entry
// is removed so id and username lookups stop resolving.
func (s *Service) Delete(ctx context.Context, accountID string, expectedVersion uint64, reason string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil {
		return 0, fmt.Errorf("service is not configured")
	}
	if _, _, err := s.Get(ctx, accountID); err != nil {
		return 0, err
	}

	payload, err := s.registry.EncodePayload(EventDeleted, DeletedPayload{Reason: strings.TrimSpace(reason)})
	if err != nil {
		return 0, err
	}
	version, err := s.repo.Save(ctx, accountID, expectedVersion, []event.Envelope{{
		Type:    EventDeleted,
		Payload: payload,
	}})
	if err != nil {
		return 0, err
	}
	if err := s.idx.Delete(ctx, accountID); err != nil {
		return 0, err
	}
	return version, nil
}

// Get replays the account by id. Deleted accounts read as not found.
func (s *Service) Get(ctx context.Context, accountID string) (Account, uint64, error) {
	if s == nil {
		return Account{}, 0, fmt.Errorf("service is not configured")
	}
	state, version, err := s.repo.Load(ctx, accountID)
	if err != nil {
		return Account{}, 0, err
	}
	account, ok := state.(*Account)
	if !ok {
		return Account{}, 0, fmt.Errorf("unexpected state type %T", state)
	}
	if account.Deleted {
		return Account{}, 0, storage.ErrNotFound
	}
	return *account, version, nil
}

// GetByUsername resolves an account through the username index.
func (s *Service) GetByUsername(ctx context.Context, username string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("service is not configured")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return Account{}, fmt.Errorf("username is required")
	}
	entry, err := s.idx.LoadByKey(ctx, usernameKey(username))
	if err != nil {
		return Account{}, err
	}
	var account Account
	if err := json.Unmarshal(entry.State, &account); err != nil {
		return Account{}, fmt.Errorf("decode index entry for %s: %w", entry.AggregateID, err)
	}
	return account, nil
}

// syncIndex writes the account's current state and username key to the
// index. Deleted accounts are removed instead.
func (s *Service) syncIndex(ctx context.Context, accountID string) error {
	state, _, err := s.repo.Load(ctx, accountID)
	if err != nil {
		return err
	}
	account, ok := state.(*Account)
	if !ok {
		return fmt.Errorf("unexpected state type %T", state)
	}
	if account.Deleted {
		return s.idx.Delete(ctx, accountID)
	}
	stateJSON, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode index entry for %s: %w", accountID, err)
	}
	return s.idx.Save(ctx, accountID, []string{usernameKey(account.Username)}, stateJSON)
}
