// Package redisidx provides a Redis-backed secondary index.
//
// Redis offers no cross-key transaction spanning a network failure: a timeout
// around EXEC can leave key pointers without their entry or vice versa. The
// store orders writes so the main entry is the commit point, and LoadByKey
// repairs dangling key pointers it finds along the way.
package redisidx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/chronicle/internal/chronicle/index"
)

const (
	entryKeyPrefix = "chronicle:index:entry:"
	keyKeyPrefix   = "chronicle:index:key:"
)

// Store provides a Redis-backed index store.
type Store struct {
	client *redis.Client
}

// NewStore creates an index store on an existing Redis client.
func NewStore(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client}, nil
}

// Open creates an index store connected to the provided Redis address.
func Open(addr string) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewStore(client)
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func entryKey(aggregateID string) string {
	return entryKeyPrefix + aggregateID
}

func keyKey(key string) string {
	return keyKeyPrefix + key
}

// Save upserts the entry for an aggregate and points every key at it. Key
// pointers are written before the main entry so a partial write leaves
// dangling pointers (repairable on read) rather than an unreachable entry.
func (s *Store) Save(ctx context.Context, aggregateID string, keys []string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}

	for _, key := range keys {
		owner, err := s.client.Get(ctx, keyKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("check key owner: %w", err)
		}
		if err == nil && owner != aggregateID {
			return index.ErrKeyConflict
		}
	}

	var staleKeys []string
	prior, err := s.loadEntry(ctx, aggregateID)
	switch {
	case err == nil:
		kept := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			kept[key] = struct{}{}
		}
		for _, key := range prior.Keys {
			if _, ok := kept[key]; !ok {
				staleKeys = append(staleKeys, key)
			}
		}
	case errors.Is(err, index.ErrNotFound):
	default:
		return err
	}

	entry := index.Entry{
		AggregateID: aggregateID,
		Keys:        append([]string(nil), keys...),
		State:       state,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Set(ctx, keyKey(key), aggregateID, 0)
	}
	for _, key := range staleKeys {
		pipe.Del(ctx, keyKey(key))
	}
	pipe.Set(ctx, entryKey(aggregateID), payload, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", index.ErrPartialIndexWrite, err)
	}
	return nil
}

// Load retrieves the entry by aggregate id.
func (s *Store) Load(ctx context.Context, aggregateID string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil || s.client == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return index.Entry{}, fmt.Errorf("aggregate id is required")
	}
	return s.loadEntry(ctx, aggregateID)
}

// LoadByKey resolves a business key to its entry. A key pointer whose entry
// is missing is a stale remnant of a partial write: the pointer is deleted
// and the lookup reports not found.
func (s *Store) LoadByKey(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil || s.client == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return index.Entry{}, fmt.Errorf("index key is required")
	}

	aggregateID, err := s.client.Get(ctx, keyKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return index.Entry{}, index.ErrNotFound
		}
		return index.Entry{}, fmt.Errorf("resolve key: %w", err)
	}

	entry, err := s.loadEntry(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			// Read repair: drop the dangling pointer.
			_ = s.client.Del(ctx, keyKey(key)).Err()
			return index.Entry{}, index.ErrNotFound
		}
		return index.Entry{}, err
	}
	return entry, nil
}

// Delete removes the entry and releases its keys. Key pointers go first so a
// partial delete cannot leave a reachable entry behind dangling keys.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.client == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}

	entry, err := s.loadEntry(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	for _, key := range entry.Keys {
		pipe.Del(ctx, keyKey(key))
	}
	pipe.Del(ctx, entryKey(aggregateID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", index.ErrPartialIndexWrite, err)
	}
	return nil
}

// Exists reports whether an entry exists for the aggregate.
func (s *Store) Exists(ctx context.Context, aggregateID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.client == nil {
		return false, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return false, fmt.Errorf("aggregate id is required")
	}

	n, err := s.client.Exists(ctx, entryKey(aggregateID)).Result()
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return n > 0, nil
}

func (s *Store) loadEntry(ctx context.Context, aggregateID string) (index.Entry, error) {
	payload, err := s.client.Get(ctx, entryKey(aggregateID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return index.Entry{}, index.ErrNotFound
		}
		return index.Entry{}, fmt.Errorf("load entry: %w", err)
	}
	var entry index.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return index.Entry{}, fmt.Errorf("unmarshal index entry: %w", err)
	}
	return entry, nil
}
