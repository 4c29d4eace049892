// Package bboltidx provides a BoltDB-backed secondary index. Every save and
// delete runs inside one bbolt transaction, so entries and key pointers can
// never diverge.
package bboltidx

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/louisbranch/chronicle/internal/chronicle/index"
)

const (
	entryBucket = "entries"
	keyBucket   = "keys"
)

// Store provides a BoltDB-backed index store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed index at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the entry for an aggregate and points every key at it, all in
// one transaction.
func (s *Store) Save(ctx context.Context, aggregateID string, keys []string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
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

	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucket))
		keyPtrs := tx.Bucket([]byte(keyBucket))
		if entries == nil || keyPtrs == nil {
			return fmt.Errorf("index buckets are missing")
		}

		for _, key := range keys {
			owner := keyPtrs.Get([]byte(key))
			if owner != nil && string(owner) != aggregateID {
				return index.ErrKeyConflict
			}
		}

		// Release keys dropped since the previous save.
		if prior := entries.Get([]byte(aggregateID)); prior != nil {
			var priorEntry index.Entry
			if err := json.Unmarshal(prior, &priorEntry); err != nil {
				return fmt.Errorf("unmarshal prior entry: %w", err)
			}
			kept := make(map[string]struct{}, len(keys))
			for _, key := range keys {
				kept[key] = struct{}{}
			}
			for _, key := range priorEntry.Keys {
				if _, ok := kept[key]; !ok {
					if err := keyPtrs.Delete([]byte(key)); err != nil {
						return fmt.Errorf("release key %q: %w", key, err)
					}
				}
			}
		}

		for _, key := range keys {
			if err := keyPtrs.Put([]byte(key), []byte(aggregateID)); err != nil {
				return fmt.Errorf("point key %q: %w", key, err)
			}
		}
		return entries.Put([]byte(aggregateID), payload)
	})
}

// Load retrieves the entry by aggregate id.
func (s *Store) Load(ctx context.Context, aggregateID string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil || s.db == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return index.Entry{}, fmt.Errorf("aggregate id is required")
	}

	var entry index.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucket))
		if entries == nil {
			return fmt.Errorf("index buckets are missing")
		}
		payload := entries.Get([]byte(aggregateID))
		if payload == nil {
			return index.ErrNotFound
		}
		return json.Unmarshal(payload, &entry)
	})
	if err != nil {
		return index.Entry{}, err
	}
	return entry, nil
}

// LoadByKey resolves a business key to its entry.
func (s *Store) LoadByKey(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if s == nil || s.db == nil {
		return index.Entry{}, fmt.Errorf("index is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return index.Entry{}, fmt.Errorf("index key is required")
	}

	var entry index.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucket))
		keyPtrs := tx.Bucket([]byte(keyBucket))
		if entries == nil || keyPtrs == nil {
			return fmt.Errorf("index buckets are missing")
		}
		owner := keyPtrs.Get([]byte(key))
		if owner == nil {
			return index.ErrNotFound
		}
		payload := entries.Get(owner)
		if payload == nil {
			return index.ErrNotFound
		}
		return json.Unmarshal(payload, &entry)
	})
	if err != nil {
		return index.Entry{}, err
	}
	return entry, nil
}

// Delete removes the entry and releases its keys in one transaction.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucket))
		keyPtrs := tx.Bucket([]byte(keyBucket))
		if entries == nil || keyPtrs == nil {
			return fmt.Errorf("index buckets are missing")
		}
		payload := entries.Get([]byte(aggregateID))
		if payload == nil {
			return nil
		}
		var entry index.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("unmarshal index entry: %w", err)
		}
		for _, key := range entry.Keys {
			if err := keyPtrs.Delete([]byte(key)); err != nil {
				return fmt.Errorf("release key %q: %w", key, err)
			}
		}
		return entries.Delete([]byte(aggregateID))
	})
}

// Exists reports whether an entry exists for the aggregate.
func (s *Store) Exists(ctx context.Context, aggregateID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.db == nil {
		return false, fmt.Errorf("index is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return false, fmt.Errorf("aggregate id is required")
	}

	exists := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(entryBucket))
		if entries == nil {
			return fmt.Errorf("index buckets are missing")
		}
		exists = entries.Get([]byte(aggregateID)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entryBucket)); err != nil {
			return fmt.Errorf("create entries bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keyBucket)); err != nil {
			return fmt.Errorf("create keys bucket: %w", err)
		}
		return nil
	})
}
