package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// CheckpointStore methods

// GetCheckpoint retrieves a checkpoint by projection name.
func (s *Store) GetCheckpoint(ctx context.Context, name string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Checkpoint{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Checkpoint{}, fmt.Errorf("checkpoint name is required")
	}

	var (
		cp        storage.Checkpoint
		updatedAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx, `SELECT name, position, updated_at FROM checkpoints WHERE name = ?`, name)
	if err := row.Scan(&cp.Name, &cp.Position, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Checkpoint{}, storage.ErrNotFound
		}
		return storage.Checkpoint{}, mapStoreError("get checkpoint", err)
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	cp.Name = strings.TrimSpace(cp.Name)
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO checkpoints (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at`,
		cp.Name, cp.Position, toMillis(cp.UpdatedAt),
	)
	return mapStoreError("save checkpoint", err)
}
