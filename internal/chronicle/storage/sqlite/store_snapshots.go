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

// SnapshotStore methods

// PutSnapshot stores a snapshot, replacing any snapshot at the same version.
func (s *Store) PutSnapshot(ctx context.Context, snap storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	snap.AggregateID = strings.TrimSpace(snap.AggregateID)
	if snap.AggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if snap.Version == 0 {
		return fmt.Errorf("snapshot version is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	stateJSON := snap.StateJSON
	if len(stateJSON) == 0 {
		stateJSON = []byte("{}")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			state_json = excluded.state_json,
			created_at = excluded.created_at`,
		snap.AggregateID, snap.AggregateType, snap.Version, string(stateJSON), toMillis(snap.CreatedAt),
	)
	return mapStoreError("put snapshot", err)
}

// GetLatestSnapshot retrieves the highest-version snapshot for an aggregate.
func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return storage.Snapshot{}, fmt.Errorf("aggregate id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, version, state_json, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC
		LIMIT 1`, aggregateID)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, mapStoreError("get latest snapshot", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots ordered by version descending.
func (s *Store) ListSnapshots(ctx context.Context, aggregateID string, limit int) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}

	query := `
		SELECT aggregate_id, aggregate_type, version, state_json, created_at
		FROM snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC`
	args := []any{aggregateID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreError("list snapshots", err)
	}
	defer rows.Close()

	var snaps []storage.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("iterate snapshots", err)
	}
	return snaps, nil
}

// PruneSnapshots removes all but the keep most recent snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, aggregateID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if keep < 1 {
		return fmt.Errorf("keep must be at least 1")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE aggregate_id = ?
		AND version NOT IN (
			SELECT version FROM snapshots
			WHERE aggregate_id = ?
			ORDER BY version DESC
			LIMIT ?
		)`, aggregateID, aggregateID, keep)
	return mapStoreError("prune snapshots", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (storage.Snapshot, error) {
	var (
		snap      storage.Snapshot
		stateJSON string
		createdAt int64
	)
	if err := row.Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &stateJSON, &createdAt); err != nil {
		return storage.Snapshot{}, err
	}
	snap.StateJSON = []byte(stateJSON)
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}
