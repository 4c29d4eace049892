package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/chronicle/internal/chronicle/event"
	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// EventStore methods (append-only stream journal)

// AppendEvents atomically appends a batch of envelopes to one stream.
//
// The whole batch commits in a single transaction. The stream head is read
// inside the transaction and compared against expectedVersion; the
// UNIQUE (aggregate_id, version) constraint backstops the check against
// writers racing on separate connections.
func (s *Store) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion uint64, envelopes []event.Envelope) ([]event.Envelope, error) {
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
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return nil, fmt.Errorf("aggregate type is required")
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("at least one envelope is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapStoreError("begin tx", err)
	}
	defer tx.Rollback()

	var head uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID)
	if err := row.Scan(&head); err != nil {
		return nil, mapStoreError("read stream head", err)
	}
	if head != expectedVersion {
		return nil, storage.ErrConcurrencyConflict
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	committed := make([]event.Envelope, 0, len(envelopes))
	for i, env := range envelopes {
		env.AggregateID = aggregateID
		env.AggregateType = aggregateType
		env.Version = expectedVersion + uint64(i) + 1
		if env.EventID == "" {
			env.EventID = uuid.NewString()
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = now
		} else {
			env.Timestamp = env.Timestamp.UTC().Truncate(time.Millisecond)
		}
		if len(env.Payload) == 0 {
			env.Payload = []byte("{}")
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, version, event_id, event_type, timestamp, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			env.AggregateID, env.AggregateType, env.Version, env.EventID, string(env.Type), toMillis(env.Timestamp), string(env.Payload),
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, storage.ErrConcurrencyConflict
			}
			return nil, mapStoreError("append event", err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read global position: %w", err)
		}
		env.GlobalPos = uint64(pos)
		committed = append(committed, env)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, storage.ErrConcurrencyConflict
		}
		return nil, mapStoreError("commit", err)
	}

	s.notifyWatchers()
	return committed, nil
}

// ReadStream returns envelopes for one aggregate ordered by version ascending.
func (s *Store) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) ([]event.Envelope, error) {
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
		SELECT global_pos, aggregate_id, aggregate_type, version, event_id, event_type, timestamp, payload
		FROM events
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version ASC`
	args := []any{aggregateID, fromVersion}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreError("read stream", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// ReadAll returns committed envelopes ordered by global position ascending.
func (s *Store) ReadAll(ctx context.Context, fromGlobalPos uint64, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `
		SELECT global_pos, aggregate_id, aggregate_type, version, event_id, event_type, timestamp, payload
		FROM events
		WHERE global_pos > ?
		ORDER BY global_pos ASC`
	args := []any{fromGlobalPos}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreError("read all", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// LatestVersion returns the stream head version, 0 when the stream is absent.
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return 0, fmt.Errorf("aggregate id is required")
	}

	var head uint64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID)
	if err := row.Scan(&head); err != nil {
		return 0, mapStoreError("read stream head", err)
	}
	return head, nil
}

func scanEnvelopes(rows *sql.Rows) ([]event.Envelope, error) {
	var envelopes []event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("iterate events", err)
	}
	return envelopes, nil
}

func scanEnvelope(rows *sql.Rows) (event.Envelope, error) {
	var (
		env       event.Envelope
		eventType string
		timestamp int64
		payload   string
	)
	if err := rows.Scan(&env.GlobalPos, &env.AggregateID, &env.AggregateType, &env.Version, &env.EventID, &eventType, &timestamp, &payload); err != nil {
		return event.Envelope{}, fmt.Errorf("scan event: %w", err)
	}
	env.Type = event.Type(eventType)
	env.Timestamp = fromMillis(timestamp)
	env.Payload = []byte(payload)
	return env, nil
}
