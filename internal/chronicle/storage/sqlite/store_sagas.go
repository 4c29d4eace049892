package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chronicle/internal/chronicle/storage"
)

// SagaStore methods

// PutSagaInstance upserts a saga instance.
func (s *Store) PutSagaInstance(ctx context.Context, inst storage.SagaInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	inst.SagaID = strings.TrimSpace(inst.SagaID)
	if inst.SagaID == "" {
		return fmt.Errorf("saga id is required")
	}
	if inst.Definition == "" {
		return fmt.Errorf("saga definition name is required")
	}

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	appliedSteps, err := json.Marshal(inst.AppliedSteps)
	if err != nil {
		return fmt.Errorf("encode applied steps: %w", err)
	}
	stateJSON := inst.StateJSON
	if len(stateJSON) == 0 {
		stateJSON = []byte("{}")
	}

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO saga_instances (saga_id, definition, status, current_step, applied_steps, trigger_event_id, trigger_global_pos, state_json, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (saga_id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			applied_steps = excluded.applied_steps,
			state_json = excluded.state_json,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		inst.SagaID, inst.Definition, string(inst.Status), inst.CurrentStep, string(appliedSteps),
		inst.TriggerEventID, inst.TriggerGlobalPos, string(stateJSON), inst.LastError,
		toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt),
	)
	return mapStoreError("put saga instance", err)
}

// GetSagaInstance retrieves an instance by id.
func (s *Store) GetSagaInstance(ctx context.Context, sagaID string) (storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return storage.SagaInstance{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SagaInstance{}, fmt.Errorf("storage is not configured")
	}
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return storage.SagaInstance{}, fmt.Errorf("saga id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, sagaInstanceSelect+` WHERE saga_id = ?`, sagaID)
	inst, err := scanSagaInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SagaInstance{}, storage.ErrNotFound
		}
		return storage.SagaInstance{}, mapStoreError("get saga instance", err)
	}
	return inst, nil
}

// GetSagaInstanceByTrigger retrieves the instance created for a trigger event.
func (s *Store) GetSagaInstanceByTrigger(ctx context.Context, triggerEventID string) (storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return storage.SagaInstance{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SagaInstance{}, fmt.Errorf("storage is not configured")
	}
	triggerEventID = strings.TrimSpace(triggerEventID)
	if triggerEventID == "" {
		return storage.SagaInstance{}, fmt.Errorf("trigger event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, sagaInstanceSelect+` WHERE trigger_event_id = ? LIMIT 1`, triggerEventID)
	inst, err := scanSagaInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SagaInstance{}, storage.ErrNotFound
		}
		return storage.SagaInstance{}, mapStoreError("get saga instance by trigger", err)
	}
	return inst, nil
}

// ListActiveSagaInstances returns non-terminal instances for a definition,
// ordered by creation time ascending.
func (s *Store) ListActiveSagaInstances(ctx context.Context, definition string) ([]storage.SagaInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return nil, fmt.Errorf("saga definition name is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, sagaInstanceSelect+`
		WHERE definition = ? AND status IN (?, ?)
		ORDER BY created_at ASC, saga_id ASC`,
		definition, string(storage.SagaRunning), string(storage.SagaCompensating),
	)
	if err != nil {
		return nil, mapStoreError("list active saga instances", err)
	}
	defer rows.Close()

	var instances []storage.SagaInstance
	for rows.Next() {
		inst, err := scanSagaInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("iterate saga instances", err)
	}
	return instances, nil
}

const sagaInstanceSelect = `
	SELECT saga_id, definition, status, current_step, applied_steps, trigger_event_id, trigger_global_pos, state_json, last_error, created_at, updated_at
	FROM saga_instances`

func scanSagaInstance(row rowScanner) (storage.SagaInstance, error) {
	var (
		inst         storage.SagaInstance
		status       string
		appliedSteps string
		stateJSON    string
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&inst.SagaID, &inst.Definition, &status, &inst.CurrentStep, &appliedSteps, &inst.TriggerEventID, &inst.TriggerGlobalPos, &stateJSON, &inst.LastError, &createdAt, &updatedAt); err != nil {
		return storage.SagaInstance{}, err
	}
	inst.Status = storage.SagaStatus(status)
	if appliedSteps != "" {
		if err := json.Unmarshal([]byte(appliedSteps), &inst.AppliedSteps); err != nil {
			return storage.SagaInstance{}, fmt.Errorf("decode applied steps: %w", err)
		}
	}
	inst.StateJSON = []byte(stateJSON)
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return inst, nil
}
