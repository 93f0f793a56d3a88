package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchedulerClass — class_name объектов schedulers в таблице objects.
const SchedulerClass = "scheduler"

// lastBuildKey — имя состояния с временем последней сборки timed scheduler.
const lastBuildKey = "last_build"

// StateRepo — постоянное key/value состояние объектов master
// (таблицы objects и object_state).
type StateRepo struct {
	pool *pgxpool.Pool
}

// NewStateRepo создаёт новый StateRepo.
func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

// ObjectID возвращает id объекта, создавая объект при первом обращении.
func (r *StateRepo) ObjectID(ctx context.Context, name, class string) (uuid.UUID, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO objects (id, name, class_name) VALUES ($1, $2, $3)
		ON CONFLICT (name, class_name) DO NOTHING
	`, uuid.New(), name, class)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert object: %w", err)
	}

	var id uuid.UUID
	err = r.pool.QueryRow(ctx, `
		SELECT id FROM objects WHERE name = $1 AND class_name = $2
	`, name, class).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("select object: %w", err)
	}
	return id, nil
}

// GetState читает состояние в dest. Возвращает false, если его нет.
func (r *StateRepo) GetState(ctx context.Context, objectID uuid.UUID, key string, dest any) (bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT value_json FROM object_state WHERE objectid = $1 AND name = $2
	`, objectID, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select state %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal state %s: %w", key, err)
	}
	return true, nil
}

// SetState сохраняет состояние.
func (r *StateRepo) SetState(ctx context.Context, objectID uuid.UUID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO object_state (objectid, name, value_json) VALUES ($1, $2, $3)
		ON CONFLICT (objectid, name) DO UPDATE SET value_json = EXCLUDED.value_json
	`, objectID, key, raw)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", key, err)
	}
	return nil
}

// LoadCheckpoint возвращает время последней сборки scheduler
// или nil, если сборок ещё не было.
func (r *StateRepo) LoadCheckpoint(ctx context.Context, scheduler string) (*time.Time, error) {
	id, err := r.ObjectID(ctx, scheduler, SchedulerClass)
	if err != nil {
		return nil, err
	}
	var at time.Time
	ok, err := r.GetState(ctx, id, lastBuildKey, &at)
	if err != nil || !ok {
		return nil, err
	}
	return &at, nil
}

// SaveCheckpoint сохраняет время последней сборки scheduler.
func (r *StateRepo) SaveCheckpoint(ctx context.Context, scheduler string, at time.Time) error {
	id, err := r.ObjectID(ctx, scheduler, SchedulerClass)
	if err != nil {
		return err
	}
	return r.SetState(ctx, id, lastBuildKey, at)
}
