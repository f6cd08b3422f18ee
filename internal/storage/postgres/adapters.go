package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

const adapterColumns = `id, name, type, enabled, config, created_at, updated_at`

// AdapterRepository provides bot connection persistence operations.
type AdapterRepository struct {
	db *pgxpool.Pool
}

// NewAdapterRepository creates an AdapterRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAdapterRepository(db *pgxpool.Pool) *AdapterRepository {
	return &AdapterRepository{db: db}
}

// Create inserts an adapter.
func (r *AdapterRepository) Create(ctx context.Context, name string, kind model.AdapterType, enabled bool, cfg json.RawMessage) (model.Adapter, error) {
	a, err := scanAdapter(r.db.QueryRow(ctx,
		`INSERT INTO adapters (name, type, enabled, config) VALUES ($1, $2, $3, $4)
		 RETURNING `+adapterColumns,
		name, string(kind), enabled, []byte(cfg),
	))
	if err != nil {
		return model.Adapter{}, fmt.Errorf("inserting adapter: %w", err)
	}
	return a, nil
}

// Get retrieves an adapter by id.
//
// Postcondition: Returns the Adapter or ErrAdapterNotFound.
func (r *AdapterRepository) Get(ctx context.Context, id int64) (model.Adapter, error) {
	a, err := scanAdapter(r.db.QueryRow(ctx, `SELECT `+adapterColumns+` FROM adapters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Adapter{}, ErrAdapterNotFound
		}
		return model.Adapter{}, fmt.Errorf("querying adapter %d: %w", id, err)
	}
	return a, nil
}

// List returns every adapter ordered by id.
func (r *AdapterRepository) List(ctx context.Context) ([]model.Adapter, error) {
	return r.list(ctx, `SELECT `+adapterColumns+` FROM adapters ORDER BY id`)
}

// ListEnabled returns the adapters that should be running, ordered by id.
func (r *AdapterRepository) ListEnabled(ctx context.Context) ([]model.Adapter, error) {
	return r.list(ctx, `SELECT `+adapterColumns+` FROM adapters WHERE enabled ORDER BY id`)
}

// Update replaces the name and configuration of adapter id.
//
// Postcondition: Returns the updated Adapter or ErrAdapterNotFound.
func (r *AdapterRepository) Update(ctx context.Context, id int64, name string, cfg json.RawMessage) (model.Adapter, error) {
	a, err := scanAdapter(r.db.QueryRow(ctx,
		`UPDATE adapters SET name = $1, config = $2, updated_at = NOW() WHERE id = $3
		 RETURNING `+adapterColumns,
		name, []byte(cfg), id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Adapter{}, ErrAdapterNotFound
		}
		return model.Adapter{}, fmt.Errorf("updating adapter: %w", err)
	}
	return a, nil
}

// SetEnabled toggles adapter id.
//
// Postcondition: Returns the updated Adapter or ErrAdapterNotFound.
func (r *AdapterRepository) SetEnabled(ctx context.Context, id int64, enabled bool) (model.Adapter, error) {
	a, err := scanAdapter(r.db.QueryRow(ctx,
		`UPDATE adapters SET enabled = $1, updated_at = NOW() WHERE id = $2 RETURNING `+adapterColumns,
		enabled, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Adapter{}, ErrAdapterNotFound
		}
		return model.Adapter{}, fmt.Errorf("toggling adapter: %w", err)
	}
	return a, nil
}

// Delete removes adapter id. Servers using it are detached.
//
// Postcondition: Returns nil or ErrAdapterNotFound.
func (r *AdapterRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM adapters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting adapter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAdapterNotFound
	}
	return nil
}

func (r *AdapterRepository) list(ctx context.Context, sql string, args ...any) ([]model.Adapter, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying adapters: %w", err)
	}
	defer rows.Close()

	var adapters []model.Adapter
	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	return adapters, rows.Err()
}

func scanAdapter(row pgx.Row) (model.Adapter, error) {
	var (
		a    model.Adapter
		kind string
		raw  []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &kind, &a.Enabled, &raw, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Adapter{}, err
	}
	a.Type = model.AdapterType(kind)
	a.Config = json.RawMessage(raw)
	return a, nil
}
