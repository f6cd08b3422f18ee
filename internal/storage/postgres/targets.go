package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
)

const targetColumns = `id, server_id, target_id, type, enabled, config, created_at, updated_at`

// TargetInput carries the writable fields of a target.
type TargetInput struct {
	TargetID string
	Type     model.TargetType
	Enabled  bool
	Config   policy.TargetConfig
}

// TargetRepository provides chat destination persistence operations.
type TargetRepository struct {
	db *pgxpool.Pool
}

// NewTargetRepository creates a TargetRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewTargetRepository(db *pgxpool.Pool) *TargetRepository {
	return &TargetRepository{db: db}
}

// ListByServer returns the targets of serverID ordered by creation time.
func (r *TargetRepository) ListByServer(ctx context.Context, serverID int64) ([]model.Target, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE server_id = $1 ORDER BY created_at, id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Create inserts every input for serverID in one transaction.
//
// Postcondition: Returns the created targets, or ErrTargetExists and no rows written.
func (r *TargetRepository) Create(ctx context.Context, serverID int64, inputs []TargetInput) ([]model.Target, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created := make([]model.Target, 0, len(inputs))
	for _, in := range inputs {
		raw, err := json.Marshal(in.Config)
		if err != nil {
			return nil, fmt.Errorf("encoding target config: %w", err)
		}
		t, err := scanTarget(tx.QueryRow(ctx,
			`INSERT INTO targets (id, server_id, target_id, type, enabled, config)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+targetColumns,
			uuid.New(), serverID, in.TargetID, string(in.Type), in.Enabled, raw,
		))
		if err != nil {
			if isDuplicateKeyError(err) {
				return nil, ErrTargetExists
			}
			return nil, fmt.Errorf("inserting target: %w", err)
		}
		created = append(created, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing targets: %w", err)
	}
	return created, nil
}

// Update replaces the writable fields of target id under serverID.
//
// Postcondition: Returns the updated target, ErrTargetNotFound, or ErrTargetExists.
func (r *TargetRepository) Update(ctx context.Context, serverID int64, id string, in TargetInput) (model.Target, error) {
	targetUUID, err := uuid.Parse(id)
	if err != nil {
		return model.Target{}, ErrTargetNotFound
	}
	raw, err := json.Marshal(in.Config)
	if err != nil {
		return model.Target{}, fmt.Errorf("encoding target config: %w", err)
	}
	t, err := scanTarget(r.db.QueryRow(ctx,
		`UPDATE targets SET target_id = $1, type = $2, enabled = $3, config = $4, updated_at = NOW()
		 WHERE id = $5 AND server_id = $6
		 RETURNING `+targetColumns,
		in.TargetID, string(in.Type), in.Enabled, raw, targetUUID, serverID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Target{}, ErrTargetNotFound
		}
		if isDuplicateKeyError(err) {
			return model.Target{}, ErrTargetExists
		}
		return model.Target{}, fmt.Errorf("updating target: %w", err)
	}
	return t, nil
}

// UpdateConfigs replaces the policy of several targets of serverID at once.
//
// Postcondition: Either every target is updated or ErrTargetNotFound is returned
// and nothing is written.
func (r *TargetRepository) UpdateConfigs(ctx context.Context, serverID int64, configs map[string]policy.TargetConfig) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for id, cfg := range configs {
		targetUUID, err := uuid.Parse(id)
		if err != nil {
			return ErrTargetNotFound
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding target config: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE targets SET config = $1, updated_at = NOW() WHERE id = $2 AND server_id = $3`,
			raw, targetUUID, serverID,
		)
		if err != nil {
			return fmt.Errorf("updating target config: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTargetNotFound
		}
	}
	return tx.Commit(ctx)
}

// Delete removes the given targets of serverID and returns how many were removed.
func (r *TargetRepository) Delete(ctx context.Context, serverID int64, ids []string) (int64, error) {
	parsed := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			parsed = append(parsed, u)
		}
	}
	if len(parsed) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM targets WHERE server_id = $1 AND id = ANY($2)`, serverID, parsed)
	if err != nil {
		return 0, fmt.Errorf("deleting targets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTarget(row pgx.Row) (model.Target, error) {
	var (
		t     model.Target
		id    uuid.UUID
		kind  string
		rawCf []byte
	)
	if err := row.Scan(&id, &t.ServerID, &t.TargetID, &kind, &t.Enabled, &rawCf, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Target{}, err
	}
	cfg, err := policy.ParseTargetConfig(rawCf)
	if err != nil {
		return model.Target{}, err
	}
	t.ID = id.String()
	t.Type = model.TargetType(kind)
	t.Config = cfg
	return t, nil
}
