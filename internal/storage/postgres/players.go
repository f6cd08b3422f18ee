package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

const playerColumns = `id, uuid, name, ip, social_account_id, created_at, updated_at`

// PlayerRepository provides game account persistence operations.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// Upsert records a player by uuid, refreshing the name and ip of an existing row.
//
// Precondition: uuid and name must be non-empty.
// Postcondition: Returns the stored Player including any existing social link.
func (r *PlayerRepository) Upsert(ctx context.Context, playerUUID, name string, ip *string) (model.Player, error) {
	p, err := scanPlayer(r.db.QueryRow(ctx,
		`INSERT INTO players (uuid, name, ip)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (uuid) DO UPDATE
		   SET name = EXCLUDED.name, ip = COALESCE(EXCLUDED.ip, players.ip), updated_at = NOW()
		 RETURNING `+playerColumns,
		playerUUID, name, ip,
	))
	if err != nil {
		return model.Player{}, fmt.Errorf("upserting player: %w", err)
	}
	return p, nil
}

// AddServer records that the player has joined serverID. Repeated calls are no-ops.
func (r *PlayerRepository) AddServer(ctx context.Context, playerID, serverID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO player_servers (player_id, server_id) VALUES ($1, $2)
		 ON CONFLICT (player_id, server_id) DO NOTHING`,
		playerID, serverID,
	)
	if err != nil {
		return fmt.Errorf("recording player server: %w", err)
	}
	return nil
}

// GetByUUID retrieves a player by game account uuid.
//
// Postcondition: Returns the Player or ErrPlayerNotFound.
func (r *PlayerRepository) GetByUUID(ctx context.Context, playerUUID string) (model.Player, error) {
	p, err := scanPlayer(r.db.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE uuid = $1`, playerUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Player{}, ErrPlayerNotFound
		}
		return model.Player{}, fmt.Errorf("querying player: %w", err)
	}
	return p, nil
}

// Link attaches the player with playerUUID to socialAccountID.
//
// Postcondition: Returns nil or ErrPlayerNotFound.
func (r *PlayerRepository) Link(ctx context.Context, playerUUID string, socialAccountID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE players SET social_account_id = $1, updated_at = NOW() WHERE uuid = $2`,
		socialAccountID, playerUUID,
	)
	if err != nil {
		return fmt.Errorf("linking player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// Unlink clears the social link of playerID.
//
// Postcondition: Returns nil or ErrPlayerNotFound.
func (r *PlayerRepository) Unlink(ctx context.Context, playerID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE players SET social_account_id = NULL, updated_at = NOW() WHERE id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("unlinking player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// ListBySocialAccount returns the players linked to socialAccountID ordered by id.
func (r *PlayerRepository) ListBySocialAccount(ctx context.Context, socialAccountID int64) ([]model.Player, error) {
	return r.list(ctx,
		`SELECT `+playerColumns+` FROM players WHERE social_account_id = $1 ORDER BY id`, socialAccountID)
}

// ListByServer returns the players seen by serverID ordered by id.
func (r *PlayerRepository) ListByServer(ctx context.Context, serverID int64) ([]model.Player, error) {
	return r.list(ctx,
		`SELECT p.id, p.uuid, p.name, p.ip, p.social_account_id, p.created_at, p.updated_at
		 FROM players p JOIN player_servers ps ON ps.player_id = p.id
		 WHERE ps.server_id = $1 ORDER BY p.id`, serverID)
}

func (r *PlayerRepository) list(ctx context.Context, sql string, args ...any) ([]model.Player, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying players: %w", err)
	}
	defer rows.Close()

	var players []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func scanPlayer(row pgx.Row) (model.Player, error) {
	var p model.Player
	err := row.Scan(&p.ID, &p.UUID, &p.Name, &p.IP, &p.SocialAccountID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
