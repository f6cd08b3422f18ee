package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CrashVibe/FGateNexus/internal/model"
)

const socialColumns = `id, uid, adapter_type, nickname, created_at, updated_at`

// SocialAccountRepository provides chat identity persistence operations.
type SocialAccountRepository struct {
	db *pgxpool.Pool
}

// NewSocialAccountRepository creates a SocialAccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSocialAccountRepository(db *pgxpool.Pool) *SocialAccountRepository {
	return &SocialAccountRepository{db: db}
}

// Resolve returns the identity (adapterType, uid), creating it when absent.
// An existing identity has its nickname refreshed when nickname is non-empty.
func (r *SocialAccountRepository) Resolve(ctx context.Context, adapterType model.AdapterType, uid, nickname string) (model.SocialAccount, error) {
	a, err := scanSocialAccount(r.db.QueryRow(ctx,
		`INSERT INTO social_accounts (adapter_type, uid, nickname)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (adapter_type, uid) DO UPDATE
		   SET nickname = CASE WHEN EXCLUDED.nickname = '' THEN social_accounts.nickname ELSE EXCLUDED.nickname END,
		       updated_at = NOW()
		 RETURNING `+socialColumns,
		string(adapterType), uid, nickname,
	))
	if err != nil {
		return model.SocialAccount{}, fmt.Errorf("resolving social account: %w", err)
	}
	return a, nil
}

// Find looks up the identity (adapterType, uid).
//
// Postcondition: Returns the SocialAccount or ErrSocialAccountNotFound.
func (r *SocialAccountRepository) Find(ctx context.Context, adapterType model.AdapterType, uid string) (model.SocialAccount, error) {
	a, err := scanSocialAccount(r.db.QueryRow(ctx,
		`SELECT `+socialColumns+` FROM social_accounts WHERE adapter_type = $1 AND uid = $2`,
		string(adapterType), uid,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SocialAccount{}, ErrSocialAccountNotFound
		}
		return model.SocialAccount{}, fmt.Errorf("querying social account: %w", err)
	}
	return a, nil
}

func scanSocialAccount(row pgx.Row) (model.SocialAccount, error) {
	var (
		a    model.SocialAccount
		kind string
	)
	if err := row.Scan(&a.ID, &a.UID, &kind, &a.Nickname, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.SocialAccount{}, err
	}
	a.AdapterType = model.AdapterType(kind)
	return a, nil
}
