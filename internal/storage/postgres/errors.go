package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrServerNotFound is returned when a server lookup yields no results.
	ErrServerNotFound = errors.New("server not found")
	// ErrServerExists is returned when a server name or token is already taken.
	ErrServerExists = errors.New("server already exists")
	// ErrTargetNotFound is returned when a target lookup yields no results.
	ErrTargetNotFound = errors.New("target not found")
	// ErrTargetExists is returned for a duplicate (server, target id, type).
	ErrTargetExists = errors.New("target already exists")
	// ErrPlayerNotFound is returned when a player lookup yields no results.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrSocialAccountNotFound is returned when a chat identity lookup yields no results.
	ErrSocialAccountNotFound = errors.New("social account not found")
	// ErrAdapterNotFound is returned when an adapter lookup yields no results.
	ErrAdapterNotFound = errors.New("adapter not found")
)

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
