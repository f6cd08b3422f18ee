package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
)

const serverColumns = `id, name, token, minecraft_version, minecraft_software, adapter_id,
	binding_config, chat_sync_config, command_config, notify_config, created_at, updated_at`

// ServerRepository provides game-server persistence operations.
type ServerRepository struct {
	db      *pgxpool.Pool
	targets *TargetRepository
}

// NewServerRepository creates a ServerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewServerRepository(db *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{db: db, targets: NewTargetRepository(db)}
}

// Create inserts a server with default policies.
//
// Postcondition: Returns the created Server, or ErrServerExists if the name or token is taken.
func (r *ServerRepository) Create(ctx context.Context, name, token string) (model.Server, error) {
	binding, chatSync, command, notify, err := encodePolicies(
		policy.DefaultBindingConfig(), policy.DefaultChatSyncConfig(),
		policy.CommandConfig{}, policy.DefaultNotifyConfig(),
	)
	if err != nil {
		return model.Server{}, err
	}

	srv, err := scanServer(r.db.QueryRow(ctx,
		`INSERT INTO servers (name, token, binding_config, chat_sync_config, command_config, notify_config)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+serverColumns,
		name, token, binding, chatSync, command, notify,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return model.Server{}, ErrServerExists
		}
		return model.Server{}, fmt.Errorf("inserting server: %w", err)
	}
	return srv, nil
}

// Get retrieves a server and its targets by id.
//
// Postcondition: Returns the Server or ErrServerNotFound.
func (r *ServerRepository) Get(ctx context.Context, id int64) (model.Server, error) {
	srv, err := scanServer(r.db.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Server{}, ErrServerNotFound
		}
		return model.Server{}, fmt.Errorf("querying server %d: %w", id, err)
	}
	srv.Targets, err = r.targets.ListByServer(ctx, id)
	if err != nil {
		return model.Server{}, err
	}
	return srv, nil
}

// GetByToken retrieves a server by its bearer token. Targets are not loaded.
//
// Postcondition: Returns the Server or ErrServerNotFound.
func (r *ServerRepository) GetByToken(ctx context.Context, token string) (model.Server, error) {
	srv, err := scanServer(r.db.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Server{}, ErrServerNotFound
		}
		return model.Server{}, fmt.Errorf("querying server by token: %w", err)
	}
	return srv, nil
}

// List returns every server with its targets, ordered by id.
func (r *ServerRepository) List(ctx context.Context) ([]model.Server, error) {
	return r.listWhere(ctx, `TRUE`)
}

// ListByAdapter returns the servers attached to adapterID, with targets.
func (r *ServerRepository) ListByAdapter(ctx context.Context, adapterID int64) ([]model.Server, error) {
	return r.listWhere(ctx, `adapter_id = $1`, adapterID)
}

func (r *ServerRepository) listWhere(ctx context.Context, where string, args ...any) ([]model.Server, error) {
	rows, err := r.db.Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range servers {
		servers[i].Targets, err = r.targets.ListByServer(ctx, servers[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return servers, nil
}

// UpdateClientInfo records the runtime version and software a server reported.
//
// Postcondition: Returns nil or ErrServerNotFound.
func (r *ServerRepository) UpdateClientInfo(ctx context.Context, id int64, version, software string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE servers SET minecraft_version = $1, minecraft_software = $2, updated_at = NOW() WHERE id = $3`,
		version, software, id,
	)
	if err != nil {
		return fmt.Errorf("updating server client info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

// SetAdapter attaches the server to adapterID, or detaches it when nil.
func (r *ServerRepository) SetAdapter(ctx context.Context, id int64, adapterID *int64) error {
	return r.exec(ctx, `UPDATE servers SET adapter_id = $1, updated_at = NOW() WHERE id = $2`, adapterID, id)
}

// SetToken replaces the server's bearer token.
//
// Postcondition: Returns nil, ErrServerNotFound, or ErrServerExists when the token is taken.
func (r *ServerRepository) SetToken(ctx context.Context, id int64, token string) error {
	err := r.exec(ctx, `UPDATE servers SET token = $1, updated_at = NOW() WHERE id = $2`, token, id)
	if isDuplicateKeyError(err) {
		return ErrServerExists
	}
	return err
}

// UpdateBinding replaces the binding policy.
func (r *ServerRepository) UpdateBinding(ctx context.Context, id int64, cfg policy.BindingConfig) error {
	return r.updateJSON(ctx, id, "binding_config", cfg)
}

// UpdateChatSync replaces the chat relay policy.
func (r *ServerRepository) UpdateChatSync(ctx context.Context, id int64, cfg policy.ChatSyncConfig) error {
	return r.updateJSON(ctx, id, "chat_sync_config", cfg)
}

// UpdateNotify replaces the notice policy.
func (r *ServerRepository) UpdateNotify(ctx context.Context, id int64, cfg policy.NotifyConfig) error {
	return r.updateJSON(ctx, id, "notify_config", cfg)
}

// UpdateCommand replaces the server-wide command policy.
func (r *ServerRepository) UpdateCommand(ctx context.Context, id int64, cfg policy.CommandConfig) error {
	return r.updateJSON(ctx, id, "command_config", cfg)
}

// Delete removes a server; its targets and memberships cascade.
func (r *ServerRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
}

// updateJSON writes one policy column. column is never user supplied.
func (r *ServerRepository) updateJSON(ctx context.Context, id int64, column string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", column, err)
	}
	return r.exec(ctx, `UPDATE servers SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, raw, id)
}

func (r *ServerRepository) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

func scanServer(row pgx.Row) (model.Server, error) {
	var (
		srv                                 model.Server
		binding, chatSync, command, notify []byte
	)
	if err := row.Scan(
		&srv.ID, &srv.Name, &srv.Token, &srv.MinecraftVersion, &srv.MinecraftSoftware, &srv.AdapterID,
		&binding, &chatSync, &command, &notify, &srv.CreatedAt, &srv.UpdatedAt,
	); err != nil {
		return model.Server{}, err
	}

	var err error
	if srv.Binding, err = policy.ParseBindingConfig(binding); err != nil {
		return model.Server{}, err
	}
	if srv.ChatSync, err = policy.ParseChatSyncConfig(chatSync); err != nil {
		return model.Server{}, err
	}
	if srv.Notify, err = policy.ParseNotifyConfig(notify); err != nil {
		return model.Server{}, err
	}
	if len(command) > 0 {
		if err := json.Unmarshal(command, &srv.Command); err != nil {
			return model.Server{}, fmt.Errorf("decoding command config: %w", err)
		}
	}
	return srv, nil
}

func encodePolicies(b policy.BindingConfig, c policy.ChatSyncConfig, cmd policy.CommandConfig, n policy.NotifyConfig) (binding, chatSync, command, notify []byte, err error) {
	if binding, err = json.Marshal(b); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding binding config: %w", err)
	}
	if chatSync, err = json.Marshal(c); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding chat sync config: %w", err)
	}
	if command, err = json.Marshal(cmd); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding command config: %w", err)
	}
	if notify, err = json.Marshal(n); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding notify config: %w", err)
	}
	return binding, chatSync, command, notify, nil
}
