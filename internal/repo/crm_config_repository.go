package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type crmConfigRepository struct {
	db *sql.DB
}

// NewCRMConfigRepository creates a new CRM configuration repository
func NewCRMConfigRepository(db *sql.DB) CRMConfigRepository {
	return &crmConfigRepository{db: db}
}

const crmConfigColumns = `id, ref_type, ref_id, name, config, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCRMConfig(row rowScanner) (CRMConfig, error) {
	var (
		cfg    CRMConfig
		config []byte
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.RefType,
		&cfg.RefID,
		&cfg.Name,
		&config,
		&cfg.IsActive,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return CRMConfig{}, err
	}
	cfg.Config = json.RawMessage(config)
	return cfg, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// lockRef serializes configuration changes of one account until the
// transaction ends. It holds even when the account has no rows yet.
func lockRef(ctx context.Context, tx *sql.Tx, refID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, refID); err != nil {
		return fmt.Errorf("failed to lock account configurations: %w", err)
	}
	return nil
}

// activate leaves id as the only active configuration of refID.
func activate(ctx context.Context, tx *sql.Tx, refID string, id int64, active bool) error {
	query := `
		UPDATE crm_configs
		SET is_active = (id = $2 AND $3), updated_at = NOW()
		WHERE ref_id = $1 AND deleted_at IS NULL`

	if _, err := tx.ExecContext(ctx, query, refID, id, active); err != nil {
		return fmt.Errorf("failed to activate crm config: %w", err)
	}
	return nil
}

func (r *crmConfigRepository) Upsert(ctx context.Context, params UpsertCRMConfigParams) (CRMConfig, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CRMConfig{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockRef(ctx, tx, params.RefID); err != nil {
		return CRMConfig{}, err
	}

	query := `
		INSERT INTO crm_configs (
			ref_type, ref_id, name, config
		) VALUES (
			$1, $2, $3, $4
		) ON CONFLICT (ref_id, name) WHERE deleted_at IS NULL DO UPDATE SET
			ref_type = EXCLUDED.ref_type,
			config = EXCLUDED.config,
			updated_at = NOW()
		RETURNING ` + crmConfigColumns

	cfg, err := scanCRMConfig(tx.QueryRowContext(ctx, query,
		params.RefType,
		params.RefID,
		params.Name,
		string(params.Config),
	))
	if err != nil {
		return CRMConfig{}, fmt.Errorf("failed to upsert crm config: %w", err)
	}

	if params.Activate {
		if err := activate(ctx, tx, params.RefID, cfg.ID, true); err != nil {
			return CRMConfig{}, err
		}
		cfg.IsActive = true
	}

	if err := tx.Commit(); err != nil {
		return CRMConfig{}, fmt.Errorf("failed to commit crm config: %w", err)
	}
	return cfg, nil
}

func (r *crmConfigRepository) UpdateConfig(ctx context.Context, refID, name string, config json.RawMessage) error {
	query := `
		UPDATE crm_configs
		SET config = $3, updated_at = NOW()
		WHERE ref_id = $1 AND name = $2 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, refID, name, string(config))
	if err != nil {
		return fmt.Errorf("failed to update crm config: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *crmConfigRepository) ListByRef(ctx context.Context, refID string) ([]CRMConfig, error) {
	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE ref_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crm configs: %w", err)
	}
	defer rows.Close()

	configs := []CRMConfig{}
	for rows.Next() {
		cfg, err := scanCRMConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crm config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return configs, nil
}

func (r *crmConfigRepository) GetByID(ctx context.Context, refID string, id int64) (CRMConfig, error) {
	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE id = $1 AND ref_id = $2 AND deleted_at IS NULL`

	cfg, err := scanCRMConfig(r.db.QueryRowContext(ctx, query, id, refID))
	if err != nil {
		return CRMConfig{}, notFound(err)
	}
	return cfg, nil
}

func (r *crmConfigRepository) GetActive(ctx context.Context, refID string) (CRMConfig, error) {
	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE ref_id = $1 AND is_active AND deleted_at IS NULL
		LIMIT 1`

	cfg, err := scanCRMConfig(r.db.QueryRowContext(ctx, query, refID))
	if err != nil {
		return CRMConfig{}, notFound(err)
	}
	return cfg, nil
}

func (r *crmConfigRepository) ToggleActive(ctx context.Context, refID string, id int64) (CRMConfig, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CRMConfig{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockRef(ctx, tx, refID); err != nil {
		return CRMConfig{}, err
	}

	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE id = $1 AND ref_id = $2 AND deleted_at IS NULL`

	cfg, err := scanCRMConfig(tx.QueryRowContext(ctx, query, id, refID))
	if err != nil {
		return CRMConfig{}, notFound(err)
	}

	cfg.IsActive = !cfg.IsActive
	if err := activate(ctx, tx, refID, id, cfg.IsActive); err != nil {
		return CRMConfig{}, err
	}

	if err := tx.Commit(); err != nil {
		return CRMConfig{}, fmt.Errorf("failed to commit crm config status: %w", err)
	}
	return cfg, nil
}

func (r *crmConfigRepository) SoftDelete(ctx context.Context, refID string, id int64) error {
	query := `
		UPDATE crm_configs
		SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND ref_id = $2 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, refID)
	if err != nil {
		return fmt.Errorf("failed to delete crm config: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *crmConfigRepository) FindByIdentity(ctx context.Context, name string, identity json.RawMessage, excludeRefID string) (CRMConfig, error) {
	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE name = $1 AND config @> $2::jsonb AND ref_id <> $3 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1`

	cfg, err := scanCRMConfig(r.db.QueryRowContext(ctx, query, name, string(identity), excludeRefID))
	if err != nil {
		return CRMConfig{}, notFound(err)
	}
	return cfg, nil
}

func (r *crmConfigRepository) FindByConfigValue(ctx context.Context, name, key, value string) (CRMConfig, error) {
	query := `
		SELECT ` + crmConfigColumns + `
		FROM crm_configs
		WHERE name = $1 AND config->>$2 = $3 AND deleted_at IS NULL
		ORDER BY is_active DESC, updated_at DESC
		LIMIT 1`

	cfg, err := scanCRMConfig(r.db.QueryRowContext(ctx, query, name, key, value))
	if err != nil {
		return CRMConfig{}, notFound(err)
	}
	return cfg, nil
}
