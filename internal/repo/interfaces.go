package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no non-deleted row matches.
var ErrNotFound = errors.New("record not found")

const (
	RefTypeAdmin     = "admin"
	RefTypeExtension = "extension"
)

// CRMConfig is a row of crm_configs. Config holds the vendor credentials blob.
type CRMConfig struct {
	ID        int64           `json:"id"`
	RefType   string          `json:"ref_type"`
	RefID     string          `json:"ref_id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	IsActive  bool            `json:"isActive"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// UpsertCRMConfigParams holds parameters for saving an account's configuration
// of one vendor.
type UpsertCRMConfigParams struct {
	RefType string
	RefID   string
	Name    string
	Config  json.RawMessage
	// Activate makes the saved row the account's only active configuration
	Activate bool
}

// Repository interfaces
type CRMConfigRepository interface {
	// Upsert inserts or replaces the (ref_id, name) configuration and, when
	// requested, activates it in the same transaction.
	Upsert(ctx context.Context, params UpsertCRMConfigParams) (CRMConfig, error)
	UpdateConfig(ctx context.Context, refID, name string, config json.RawMessage) error
	ListByRef(ctx context.Context, refID string) ([]CRMConfig, error)
	GetByID(ctx context.Context, refID string, id int64) (CRMConfig, error)
	GetActive(ctx context.Context, refID string) (CRMConfig, error)
	// ToggleActive flips the row's state. Activating deactivates every other
	// row of the account.
	ToggleActive(ctx context.Context, refID string, id int64) (CRMConfig, error)
	SoftDelete(ctx context.Context, refID string, id int64) error
	// FindByIdentity returns a configuration of name whose config contains
	// identity and that belongs to an account other than excludeRefID.
	FindByIdentity(ctx context.Context, name string, identity json.RawMessage, excludeRefID string) (CRMConfig, error)
	// FindByConfigValue matches config->>key = value, most recent first.
	FindByConfigValue(ctx context.Context, name, key, value string) (CRMConfig, error)
}
