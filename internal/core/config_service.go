package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/crm"
	"github.com/tennex/crmgateway/internal/repo"
)

var (
	ErrNoActiveConfig     = errors.New("CRM is not configured")
	ErrConfigNotFound     = errors.New("CRM configuration not found")
	ErrConfigInactive     = errors.New("CRM is not active")
	ErrVendorAccountTaken = errors.New("configuration already exists for another user")
)

// SaveResult reports whether Save created a new configuration or replaced one.
type SaveResult struct {
	Config  repo.CRMConfig
	Created bool
}

// ConfigService handles CRM configuration business logic
type ConfigService struct {
	configRepo repo.CRMConfigRepository
	logger     *zap.Logger
}

// NewConfigService creates a new configuration service
func NewConfigService(configRepo repo.CRMConfigRepository, logger *zap.Logger) *ConfigService {
	return &ConfigService{
		configRepo: configRepo,
		logger:     logger.Named("config_service"),
	}
}

// List returns the account's configurations with secrets masked.
func (s *ConfigService) List(ctx context.Context, refID string) ([]repo.CRMConfig, error) {
	configs, err := s.configRepo.ListByRef(ctx, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crm configs: %w", err)
	}

	for i := range configs {
		redacted, err := redact(configs[i].Config)
		if err != nil {
			s.logger.Warn("Stored credentials are not valid JSON",
				zap.Int64("config_id", configs[i].ID),
				zap.Error(err))
			redacted = json.RawMessage("{}")
		}
		configs[i].Config = redacted
	}

	s.logger.Debug("Retrieved crm configs", zap.String("ref_id", refID), zap.Int("count", len(configs)))
	return configs, nil
}

func redact(raw json.RawMessage) (json.RawMessage, error) {
	creds, err := crm.ParseCredentials(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(creds.Redacted())
}

// Save stores creds as the account's configuration of name and makes it the
// active one. A vendor account already connected to another gateway account
// is rejected. The returned configuration has its secrets masked.
func (s *ConfigService) Save(ctx context.Context, refID string, name crm.Name, creds crm.Credentials) (SaveResult, error) {
	s.logger.Debug("Saving crm config",
		zap.String("ref_id", refID),
		zap.String("crm", string(name)))

	if identity := creds.Identity(name); identity != nil {
		data, err := json.Marshal(identity)
		if err != nil {
			return SaveResult{}, fmt.Errorf("failed to marshal identity: %w", err)
		}

		existing, err := s.configRepo.FindByIdentity(ctx, string(name), data, refID)
		switch {
		case err == nil:
			s.logger.Info("Vendor account already connected elsewhere",
				zap.String("ref_id", refID),
				zap.String("crm", string(name)),
				zap.String("owner_ref_id", existing.RefID))
			return SaveResult{}, fmt.Errorf("%s %w", name.Label(), ErrVendorAccountTaken)
		case !errors.Is(err, repo.ErrNotFound):
			return SaveResult{}, fmt.Errorf("failed to check vendor account: %w", err)
		}
	}

	config, err := json.Marshal(creds)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	saved, err := s.configRepo.Upsert(ctx, repo.UpsertCRMConfigParams{
		RefType:  repo.RefTypeExtension,
		RefID:    refID,
		Name:     string(name),
		Config:   config,
		Activate: true,
	})
	if err != nil {
		s.logger.Error("Failed to save crm config", zap.String("ref_id", refID), zap.Error(err))
		return SaveResult{}, fmt.Errorf("failed to save crm config: %w", err)
	}

	// both timestamps come from the same transaction on insert
	created := saved.CreatedAt.Equal(saved.UpdatedAt)

	s.logger.Info("CRM config saved",
		zap.String("ref_id", refID),
		zap.String("crm", string(name)),
		zap.Int64("config_id", saved.ID),
		zap.Bool("created", created))

	if redacted, err := redact(saved.Config); err == nil {
		saved.Config = redacted
	}
	return SaveResult{Config: saved, Created: created}, nil
}

// Connect implements crm.ConfigStore.
func (s *ConfigService) Connect(ctx context.Context, refID string, name crm.Name, creds crm.Credentials) error {
	_, err := s.Save(ctx, refID, name, creds)
	return err
}

// SaveCredentials implements crm.ConfigStore.
func (s *ConfigService) SaveCredentials(ctx context.Context, refID string, name crm.Name, creds crm.Credentials) error {
	config, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := s.configRepo.UpdateConfig(ctx, refID, string(name), config); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConfigNotFound
		}
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// ToggleStatus flips the configuration's active flag and returns the
// account's configurations afterwards.
func (s *ConfigService) ToggleStatus(ctx context.Context, refID string, id int64) ([]repo.CRMConfig, error) {
	cfg, err := s.configRepo.ToggleActive(ctx, refID, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to update crm config status: %w", err)
	}

	s.logger.Info("CRM config status updated",
		zap.String("ref_id", refID),
		zap.Int64("config_id", id),
		zap.Bool("is_active", cfg.IsActive))

	return s.List(ctx, refID)
}

// Delete soft-deletes a configuration of the account.
func (s *ConfigService) Delete(ctx context.Context, refID string, id int64) error {
	if err := s.configRepo.SoftDelete(ctx, refID, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConfigNotFound
		}
		return fmt.Errorf("failed to delete crm config: %w", err)
	}

	s.logger.Info("CRM config deleted", zap.String("ref_id", refID), zap.Int64("config_id", id))
	return nil
}

// Active returns the account's active configuration.
func (s *ConfigService) Active(ctx context.Context, refID string) (crm.Config, error) {
	row, err := s.configRepo.GetActive(ctx, refID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return crm.Config{}, ErrNoActiveConfig
		}
		return crm.Config{}, fmt.Errorf("failed to get active crm config: %w", err)
	}
	return toCRMConfig(row)
}

// ResolveWebhook finds the configuration an inbound webhook from name refers
// to. key is the vendor-side account id the webhook carries. An inactive
// configuration is returned together with ErrConfigInactive.
func (s *ConfigService) ResolveWebhook(ctx context.Context, name crm.Name, key string) (crm.Config, error) {
	row, err := s.configRepo.FindByConfigValue(ctx, string(name), crm.WebhookKey(name), key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return crm.Config{}, ErrConfigNotFound
		}
		return crm.Config{}, fmt.Errorf("failed to resolve webhook config: %w", err)
	}

	cfg, err := toCRMConfig(row)
	if err != nil {
		return crm.Config{}, err
	}
	if !row.IsActive {
		return cfg, ErrConfigInactive
	}
	return cfg, nil
}

func toCRMConfig(row repo.CRMConfig) (crm.Config, error) {
	name, err := crm.ParseName(row.Name)
	if err != nil {
		return crm.Config{}, err
	}
	creds, err := crm.ParseCredentials(row.Config)
	if err != nil {
		return crm.Config{}, err
	}
	return crm.Config{ID: row.ID, RefID: row.RefID, Name: name, Credentials: creds}, nil
}
