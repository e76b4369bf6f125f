package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/crm"
	"github.com/tennex/crmgateway/internal/observability"
)

// ContactService runs contact operations against an account's active CRM.
type ContactService struct {
	configs  *ConfigService
	registry *crm.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewContactService creates a new contact service
func NewContactService(configs *ConfigService, registry *crm.Registry, metrics *observability.Metrics, logger *zap.Logger) *ContactService {
	return &ContactService{
		configs:  configs,
		registry: registry,
		metrics:  metrics,
		logger:   logger.Named("contact_service"),
	}
}

func (s *ContactService) active(ctx context.Context, refID string) (crm.Adapter, crm.Config, error) {
	cfg, err := s.configs.Active(ctx, refID)
	if err != nil {
		return nil, crm.Config{}, err
	}
	adapter, err := s.registry.Get(cfg.Name)
	if err != nil {
		return nil, crm.Config{}, err
	}
	return adapter, cfg, nil
}

func (s *ContactService) record(name crm.Name, operation string, success bool) {
	if s.metrics != nil {
		s.metrics.CRMOperation(string(name), operation, success)
	}
}

// SearchContact looks number up in the account's active CRM. Vendor failures
// are reported in the Result; the error is for configuration problems.
func (s *ContactService) SearchContact(ctx context.Context, refID, number string) (crm.Result, error) {
	adapter, cfg, err := s.active(ctx, refID)
	if err != nil {
		return crm.Result{}, err
	}

	s.logger.Debug("Searching contact",
		zap.String("ref_id", refID),
		zap.String("crm", string(cfg.Name)))

	result := adapter.SearchContact(ctx, number, cfg)
	s.record(cfg.Name, "search_contact", result.Success)
	return result, nil
}

// CreateNote attaches a note to a contact in the account's active CRM.
func (s *ContactService) CreateNote(ctx context.Context, refID, contactID, content string) (crm.Result, error) {
	adapter, cfg, err := s.active(ctx, refID)
	if err != nil {
		return crm.Result{}, err
	}

	result := adapter.CreateNote(ctx, contactID, content, cfg)
	s.record(cfg.Name, "create_note", result.Success)

	s.logger.Info("Note requested",
		zap.String("ref_id", refID),
		zap.String("crm", string(cfg.Name)),
		zap.Bool("success", result.Success))
	return result, nil
}

// WebhookCall resolves the configuration a vendor webhook refers to and asks
// its account's dialer to call phone. The resolved configuration is returned
// even when it is inactive.
func (s *ContactService) WebhookCall(ctx context.Context, name crm.Name, key, phone string) (crm.Config, error) {
	cfg, err := s.configs.ResolveWebhook(ctx, name, key)
	if err != nil {
		return cfg, err
	}

	adapter, err := s.registry.Get(name)
	if err != nil {
		return cfg, err
	}

	err = adapter.OutboundCall(ctx, phone, cfg.RefID)
	s.record(name, "outbound_call", err == nil)
	if err != nil {
		return cfg, fmt.Errorf("failed to start outbound call: %w", err)
	}
	return cfg, nil
}

// OutboundCall asks the account's dialer to call phone through its active CRM.
func (s *ContactService) OutboundCall(ctx context.Context, refID, phone string) (crm.Name, error) {
	adapter, cfg, err := s.active(ctx, refID)
	if err != nil {
		return "", err
	}

	err = adapter.OutboundCall(ctx, phone, refID)
	s.record(cfg.Name, "outbound_call", err == nil)
	if err != nil {
		return cfg.Name, fmt.Errorf("failed to start outbound call: %w", err)
	}
	return cfg.Name, nil
}

// Connect returns the authorization URL of name for refID.
func (s *ContactService) Connect(ctx context.Context, name crm.Name, refID, returnURL string) (string, error) {
	adapter, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}

	redirect, err := adapter.Connect(ctx, refID, returnURL)
	s.record(name, "connect", err == nil)
	if err != nil {
		return "", err
	}

	s.logger.Debug("OAuth flow started", zap.String("ref_id", refID), zap.String("crm", string(name)))
	return redirect, nil
}

// Callback completes an OAuth flow and returns the browser redirect.
func (s *ContactService) Callback(ctx context.Context, name crm.Name, code, state string) (string, error) {
	adapter, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}
	return adapter.Callback(ctx, code, state), nil
}
