package crm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tennex/crmgateway/internal/auth"
)

// salesforceTokenTTL is assumed for every token; Salesforce does not report
// expires_in.
const salesforceTokenTTL = time.Hour

// salesforceMaxTitle is the length limit of Note.Title.
const salesforceMaxTitle = 80

// SalesforceOptions configure the Salesforce adapter.
type SalesforceOptions struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// LoginURL is the OAuth host, normally https://login.salesforce.com.
	LoginURL string
	// InstallURL, when set, replaces the frontend redirect after a
	// successful connection.
	InstallURL string
	APIVersion string
}

// SalesforceAdapter talks to the Salesforce REST API of the connected org.
type SalesforceAdapter struct {
	dialer

	opts   SalesforceOptions
	deps   Deps
	oauth  *oauth2.Config
	tokens *TokenManager
	client *vendorClient
	logger *zap.Logger
}

// NewSalesforce creates the Salesforce adapter.
func NewSalesforce(opts SalesforceOptions, deps Deps) *SalesforceAdapter {
	deps = deps.withDefaults()
	opts.LoginURL = strings.TrimRight(opts.LoginURL, "/")
	if opts.APIVersion == "" {
		opts.APIVersion = "v52.0"
	}

	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  opts.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.LoginURL + "/services/oauth2/authorize",
			TokenURL:  opts.LoginURL + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	logger := deps.Logger.Named("salesforce")
	return &SalesforceAdapter{
		dialer: dialer{publisher: deps.Publisher, logger: logger},
		opts:   opts,
		deps:   deps,
		oauth:  conf,
		tokens: newTokenManager(Salesforce, conf, deps, salesforceTokenTTL),
		client: &vendorClient{http: deps.HTTPClient},
		logger: logger,
	}
}

// Name implements Adapter.
func (s *SalesforceAdapter) Name() Name {
	return Salesforce
}

// Connect implements Adapter. Each flow gets its own PKCE verifier, carried
// in the signed state.
func (s *SalesforceAdapter) Connect(ctx context.Context, refID, returnURL string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := s.deps.States.Encode(auth.State{
		RefID:     refID,
		ReturnURL: returnURL,
		CRM:       string(Salesforce),
		Verifier:  verifier,
	})
	if err != nil {
		return "", err
	}
	return s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

type salesforceIdentity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email"`
}

// Callback implements Adapter.
func (s *SalesforceAdapter) Callback(ctx context.Context, code, stateToken string) string {
	state, err := s.deps.decodeState(Salesforce, stateToken)
	if err != nil {
		s.logger.Info("Rejected OAuth callback", zap.Error(err))
		return failedURL(s.deps.FrontendURL, Salesforce, err)
	}
	returnURL := s.deps.returnBase(state.ReturnURL)

	var opts []oauth2.AuthCodeOption
	if state.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(state.Verifier))
	}
	token, err := s.tokens.Exchange(ctx, code, opts...)
	if err != nil {
		s.logger.Warn("Salesforce code exchange failed", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, Salesforce, err)
	}

	creds := Credentials{}.withToken(token, s.deps.Now(), salesforceTokenTTL)
	if id, ok := token.Extra("id").(string); ok {
		creds.IdentityURL = id
	}
	if creds.IdentityURL == "" || creds.InstanceURL == "" {
		err := fmt.Errorf("token response is missing the instance or identity URL")
		return failedURL(returnURL, Salesforce, err)
	}

	var identity salesforceIdentity
	if err := s.client.get(ctx, creds.IdentityURL, bearer(token.AccessToken), &identity); err != nil {
		s.logger.Warn("Failed to fetch Salesforce identity", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, Salesforce, err)
	}
	creds.SalesforceUserID = identity.UserID
	creds.OrganizationID = identity.OrganizationID
	creds.DisplayName = orNA(identity.DisplayName)
	creds.Email = orNA(identity.Email)

	if err := s.deps.Store.Connect(ctx, state.RefID, Salesforce, creds); err != nil {
		return failedURL(returnURL, Salesforce, err)
	}

	s.logger.Info("Salesforce connected",
		zap.String("ref_id", state.RefID),
		zap.String("salesforce_userid", identity.UserID),
		zap.String("organization_id", identity.OrganizationID))

	if s.opts.InstallURL != "" {
		return s.opts.InstallURL
	}
	return connectedURL(returnURL, Salesforce)
}

type salesforceName struct {
	Name *string `json:"Name"`
}

type salesforceContact struct {
	ID        *string         `json:"Id"`
	FirstName *string         `json:"FirstName"`
	LastName  *string         `json:"LastName"`
	Email     *string         `json:"Email"`
	Phone     *string         `json:"Phone"`
	Account   *salesforceName `json:"Account"`
	Owner     *salesforceName `json:"Owner"`
}

// SearchContact implements Adapter. Salesforce does not normalize phone
// fields, so the query matches every common spelling of the number.
func (s *SalesforceAdapter) SearchContact(ctx context.Context, number string, cfg Config) Result {
	if Digits(number) == "" {
		return Failed(ErrInvalidPhone.Error())
	}

	cfg, err := s.tokens.Ensure(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}

	soql := "SELECT Id, FirstName, LastName, Email, Phone, Account.Name, Owner.Name FROM Contact WHERE " +
		phoneClause(phoneFormats(number))
	endpoint := s.dataURL(cfg, "query") + "?q=" + url.QueryEscape(soql)

	var resp struct {
		TotalSize int                 `json:"totalSize"`
		Records   []salesforceContact `json:"records"`
	}
	if err := s.client.get(ctx, endpoint, bearer(cfg.Credentials.AccessToken), &resp); err != nil {
		s.logger.Warn("Salesforce contact query failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}
	if len(resp.Records) == 0 {
		return Failed("Contact not found")
	}

	record := resp.Records[0]
	contact := Contact{
		ID:           optionalID(record.ID),
		FirstName:    ptrOrNA(record.FirstName),
		LastName:     ptrOrNA(record.LastName),
		Email:        ptrOrNA(record.Email),
		Company:      NotAvailable,
		Owner:        NotAvailable,
		CRMDetailURL: NotAvailable,
	}
	if record.Account != nil {
		contact.Company = ptrOrNA(record.Account.Name)
	}
	if record.Owner != nil {
		contact.Owner = ptrOrNA(record.Owner.Name)
	}
	if contact.ID != nil {
		contact.CRMDetailURL = strings.TrimRight(cfg.Credentials.InstanceURL, "/") + "/" + *contact.ID
	}

	return Succeeded("Success", contact)
}

// phoneClause builds a SOQL disjunction matching any format as a prefix or
// suffix of Phone.
func phoneClause(formats []string) string {
	clauses := make([]string, 0, 2*len(formats))
	for _, f := range formats {
		f = soqlEscape(f)
		clauses = append(clauses, fmt.Sprintf("Phone LIKE '%%%s'", f), fmt.Sprintf("Phone LIKE '%s%%'", f))
	}
	return strings.Join(clauses, " OR ")
}

var soqlReplacer = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func soqlEscape(s string) string {
	return soqlReplacer.Replace(s)
}

// CreateNote implements Adapter.
func (s *SalesforceAdapter) CreateNote(ctx context.Context, contactID, content string, cfg Config) Result {
	cfg, err := s.tokens.Ensure(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}

	note := map[string]string{
		"ParentId": contactID,
		"Title":    truncateRunes(content, salesforceMaxTitle),
		"Body":     content,
	}

	var resp struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := s.client.post(ctx, s.dataURL(cfg, "sobjects/Note"), bearer(cfg.Credentials.AccessToken), note, &resp); err != nil {
		s.logger.Warn("Salesforce note creation failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}

	return Succeeded("Note created", map[string]any{"id": resp.ID})
}

func (s *SalesforceAdapter) dataURL(cfg Config, path string) string {
	return fmt.Sprintf("%s/services/data/%s/%s", strings.TrimRight(cfg.Credentials.InstanceURL, "/"), s.opts.APIVersion, path)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
