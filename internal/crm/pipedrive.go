package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tennex/crmgateway/internal/auth"
)

const pipedriveTokenTTL = time.Hour

// PipedriveOptions configure the Pipedrive adapter. Without a ClientID the
// adapter serves api_token configurations only.
type PipedriveOptions struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// OAuthURL is the authorization server, normally https://oauth.pipedrive.com.
	OAuthURL string
	// APIBaseURL serves api_token requests, normally https://api.pipedrive.com/v1.
	APIBaseURL string
}

// PipedriveAdapter talks to the Pipedrive v1 API.
type PipedriveAdapter struct {
	dialer

	opts   PipedriveOptions
	deps   Deps
	oauth  *oauth2.Config
	tokens *TokenManager
	client *vendorClient
	logger *zap.Logger
}

// NewPipedrive creates the Pipedrive adapter.
func NewPipedrive(opts PipedriveOptions, deps Deps) *PipedriveAdapter {
	deps = deps.withDefaults()
	opts.OAuthURL = strings.TrimRight(opts.OAuthURL, "/")
	opts.APIBaseURL = strings.TrimRight(opts.APIBaseURL, "/")

	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  opts.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.OAuthURL + "/oauth/authorize",
			TokenURL:  opts.OAuthURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	logger := deps.Logger.Named("pipedrive")
	return &PipedriveAdapter{
		dialer: dialer{publisher: deps.Publisher, logger: logger},
		opts:   opts,
		deps:   deps,
		oauth:  conf,
		tokens: newTokenManager(Pipedrive, conf, deps, pipedriveTokenTTL),
		client: &vendorClient{http: deps.HTTPClient},
		logger: logger,
	}
}

// Name implements Adapter.
func (p *PipedriveAdapter) Name() Name {
	return Pipedrive
}

// Connect implements Adapter.
func (p *PipedriveAdapter) Connect(ctx context.Context, refID, returnURL string) (string, error) {
	if p.opts.ClientID == "" {
		return "", ErrConnectUnsupported
	}
	state, err := p.deps.States.Encode(auth.State{RefID: refID, ReturnURL: returnURL, CRM: string(Pipedrive)})
	if err != nil {
		return "", err
	}
	return p.oauth.AuthCodeURL(state), nil
}

type pipedriveUser struct {
	ID            json.Number `json:"id"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	CompanyDomain string      `json:"company_domain"`
}

// Callback implements Adapter.
func (p *PipedriveAdapter) Callback(ctx context.Context, code, stateToken string) string {
	state, err := p.deps.decodeState(Pipedrive, stateToken)
	if err != nil {
		p.logger.Info("Rejected OAuth callback", zap.Error(err))
		return failedURL(p.deps.FrontendURL, Pipedrive, err)
	}
	returnURL := p.deps.returnBase(state.ReturnURL)

	token, err := p.tokens.Exchange(ctx, code)
	if err != nil {
		p.logger.Warn("Pipedrive code exchange failed", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, Pipedrive, err)
	}

	cfg := Config{RefID: state.RefID, Name: Pipedrive}
	cfg.Credentials = Credentials{}.withToken(token, p.deps.Now(), pipedriveTokenTTL)

	me, err := p.currentUser(ctx, cfg)
	if err != nil {
		p.logger.Warn("Failed to fetch Pipedrive user", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, Pipedrive, err)
	}
	cfg.Credentials.UserID = me.ID
	cfg.Credentials.CompanyDomain = me.CompanyDomain

	if err := p.deps.Store.Connect(ctx, state.RefID, Pipedrive, cfg.Credentials); err != nil {
		return failedURL(returnURL, Pipedrive, err)
	}

	p.logger.Info("Pipedrive connected",
		zap.String("ref_id", state.RefID),
		zap.String("user_id", me.ID.String()),
		zap.String("company_domain", me.CompanyDomain))
	return connectedURL(returnURL, Pipedrive)
}

// authorize returns the API root and auth header for cfg. api_token
// configurations never expire; OAuth ones go through the token manager.
func (p *PipedriveAdapter) authorize(ctx context.Context, cfg Config) (Config, string, http.Header, error) {
	if cfg.Credentials.APIToken != "" {
		return cfg, p.opts.APIBaseURL, nil, nil
	}

	cfg, err := p.tokens.Ensure(ctx, cfg)
	if err != nil {
		return cfg, "", nil, err
	}

	base := p.opts.APIBaseURL
	if domain := strings.TrimRight(cfg.Credentials.APIDomain, "/"); domain != "" {
		base = domain + "/api/v1"
	}
	return cfg, base, bearer(cfg.Credentials.AccessToken), nil
}

// endpoint joins path to base and adds the api_token when the configuration
// uses one.
func (p *PipedriveAdapter) endpoint(cfg Config, base, path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if cfg.Credentials.APIToken != "" {
		query.Set("api_token", cfg.Credentials.APIToken)
	}
	endpoint := base + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (p *PipedriveAdapter) currentUser(ctx context.Context, cfg Config) (pipedriveUser, error) {
	cfg, base, header, err := p.authorize(ctx, cfg)
	if err != nil {
		return pipedriveUser{}, err
	}

	var resp struct {
		Data pipedriveUser `json:"data"`
	}
	if err := p.client.get(ctx, p.endpoint(cfg, base, "users/me", nil), header, &resp); err != nil {
		return pipedriveUser{}, err
	}
	return resp.Data, nil
}

type pipedrivePerson struct {
	ID           json.Number `json:"id"`
	Name         *string     `json:"name"`
	Emails       []string    `json:"emails"`
	Phones       []string    `json:"phones"`
	Organization *struct {
		Name *string `json:"name"`
	} `json:"organization"`
	Owner *struct {
		ID json.Number `json:"id"`
	} `json:"owner"`
}

// SearchContact implements Adapter. Pipedrive keeps a single name field, so
// lastname is always N/A.
func (p *PipedriveAdapter) SearchContact(ctx context.Context, number string, cfg Config) Result {
	if Digits(number) == "" {
		return Failed(ErrInvalidPhone.Error())
	}

	cfg, base, header, err := p.authorize(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}

	query := url.Values{}
	query.Set("term", NormalizePhone(number))
	query.Set("fields", "phone")
	query.Set("limit", "1")
	query.Set("start", "0")

	var resp struct {
		Data struct {
			Items []struct {
				Item pipedrivePerson `json:"item"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := p.client.get(ctx, p.endpoint(cfg, base, "persons/search", query), header, &resp); err != nil {
		p.logger.Warn("Pipedrive person search failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}
	if len(resp.Data.Items) == 0 {
		return Failed("Contact not found")
	}

	person := resp.Data.Items[0].Item
	id := person.ID.String()
	contact := Contact{
		ID:           optionalID(&id),
		FirstName:    ptrOrNA(person.Name),
		LastName:     NotAvailable,
		Email:        NotAvailable,
		Company:      NotAvailable,
		Owner:        NotAvailable,
		CRMDetailURL: NotAvailable,
	}
	if len(person.Emails) > 0 {
		contact.Email = orNA(person.Emails[0])
	}
	if person.Organization != nil {
		contact.Company = ptrOrNA(person.Organization.Name)
	}
	if person.Owner != nil && person.Owner.ID != "" {
		contact.Owner = p.ownerName(ctx, cfg, base, header, person.Owner.ID.String())
	}
	if domain := p.companyDomain(ctx, cfg, base, header); domain != "" && contact.ID != nil {
		contact.CRMDetailURL = fmt.Sprintf("https://%s.pipedrive.com/person/%s", domain, *contact.ID)
	}

	return Succeeded("Success", contact)
}

func (p *PipedriveAdapter) ownerName(ctx context.Context, cfg Config, base string, header http.Header, ownerID string) string {
	var resp struct {
		Data pipedriveUser `json:"data"`
	}
	if err := p.client.get(ctx, p.endpoint(cfg, base, "users/"+url.PathEscape(ownerID), nil), header, &resp); err != nil {
		p.logger.Debug("Failed to fetch Pipedrive owner", zap.String("owner_id", ownerID), zap.Error(err))
		return NotAvailable
	}
	return orNA(resp.Data.Name)
}

// companyDomain prefers the domain stored at connect time.
func (p *PipedriveAdapter) companyDomain(ctx context.Context, cfg Config, base string, header http.Header) string {
	if cfg.Credentials.CompanyDomain != "" {
		return cfg.Credentials.CompanyDomain
	}

	var resp struct {
		Data pipedriveUser `json:"data"`
	}
	if err := p.client.get(ctx, p.endpoint(cfg, base, "users/me", nil), header, &resp); err != nil {
		p.logger.Debug("Failed to fetch Pipedrive company domain", zap.Error(err))
		return ""
	}
	return resp.Data.CompanyDomain
}

// CreateNote implements Adapter.
func (p *PipedriveAdapter) CreateNote(ctx context.Context, contactID, content string, cfg Config) Result {
	cfg, base, header, err := p.authorize(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}

	note := map[string]any{"content": content, "person_id": contactID}
	if id, err := strconv.ParseInt(contactID, 10, 64); err == nil {
		note["person_id"] = id
	}

	var resp struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := p.client.post(ctx, p.endpoint(cfg, base, "notes", nil), header, note, &resp); err != nil {
		p.logger.Warn("Pipedrive note creation failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}

	return Succeeded("Note created", map[string]any{"id": resp.Data.ID})
}
