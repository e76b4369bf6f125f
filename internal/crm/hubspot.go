package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tennex/crmgateway/internal/auth"
)

// hubSpotTokenTTL is assumed when HubSpot omits expires_in.
const hubSpotTokenTTL = 30 * time.Minute

// hubSpotNoteToContact is HubSpot's association type id for note to contact.
const hubSpotNoteToContact = 202

var hubSpotContactProperties = []string{
	"firstname", "lastname", "email", "phone", "company", "hubspot_owner_id", "associatedcompanyid", "hs_object_id",
}

// HubSpotOptions configure the HubSpot adapter.
type HubSpotOptions struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	// APIBaseURL is the REST root, normally https://api.hubapi.com.
	APIBaseURL string
	// AppBaseURL builds contact links, normally https://app.hubspot.com.
	AppBaseURL string
	Scopes     []string
}

// HubSpotAdapter talks to the HubSpot CRM v3 API.
type HubSpotAdapter struct {
	dialer

	opts   HubSpotOptions
	deps   Deps
	oauth  *oauth2.Config
	tokens *TokenManager
	client *vendorClient
	logger *zap.Logger
}

// NewHubSpot creates the HubSpot adapter.
func NewHubSpot(opts HubSpotOptions, deps Deps) *HubSpotAdapter {
	deps = deps.withDefaults()
	opts.APIBaseURL = strings.TrimRight(opts.APIBaseURL, "/")
	opts.AppBaseURL = strings.TrimRight(opts.AppBaseURL, "/")

	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  opts.RedirectURL,
		Scopes:       opts.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.AuthURL,
			TokenURL:  opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	logger := deps.Logger.Named("hubspot")
	return &HubSpotAdapter{
		dialer: dialer{publisher: deps.Publisher, logger: logger},
		opts:   opts,
		deps:   deps,
		oauth:  conf,
		tokens: newTokenManager(HubSpot, conf, deps, hubSpotTokenTTL),
		client: &vendorClient{http: deps.HTTPClient},
		logger: logger,
	}
}

// Name implements Adapter.
func (h *HubSpotAdapter) Name() Name {
	return HubSpot
}

// Connect implements Adapter.
func (h *HubSpotAdapter) Connect(ctx context.Context, refID, returnURL string) (string, error) {
	state, err := h.deps.States.Encode(auth.State{RefID: refID, ReturnURL: returnURL, CRM: string(HubSpot)})
	if err != nil {
		return "", err
	}
	return h.oauth.AuthCodeURL(state), nil
}

// Callback implements Adapter.
func (h *HubSpotAdapter) Callback(ctx context.Context, code, stateToken string) string {
	state, err := h.deps.decodeState(HubSpot, stateToken)
	if err != nil {
		h.logger.Info("Rejected OAuth callback", zap.Error(err))
		return failedURL(h.deps.FrontendURL, HubSpot, err)
	}
	returnURL := h.deps.returnBase(state.ReturnURL)

	token, err := h.tokens.Exchange(ctx, code)
	if err != nil {
		h.logger.Warn("HubSpot code exchange failed", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, HubSpot, err)
	}

	creds := Credentials{}.withToken(token, h.deps.Now(), hubSpotTokenTTL)

	var me struct {
		PortalID json.Number `json:"portalId"`
	}
	if err := h.client.get(ctx, h.opts.APIBaseURL+"/integrations/v1/me", bearer(token.AccessToken), &me); err != nil {
		h.logger.Warn("Failed to fetch HubSpot portal", zap.String("ref_id", state.RefID), zap.Error(err))
		return failedURL(returnURL, HubSpot, err)
	}
	creds.PortalID = me.PortalID

	if err := h.deps.Store.Connect(ctx, state.RefID, HubSpot, creds); err != nil {
		return failedURL(returnURL, HubSpot, err)
	}

	h.logger.Info("HubSpot connected",
		zap.String("ref_id", state.RefID),
		zap.String("portal_id", me.PortalID.String()))
	return connectedURL(returnURL, HubSpot)
}

type hubSpotSearchRequest struct {
	FilterGroups []hubSpotFilterGroup `json:"filterGroups"`
	Properties   []string             `json:"properties"`
	Limit        int                  `json:"limit"`
}

type hubSpotFilterGroup struct {
	Filters []hubSpotFilter `json:"filters"`
}

type hubSpotFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type hubSpotObject struct {
	ID         string             `json:"id"`
	Properties map[string]*string `json:"properties"`
}

// SearchContact implements Adapter.
func (h *HubSpotAdapter) SearchContact(ctx context.Context, number string, cfg Config) Result {
	if Digits(number) == "" {
		return Failed(ErrInvalidPhone.Error())
	}

	cfg, err := h.tokens.Ensure(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}
	token := cfg.Credentials.AccessToken

	req := hubSpotSearchRequest{
		FilterGroups: []hubSpotFilterGroup{{
			Filters: []hubSpotFilter{{PropertyName: "phone", Operator: "EQ", Value: NormalizePhone(number)}},
		}},
		Properties: hubSpotContactProperties,
		Limit:      1,
	}

	var resp struct {
		Total   int             `json:"total"`
		Results []hubSpotObject `json:"results"`
	}
	if err := h.client.post(ctx, h.opts.APIBaseURL+"/crm/v3/objects/contacts/search", bearer(token), req, &resp); err != nil {
		h.logger.Warn("HubSpot contact search failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}
	if len(resp.Results) == 0 {
		return Failed("Contact not found")
	}

	props := resp.Results[0].Properties
	contact := Contact{
		ID:           optionalID(props["hs_object_id"]),
		FirstName:    ptrOrNA(props["firstname"]),
		LastName:     ptrOrNA(props["lastname"]),
		Email:        ptrOrNA(props["email"]),
		Company:      h.companyName(ctx, token, props["associatedcompanyid"]),
		Owner:        h.ownerName(ctx, token, props["hubspot_owner_id"]),
		CRMDetailURL: NotAvailable,
	}
	if contact.ID != nil && cfg.Credentials.PortalID != "" {
		contact.CRMDetailURL = fmt.Sprintf("%s/contacts/%s/contact/%s", h.opts.AppBaseURL, cfg.Credentials.PortalID, *contact.ID)
	}

	return Succeeded("Success", contact)
}

// companyName resolves the associated company, falling back to its domain.
func (h *HubSpotAdapter) companyName(ctx context.Context, token string, companyID *string) string {
	id := optionalID(companyID)
	if id == nil {
		return NotAvailable
	}

	var company hubSpotObject
	endpoint := fmt.Sprintf("%s/crm/v3/objects/companies/%s?properties=name,domain", h.opts.APIBaseURL, url.PathEscape(*id))
	if err := h.client.get(ctx, endpoint, bearer(token), &company); err != nil {
		h.logger.Debug("Failed to fetch HubSpot company", zap.String("company_id", *id), zap.Error(err))
		return NotAvailable
	}

	if name := ptrOrNA(company.Properties["name"]); name != NotAvailable {
		return name
	}
	return ptrOrNA(company.Properties["domain"])
}

type hubSpotOwner struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

func (h *HubSpotAdapter) ownerName(ctx context.Context, token string, ownerID *string) string {
	id := optionalID(ownerID)
	if id == nil {
		return NotAvailable
	}

	var owner hubSpotOwner
	endpoint := fmt.Sprintf("%s/crm/v3/owners/%s", h.opts.APIBaseURL, url.PathEscape(*id))
	if err := h.client.get(ctx, endpoint, bearer(token), &owner); err != nil {
		h.logger.Debug("Failed to fetch HubSpot owner", zap.String("owner_id", *id), zap.Error(err))
		return NotAvailable
	}
	return orNA(joinName(owner.FirstName, owner.LastName))
}

// defaultOwnerID returns the first owner of the portal, or "" if there is none.
func (h *HubSpotAdapter) defaultOwnerID(ctx context.Context, token string) string {
	var resp struct {
		Results []hubSpotOwner `json:"results"`
	}
	if err := h.client.get(ctx, h.opts.APIBaseURL+"/crm/v3/owners?limit=1", bearer(token), &resp); err != nil {
		h.logger.Debug("Failed to list HubSpot owners", zap.Error(err))
		return ""
	}
	if len(resp.Results) == 0 {
		return ""
	}
	return resp.Results[0].ID
}

type hubSpotAssociation struct {
	To    hubSpotAssociationTarget `json:"to"`
	Types []hubSpotAssociationType `json:"types"`
}

type hubSpotAssociationTarget struct {
	ID string `json:"id"`
}

type hubSpotAssociationType struct {
	Category string `json:"associationCategory"`
	TypeID   int    `json:"associationTypeId"`
}

// CreateNote implements Adapter.
func (h *HubSpotAdapter) CreateNote(ctx context.Context, contactID, content string, cfg Config) Result {
	cfg, err := h.tokens.Ensure(ctx, cfg)
	if err != nil {
		return Failed(err.Error())
	}
	token := cfg.Credentials.AccessToken

	properties := map[string]string{
		"hs_timestamp": h.deps.Now().UTC().Format(time.RFC3339Nano),
		"hs_note_body": content,
	}
	if ownerID := h.defaultOwnerID(ctx, token); ownerID != "" {
		properties["hubspot_owner_id"] = ownerID
	}

	body := map[string]any{
		"properties": properties,
		"associations": []hubSpotAssociation{{
			To:    hubSpotAssociationTarget{ID: contactID},
			Types: []hubSpotAssociationType{{Category: "HUBSPOT_DEFINED", TypeID: hubSpotNoteToContact}},
		}},
	}

	var note hubSpotObject
	if err := h.client.post(ctx, h.opts.APIBaseURL+"/crm/v3/objects/notes", bearer(token), body, &note); err != nil {
		h.logger.Warn("HubSpot note creation failed", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return Failed(err.Error())
	}

	return Succeeded("Note created", map[string]any{"id": note.ID})
}
