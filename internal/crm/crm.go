// Package crm adapts HubSpot, Salesforce and Pipedrive to one contract:
// connect, callback, contact search, note creation and outbound calls.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/auth"
	"github.com/tennex/crmgateway/internal/observability"
	"github.com/tennex/crmgateway/pkg/events"
)

// Name identifies a CRM vendor.
type Name string

const (
	HubSpot    Name = events.CRMHubSpot
	Salesforce Name = events.CRMSalesforce
	Pipedrive  Name = events.CRMPipedrive
)

// Names lists every supported vendor.
var Names = []Name{HubSpot, Salesforce, Pipedrive}

// ParseName accepts a vendor name in any case.
func ParseName(s string) (Name, error) {
	name := Name(strings.ToUpper(strings.TrimSpace(s)))
	for _, n := range Names {
		if n == name {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCRM, s)
}

// Label is the vendor name as shown to users.
func (n Name) Label() string {
	switch n {
	case HubSpot:
		return "Hubspot"
	case Salesforce:
		return "Salesforce"
	case Pipedrive:
		return "Pipedrive"
	}
	return string(n)
}

var (
	ErrUnknownCRM         = errors.New("unknown CRM")
	ErrNoRefreshToken     = errors.New("access token expired and no refresh token is stored")
	ErrConnectUnsupported = errors.New("OAuth is not configured for this CRM")
	ErrInvalidPhone       = errors.New("phone number has no digits")
	ErrStateMismatch      = errors.New("OAuth state was issued for another CRM")
)

// Config is the active configuration an operation runs against. It is passed
// by value; operations that refresh tokens work on their own copy.
type Config struct {
	ID          int64
	RefID       string
	Name        Name
	Credentials Credentials
}

// Result is the envelope every synchronous adapter operation returns.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Succeeded builds a successful result.
func Succeeded(message string, data any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Success: true, Message: message, Data: data}
}

// Failed builds a failed result with empty data.
func Failed(message string) Result {
	return Result{Success: false, Message: message, Data: map[string]any{}}
}

// Adapter is the contract each vendor implements.
type Adapter interface {
	Name() Name
	// Connect returns the vendor authorization URL for refID. returnURL is the
	// frontend the browser comes back to after the callback.
	Connect(ctx context.Context, refID, returnURL string) (string, error)
	// Callback completes the authorization and returns where to redirect the
	// browser. Failures are reported in the redirect, never returned.
	Callback(ctx context.Context, code, state string) string
	SearchContact(ctx context.Context, number string, cfg Config) Result
	CreateNote(ctx context.Context, contactID, content string, cfg Config) Result
	// OutboundCall asks the account's dialer to call phone.
	OutboundCall(ctx context.Context, phone, refID string) error
}

// ConfigStore persists vendor credentials.
type ConfigStore interface {
	// Connect saves a newly authorized configuration and makes it the
	// account's active one.
	Connect(ctx context.Context, refID string, name Name, creds Credentials) error
	// SaveCredentials replaces the credentials of an existing configuration.
	SaveCredentials(ctx context.Context, refID string, name Name, creds Credentials) error
}

// Publisher delivers relay events.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// StateCodec encodes OAuth state.
type StateCodec interface {
	Encode(state auth.State) (string, error)
	Decode(token string) (auth.State, error)
}

// Deps are shared by all adapters.
type Deps struct {
	Store      ConfigStore
	States     StateCodec
	Publisher  Publisher
	HTTPClient *http.Client
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	// FrontendURL is used when the OAuth state carries no return URL.
	FrontendURL string
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Registry maps vendor names to adapters. It is filled once at startup.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name.
func (r *Registry) Get(name Name) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCRM, name)
	}
	return a, nil
}

// Names returns the registered vendor names in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
