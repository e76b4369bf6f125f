package crm

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Credentials is the vendor-specific blob stored on a configuration record.
// Fields a vendor does not use stay empty.
type Credentials struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// HubSpot
	PortalID json.Number `json:"portalId,omitempty"`

	// Salesforce
	InstanceURL      string `json:"instance_url,omitempty"`
	IdentityURL      string `json:"id,omitempty"`
	SalesforceUserID string `json:"salesforce_userid,omitempty"`
	OrganizationID   string `json:"organization_id,omitempty"`
	DisplayName      string `json:"name,omitempty"`
	Email            string `json:"email,omitempty"`

	// Pipedrive
	APIToken      string      `json:"api_token,omitempty"`
	UserID        json.Number `json:"user_id,omitempty"`
	APIDomain     string      `json:"api_domain,omitempty"`
	CompanyDomain string      `json:"company_domain,omitempty"`
}

// ParseCredentials decodes a stored config blob.
func ParseCredentials(raw []byte) (Credentials, error) {
	var creds Credentials
	if len(raw) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

// Expired reports whether the access token is past its expiry. Credentials
// without an expiry never expire.
func (c Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// withToken merges a token response into a copy of c. A response without an
// expiry is valid for fallbackTTL.
func (c Credentials) withToken(token *oauth2.Token, now time.Time, fallbackTTL time.Duration) Credentials {
	c.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		c.TokenType = token.TokenType
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		c.Scope = scope
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackTTL)
	}
	expiresAt = expiresAt.UTC()
	c.ExpiresAt = &expiresAt

	if instanceURL, ok := token.Extra("instance_url").(string); ok && instanceURL != "" {
		c.InstanceURL = instanceURL
	}
	if apiDomain, ok := token.Extra("api_domain").(string); ok && apiDomain != "" {
		c.APIDomain = apiDomain
	}
	return c
}

// Identity returns the vendor-side account key of c, used to keep one vendor
// account from being connected to two gateway accounts. It returns nil when
// c carries no identity.
func (c Credentials) Identity(name Name) map[string]any {
	switch name {
	case HubSpot:
		if c.PortalID != "" {
			return map[string]any{"portalId": c.PortalID}
		}
	case Salesforce:
		if c.SalesforceUserID != "" {
			return map[string]any{"salesforce_userid": c.SalesforceUserID}
		}
	case Pipedrive:
		if c.APIToken != "" && c.UserID != "" {
			return map[string]any{"api_token": c.APIToken, "user_id": c.UserID}
		}
		if c.UserID != "" {
			return map[string]any{"user_id": c.UserID}
		}
	}
	return nil
}

// WebhookKey names the config field that identifies an account in inbound
// webhooks from name.
func WebhookKey(name Name) string {
	switch name {
	case HubSpot:
		return "portalId"
	case Salesforce:
		return "salesforce_userid"
	case Pipedrive:
		return "user_id"
	}
	return ""
}

// Redacted returns a copy safe to show to users.
func (c Credentials) Redacted() Credentials {
	const mask = "********"
	if c.AccessToken != "" {
		c.AccessToken = mask
	}
	if c.RefreshToken != "" {
		c.RefreshToken = mask
	}
	if c.APIToken != "" {
		c.APIToken = mask
	}
	return c
}
