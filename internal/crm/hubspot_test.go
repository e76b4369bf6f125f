package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestHubSpot(t *testing.T, log *callLog, routes map[string]http.HandlerFunc) (*HubSpotAdapter, *fakeStore) {
	t.Helper()
	srv := newVendor(t, log, routes)
	deps, store, _ := newTestDeps(t, log)
	hs := NewHubSpot(HubSpotOptions{
		ClientID:     "hs-client",
		ClientSecret: "hs-secret",
		RedirectURL:  "https://gw.example.com/hubspot/callback",
		AuthURL:      srv.URL + "/oauth/authorize",
		TokenURL:     srv.URL + "/oauth/v1/token",
		APIBaseURL:   srv.URL,
		AppBaseURL:   "https://app.hubspot.com/",
		Scopes:       []string{"crm.objects.contacts.read", "crm.objects.contacts.write"},
	}, deps)
	return hs, store
}

func hubSpotConfig(expiresAt *time.Time) Config {
	return Config{
		ID:    1,
		RefID: "42",
		Name:  HubSpot,
		Credentials: Credentials{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			ExpiresAt:    expiresAt,
			PortalID:     "123",
		},
	}
}

func TestHubSpotSearchContact(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer stale" {
				t.Errorf("Authorization = %q", got)
			}
			var req hubSpotSearchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode search: %v", err)
			}
			if f := req.FilterGroups[0].Filters[0]; f.PropertyName != "phone" || f.Operator != "EQ" || f.Value != "+15551234567" {
				t.Errorf("filter = %+v", f)
			}
			if req.Limit != 1 {
				t.Errorf("limit = %d", req.Limit)
			}
			writeJSON(t, w, map[string]any{
				"total": 1,
				"results": []any{map[string]any{
					"id": "501",
					"properties": map[string]any{
						"hs_object_id":        "501",
						"firstname":           "Ada",
						"lastname":            "Lovelace",
						"email":               "ada@example.com",
						"associatedcompanyid": "77",
						"hubspot_owner_id":    "9",
					},
				}},
			})
		},
		"GET /crm/v3/objects/companies/77": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"id": "77", "properties": map[string]any{"name": nil, "domain": "acme.com"}})
		},
		"GET /crm/v3/owners/9": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"id": "9", "firstName": "Grace", "lastName": "Hopper"})
		},
	})

	result := hs.SearchContact(context.Background(), "555-123-4567", hubSpotConfig(expiresIn(time.Hour)))
	contact := contactOf(t, result)

	if contact.ID == nil || *contact.ID != "501" {
		t.Errorf("ID = %v", contact.ID)
	}
	if contact.FirstName != "Ada" || contact.LastName != "Lovelace" || contact.Email != "ada@example.com" {
		t.Errorf("contact = %+v", contact)
	}
	if contact.Company != "acme.com" {
		t.Errorf("Company = %q, want domain fallback", contact.Company)
	}
	if contact.Owner != "Grace Hopper" {
		t.Errorf("Owner = %q", contact.Owner)
	}
	if contact.CRMDetailURL != "https://app.hubspot.com/contacts/123/contact/501" {
		t.Errorf("CRMDetailURL = %q", contact.CRMDetailURL)
	}
}

func TestHubSpotSearchContactMissingFields(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{
				"total":   1,
				"results": []any{map[string]any{"properties": map[string]any{"firstname": "Ada", "lastname": nil}}},
			})
		},
	})

	result := hs.SearchContact(context.Background(), "5551234567", hubSpotConfig(nil))
	got := resultJSON(t, result)
	want := `{"success":true,"message":"Success","data":{"id":null,"firstname":"Ada","lastname":"N/A","email":"N/A","company":"N/A","owner":"N/A","crm_detail_url":"N/A"}}`
	if got != want {
		t.Fatalf("result = %s\nwant %s", got, want)
	}
	if n := len(log.list()); n != 1 {
		t.Errorf("made %d vendor calls, want 1: %v", n, log.list())
	}
}

func TestHubSpotSearchContactWithoutPortal(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{
				"total":   1,
				"results": []any{map[string]any{"properties": map[string]any{"hs_object_id": "501", "firstname": "Ada"}}},
			})
		},
	})

	cfg := hubSpotConfig(nil)
	cfg.Credentials.PortalID = ""
	result := hs.SearchContact(context.Background(), "5551234567", cfg)
	contact := contactOf(t, result)
	if contact.ID == nil || *contact.ID != "501" {
		t.Errorf("ID = %v", contact.ID)
	}
	if contact.CRMDetailURL != NotAvailable {
		t.Errorf("CRMDetailURL = %q, want %q", contact.CRMDetailURL, NotAvailable)
	}
}

func TestHubSpotSearchContactNotFound(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"total": 0, "results": []any{}})
		},
	})

	result := hs.SearchContact(context.Background(), "555-123-4567", hubSpotConfig(nil))
	if got := resultJSON(t, result); got != `{"success":false,"message":"Contact not found","data":{}}` {
		t.Fatalf("result = %s", got)
	}
}

func TestHubSpotSearchContactVendorError(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		},
	})

	result := hs.SearchContact(context.Background(), "555-123-4567", hubSpotConfig(nil))
	if result.Success || result.Message != "Request failed with status code 500" {
		t.Fatalf("result = %+v", result)
	}
}

func TestHubSpotSearchContactRejectsEmptyNumber(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, nil)

	result := hs.SearchContact(context.Background(), "unknown", hubSpotConfig(nil))
	if result.Success || result.Message != ErrInvalidPhone.Error() {
		t.Fatalf("result = %+v", result)
	}
	if n := len(log.list()); n != 0 {
		t.Errorf("made %d vendor calls, want 0", n)
	}
}

func TestHubSpotRefreshesExpiredTokenFirst(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /oauth/v1/token": func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
				t.Errorf("refresh form = %v", r.Form)
			}
			if r.Form.Get("client_id") != "hs-client" || r.Form.Get("client_secret") != "hs-secret" {
				t.Errorf("client credentials missing from form: %v", r.Form)
			}
			writeJSON(t, w, map[string]any{
				"access_token":  "fresh",
				"refresh_token": "refresh-2",
				"token_type":    "bearer",
				"expires_in":    1800,
			})
		},
		"POST /crm/v3/objects/contacts/search": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
				t.Errorf("search used %q, want refreshed token", got)
			}
			writeJSON(t, w, map[string]any{"total": 0, "results": []any{}})
		},
	})

	hs.SearchContact(context.Background(), "5551234567", hubSpotConfig(expiresIn(-time.Minute)))

	want := []string{"POST /oauth/v1/token", "store save", "POST /crm/v3/objects/contacts/search"}
	if got := log.list(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %q, want %q", got, want)
	}

	if len(store.saved) != 1 {
		t.Fatalf("saved %d times, want 1", len(store.saved))
	}
	saved := store.saved[0]
	if saved.RefID != "42" || saved.Name != HubSpot {
		t.Errorf("saved for %s/%s", saved.RefID, saved.Name)
	}
	if saved.Creds.AccessToken != "fresh" || saved.Creds.RefreshToken != "refresh-2" {
		t.Errorf("saved credentials = %+v", saved.Creds)
	}
	if saved.Creds.PortalID != "123" {
		t.Errorf("refresh dropped portalId: %+v", saved.Creds)
	}
	if saved.Creds.ExpiresAt == nil || !saved.Creds.ExpiresAt.After(testNow) {
		t.Errorf("ExpiresAt = %v", saved.Creds.ExpiresAt)
	}
}

func TestHubSpotRefreshFailureFailsOperation(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /oauth/v1/token": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		},
	})

	result := hs.CreateNote(context.Background(), "501", "hello", hubSpotConfig(expiresIn(-time.Minute)))
	if result.Success || !strings.Contains(result.Message, "failed to refresh Hubspot token") {
		t.Fatalf("result = %+v", result)
	}
	if len(store.saved) != 0 {
		t.Errorf("credentials saved after failed refresh")
	}
	if n := log.count("POST /crm/v3/objects/notes"); n != 0 {
		t.Errorf("note posted %d times after failed refresh", n)
	}
}

func TestHubSpotExpiredWithoutRefreshToken(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, nil)

	cfg := hubSpotConfig(expiresIn(-time.Minute))
	cfg.Credentials.RefreshToken = ""

	result := hs.SearchContact(context.Background(), "5551234567", cfg)
	if result.Success || result.Message != ErrNoRefreshToken.Error() {
		t.Fatalf("result = %+v", result)
	}
}

func TestHubSpotCreateNote(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"GET /crm/v3/owners": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"results": []any{map[string]any{"id": "9"}}})
		},
		"POST /crm/v3/objects/notes": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Properties   map[string]string    `json:"properties"`
				Associations []hubSpotAssociation `json:"associations"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode note: %v", err)
			}
			if body.Properties["hs_note_body"] != "Called about renewal" {
				t.Errorf("hs_note_body = %q", body.Properties["hs_note_body"])
			}
			if body.Properties["hubspot_owner_id"] != "9" {
				t.Errorf("hubspot_owner_id = %q", body.Properties["hubspot_owner_id"])
			}
			if _, err := time.Parse(time.RFC3339Nano, body.Properties["hs_timestamp"]); err != nil {
				t.Errorf("hs_timestamp: %v", err)
			}
			if len(body.Associations) != 1 {
				t.Fatalf("associations = %+v", body.Associations)
			}
			a := body.Associations[0]
			if a.To.ID != "501" || a.Types[0].TypeID != 202 || a.Types[0].Category != "HUBSPOT_DEFINED" {
				t.Errorf("association = %+v", a)
			}
			writeJSON(t, w, map[string]any{"id": "n-1"})
		},
	})

	result := hs.CreateNote(context.Background(), "501", "Called about renewal", hubSpotConfig(nil))
	if !result.Success || result.Message != "Note created" {
		t.Fatalf("result = %+v", result)
	}
}

func TestHubSpotConnect(t *testing.T) {
	log := &callLog{}
	hs, _ := newTestHubSpot(t, log, nil)

	redirect, err := hs.Connect(context.Background(), "42", "https://crm.example.com/")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "hs-client" || q.Get("redirect_uri") != "https://gw.example.com/hubspot/callback" {
		t.Errorf("query = %v", q)
	}
	if q.Get("scope") != "crm.objects.contacts.read crm.objects.contacts.write" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	state, err := hs.deps.States.Decode(q.Get("state"))
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.RefID != "42" || state.ReturnURL != "https://crm.example.com/" || state.CRM != "HUBSPOT" {
		t.Errorf("state = %+v", state)
	}
}

func TestHubSpotCallback(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /oauth/v1/token": func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "auth-code" {
				t.Errorf("exchange form = %v", r.Form)
			}
			writeJSON(t, w, map[string]any{
				"access_token":  "access",
				"refresh_token": "refresh",
				"token_type":    "bearer",
				"expires_in":    1800,
			})
		},
		"GET /integrations/v1/me": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer access" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			writeJSON(t, w, map[string]any{"portalId": 123456})
		},
	})

	redirect, err := hs.Connect(context.Background(), "42", "https://crm.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(redirect)

	got := hs.Callback(context.Background(), "auth-code", u.Query().Get("state"))
	if got != "https://crm.example.com/ui2/user/crm?connected=true&crm=HUBSPOT" {
		t.Fatalf("redirect = %s", got)
	}

	if len(store.connected) != 1 {
		t.Fatalf("connected %d times, want 1", len(store.connected))
	}
	c := store.connected[0]
	if c.RefID != "42" || c.Name != HubSpot {
		t.Errorf("connected %s/%s", c.RefID, c.Name)
	}
	if c.Creds.AccessToken != "access" || c.Creds.RefreshToken != "refresh" || c.Creds.PortalID != "123456" {
		t.Errorf("credentials = %+v", c.Creds)
	}
	if c.Creds.ExpiresAt == nil {
		t.Error("ExpiresAt not set")
	}
}

func TestHubSpotCallbackRejectsForgedState(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, nil)

	got := hs.Callback(context.Background(), "auth-code", "42ANDhttps://evil.example.com/")
	if !strings.HasPrefix(got, "https://pbx.example.com/ui2/user/crm?connected=false&crm=HUBSPOT&error=") {
		t.Fatalf("redirect = %s", got)
	}
	if len(log.list()) != 0 || len(store.connected) != 0 {
		t.Errorf("forged state reached the vendor: %v", log.list())
	}
}

func TestHubSpotCallbackRejectsStateOfAnotherCRM(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, nil)

	state, err := hs.deps.States.Encode(stateFor("42", "https://crm.example.com/", Salesforce))
	if err != nil {
		t.Fatal(err)
	}

	got := hs.Callback(context.Background(), "auth-code", state)
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("redirect = %s", got)
	}
	q := u.Query()
	if q.Get("connected") != "false" || q.Get("crm") != "HUBSPOT" || q.Get("error") != ErrStateMismatch.Error() {
		t.Fatalf("redirect = %s", got)
	}
	if len(log.list()) != 0 || len(store.connected) != 0 {
		t.Errorf("mismatched state reached the vendor: %v", log.list())
	}
}

func TestHubSpotCallbackStoreFailure(t *testing.T) {
	log := &callLog{}
	hs, store := newTestHubSpot(t, log, map[string]http.HandlerFunc{
		"POST /oauth/v1/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"access_token": "access", "token_type": "bearer", "expires_in": 1800})
		},
		"GET /integrations/v1/me": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"portalId": 1})
		},
	})
	store.connectErr = errors.New("This HubSpot account is already connected")

	state, err := hs.deps.States.Encode(stateFor("42", "https://crm.example.com/", HubSpot))
	if err != nil {
		t.Fatal(err)
	}

	got := hs.Callback(context.Background(), "code", state)
	want := "https://crm.example.com/ui2/user/crm?connected=false&crm=HUBSPOT&error=This+HubSpot+account+is+already+connected"
	if got != want {
		t.Fatalf("redirect = %s\nwant %s", got, want)
	}
}
