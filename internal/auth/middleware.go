package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxBodyPeek bounds how much of a request body middleware reads.
const maxBodyPeek = 1 << 20

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "pxb-signature"

// Account is the caller identity resolved by AccountAuth.
type Account struct {
	// ID is the PBX account the token belongs to.
	ID string
	// UserID identifies the PBX user; CRM configurations are keyed by it.
	UserID string
	Token  string
}

// RefID returns the key CRM configurations and relay channels use.
func (a Account) RefID() string {
	return a.UserID
}

type contextKey string

const accountKey contextKey = "account"

// WithAccount stores the account in ctx.
func WithAccount(ctx context.Context, account Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// AccountFromContext returns the account stored by AccountAuth.
func AccountFromContext(ctx context.Context) (Account, error) {
	account, ok := ctx.Value(accountKey).(Account)
	if !ok {
		return Account{}, fmt.Errorf("account not found in context")
	}
	return account, nil
}

// AccountVerifier checks a PBX token against its account.
type AccountVerifier interface {
	Verify(ctx context.Context, accountID, token string) error
}

// PBXVerifier validates tokens by calling the PBX account API.
type PBXVerifier struct {
	baseURL string
	client  *http.Client
}

// NewPBXVerifier creates a verifier for the PBX API at baseURL.
func NewPBXVerifier(baseURL string, timeout time.Duration) *PBXVerifier {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &PBXVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Verify implements AccountVerifier.
func (v *PBXVerifier) Verify(ctx context.Context, accountID, token string) error {
	endpoint := fmt.Sprintf("%saccounts/%s/lists/null/entries", v.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach PBX API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ErrInvalidToken
	}

	var body struct {
		Status *bool `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyPeek)).Decode(&body); err == nil {
		if body.Status != nil && !*body.Status {
			return ErrInvalidToken
		}
	}
	return nil
}

// AccountAuth resolves token, account_id and user_id from the JSON body, the
// query string or the x-access-token, x-account-id and x-user-id headers, in
// that order, and verifies them. A nil verifier skips verification.
func AccountAuth(verifier AccountVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("account_auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := resolveAccount(r)
			if account.Token == "" || account.ID == "" || account.UserID == "" {
				writeAuthError(w, ErrMissingToken)
				return
			}

			if verifier != nil {
				if err := verifier.Verify(r.Context(), account.ID, account.Token); err != nil {
					logger.Info("Account verification failed",
						zap.String("account_id", account.ID),
						zap.Error(err))
					writeAuthError(w, ErrInvalidToken)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

func resolveAccount(r *http.Request) Account {
	var body struct {
		Token     string          `json:"token"`
		AccountID json.RawMessage `json:"account_id"`
		UserID    json.RawMessage `json:"user_id"`
	}
	if raw, err := peekBody(r); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}

	query := r.URL.Query()
	return Account{
		Token:  firstNonEmpty(body.Token, query.Get("token"), r.Header.Get("x-access-token")),
		ID:     firstNonEmpty(jsonScalar(body.AccountID), query.Get("account_id"), r.Header.Get("x-account-id")),
		UserID: firstNonEmpty(jsonScalar(body.UserID), query.Get("user_id"), r.Header.Get("x-user-id")),
	}
}

// jsonScalar renders a JSON string or number as text.
func jsonScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// peekBody reads the request body and puts it back for the next handler.
func peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return raw, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature verifies the pxb-signature header against the raw
// request body.
func WebhookSignature(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("webhook_auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signature := r.Header.Get(SignatureHeader)
			if signature == "" {
				writeAuthError(w, ErrMissingSignature)
				return
			}

			payload, err := peekBody(r)
			if err != nil {
				writeAuthError(w, ErrInvalidSignature)
				return
			}

			got, err := hex.DecodeString(strings.ToLower(signature))
			want, _ := hex.DecodeString(Sign(secret, payload))
			if err != nil || !hmac.Equal(got, want) {
				logger.Info("Rejected webhook with bad signature", zap.String("path", r.URL.Path))
				writeAuthError(w, ErrInvalidSignature)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an authentication failure in the response envelope.
func writeAuthError(w http.ResponseWriter, authErr *AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.Status)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": authErr.Message,
		"data":    map[string]interface{}{},
	})
}
