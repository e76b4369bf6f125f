// Package auth holds request identity, OAuth state signing and webhook
// signature checks.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateIssuer = "crmgateway"

// State is carried through a vendor OAuth redirect and returned on callback.
type State struct {
	// RefID is the account the resulting configuration belongs to.
	RefID string `json:"ref_id"`
	// ReturnURL is the frontend base URL the browser is sent back to.
	ReturnURL string `json:"return_url,omitempty"`
	CRM       string `json:"crm"`
	// Verifier is the PKCE code verifier for vendors that require it.
	Verifier string `json:"verifier,omitempty"`
}

// StateClaims are the JWT claims of an encoded State.
type StateClaims struct {
	State
	jwt.RegisteredClaims
}

// StateSigner encodes State as a signed, expiring HS256 token. The token is
// base64url text and survives any query string unescaped.
type StateSigner struct {
	Secret []byte
	TTL    time.Duration

	now func() time.Time
}

// NewStateSigner creates a signer.
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{
		Secret: []byte(secret),
		TTL:    ttl,
		now:    time.Now,
	}
}

// Encode signs state.
func (s *StateSigner) Encode(state State) (string, error) {
	now := s.now()
	claims := &StateClaims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return token, nil
}

// Decode verifies token and returns the state it carries.
func (s *StateSigner) Decode(token string) (State, error) {
	if token == "" {
		return State{}, ErrInvalidState
	}

	claims := &StateClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return State{}, ErrStateExpired
		}
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !parsed.Valid {
		return State{}, ErrInvalidState
	}
	if claims.RefID == "" {
		return State{}, fmt.Errorf("%w: missing ref_id", ErrInvalidState)
	}

	return claims.State, nil
}

// AuthError represents authentication and authorization failures.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrMissingToken = &AuthError{
		Code:    "missing_token",
		Message: "Token and account are required",
		Status:  http.StatusUnauthorized,
	}
	ErrInvalidToken = &AuthError{
		Code:    "invalid_token",
		Message: "Invalid or expired token",
		Status:  http.StatusUnauthorized,
	}
	ErrMissingSignature = &AuthError{
		Code:    "missing_signature",
		Message: "Missing signature",
		Status:  http.StatusUnauthorized,
	}
	ErrInvalidSignature = &AuthError{
		Code:    "invalid_signature",
		Message: "Invalid signature",
		Status:  http.StatusUnauthorized,
	}
	ErrInvalidState = &AuthError{
		Code:    "invalid_state",
		Message: "Invalid OAuth state",
		Status:  http.StatusBadRequest,
	}
	ErrStateExpired = &AuthError{
		Code:    "state_expired",
		Message: "OAuth state has expired",
		Status:  http.StatusBadRequest,
	}
)
