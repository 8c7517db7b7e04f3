package cas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthenticationDateFormat is the UTC ISO-8601 layout of authenticationDate.
const AuthenticationDateFormat = "2006-01-02T15:04:05.000Z"

// AttributeAuthenticationDate is the derived attribute carrying the login time.
const AttributeAuthenticationDate = "authenticationDate"

// strippedClaims never leave the bridge.
var strippedClaims = []string{"identities", "iss", "sub", "aud", "exp", "iat"}

// ValidationError reports a token that failed verification or lacks a
// required claim.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token validation failed: %s: %v", e.Reason, e.Err)
	}
	return "token validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator verifies identity tokens and shapes their claims for CAS.
type Validator struct {
	usernameField string
	leeway        time.Duration
	now           func() time.Time
}

// NewValidator returns a Validator reporting the usernameField claim as the
// CAS user. leeway absorbs clock skew on exp.
func NewValidator(usernameField string, leeway time.Duration) *Validator {
	return &Validator{usernameField: usernameField, leeway: leeway, now: time.Now}
}

// WithClock overrides the time source; used by tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks the signature with key under algorithm only, then audience,
// issuer and expiry when present.
func (v *Validator) Validate(rawToken, algorithm string, key any, audience, issuer string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, &ValidationError{Reason: "verify id_token", Err: err}
	}
	return claims, nil
}

// Authenticate turns verified claims into a CAS success payload.
func (v *Validator) Authenticate(claims jwt.MapClaims) (AuthenticationSuccess, error) {
	raw, ok := claims[v.usernameField]
	if !ok || raw == nil {
		return AuthenticationSuccess{}, &ValidationError{Reason: fmt.Sprintf("claim %q missing", v.usernameField)}
	}
	user, err := claimString(raw)
	if err != nil {
		return AuthenticationSuccess{}, &ValidationError{Reason: fmt.Sprintf("claim %q", v.usernameField), Err: err}
	}
	if user == "" {
		return AuthenticationSuccess{}, &ValidationError{Reason: fmt.Sprintf("claim %q empty", v.usernameField)}
	}

	authenticated := v.now()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		authenticated = iat.Time
	}

	attributes := make(map[string]any, len(claims))
	for name, value := range claims {
		attributes[name] = value
	}
	for _, name := range strippedClaims {
		delete(attributes, name)
	}
	attributes[AttributeAuthenticationDate] = authenticated.UTC().Format(AuthenticationDateFormat)

	return AuthenticationSuccess{User: user, Attributes: attributes}, nil
}

func claimString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
