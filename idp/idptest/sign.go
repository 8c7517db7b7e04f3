package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"casbridge/idp"
)

// Fixture identity used by DefaultClaims.
const (
	Email   = "foo@example.com"
	Subject = "auth0|1234"
)

// DefaultClaims returns a realistic id token payload for audience.
func DefaultClaims(issuer, audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            issuer,
		"sub":            Subject,
		"aud":            audience,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          Email,
		"email_verified": true,
		"name":           "Foo Bar",
		"identities": []any{
			map[string]any{"provider": "auth0", "user_id": "1234", "connection": "Username-Password-Authentication"},
		},
	}
}

// SignHS256 signs claims with the base64-decoded client secret.
func SignHS256(t testing.TB, clientSecret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := signHS256(clientSecret, claims)
	if err != nil {
		t.Fatalf("sign HS256 token: %v", err)
	}
	return token
}

func signHS256(clientSecret string, claims jwt.MapClaims) (string, error) {
	key, err := idp.DecodeClientSecret(clientSecret, true)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// SignRS256 signs claims with key and stamps kid in the header.
func SignRS256(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign RS256 token: %v", err)
	}
	return signed
}

// NewRSAKey generates a 2048-bit signing key.
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

// SelfSignedCert returns the DER certificate wrapping key's public half.
func SelfSignedCert(t testing.TB, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fake-tenant.auth0.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}
