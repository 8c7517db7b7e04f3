package idp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"casbridge/cache"
)

// Supported token signing algorithms.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// SigningKeyCachePrefix prefixes the per-client key cache entries.
const SigningKeyCachePrefix = "cas:signing-key:"

// ErrSigningKeyNotFound is returned when the JWKS has no key for the token's kid.
var ErrSigningKeyNotFound = errors.New("signing key not found in JWKS")

// UnsupportedAlgorithmError is returned for any alg other than HS256 or RS256.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported token signing algorithm %q", e.Algorithm)
}

// KeyMaterial is a verification key ready for the JWT parser: []byte for
// HS256, *rsa.PublicKey for RS256.
type KeyMaterial struct {
	Algorithm string
	Key       any
}

// CachedKey is the cache representation of a client's verification key.
type CachedKey struct {
	ClientID  string          `json:"client_id"`
	Algorithm string          `json:"algorithm"`
	Key       jose.JSONWebKey `json:"key"`
}

// KeyResolverConfig wires a KeyResolver.
type KeyResolverConfig struct {
	Endpoints  Endpoints
	HTTPClient *http.Client
	Timeout    time.Duration
	Cache      cache.Store
	Logger     *slog.Logger
	Recorder   Recorder
	// RawClientSecret uses the client secret bytes as the HS256 key instead
	// of base64-decoding them.
	RawClientSecret bool
}

// KeyResolver resolves and caches token verification keys per client id.
// Cached keys never expire; a client changing its signing algorithm or
// rotating its JWKS key fails verification until the entry is evicted.
type KeyResolver struct {
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
	cache      cache.Store
	logger     *slog.Logger
	recorder   Recorder
	rawSecret  bool
	parser     *jwt.Parser
}

// NewKeyResolver constructs a KeyResolver. Nil collaborators get defaults.
func NewKeyResolver(cfg KeyResolverConfig) *KeyResolver {
	k := &KeyResolver{
		endpoints:  cfg.Endpoints,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		recorder:   recorderOrNop(cfg.Recorder),
		rawSecret:  cfg.RawClientSecret,
		parser:     jwt.NewParser(),
	}
	if k.httpClient == nil {
		k.httpClient = http.DefaultClient
	}
	if k.timeout <= 0 {
		k.timeout = DefaultTimeout
	}
	if k.cache == nil {
		k.cache = cache.NewMemory()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	return k
}

// ResolveKey returns the key that should verify rawToken for reg.
func (k *KeyResolver) ResolveKey(ctx context.Context, reg ServiceRegistration, rawToken string) (KeyMaterial, error) {
	// An unknown or missing alg surfaces as ErrTokenUnverifiable with the
	// header still decoded; it is rejected below.
	tok, _, err := k.parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return KeyMaterial{}, fmt.Errorf("decode token header: %w", err)
	}
	alg, _ := tok.Header["alg"].(string)
	kid, _ := tok.Header["kid"].(string)
	if alg != AlgHS256 && alg != AlgRS256 {
		return KeyMaterial{}, &UnsupportedAlgorithmError{Algorithm: alg}
	}

	cacheKey := SigningKeyCachePrefix + reg.ClientID
	cached, err := cache.GetJSON[CachedKey](ctx, k.cache, cacheKey)
	if err == nil {
		k.recorder.ObserveCache(CacheSigningKeys, true)
		return KeyMaterial{Algorithm: cached.Algorithm, Key: cached.Key.Key}, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		k.logger.Warn("signing key cache read failed", "client_id", reg.ClientID, "error", err)
	}
	k.recorder.ObserveCache(CacheSigningKeys, false)

	entry := CachedKey{ClientID: reg.ClientID, Algorithm: alg}
	switch alg {
	case AlgHS256:
		secret, err := DecodeClientSecret(reg.ClientSecret, !k.rawSecret)
		if err != nil {
			return KeyMaterial{}, err
		}
		entry.Key = jose.JSONWebKey{Key: secret, Algorithm: alg, Use: "sig"}
	case AlgRS256:
		pub, err := k.fetchSigningKey(ctx, kid)
		if err != nil {
			return KeyMaterial{}, err
		}
		entry.Key = jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: alg, Use: "sig"}
	}

	if err := cache.SetJSON(ctx, k.cache, cacheKey, entry); err != nil {
		k.logger.Warn("signing key cache write failed", "client_id", reg.ClientID, "error", err)
	}
	return KeyMaterial{Algorithm: alg, Key: entry.Key.Key}, nil
}

// DecodeClientSecret turns a client secret into HS256 key bytes. Encoded
// secrets accept both base64 alphabets with or without padding.
func DecodeClientSecret(secret string, encoded bool) ([]byte, error) {
	if !encoded {
		return []byte(secret), nil
	}
	s := strings.TrimRight(strings.TrimSpace(secret), "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	key, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode client secret: %w", err)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []jwksEntry `json:"keys"`
}

type jwksEntry struct {
	KeyID     string   `json:"kid"`
	KeyType   string   `json:"kty"`
	Algorithm string   `json:"alg"`
	N         string   `json:"n"`
	E         string   `json:"e"`
	X5C       []string `json:"x5c"`
}

func (k *KeyResolver) fetchSigningKey(ctx context.Context, kid string) (_ *rsa.PublicKey, err error) {
	started := time.Now()
	defer func() { k.recorder.ObserveUpstream(CallJWKS, started, err) }()

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.endpoints.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read JWKS: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch JWKS: status=%d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}

	var entry *jwksEntry
	for i := range doc.Keys {
		if doc.Keys[i].KeyID == kid {
			entry = &doc.Keys[i]
			break
		}
	}
	if entry == nil && kid == "" && len(doc.Keys) == 1 {
		entry = &doc.Keys[0]
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: kid=%q", ErrSigningKeyNotFound, kid)
	}
	k.logger.Debug("JWKS key fetched", "kid", entry.KeyID)
	return entry.publicKey()
}

func (e *jwksEntry) publicKey() (*rsa.PublicKey, error) {
	if e.KeyType != "" && e.KeyType != "RSA" {
		return nil, fmt.Errorf("JWKS key %q: unsupported key type %q", e.KeyID, e.KeyType)
	}
	if len(e.X5C) > 0 {
		der, err := base64.StdEncoding.DecodeString(e.X5C[0])
		if err != nil {
			return nil, fmt.Errorf("JWKS key %q: decode x5c: %w", e.KeyID, err)
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		pub, err := jwt.ParseRSAPublicKeyFromPEM(certPEM)
		if err != nil {
			return nil, fmt.Errorf("JWKS key %q: parse x5c certificate: %w", e.KeyID, err)
		}
		return pub, nil
	}
	n, err := base64.RawURLEncoding.DecodeString(e.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("JWKS key %q: invalid modulus", e.KeyID)
	}
	exp, err := base64.RawURLEncoding.DecodeString(e.E)
	if err != nil || len(exp) == 0 {
		return nil, fmt.Errorf("JWKS key %q: invalid exponent", e.KeyID)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(exp).Int64()),
	}, nil
}
