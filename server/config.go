package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"casbridge/cache"
	"casbridge/idp"
)

// Session and IDP defaults.
const (
	DefaultSessionCookie      = "cas-session"
	DefaultSessionAbsoluteTTL = 24 * time.Hour
	DefaultSessionIdleTTL     = 30 * time.Minute
	DefaultUsernameField      = "email"
	DefaultClockSkew          = 30 * time.Second
	minSessionSecretLength    = 16
)

// DefaultScopes are requested at the IDP when none are configured.
var DefaultScopes = []string{"openid", "profile", "email"}

// Config captures the full bridge configuration loaded from YAML and the
// key lookup provider.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	IDP     IDPConfig     `yaml:"idp"`
	CAS     CASConfig     `yaml:"cas"`
	Session SessionConfig `yaml:"session"`
	Cache   cache.Config  `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr     string        `yaml:"dev_listen_addr"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	HTTPSListenAddr   string        `yaml:"https_listen_addr"`
	DevMode           bool          `yaml:"dev_mode"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
}

// IDPConfig describes the upstream tenant and the management API client.
type IDPConfig struct {
	Domain                 string        `yaml:"domain"`
	BaseURL                string        `yaml:"base_url"`
	Issuer                 string        `yaml:"issuer"`
	Discovery              bool          `yaml:"discovery"`
	ManagementClientID     string        `yaml:"management_client_id"`
	ManagementClientSecret string        `yaml:"management_client_secret"`
	Connection             string        `yaml:"connection"`
	Scopes                 []string      `yaml:"scopes"`
	Timeout                time.Duration `yaml:"timeout"`
	ClientSecretBase64     bool          `yaml:"client_secret_base64"`
	WarmUp                 bool          `yaml:"warm_up"`
}

// CASConfig tunes the CAS response.
type CASConfig struct {
	UsernameField string        `yaml:"username_field"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// SessionConfig controls the encrypted session cookie.
type SessionConfig struct {
	Secret       string        `yaml:"secret"`
	CookieName   string        `yaml:"cookie_name"`
	CookieDomain string        `yaml:"cookie_domain"`
	AbsoluteTTL  time.Duration `yaml:"absolute_ttl"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Lookup resolves a configuration key, typically from the environment.
type Lookup func(key string) (string, bool)

// LoadConfig reads the YAML config file and merges lookup overrides. A nil
// lookup reads the process environment.
func LoadConfig(path string, lookup Lookup) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(b, &cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, err
		}
	}

	if err := applyOverrides(&cfg, lookup); err != nil {
		slog.Error("Invalid configuration override", "error", err)
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func decodeConfig(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:     "127.0.0.1:3000",
			HTTPListenAddr:    ":80",
			HTTPSListenAddr:   ":443",
			DevMode:           true,
			TrustProxyHeaders: true,
			ShutdownTimeout:   10 * time.Second,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				MinVersion: "1.2",
			},
		},
		IDP: IDPConfig{
			Scopes:             append([]string(nil), DefaultScopes...),
			Timeout:            idp.DefaultTimeout,
			ClientSecretBase64: true,
		},
		CAS: CASConfig{
			UsernameField: DefaultUsernameField,
			ClockSkew:     DefaultClockSkew,
		},
		Session: SessionConfig{
			CookieName:  DefaultSessionCookie,
			AbsoluteTTL: DefaultSessionAbsoluteTTL,
			IdleTTL:     DefaultSessionIdleTTL,
		},
		Cache: cache.Config{
			Backend: cache.BackendMemory,
			Size:    1024,
			Prefix:  "casbridge:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// MarshalConfig renders cfg in the layout LoadConfig reads.
func MarshalConfig(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}

// applyOverrides maps the deployment keys onto cfg. The unprefixed names are
// the ones existing CAS bridge deployments already set.
func applyOverrides(cfg *Config, lookup Lookup) error {
	var errs []error
	duration := func(key string, dst *time.Duration) func(string) {
		return func(v string) {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	overrides := []struct {
		key   string
		apply func(string)
	}{
		{"SESSION_SECRET", func(v string) { cfg.Session.Secret = v }},
		{"AUTH0_DOMAIN", func(v string) { cfg.IDP.Domain = strings.TrimSpace(v) }},
		{"API_V2_CLIENT_ID", func(v string) { cfg.IDP.ManagementClientID = v }},
		{"API_V2_CLIENT_SECRET", func(v string) { cfg.IDP.ManagementClientSecret = v }},
		{"AUTH0_CONNECTION", func(v string) { cfg.IDP.Connection = strings.TrimSpace(v) }},
		{"AUTH0_SCOPES", func(v string) { cfg.IDP.Scopes = splitScopes(v) }},
		{"CAS_USERNAME_FIELD", func(v string) { cfg.CAS.UsernameField = strings.TrimSpace(v) }},
		{"PORT", func(v string) {
			if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("PORT: %q is not a port number", v))
				return
			}
			cfg.Server.DevListenAddr = ":" + strings.TrimSpace(v)
		}},
		{"CASBRIDGE_DEV_MODE", func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) }},
		{"CASBRIDGE_TRUST_PROXY_HEADERS", func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) }},
		{"CASBRIDGE_HTTP_LISTEN_ADDR", func(v string) { cfg.Server.HTTPListenAddr = v }},
		{"CASBRIDGE_HTTPS_LISTEN_ADDR", func(v string) { cfg.Server.HTTPSListenAddr = v }},
		{"CASBRIDGE_TLS_DOMAINS", func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) }},
		{"CASBRIDGE_TLS_EMAIL", func(v string) { cfg.Server.TLS.Email = v }},
		{"CASBRIDGE_IDP_BASE_URL", func(v string) { cfg.IDP.BaseURL = v }},
		{"CASBRIDGE_IDP_ISSUER", func(v string) { cfg.IDP.Issuer = v }},
		{"CASBRIDGE_IDP_DISCOVERY", func(v string) { cfg.IDP.Discovery = parseBool(v, cfg.IDP.Discovery) }},
		{"CASBRIDGE_IDP_TIMEOUT", duration("CASBRIDGE_IDP_TIMEOUT", &cfg.IDP.Timeout)},
		{"CASBRIDGE_IDP_WARM_UP", func(v string) { cfg.IDP.WarmUp = parseBool(v, cfg.IDP.WarmUp) }},
		{"CASBRIDGE_CLIENT_SECRET_BASE64", func(v string) { cfg.IDP.ClientSecretBase64 = parseBool(v, cfg.IDP.ClientSecretBase64) }},
		{"CASBRIDGE_SESSION_ABSOLUTE_TTL", duration("CASBRIDGE_SESSION_ABSOLUTE_TTL", &cfg.Session.AbsoluteTTL)},
		{"CASBRIDGE_SESSION_IDLE_TTL", duration("CASBRIDGE_SESSION_IDLE_TTL", &cfg.Session.IdleTTL)},
		{"CASBRIDGE_CACHE_BACKEND", func(v string) { cfg.Cache.Backend = strings.TrimSpace(v) }},
		{"CASBRIDGE_CACHE_REDIS_URL", func(v string) { cfg.Cache.RedisURL = v }},
		{"CASBRIDGE_CACHE_TTL", duration("CASBRIDGE_CACHE_TTL", &cfg.Cache.TTL)},
		{"CASBRIDGE_METRICS_ENABLED", func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) }},
	}

	for _, o := range overrides {
		if val, ok := lookup(o.key); ok {
			o.apply(val)
		}
	}
	return errors.Join(errs...)
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitScopes accepts the OAuth2 space separated form as well as commas.
func splitScopes(val string) []string {
	return strings.Fields(strings.ReplaceAll(val, ",", " "))
}

// Endpoints returns the IDP endpoint layout for the configured tenant.
func (c Config) Endpoints() idp.Endpoints {
	return idp.NewEndpoints(c.IDP.Domain, c.IDP.BaseURL, c.IDP.Issuer)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Session.Secret == "" {
		slog.Error("Missing required configuration", "field", "session.secret", "env", "SESSION_SECRET")
		return errors.New("session.secret (SESSION_SECRET) is required")
	}
	if len(c.Session.Secret) < minSessionSecretLength {
		return fmt.Errorf("session.secret must be at least %d characters", minSessionSecretLength)
	}
	if c.IDP.Domain == "" {
		slog.Error("Missing required configuration", "field", "idp.domain", "env", "AUTH0_DOMAIN")
		return errors.New("idp.domain (AUTH0_DOMAIN) is required")
	}
	if strings.Contains(c.IDP.Domain, "://") || strings.Contains(strings.TrimSuffix(c.IDP.Domain, "/"), "/") {
		return fmt.Errorf("idp.domain must be a bare host name, got: %s", c.IDP.Domain)
	}
	if c.IDP.ManagementClientID == "" || c.IDP.ManagementClientSecret == "" {
		slog.Error("Missing management API credentials", "fields", []string{"idp.management_client_id", "idp.management_client_secret"})
		return errors.New("idp.management_client_id (API_V2_CLIENT_ID) and idp.management_client_secret (API_V2_CLIENT_SECRET) are required")
	}
	for field, raw := range map[string]string{"idp.base_url": c.IDP.BaseURL, "idp.issuer": c.IDP.Issuer} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got: %s", field, raw)
		}
	}
	if len(c.IDP.Scopes) == 0 {
		return errors.New("idp.scopes must not be empty")
	}
	if c.IDP.Timeout <= 0 {
		return fmt.Errorf("idp.timeout must be positive, got: %s", c.IDP.Timeout)
	}
	if c.CAS.UsernameField == "" {
		return errors.New("cas.username_field (CAS_USERNAME_FIELD) is required")
	}
	if c.CAS.ClockSkew < 0 {
		return fmt.Errorf("cas.clock_skew must not be negative, got: %s", c.CAS.ClockSkew)
	}
	if c.Session.CookieName == "" {
		return errors.New("session.cookie_name is required")
	}
	if c.Session.AbsoluteTTL <= 0 || c.Session.IdleTTL <= 0 {
		return errors.New("session.absolute_ttl and session.idle_ttl must be positive")
	}
	if c.Session.IdleTTL > c.Session.AbsoluteTTL {
		return fmt.Errorf("session.idle_ttl (%s) must not exceed session.absolute_ttl (%s)", c.Session.IdleTTL, c.Session.AbsoluteTTL)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "", cache.BackendMemory, cache.BackendLRU:
	case cache.BackendRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis backend")
		}
	default:
		slog.Error("Invalid cache backend", "field", "cache.backend", "value", c.Cache.Backend, "valid_values", []string{cache.BackendMemory, cache.BackendLRU, cache.BackendRedis})
		return fmt.Errorf("cache.backend must be one of memory, lru, redis, got: %s", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got: %s", c.Cache.TTL)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got: %s", c.Metrics.Path)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	return nil
}
