package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"casbridge/cache"
)

// ServicesCacheKey is the well-known key holding the domain→registration map.
const ServicesCacheKey = "cas:services"

const casAppType = "regular_web"

var (
	// ErrServiceNotFound is returned when no CAS-enabled application matches.
	ErrServiceNotFound = errors.New("service not registered")
	// ErrRegistryEmpty is returned by Load when the IDP has no CAS-enabled applications.
	ErrRegistryEmpty = errors.New("no CAS-enabled applications found")
)

// ServiceRegistration is one downstream CAS application.
type ServiceRegistration struct {
	ServiceDomain string `json:"service_domain"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// FetchError reports a failed management API call.
type FetchError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status=%d, body=%s", e.Op, e.Status, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Endpoints    Endpoints
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Cache        cache.Store
	Logger       *slog.Logger
	Recorder     Recorder
}

// Registry discovers CAS services from the IDP management API and caches
// the result. Concurrent misses each fetch; the result is idempotent.
type Registry struct {
	endpoints    Endpoints
	clientID     string
	clientSecret string
	httpClient   *http.Client
	timeout      time.Duration
	cache        cache.Store
	logger       *slog.Logger
	recorder     Recorder
}

// NewRegistry constructs a registry. Nil collaborators get defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		endpoints:    cfg.Endpoints,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   cfg.HTTPClient,
		timeout:      cfg.Timeout,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		recorder:     recorderOrNop(cfg.Recorder),
	}
	if r.httpClient == nil {
		r.httpClient = http.DefaultClient
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.cache == nil {
		r.cache = cache.NewMemory()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Resolve returns the registration whose domain matches serviceURL.
func (r *Registry) Resolve(ctx context.Context, serviceURL string) (ServiceRegistration, error) {
	services, err := r.services(ctx)
	if err != nil {
		return ServiceRegistration{}, err
	}
	domain := NormalizeServiceDomain(serviceURL)
	reg, ok := services[domain]
	if domain == "" || !ok {
		return ServiceRegistration{}, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceURL)
	}
	return reg, nil
}

// Load fetches the service list eagerly and stores it in the cache.
func (r *Registry) Load(ctx context.Context) (map[string]ServiceRegistration, error) {
	services, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w in tenant %s", ErrRegistryEmpty, r.endpoints.ManagementAudience)
	}
	r.store(ctx, services)
	return services, nil
}

func (r *Registry) services(ctx context.Context) (map[string]ServiceRegistration, error) {
	cached, err := cache.GetJSON[map[string]ServiceRegistration](ctx, r.cache, ServicesCacheKey)
	if err == nil {
		r.recorder.ObserveCache(CacheServices, true)
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		r.logger.Warn("service cache read failed", "error", err)
	}
	r.recorder.ObserveCache(CacheServices, false)

	services, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.store(ctx, services)
	return services, nil
}

func (r *Registry) store(ctx context.Context, services map[string]ServiceRegistration) {
	if err := cache.SetJSON(ctx, r.cache, ServicesCacheKey, services); err != nil {
		r.logger.Warn("service cache write failed", "error", err)
	}
}

type managementClient struct {
	ClientID       string         `json:"client_id"`
	ClientSecret   string         `json:"client_secret"`
	AppType        string         `json:"app_type"`
	ClientMetadata map[string]any `json:"client_metadata"`
}

func (r *Registry) fetch(ctx context.Context) (map[string]ServiceRegistration, error) {
	token, err := r.managementToken(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("management API access token obtained")

	clients, err := r.listClients(ctx, token)
	if err != nil {
		return nil, err
	}

	services := make(map[string]ServiceRegistration)
	for _, c := range clients {
		if c.AppType != casAppType {
			continue
		}
		serviceURL, _ := c.ClientMetadata["cas_service"].(string)
		if serviceURL == "" {
			continue
		}
		domain := NormalizeServiceDomain(serviceURL)
		if domain == "" {
			r.logger.Warn("ignoring CAS service with unparseable URL", "client_id", c.ClientID, "cas_service", serviceURL)
			continue
		}
		services[domain] = ServiceRegistration{
			ServiceDomain: domain,
			ClientID:      c.ClientID,
			ClientSecret:  c.ClientSecret,
		}
	}

	domains := make([]string, 0, len(services))
	for d := range services {
		domains = append(domains, d)
	}
	r.logger.Info("CAS services discovered", "count", len(services), "domains", domains)
	return services, nil
}

func (r *Registry) managementToken(ctx context.Context) (_ *oauth2.Token, err error) {
	started := time.Now()
	defer func() { r.recorder.ObserveUpstream(CallManagementToken, started, err) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	cc := clientcredentials.Config{
		ClientID:       r.clientID,
		ClientSecret:   r.clientSecret,
		TokenURL:       r.endpoints.TokenURL,
		EndpointParams: url.Values{"audience": {r.endpoints.ManagementAudience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			return nil, &FetchError{Op: "fetch management token", Status: rErr.Response.StatusCode, Body: string(rErr.Body)}
		}
		return nil, &FetchError{Op: "fetch management token", Err: err}
	}
	return tok, nil
}

func (r *Registry) listClients(ctx context.Context, token *oauth2.Token) (_ []managementClient, err error) {
	started := time.Now()
	defer func() { r.recorder.ObserveUpstream(CallListClients, started, err) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoints.ClientsURL, nil)
	if err != nil {
		return nil, &FetchError{Op: "list clients", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Op: "list clients", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{Op: "list clients", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Op: "list clients", Status: resp.StatusCode, Body: string(body)}
	}

	var clients []managementClient
	if err := json.Unmarshal(body, &clients); err != nil {
		return nil, &FetchError{Op: "list clients", Err: fmt.Errorf("decode response: %w", err)}
	}
	return clients, nil
}

// NormalizeServiceDomain reduces a service URL to the host used as registry
// key. Scheme and path are ignored; an explicit port 80 becomes 443 because
// services are always reached over TLS from outside.
func NormalizeServiceDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return SecureHost(u)
}

// SecureHost returns u.Host with an explicit :80 rewritten to :443.
func SecureHost(u *url.URL) string {
	if u.Port() == "80" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return u.Host
}
