package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"casbridge/cache"
	"casbridge/cas"
	"casbridge/idp"
)

// CAS routes. The callback URL handed to the IDP is derived from the
// request path by swapping one of these suffixes for routeCallback.
const (
	routeLogin           = "/login"
	routeCallback        = "/callback"
	routeServiceValidate = "/p3/serviceValidate"
	routeValidateAlias   = "/serviceValidate"
	routeLogout          = "/logout"
	routeHealth          = "/healthz"
)

// ServiceResolver finds the registration for a CAS service URL.
type ServiceResolver interface {
	Resolve(ctx context.Context, serviceURL string) (idp.ServiceRegistration, error)
}

// TicketExchanger redeems a ticket for a raw id_token.
type TicketExchanger interface {
	ExchangeTicket(ctx context.Context, reg idp.ServiceRegistration, ticket, callbackURL string) (string, error)
}

// SigningKeyResolver finds the verification key for a token.
type SigningKeyResolver interface {
	ResolveKey(ctx context.Context, reg idp.ServiceRegistration, rawToken string) (idp.KeyMaterial, error)
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Endpoints idp.Endpoints
	Cache     cache.Store
	Sessions  *SessionManager
	Services  ServiceResolver
	Exchanger TicketExchanger
	Keys      SigningKeyResolver
	Validator *cas.Validator
	Metrics   *Metrics
}

// NewApp wires together the application state from configuration. A nil
// httpClient uses http.DefaultClient for IDP calls.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, httpClient *http.Client) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	endpoints := cfg.Endpoints()
	if cfg.IDP.Discovery {
		discovered, err := idp.DiscoverEndpoints(ctx, endpoints, httpClient, cfg.IDP.Timeout)
		if err != nil {
			return nil, err
		}
		endpoints = discovered
		logger.Info("idp endpoints discovered", "issuer", endpoints.Issuer, "token_url", endpoints.TokenURL, "jwks_url", endpoints.JWKSURL)
	}

	store, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	sessions, err := NewSessionManager(cfg.Session, cfg.Server.DevMode, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	registry := idp.NewRegistry(idp.RegistryConfig{
		Endpoints:    endpoints,
		ClientID:     cfg.IDP.ManagementClientID,
		ClientSecret: cfg.IDP.ManagementClientSecret,
		HTTPClient:   httpClient,
		Timeout:      cfg.IDP.Timeout,
		Cache:        store,
		Logger:       logger,
		Recorder:     metrics,
	})

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Endpoints: endpoints,
		Cache:     store,
		Sessions:  sessions,
		Services:  registry,
		Exchanger: idp.NewExchanger(endpoints, httpClient, cfg.IDP.Timeout, metrics),
		Keys: idp.NewKeyResolver(idp.KeyResolverConfig{
			Endpoints:       endpoints,
			HTTPClient:      httpClient,
			Timeout:         cfg.IDP.Timeout,
			Cache:           store,
			Logger:          logger,
			Recorder:        metrics,
			RawClientSecret: !cfg.IDP.ClientSecretBase64,
		}),
		Validator: cas.NewValidator(cfg.CAS.UsernameField, cfg.CAS.ClockSkew),
		Metrics:   metrics,
	}

	if cfg.IDP.WarmUp {
		if _, err := registry.Load(ctx); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("load CAS services: %w", err)
		}
	}

	return app, nil
}

// Close releases the cache backend.
func (a *App) Close() error {
	if c, ok := a.Cache.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		writeClientText(w, cas.MissingParameter("service"))
		return
	}

	reg, err := a.Services.Resolve(r.Context(), service)
	if err != nil {
		if errors.Is(err, idp.ErrServiceNotFound) {
			writeClientText(w, cas.UnrecognizedService(service))
			return
		}
		a.writeServerText(w, r, "login", err)
		return
	}

	sess := a.Sessions.Load(r)
	state := uuid.NewString()
	sess.BeginLogin(state, service)
	if err := a.Sessions.Save(w, sess); err != nil {
		a.writeServerText(w, r, "login", err)
		return
	}

	var opts []oauth2.AuthCodeOption
	if a.Config.IDP.Connection != "" {
		opts = append(opts, oauth2.SetAuthURLParam("connection", a.Config.IDP.Connection))
	}
	authURL := a.Endpoints.AuthCodeConfig(reg, a.callbackURL(r), a.Config.IDP.Scopes).AuthCodeURL(state, opts...)

	a.Logger.Debug("login redirect", "request_id", RequestIDFromContext(r.Context()), "client_id", reg.ClientID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, name := range []string{"code", "state"} {
		if q.Get(name) == "" {
			writeClientText(w, cas.MissingParameter(name))
			return
		}
	}
	code := q.Get("code")

	sess := a.Sessions.Load(r)
	if err := sess.CompleteCallback(q.Get("state"), code); err != nil {
		a.Logger.Warn("callback rejected", "request_id", RequestIDFromContext(r.Context()), "flow_state", sess.FlowState(), "error", err)
		tag := negotiateLanguage(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Language", tag.String())
		writeText(w, http.StatusBadRequest, sessionExpiredMessage(tag))
		return
	}

	target, err := ticketRedirect(sess.ServiceURL, code)
	if err != nil {
		a.writeServerText(w, r, "callback", err)
		return
	}
	if err := a.Sessions.Save(w, sess); err != nil {
		a.writeServerText(w, r, "callback", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleServiceValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, name := range []string{"service", "ticket"} {
		if q.Get(name) == "" {
			a.Metrics.ObserveValidation(OutcomeInvalidRequest)
			writeClientText(w, cas.MissingParameter(name))
			return
		}
	}
	service, ticket := q.Get("service"), q.Get("ticket")
	format := cas.NegotiateFormat(r)

	reg, err := a.Services.Resolve(r.Context(), service)
	if err != nil {
		if errors.Is(err, idp.ErrServiceNotFound) {
			a.Metrics.ObserveValidation(OutcomeInvalidService)
			writeClientText(w, cas.UnrecognizedService(service))
			return
		}
		a.writeFailure(w, r, format, err)
		return
	}

	success, err := a.validateTicket(r.Context(), reg, ticket, a.callbackURL(r))
	if err != nil {
		a.writeFailure(w, r, format, err)
		return
	}

	a.Metrics.ObserveValidation(OutcomeSuccess)
	if err := cas.Write(w, http.StatusOK, format, cas.Success(success)); err != nil {
		a.Logger.Error("write cas response", "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
}

// validateTicket runs exchange, key resolution, verification and claim
// shaping. Only an IDP refusal is a client error.
func (a *App) validateTicket(ctx context.Context, reg idp.ServiceRegistration, ticket, callbackURL string) (cas.AuthenticationSuccess, error) {
	rawToken, err := a.Exchanger.ExchangeTicket(ctx, reg, ticket, callbackURL)
	if err != nil {
		var invalid *idp.InvalidTicketError
		if errors.As(err, &invalid) {
			return cas.AuthenticationSuccess{}, cas.InvalidTicket(invalid.Body)
		}
		return cas.AuthenticationSuccess{}, err
	}

	key, err := a.Keys.ResolveKey(ctx, reg, rawToken)
	if err != nil {
		return cas.AuthenticationSuccess{}, fmt.Errorf("resolve signing key: %w", err)
	}

	claims, err := a.Validator.Validate(rawToken, key.Algorithm, key.Key, reg.ClientID, a.Endpoints.Issuer)
	if err != nil {
		return cas.AuthenticationSuccess{}, err
	}
	return a.Validator.Authenticate(claims)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Destroy(w)

	target, err := url.Parse(a.Endpoints.LogoutURL)
	if err != nil {
		a.writeServerText(w, r, "logout", err)
		return
	}
	if service := r.URL.Query().Get("service"); service != "" {
		reg, err := a.Services.Resolve(r.Context(), service)
		switch {
		case err == nil:
			q := target.Query()
			q.Set("returnTo", service)
			q.Set("client_id", reg.ClientID)
			target.RawQuery = q.Encode()
		case errors.Is(err, idp.ErrServiceNotFound):
			a.Logger.Info("logout for unregistered service", "request_id", RequestIDFromContext(r.Context()), "service", service)
		default:
			a.Logger.Warn("logout service lookup failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		}
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// writeFailure renders err as a CAS failure envelope. Anything that is not a
// ClientError is logged and hidden behind a correlation id.
func (a *App) writeFailure(w http.ResponseWriter, r *http.Request, format cas.Format, err error) {
	var (
		status int
		resp   cas.Response
	)
	var clientErr *cas.ClientError
	if errors.As(err, &clientErr) {
		a.Metrics.ObserveValidation(OutcomeInvalidTicket)
		status, resp = clientErr.Status, clientErr.Response()
	} else {
		a.Metrics.ObserveValidation(OutcomeError)
		srvErr := a.serverError(r, "serviceValidate", err)
		status, resp = http.StatusInternalServerError, srvErr.Response()
	}
	if err := cas.Write(w, status, format, resp); err != nil {
		a.Logger.Error("write cas response", "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
}

func (a *App) writeServerText(w http.ResponseWriter, r *http.Request, op string, err error) {
	srvErr := a.serverError(r, op, err)
	writeText(w, http.StatusInternalServerError, srvErr.Description())
}

func (a *App) serverError(r *http.Request, op string, err error) *cas.ServerError {
	srvErr := cas.NewServerError(err)
	a.Logger.Error("request failed",
		"error_id", srvErr.ID,
		"request_id", RequestIDFromContext(r.Context()),
		"op", op,
		"error", err,
	)
	return srvErr
}

// callbackURL rebuilds the externally visible /callback URL from the
// request, honouring X-Forwarded-Proto when proxy headers are trusted.
func (a *App) callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if a.Config.Server.TrustProxyHeaders {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
		}
	}

	path := r.URL.Path
	for _, suffix := range []string{routeServiceValidate, routeValidateAlias, routeLogin} {
		if strings.HasSuffix(path, suffix) {
			path = strings.TrimSuffix(path, suffix)
			break
		}
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: path + routeCallback}
	return u.String()
}

// ticketRedirect appends ticket to serviceURL, keeping its query and
// rewriting an explicit :80 to :443.
func ticketRedirect(serviceURL, ticket string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid service URL in session: %q", serviceURL)
	}
	u.Host = idp.SecureHost(u)
	param := "ticket=" + url.QueryEscape(ticket)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String(), nil
}

func writeClientText(w http.ResponseWriter, err *cas.ClientError) {
	writeText(w, err.Status, err.Description)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
