package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 63072000

// Routes constructs the HTTP router with the CAS endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(hstsMaxAge))

	r.Method(http.MethodGet, routeLogin, a.Metrics.Instrument("login", http.HandlerFunc(a.handleLogin)))
	r.Method(http.MethodGet, routeCallback, a.Metrics.Instrument("callback", http.HandlerFunc(a.handleCallback)))
	validate := a.Metrics.Instrument("serviceValidate", http.HandlerFunc(a.handleServiceValidate))
	r.Method(http.MethodGet, routeServiceValidate, validate)
	r.Method(http.MethodGet, routeValidateAlias, validate)
	r.Method(http.MethodGet, routeLogout, a.Metrics.Instrument("logout", http.HandlerFunc(a.handleLogout)))

	r.Get(routeHealth, a.handleHealth)
	if a.Config.Metrics.Enabled {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	return r
}
