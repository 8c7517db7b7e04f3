// Package idptest provides an in-process fake of the upstream identity
// provider: token endpoint, management API, JWKS and discovery.
package idptest

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"casbridge/idp"
)

// Paths served by the fake.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/oauth/token"
	PathClients   = "/api/v2/clients"
	PathJWKS      = "/.well-known/jwks.json"
	PathDiscovery = "/.well-known/openid-configuration"
	PathLogout    = "/v2/logout"
)

// Management API credentials accepted by the fake.
const (
	ManagementClientID     = "mgmt-client-id"
	ManagementClientSecret = "mgmt-client-secret"
	managementAccessToken  = "mgmt-access-token"
)

// App is an application registered in the fake tenant.
type App struct {
	ClientID     string
	ClientSecret string
	AppType      string
	CASService   string
}

// Server is a fake IDP. The zero configuration has no applications, an empty
// JWKS and mints HS256 id tokens with DefaultClaims for any valid code.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	apps          []App
	idToken       string
	rejectStatus  int
	rejectBody    string
	clientsStatus int
	jwks          []byte
	failing       map[string]bool
	delays        map[string]time.Duration
	requests      map[string]int
	lastForms     map[string]url.Values
	t             testing.TB
}

// New starts a fake IDP that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		jwks:      []byte(`{"keys":[]}`),
		failing:   make(map[string]bool),
		delays:    make(map[string]time.Duration),
		requests:  make(map[string]int),
		lastForms: make(map[string]url.Values),
		t:         t,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathToken, s.handleToken)
	mux.HandleFunc(PathClients, s.handleClients)
	mux.HandleFunc(PathJWKS, s.handleJWKS)
	mux.HandleFunc(PathDiscovery, s.handleDiscovery)
	s.Server = httptest.NewServer(s.track(mux))
	t.Cleanup(s.Close)
	return s
}

// Issuer is the issuer the fake stamps on tokens.
func (s *Server) Issuer() string { return s.URL + "/" }

// Domain is the tenant domain (host:port of the fake).
func (s *Server) Domain() string { return strings.TrimPrefix(s.URL, "http://") }

// Endpoints returns the endpoint set pointing at the fake.
func (s *Server) Endpoints() idp.Endpoints {
	return idp.NewEndpoints(s.Domain(), s.URL, s.Issuer())
}

// AddApp registers an application in the management API listing.
func (s *Server) AddApp(app App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = append(s.apps, app)
}

// AddCASService registers a regular_web application tagged with serviceURL.
func (s *Server) AddCASService(serviceURL, clientID, clientSecret string) {
	s.AddApp(App{ClientID: clientID, ClientSecret: clientSecret, AppType: "regular_web", CASService: serviceURL})
}

// SetIDToken fixes the id_token returned by the authorization code grant.
func (s *Server) SetIDToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idToken = token
}

// RejectCodes makes the authorization code grant answer status with body.
func (s *Server) RejectCodes(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStatus = status
	s.rejectBody = body
}

// FailClients makes the clients listing answer status.
func (s *Server) FailClients(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsStatus = status
}

// SetJWKS replaces the raw JWKS document.
func (s *Server) SetJWKS(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jwks = []byte(doc)
}

// SetRSAKey publishes the public half of key under kid. With x5c the key is published as a
// self-signed certificate only, otherwise as modulus and exponent.
func (s *Server) SetRSAKey(kid string, key *rsa.PrivateKey, x5c bool) {
	entry := map[string]any{"kid": kid, "kty": "RSA", "alg": "RS256", "use": "sig"}
	if x5c {
		entry["x5c"] = []string{base64.StdEncoding.EncodeToString(SelfSignedCert(s.t, key))}
	} else {
		entry["n"] = base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		entry["e"] = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	}
	doc, err := json.Marshal(map[string]any{"keys": []any{entry}})
	if err != nil {
		s.t.Fatalf("marshal jwks: %v", err)
	}
	s.SetJWKS(string(doc))
}

// FailTransport makes requests to path drop the connection without answering.
func (s *Server) FailTransport(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[path] = true
}

// Delay holds requests to path for d before answering. A request whose
// client gives up first gets no answer.
func (s *Server) Delay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Requests reports how many requests reached path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// LastTokenForm returns the form of the last token request with grantType.
func (s *Server) LastTokenForm(grantType string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForms[grantType]
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		fail := s.failing[r.URL.Path]
		delay := s.delays[r.URL.Path]
		s.mu.Unlock()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-r.Context().Done():
				return
			}
		}

		if fail {
			hj, ok := w.(http.Hijacker)
			if !ok {
				http.Error(w, "hijack unsupported", http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	grant := r.PostForm.Get("grant_type")
	s.mu.Lock()
	s.lastForms[grant] = r.PostForm
	s.mu.Unlock()

	switch grant {
	case "client_credentials":
		s.managementToken(w, r)
	case "authorization_code":
		s.authorizationCode(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) managementToken(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm
	if form.Get("client_id") != ManagementClientID || form.Get("client_secret") != ManagementClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access_denied", "error_description": "Unauthorized"})
		return
	}
	if form.Get("audience") != s.Endpoints().ManagementAudience {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "access_denied", "error_description": "Service not enabled within domain"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": managementAccessToken,
		"token_type":   "Bearer",
		"expires_in":   86400,
	})
}

func (s *Server) authorizationCode(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm
	s.mu.Lock()
	rejectStatus, rejectBody, fixed := s.rejectStatus, s.rejectBody, s.idToken
	var app *App
	for i := range s.apps {
		if s.apps[i].ClientID == form.Get("client_id") {
			a := s.apps[i]
			app = &a
			break
		}
	}
	s.mu.Unlock()

	if rejectStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejectStatus)
		_, _ = w.Write([]byte(rejectBody))
		return
	}
	if app == nil || app.ClientSecret != form.Get("client_secret") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access_denied", "error_description": "Unauthorized"})
		return
	}
	if form.Get("code") == "" || form.Get("redirect_uri") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	idToken := fixed
	if idToken == "" {
		var err error
		idToken, err = signHS256(app.ClientSecret, DefaultClaims(s.Issuer(), app.ClientID))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access-" + form.Get("code"),
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   86400,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+managementAccessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	s.mu.Lock()
	status := s.clientsStatus
	apps := append([]App(nil), s.apps...)
	s.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	out := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		entry := map[string]any{
			"client_id":     app.ClientID,
			"client_secret": app.ClientSecret,
			"app_type":      app.AppType,
		}
		if app.CASService != "" {
			entry["client_metadata"] = map[string]string{"cas_service": app.CASService}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc := s.jwks
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.URL + PathAuthorize,
		"token_endpoint":                        s.URL + PathToken,
		"jwks_uri":                              s.URL + PathJWKS,
		"end_session_endpoint":                  s.URL + PathLogout,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256", "RS256"},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
