package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"casbridge/idp/idptest"
)

// TestSecurityMalformedRequests checks the bridge never answers garbage with a 5xx.
func TestSecurityMalformedRequests(t *testing.T) {
	app := newTestApp(t, newFakeIDP(t))

	tests := []struct {
		name           string
		method         string
		path           string
		headers        map[string]string
		expectedStatus int
	}{
		{
			name:           "extremely_long_header",
			method:         http.MethodGet,
			path:           "/login",
			headers:        map[string]string{"X-Custom-Header": strings.Repeat("A", 100000)},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "post_to_login",
			method:         http.MethodPost,
			path:           "/login?service=" + url.QueryEscape(testService),
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "excessive_url_encoding",
			method:         http.MethodGet,
			path:           "/login?service=%25%32%35%32%35%32%35%32%35",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "script_in_service",
			method:         http.MethodGet,
			path:           "/p3/serviceValidate?ticket=t&service=%3Cscript%3E",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "oversized_ticket",
			method:         http.MethodGet,
			path:           "/callback?state=s&code=" + strings.Repeat("c", 8192),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "double_slash_in_path",
			method:         http.MethodGet,
			path:           "//login?service=x",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code >= 500 {
				t.Fatalf("server error %d for %s", w.Code, tt.path)
			}
			if w.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

// TestSecurityFakeCookies ensures forged session cookies never complete a callback.
func TestSecurityFakeCookies(t *testing.T) {
	app := newTestApp(t, newFakeIDP(t))

	tests := []struct {
		name        string
		cookieValue string
	}{
		{"fake_session_cookie", "fake-session-12345"},
		{"sql_injection_in_cookie", "' OR '1'='1"},
		{"extremely_long_cookie", strings.Repeat("A", 50000)},
		{"cookie_with_special_chars", "session<script>alert(1)</script>"},
		{"jwe_shaped_garbage", "eyJhbGciOiJkaXIiLCJlbmMiOiJBMjU2R0NNIn0..AAAA.BBBB.CCCC"},
		{"plain_jwt_alg_none", "eyJhbGciOiJub25lIn0.eyJzdGF0ZSI6InMifQ."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state=s", nil)
			req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: tt.cookieValue})
			w := httptest.NewRecorder()
			app.Routes().ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if loc := w.Header().Get("Location"); loc != "" {
				t.Errorf("forged cookie produced a redirect to %s", loc)
			}
		})
	}
}

// TestSecuritySessionFromAnotherDeployment ensures a cookie sealed with a
// different secret is treated as absent.
func TestSecuritySessionFromAnotherDeployment(t *testing.T) {
	fake := newFakeIDP(t)
	other := newTestApp(t, fake, func(c *Config) { c.Session.Secret = "another-deployment-secret-value" })
	app := newTestApp(t, fake)

	loc, cookie := login(t, other.Routes())
	rec := serve(app.Routes(), "/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")), cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for foreign session, got %d", rec.Code)
	}

	// one flipped character breaks the authentication tag
	tampered := *cookie
	i := strings.LastIndex(tampered.Value, ".") + 1
	flip := byte('A')
	if tampered.Value[i] == 'A' {
		flip = 'B'
	}
	tampered.Value = tampered.Value[:i] + string(flip) + tampered.Value[i+1:]
	rec = serve(other.Routes(), "/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")), &tampered)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for tampered session, got %d", rec.Code)
	}
}

// TestSecurityOpenRedirect ensures only registered services are ever redirect targets.
func TestSecurityOpenRedirect(t *testing.T) {
	app := newTestApp(t, newFakeIDP(t))

	maliciousServices := []string{
		"http://evil.com/callback",
		"https://evil.com",
		"//evil.com/callback",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"file:///etc/passwd",
		"http://example.com.evil.com/",
		"https://example.com@evil.com/",
	}

	for _, service := range maliciousServices {
		t.Run("service_"+service, func(t *testing.T) {
			rec := serve(app.Routes(), loginPath(service))
			if rec.Code == http.StatusFound {
				t.Errorf("open redirect: %s accepted, redirected to %s", service, rec.Header().Get("Location"))
			}
		})
	}

	// the callback target comes from the session, never from the query
	loc, cookie := login(t, app.Routes())
	rec := serve(app.Routes(), "/callback?code=c&service=https%3A%2F%2Fevil.com&state="+url.QueryEscape(loc.Query().Get("state")), cookie)
	if got := rec.Header().Get("Location"); !strings.HasPrefix(got, testService) {
		t.Errorf("callback redirected to %s", got)
	}
}

// TestSecurityStateReplay ensures a state can only be used by the session that minted it.
func TestSecurityStateReplay(t *testing.T) {
	app := newTestApp(t, newFakeIDP(t))
	h := app.Routes()

	first, _ := login(t, h)
	_, second := login(t, h)

	rec := serve(h, "/callback?code=c&state="+url.QueryEscape(first.Query().Get("state")), second)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("state from another login was accepted: %d", rec.Code)
	}
}

// TestSecurityInformationDisclosure ensures server failures reveal only an error id.
func TestSecurityInformationDisclosure(t *testing.T) {
	fake := newFakeIDP(t)
	fake.SetIDToken(idptest.SignHS256(t, "app2_client_secret", idptest.DefaultClaims(fake.Issuer(), testClientID)))
	app := newTestApp(t, fake)

	rec := serve(app.Routes(), validatePath(testService, "c"))
	body := strings.ToLower(rec.Body.String())
	for _, leak := range []string{"signature", "hs256", testClientSecret, "panic", "goroutine"} {
		if strings.Contains(body, strings.ToLower(leak)) {
			t.Errorf("response leaks %q: %s", leak, rec.Body.String())
		}
	}
}

// TestSecurityHeaders checks the hardening headers on every response.
func TestSecurityHeaders(t *testing.T) {
	app := newTestApp(t, newFakeIDP(t))

	for _, path := range []string{"/healthz", "/login", validatePath(testService, "c")} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.TLS = &tls.ConnectionState{}
		w := httptest.NewRecorder()
		app.Routes().ServeHTTP(w, req)

		if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s: X-Content-Type-Options = %q", path, got)
		}
		if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
			t.Errorf("%s: X-Frame-Options = %q", path, got)
		}
		if got := w.Header().Get("Strict-Transport-Security"); !strings.Contains(got, "max-age=") {
			t.Errorf("%s: missing HSTS, got %q", path, got)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID", path)
		}
	}
}
