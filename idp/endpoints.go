// Package idp talks to the upstream OpenID Connect provider: service
// discovery through the management API, the authorization code exchange and
// signing key resolution.
package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every outbound IDP call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// Endpoints is the set of IDP URLs the bridge calls or redirects to.
type Endpoints struct {
	Issuer             string
	AuthorizeURL       string
	TokenURL           string
	JWKSURL            string
	LogoutURL          string
	ClientsURL         string
	ManagementAudience string
}

// NewEndpoints builds the fixed tenant layout for domain. baseURL overrides
// the scheme and host used for outbound calls (defaults to https://domain);
// issuer overrides the expected token issuer (defaults to https://domain/).
func NewEndpoints(domain, baseURL, issuer string) Endpoints {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), "/")
	if baseURL == "" {
		baseURL = "https://" + domain
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if issuer == "" {
		issuer = "https://" + domain + "/"
	}
	return Endpoints{
		Issuer:             issuer,
		AuthorizeURL:       baseURL + "/authorize",
		TokenURL:           baseURL + "/oauth/token",
		JWKSURL:            baseURL + "/.well-known/jwks.json",
		LogoutURL:          baseURL + "/v2/logout",
		ClientsURL:         baseURL + "/api/v2/clients",
		ManagementAudience: "https://" + domain + "/api/v2/",
	}
}

// discoveryClaims holds metadata fields go-oidc does not surface directly.
type discoveryClaims struct {
	JWKSURL       string `json:"jwks_uri"`
	EndSessionURL string `json:"end_session_endpoint"`
}

// DiscoverEndpoints refreshes the OIDC endpoints of base from the provider's
// discovery document. Management URLs are kept from base.
func DiscoverEndpoints(ctx context.Context, base Endpoints, httpClient *http.Client, timeout time.Duration) (Endpoints, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, base.Issuer)
	if err != nil {
		return base, fmt.Errorf("discover provider %s: %w", base.Issuer, err)
	}

	var meta discoveryClaims
	if err := provider.Claims(&meta); err != nil {
		return base, fmt.Errorf("parse discovery document: %w", err)
	}

	out := base
	endpoint := provider.Endpoint()
	if endpoint.AuthURL != "" {
		out.AuthorizeURL = endpoint.AuthURL
	}
	if endpoint.TokenURL != "" {
		out.TokenURL = endpoint.TokenURL
	}
	if meta.JWKSURL != "" {
		out.JWKSURL = meta.JWKSURL
	}
	if meta.EndSessionURL != "" {
		out.LogoutURL = meta.EndSessionURL
	}
	return out, nil
}

// AuthCodeConfig returns the oauth2 configuration for a downstream service
// using its own credentials. Credentials travel in the request body.
func (e Endpoints) AuthCodeConfig(reg ServiceRegistration, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   e.AuthorizeURL,
			TokenURL:  e.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
