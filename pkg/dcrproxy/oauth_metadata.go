package dcrproxy

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

func (p *DCRProxy) HandleOAuthAuthorizationServer(c echo.Context) error {
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.JSON(200, p.GetServerMetadata())
}

func (p *DCRProxy) HandleOAuthProtectedResource(c echo.Context) error {
	return c.JSON(200, map[string]interface{}{
		"resource": fmt.Sprintf("https://%s", p.host),
		"authorization_servers": []string{
			fmt.Sprintf("https://%s", p.host),
		},
		"scopes_supported":         p.scopes,
		"bearer_methods_supported": []string{"header"},
	})
}

// GetServerMetadata describes this proxy as an authorization server per
// RFC 8414. The issuer is the proxy itself; downstream clients never learn
// the upstream's endpoints.
func (p *DCRProxy) GetServerMetadata() *AuthorizationServerMetadata {
	meta := &AuthorizationServerMetadata{
		Issuer:                        fmt.Sprintf("https://%s", p.host),
		AuthorizationEndpoint:         fmt.Sprintf("https://%s/oauth/authorize", p.host),
		TokenEndpoint:                 fmt.Sprintf("https://%s/oauth/token", p.host),
		RevocationEndpoint:            fmt.Sprintf("https://%s/oauth/revoke", p.host),
		ScopesSupported:               p.scopes,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			"none", "client_secret_post", "client_secret_basic", "private_key_jwt",
		},
	}
	if p.registrationEnabled() {
		meta.RegistrationEndpoint = fmt.Sprintf("https://%s/oauth/register", p.host)
	}
	if p.cimd != nil {
		meta.ClientIDMetadataDocumentSupported = true
	}
	if v, ok := p.verifier.(*JWTVerifier); ok {
		// Point clients straight at the upstream's keys so they can verify
		// access tokens themselves.
		meta.JwksURI = v.JwksURI
	}
	return meta
}

func (p *DCRProxy) registrationEnabled() bool {
	return p.upstreamRegistrationEndpoint != "" || p.upstreamClientID != ""
}
