package dcrproxy

import "time"

// ClientInformation is an OAuth client known to this proxy, either registered
// locally, forwarded from upstream DCR, or synthesized from a CIMD document.
type ClientInformation struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`

	// AllowedRedirectURIPatterns is the operator-controlled redirect policy
	// for CIMD clients. nil means all redirect URIs are permitted. It is never
	// populated from a CIMD document's redirect_uris field.
	AllowedRedirectURIPatterns []string `json:"-"`
	// CIMD is the validated metadata document this client was synthesized
	// from, when the client_id is a CIMD URL.
	CIMD *Document `json:"-"`
	// Temporary marks a placeholder client synthesized by GetClient for an
	// unknown client_id; it carries no persistent identity.
	Temporary bool `json:"-"`
}

// AuthorizationParams are the query parameters of an inbound /authorize
// request that the proxy forwards upstream.
type AuthorizationParams struct {
	RedirectURI         string   `query:"redirect_uri"`
	State               string   `query:"state"`
	CodeChallenge       string   `query:"code_challenge"`
	CodeChallengeMethod string   `query:"code_challenge_method"`
	Scopes              []string `query:"-"`
}

// AuthorizationCode is a local placeholder for an upstream-issued code. The
// proxy cannot introspect codes it never generated, so everything except the
// code itself is best-effort.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	Scopes      []string
	ExpiresAt   int64
}

func (c *AuthorizationCode) Expired() bool {
	return c.ExpiresAt != 0 && c.ExpiresAt < time.Now().Unix()
}

// AccessToken is the local bookkeeping record for an upstream-issued access
// token. It is also the shape returned by TokenVerifier implementations.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt int64
}

func (t *AccessToken) Expired() bool {
	return t.ExpiresAt != 0 && t.ExpiresAt < time.Now().Unix()
}

// RefreshToken is the local bookkeeping record for an upstream-issued refresh
// token. Refresh tokens typically carry no expiry.
type RefreshToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt int64
}

func (t *RefreshToken) Expired() bool {
	return t.ExpiresAt != 0 && t.ExpiresAt < time.Now().Unix()
}

// TokenResponse is the standard OAuth JSON token response shape. Upstream
// servers that answer with application/x-www-form-urlencoded bodies are
// normalized into this shape before anything else touches them.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenRequest is the form body of an inbound POST /token request.
type TokenRequest struct {
	GrantType           string `form:"grant_type"`
	Code                string `form:"code"`
	RedirectURI         string `form:"redirect_uri"`
	CodeVerifier        string `form:"code_verifier"`
	ClientID            string `form:"client_id"`
	ClientSecret        string `form:"client_secret"`
	ClientAssertion     string `form:"client_assertion"`
	ClientAssertionType string `form:"client_assertion_type"`
	RefreshToken        string `form:"refresh_token"`
	Scope               string `form:"scope"`
	Resource            string `form:"resource"`
}

// RevokeRequest is the form body of an inbound POST /revoke request (RFC 7009).
type RevokeRequest struct {
	Token         string `form:"token"`
	TokenTypeHint string `form:"token_type_hint"`
	ClientID      string `form:"client_id"`
}

// AuthorizationServerMetadata is RFC 8414 authorization server metadata,
// describing this proxy's endpoints to downstream clients.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
	ClientIDMetadataDocumentSupported bool     `json:"client_id_metadata_document_supported,omitempty"`
}

// ErrorResponse is the OAuth-standard JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
