package dcrproxy

import (
	"encoding/json"
	"fmt"
)

// Document is a Client ID Metadata Document per
// draft-ietf-oauth-client-id-metadata-document. The client_id property MUST
// equal the HTTPS URL the document is hosted at.
type Document struct {
	ClientID                string          `json:"client_id"`
	ClientName              string          `json:"client_name,omitempty"`
	ClientURI               string          `json:"client_uri,omitempty"`
	LogoURI                 string          `json:"logo_uri,omitempty"`
	RedirectURIs            []string        `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string          `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string        `json:"grant_types,omitempty"`
	ResponseTypes           []string        `json:"response_types,omitempty"`
	Scope                   string          `json:"scope,omitempty"`
	Contacts                []string        `json:"contacts,omitempty"`
	TosURI                  string          `json:"tos_uri,omitempty"`
	PolicyURI               string          `json:"policy_uri,omitempty"`
	JwksURI                 string          `json:"jwks_uri,omitempty"`
	Jwks                    json.RawMessage `json:"jwks,omitempty"`
	SoftwareID              string          `json:"software_id,omitempty"`
	SoftwareVersion         string          `json:"software_version,omitempty"`
}

// Validate applies the CIMD schema constraints and fills defaults. A client
// identified by a URL cannot hold a shared secret provisioned out-of-band, so
// every client_secret_* auth method is rejected categorically.
func (d *Document) Validate() error {
	if d.ClientID == "" {
		return validationErrorf("CIMD document is missing client_id")
	}

	switch d.TokenEndpointAuthMethod {
	case "":
		d.TokenEndpointAuthMethod = "none"
	case "none", "private_key_jwt":
	default:
		return validationErrorf(
			"CIMD documents cannot use shared-secret auth methods: %s (use \"none\" or \"private_key_jwt\")",
			d.TokenEndpointAuthMethod,
		)
	}

	if d.JwksURI != "" && len(d.Jwks) > 0 {
		return validationErrorf("CIMD document must not supply both jwks and jwks_uri")
	}
	if len(d.Jwks) > 0 && !json.Valid(d.Jwks) {
		return validationErrorf("CIMD document jwks is not valid JSON")
	}

	if len(d.GrantTypes) == 0 {
		d.GrantTypes = []string{"authorization_code"}
	}
	if len(d.ResponseTypes) == 0 {
		d.ResponseTypes = []string{"code"}
	}

	return nil
}

// HasKeyMaterial reports whether the document publishes keys usable for
// private_key_jwt authentication.
func (d *Document) HasKeyMaterial() bool {
	return d.JwksURI != "" || len(d.Jwks) > 0
}

func (d *Document) String() string {
	return fmt.Sprintf("cimd(%s, auth=%s)", d.ClientID, d.TokenEndpointAuthMethod)
}
