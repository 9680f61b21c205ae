package dcrproxy

import (
	"context"
	"log/slog"
)

// ClientManager turns CIMD URLs into OAuth clients. A client_id that is a
// valid HTTPS URL identifies itself: the manager fetches the document it
// points at, validates it, and synthesizes client metadata from it. No
// registration call ever happens for these clients.
type ClientManager struct {
	fetcher   *Fetcher
	trust     *TrustPolicy
	validator *AssertionValidator
	slog      *slog.Logger

	// redirectPatterns is the operator's redirect policy applied on top of
	// whatever the document declares. nil permits everything the document
	// lists.
	redirectPatterns []string
}

func NewClientManager(fetcher *Fetcher, trust *TrustPolicy, validator *AssertionValidator, redirectPatterns []string, logger *slog.Logger) *ClientManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientManager{
		fetcher:          fetcher,
		trust:            trust,
		validator:        validator,
		redirectPatterns: redirectPatterns,
		slog:             logger,
	}
}

// Handles reports whether clientID is a CIMD-style identifier this manager
// can resolve.
func (m *ClientManager) Handles(clientID string) bool {
	return m != nil && IsCIMDClientID(clientID)
}

// GetClient resolves a CIMD client_id to client metadata. Any failure along
// the way, from a blocked domain to an unreachable host to a malformed
// document, yields (nil, nil): to the caller the client simply does not
// exist. The failure detail is logged, never surfaced.
func (m *ClientManager) GetClient(ctx context.Context, clientID string) (*ClientInformation, error) {
	if !m.Handles(clientID) {
		return nil, nil
	}

	domain := Domain(clientID)
	if m.trust.IsBlocked(domain) {
		m.slog.Warn("refusing CIMD client from blocked domain", "client_id", clientID, "domain", domain)
		return nil, nil
	}

	doc, err := m.fetcher.Fetch(ctx, clientID)
	if err != nil {
		m.slog.Warn("CIMD document fetch failed", "client_id", clientID, "error", err)
		return nil, nil
	}

	info := &ClientInformation{
		ClientID:                doc.ClientID,
		ClientName:              doc.ClientName,
		ClientURI:               doc.ClientURI,
		LogoURI:                 doc.LogoURI,
		RedirectURIs:            doc.RedirectURIs,
		GrantTypes:              doc.GrantTypes,
		ResponseTypes:           doc.ResponseTypes,
		Scope:                   doc.Scope,
		TokenEndpointAuthMethod: doc.TokenEndpointAuthMethod,
		Contacts:                doc.Contacts,

		AllowedRedirectURIPatterns: m.redirectPatterns,
		CIMD:                       doc,
	}

	m.slog.Info("resolved CIMD client", "client_id", clientID, "name", doc.ClientName, "auth_method", doc.TokenEndpointAuthMethod)
	return info, nil
}

// ValidateRedirectURI enforces the operator's redirect policy for a CIMD
// client. The document's redirect_uris are informational only: a document
// cannot grant itself callback URLs by listing them, and cannot lock itself
// out by omitting them. The configured patterns are the sole source of
// truth; nil patterns permit every redirect URI.
func (m *ClientManager) ValidateRedirectURI(info *ClientInformation, redirectURI string) error {
	if info.CIMD == nil {
		return validationErrorf("not a CIMD client: %s", info.ClientID)
	}
	if info.AllowedRedirectURIPatterns == nil {
		return nil
	}
	if !MatchRedirectURI(info.AllowedRedirectURIPatterns, redirectURI) {
		return validationErrorf("redirect_uri %s is not permitted by server policy", redirectURI)
	}
	return nil
}

// ShouldSkipConsent reports whether the client's domain is trusted enough to
// bypass the user consent interstitial. Untrusted is the default.
func (m *ClientManager) ShouldSkipConsent(clientID string) bool {
	if m == nil || !IsCIMDClientID(clientID) {
		return false
	}
	return m.trust.IsTrusted(Domain(clientID))
}

// ValidateClientAuth checks the client's credentials at the token endpoint.
// Clients with auth method "none" rely on PKCE alone; private_key_jwt clients
// must present a valid signed assertion.
func (m *ClientManager) ValidateClientAuth(ctx context.Context, info *ClientInformation, assertion, tokenEndpoint string) error {
	if info.CIMD == nil {
		return validationErrorf("not a CIMD client: %s", info.ClientID)
	}
	switch info.CIMD.TokenEndpointAuthMethod {
	case "none":
		if assertion != "" {
			return validationErrorf("client %s uses auth method none but sent an assertion", info.ClientID)
		}
		return nil
	case "private_key_jwt":
		if assertion == "" {
			return validationErrorf("client %s requires a client_assertion", info.ClientID)
		}
		return m.validator.ValidateAssertion(ctx, assertion, info.ClientID, tokenEndpoint, info.CIMD)
	default:
		return validationErrorf("unsupported auth method: %s", info.CIMD.TokenEndpointAuthMethod)
	}
}
