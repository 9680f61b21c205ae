package dcrproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NewFromDiscovery builds a proxy from the upstream's RFC 8414 metadata
// document instead of hand-configured endpoints. Endpoints already set on
// conf win over discovered ones, so individual endpoints can be overridden.
func NewFromDiscovery(ctx context.Context, conf *Config, upstreamIssuer string) (*DCRProxy, error) {
	meta, err := DiscoverServerMetadata(ctx, conf.HTTPClient, upstreamIssuer)
	if err != nil {
		return nil, err
	}
	if conf.UpstreamAuthorizationEndpoint == "" {
		conf.UpstreamAuthorizationEndpoint = meta.AuthorizationEndpoint
	}
	if conf.UpstreamTokenEndpoint == "" {
		conf.UpstreamTokenEndpoint = meta.TokenEndpoint
	}
	if conf.UpstreamRevocationEndpoint == "" {
		conf.UpstreamRevocationEndpoint = meta.RevocationEndpoint
	}
	if conf.UpstreamRegistrationEndpoint == "" {
		conf.UpstreamRegistrationEndpoint = meta.RegistrationEndpoint
	}
	if conf.UpstreamAuthorizationEndpoint == "" || conf.UpstreamTokenEndpoint == "" {
		return nil, fmt.Errorf("upstream %s did not advertise authorization and token endpoints", upstreamIssuer)
	}
	if conf.Verifier == nil && meta.JwksURI != "" {
		conf.Verifier = NewJWTVerifier(meta.JwksURI, meta.Issuer, "", conf.Slog)
	}
	return New(conf), nil
}

// DiscoverServerMetadata fetches /.well-known/oauth-authorization-server
// from the given issuer.
func DiscoverServerMetadata(ctx context.Context, client *http.Client, issuer string) (*AuthorizationServerMetadata, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream issuer %q: %w", issuer, err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Path = "/.well-known/oauth-authorization-server" + strings.TrimSuffix(u.Path, "/")

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch upstream metadata from %s: %w", u, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream metadata endpoint %s returned status %d", u, res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var meta AuthorizationServerMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("could not parse upstream metadata: %w", err)
	}
	if meta.Issuer == "" {
		meta.Issuer = issuer
	}
	return &meta, nil
}
