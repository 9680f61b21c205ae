package dcrproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Authorization-code placeholders live briefly: the real code was issued
// upstream and the downstream client redeems it almost immediately.
var AuthorizationCodeExpiry = 5 * time.Minute

type requestContextKeyType struct{}

// RequestContextKey carries the in-flight *http.Request so the provider can
// opportunistically read inbound form/query fields (redirect_uri,
// code_verifier) that must be forwarded upstream.
var RequestContextKey = requestContextKeyType{}

func withRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, RequestContextKey, r)
}

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(RequestContextKey).(*http.Request)
	return r
}

// GetClient resolves a downstream client_id. Lookup order: local registry,
// then CIMD resolution for URL-shaped IDs, then a synthesized temporary
// client. It never fails for an unknown ID; a CIMD URL that does not resolve
// is the one case that yields (nil, nil).
func (p *DCRProxy) GetClient(ctx context.Context, clientID string) (*ClientInformation, error) {
	info, err := p.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("could not look up client %s: %w", clientID, err)
	}
	if info != nil {
		return info, nil
	}

	if p.cimd.Handles(clientID) {
		return p.cimd.GetClient(ctx, clientID)
	}

	// Unknown plain ID: hand back a placeholder so request validation can
	// proceed. It grants no identity beyond the redirect targets the
	// in-flight request already named.
	redirects := []string{"https://" + p.host + "/"}
	if r := requestFromContext(ctx); r != nil {
		if uri := r.FormValue("redirect_uri"); uri != "" {
			redirects = append(redirects, uri)
		}
	}
	return &ClientInformation{
		ClientID:                clientID,
		RedirectURIs:            redirects,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Temporary:               true,
	}, nil
}

// RegisterClient handles downstream DCR. With an upstream registration
// endpoint configured the request is forwarded and upstream's answer is
// authoritative; otherwise every registrant receives the proxy's fixed
// upstream identity, with the caller's own metadata merged onto it.
func (p *DCRProxy) RegisterClient(ctx context.Context, requested *ClientInformation) (*ClientInformation, error) {
	if p.upstreamRegistrationEndpoint != "" {
		return p.forwardRegistration(ctx, requested)
	}

	info := *requested
	info.ClientID = p.upstreamClientID
	info.ClientSecret = p.upstreamClientSecret
	info.TokenEndpointAuthMethod = "none"
	info.ClientIDIssuedAt = time.Now().Unix()
	info.ClientSecretExpiresAt = 0
	if err := p.clients.SaveClient(ctx, &info); err != nil {
		return nil, fmt.Errorf("could not store client registration: %w", err)
	}
	p.slog.Info("registered client with fixed upstream credentials", "client_id", info.ClientID, "name", info.ClientName)
	return &info, nil
}

func (p *DCRProxy) forwardRegistration(ctx context.Context, requested *ClientInformation) (*ClientInformation, error) {
	body, err := json.Marshal(requested)
	if err != nil {
		return nil, fmt.Errorf("could not encode registration request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstreamRegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach upstream registration endpoint: %w", err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		p.slog.Warn("upstream registration rejected", "status", res.StatusCode, "body", string(resBody))
		return nil, fmt.Errorf("upstream registration failed with status %d", res.StatusCode)
	}

	var info ClientInformation
	if err := json.Unmarshal(resBody, &info); err != nil {
		return nil, fmt.Errorf("could not decode upstream registration response: %w", err)
	}
	if info.ClientID == "" {
		return nil, fmt.Errorf("upstream registration response is missing client_id")
	}
	if err := p.clients.SaveClient(ctx, &info); err != nil {
		return nil, fmt.Errorf("could not store client registration: %w", err)
	}
	p.slog.Info("forwarded client registration upstream", "client_id", info.ClientID)
	return &info, nil
}

// Authorize builds the upstream authorization URL for a downstream request.
// The upstream only knows the proxy's client identity; everything else
// (redirect target, state, PKCE challenge) passes through verbatim. No side
// effects: the caller issues the actual redirect.
func (p *DCRProxy) Authorize(client *ClientInformation, params *AuthorizationParams) (string, error) {
	u, err := url.Parse(p.upstreamAuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid upstream authorization endpoint: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.upstreamClientID)
	q.Set("redirect_uri", params.RedirectURI)
	if params.State != "" {
		q.Set("state", params.State)
	}
	if params.CodeChallenge != "" {
		q.Set("code_challenge", params.CodeChallenge)
		method := params.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		q.Set("code_challenge_method", method)
	}
	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = p.scopes
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	for k, v := range p.extraAuthorizeParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoadAuthorizationCode synthesizes a placeholder for an upstream-issued
// code. The proxy never minted the code and cannot introspect it, so the
// record only carries what redemption needs; the upstream is the judge of
// the code's actual validity at exchange time.
func (p *DCRProxy) LoadAuthorizationCode(ctx context.Context, client *ClientInformation, code string) (*AuthorizationCode, error) {
	record := &AuthorizationCode{
		Code:      code,
		ClientID:  client.ClientID,
		ExpiresAt: time.Now().Add(AuthorizationCodeExpiry).Unix(),
	}
	if r := requestFromContext(ctx); r != nil {
		record.RedirectURI = r.FormValue("redirect_uri")
	}
	if err := p.tokens.SaveAuthorizationCode(ctx, record); err != nil {
		return nil, fmt.Errorf("could not store authorization code: %w", err)
	}
	return record, nil
}

// ExchangeAuthorizationCode redeems an upstream-issued code at the upstream
// token endpoint using the proxy's own credentials, records the resulting
// tokens, and returns the upstream response to the caller.
func (p *DCRProxy) ExchangeAuthorizationCode(ctx context.Context, client *ClientInformation, authCode *AuthorizationCode) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", authCode.Code)
	form.Set("client_id", p.upstreamClientID)
	if p.upstreamClientSecret != "" {
		form.Set("client_secret", p.upstreamClientSecret)
	}
	if authCode.RedirectURI != "" {
		form.Set("redirect_uri", authCode.RedirectURI)
	}
	if r := requestFromContext(ctx); r != nil {
		for _, field := range []string{"redirect_uri", "code_verifier", "resource", "scope"} {
			if v := r.FormValue(field); v != "" {
				form.Set(field, v)
			}
		}
	}

	resp, err := p.upstreamTokenCall(ctx, form)
	if err != nil {
		return nil, err
	}

	if err := p.recordTokens(ctx, client.ClientID, resp, ""); err != nil {
		return nil, err
	}
	if err := p.tokens.DeleteAuthorizationCode(ctx, authCode.Code); err != nil {
		p.slog.Warn("could not delete authorization code placeholder", "error", err)
	}
	p.slog.Info("exchanged authorization code upstream", "client_id", client.ClientID)
	return resp, nil
}

// LoadRefreshToken looks up a refresh token in local bookkeeping. An unknown
// token yields (nil, nil); the token endpoint turns that into invalid_grant.
func (p *DCRProxy) LoadRefreshToken(ctx context.Context, client *ClientInformation, token string) (*RefreshToken, error) {
	record, err := p.tokens.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("could not look up refresh token: %w", err)
	}
	if record != nil && record.ClientID != client.ClientID {
		p.slog.Warn("refresh token presented by wrong client", "expected", record.ClientID, "got", client.ClientID)
		return nil, nil
	}
	return record, nil
}

// ExchangeRefreshToken forwards a refresh grant upstream. When the upstream
// rotates the refresh token, the old token family is removed and the new
// pair recorded in one atomic store operation, under a per-token lock so a
// concurrent refresh of the same token cannot interleave.
func (p *DCRProxy) ExchangeRefreshToken(ctx context.Context, client *ClientInformation, refreshToken *RefreshToken, scopes []string) (*TokenResponse, error) {
	unlock, err := p.lock("refresh:" + refreshToken.Token)
	if err != nil {
		return nil, fmt.Errorf("could not lock refresh token: %w", err)
	}
	defer unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken.Token)
	form.Set("client_id", p.upstreamClientID)
	if p.upstreamClientSecret != "" {
		form.Set("client_secret", p.upstreamClientSecret)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	resp, err := p.upstreamTokenCall(ctx, form)
	if err != nil {
		return nil, err
	}

	if err := p.recordTokens(ctx, client.ClientID, resp, refreshToken.Token); err != nil {
		return nil, err
	}
	p.slog.Info("exchanged refresh token upstream", "client_id", client.ClientID, "rotated", resp.RefreshToken != "" && resp.RefreshToken != refreshToken.Token)
	return resp, nil
}

// LoadAccessToken delegates bearer-token validity entirely to the verifier.
func (p *DCRProxy) LoadAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	return p.verifier.VerifyToken(ctx, token)
}

// RevokeToken removes a token and its paired counterparts from local
// bookkeeping, then best-effort revokes upstream. Local removal is the
// authoritative outcome; an upstream failure is logged and swallowed.
func (p *DCRProxy) RevokeToken(ctx context.Context, token, tokenTypeHint string) error {
	hint := tokenTypeHint
	access, err := p.tokens.GetAccessToken(ctx, token)
	if err != nil {
		return fmt.Errorf("could not look up access token for revocation: %w", err)
	}
	if access != nil {
		hint = "access_token"
		if err := p.tokens.RevokeAccessToken(ctx, token); err != nil {
			return fmt.Errorf("could not revoke access token: %w", err)
		}
	} else {
		refresh, err := p.tokens.GetRefreshToken(ctx, token)
		if err != nil {
			return fmt.Errorf("could not look up refresh token for revocation: %w", err)
		}
		if refresh != nil {
			hint = "refresh_token"
			if err := p.tokens.RevokeRefreshToken(ctx, token); err != nil {
				return fmt.Errorf("could not revoke refresh token: %w", err)
			}
		}
	}

	if p.upstreamRevocationEndpoint == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstreamRevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		p.slog.Warn("could not build upstream revocation request", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.upstreamClientID, p.upstreamClientSecret)

	res, err := p.httpClient.Do(req)
	if err != nil {
		p.slog.Warn("upstream revocation unreachable", "error", err)
		return nil
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode >= 400 {
		p.slog.Warn("upstream revocation rejected", "status", res.StatusCode)
	}
	return nil
}

// upstreamTokenCall POSTs a form to the upstream token endpoint and maps
// every failure mode to the invalid_grant the downstream caller expects. The
// underlying detail is logged, not exposed.
func (p *DCRProxy) upstreamTokenCall(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstreamTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("could not build upstream token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		p.slog.Warn("upstream token endpoint unreachable", "error", err)
		return nil, &TokenError{Code: "invalid_grant", Description: "Unable to connect to upstream server"}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &TokenError{Code: "invalid_grant", Description: "Unable to read upstream response"}
	}
	if res.StatusCode >= 400 {
		p.slog.Warn("upstream token exchange rejected", "status", res.StatusCode, "body", string(body))
		return nil, &TokenError{Code: "invalid_grant", Description: fmt.Sprintf("Upstream server rejected the grant (status %d)", res.StatusCode)}
	}

	resp, err := decodeTokenResponse(res.Header.Get("Content-Type"), body)
	if err != nil {
		p.slog.Warn("could not decode upstream token response", "error", err)
		return nil, &TokenError{Code: "invalid_grant", Description: "Malformed upstream token response"}
	}
	return resp, nil
}

// decodeTokenResponse normalizes an upstream token response to the standard
// JSON shape. Some providers answer form-encoded; that is decoded here, once,
// so nothing downstream ever sees the difference.
func decodeTokenResponse(contentType string, body []byte) (*TokenResponse, error) {
	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("could not parse form-encoded token response: %w", err)
		}
		resp := &TokenResponse{
			AccessToken:  values.Get("access_token"),
			TokenType:    values.Get("token_type"),
			RefreshToken: values.Get("refresh_token"),
			Scope:        values.Get("scope"),
			IDToken:      values.Get("id_token"),
		}
		if raw := values.Get("expires_in"); raw != "" {
			expiresIn, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("could not parse expires_in %q: %w", raw, err)
			}
			resp.ExpiresIn = expiresIn
		}
		if resp.AccessToken == "" {
			return nil, fmt.Errorf("form-encoded token response is missing access_token")
		}
		return resp, nil
	}

	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("could not parse JSON token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}
	return &resp, nil
}

// recordTokens writes the bookkeeping for a successful upstream exchange.
// Writes happen only after the upstream call succeeded. A non-empty
// oldRefresh marks a refresh exchange; if the upstream rotated the token the
// whole old family is replaced atomically.
func (p *DCRProxy) recordTokens(ctx context.Context, clientID string, resp *TokenResponse, oldRefresh string) error {
	access := &AccessToken{
		Token:    resp.AccessToken,
		ClientID: clientID,
	}
	if resp.ExpiresIn > 0 {
		access.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix()
	}
	if resp.Scope != "" {
		access.Scopes = strings.Fields(resp.Scope)
	}

	var refresh *RefreshToken
	if resp.RefreshToken != "" {
		refresh = &RefreshToken{
			Token:    resp.RefreshToken,
			ClientID: clientID,
			Scopes:   access.Scopes,
		}
	}

	if oldRefresh != "" && refresh != nil && refresh.Token != oldRefresh {
		if err := p.tokens.RotateRefreshToken(ctx, oldRefresh, access, refresh); err != nil {
			return fmt.Errorf("could not rotate refresh token: %w", err)
		}
		return nil
	}
	if oldRefresh != "" && refresh == nil {
		// Upstream kept the presented token; pair the new access token with it.
		refresh = &RefreshToken{Token: oldRefresh, ClientID: clientID, Scopes: access.Scopes}
	}
	if err := p.tokens.SaveTokens(ctx, access, refresh); err != nil {
		return fmt.Errorf("could not store tokens: %w", err)
	}
	return nil
}
