package dcrproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// TokenVerifier validates access tokens issued by the upstream server. A
// (nil, nil) return means the token is simply not valid; errors are reserved
// for verifier-internal failures like an unreachable JWKS endpoint.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*AccessToken, error)
}

// JWTVerifier verifies upstream-issued JWT access tokens against the
// upstream's published JWKS. It is the right verifier whenever the upstream
// issues structured JWTs; opaque-token upstreams need an
// introspection-backed implementation instead.
type JWTVerifier struct {
	JwksURI  string
	Issuer   string
	Audience string

	// HTTPClient is swappable for tests; nil means a default client with a
	// short timeout.
	HTTPClient *http.Client
	Slog       *slog.Logger

	mu        sync.Mutex
	cachedSet jwk.Set
	fetchedAt time.Time
	ttl       time.Duration
}

func NewJWTVerifier(jwksURI, issuer, audience string, logger *slog.Logger) *JWTVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTVerifier{
		JwksURI:  jwksURI,
		Issuer:   issuer,
		Audience: audience,
		Slog:     logger,
		ttl:      15 * time.Minute,
	}
}

func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (*AccessToken, error) {
	set, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}

	parsed, err := v.parse(token, set)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			set, refreshErr := v.keySet(ctx, true)
			if refreshErr != nil {
				return nil, refreshErr
			}
			parsed, err = v.parse(token, set)
		}
		if err != nil {
			v.Slog.Debug("access token rejected", "error", err)
			return nil, nil
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil
	}

	out := &AccessToken{Token: token}
	if sub, _ := claims["client_id"].(string); sub != "" {
		out.ClientID = sub
	} else if sub, _ := claims["sub"].(string); sub != "" {
		out.ClientID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Unix()
	}
	if scope, _ := claims["scope"].(string); scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out, nil
}

func (v *JWTVerifier) parse(token string, set jwk.Set) (*jwt.Token, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(assertionSigningAlgs),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	return jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		var key jwk.Key
		switch {
		case kid != "":
			k, found := set.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key not found: kid=%s", kid)
			}
			key = k
		case set.Len() == 1:
			key, _ = set.Key(0)
		default:
			return nil, fmt.Errorf("token has no kid and JWKS holds %d keys", set.Len())
		}
		pub, err := key.PublicKey()
		if err != nil {
			return nil, err
		}
		var raw any
		if err := pub.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, opts...)
}

func (v *JWTVerifier) keySet(ctx context.Context, force bool) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !force && v.cachedSet != nil && time.Since(v.fetchedAt) < v.ttl {
		return v.cachedSet, nil
	}

	client := v.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JwksURI, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch upstream JWKS: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream JWKS returned status %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxJWKSSize))
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("could not parse upstream JWKS: %w", err)
	}

	v.cachedSet = set
	v.fetchedAt = time.Now()
	return set, nil
}

// StaticVerifier resolves tokens from the proxy's own bookkeeping, for
// upstreams whose access tokens are opaque. It trusts that any token the
// proxy recorded at exchange time remains valid until its recorded expiry.
type StaticVerifier struct {
	Tokens TokenStore
}

func (v *StaticVerifier) VerifyToken(ctx context.Context, token string) (*AccessToken, error) {
	return v.Tokens.GetAccessToken(ctx, token)
}
