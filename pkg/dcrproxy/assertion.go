package dcrproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// RFC 7523 recommends short-lived assertions.
	maxAssertionLifetime = 5 * time.Minute
	assertionLeeway      = 30 * time.Second

	jwksCacheTTL     = time.Hour
	replayCacheLimit = 10000
)

var assertionSigningAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

var errKidNotFound = errors.New("no matching key in JWKS")

// ErrInvalidAssertion is the generic signature/claim failure. The HTTP layer
// maps every assertion failure, this one included, to a bare invalid_client
// response so callers cannot fingerprint which check failed.
var ErrInvalidAssertion = errors.New("invalid JWT assertion")

type cachedJWKS struct {
	set       jwk.Set
	fetchedAt time.Time
}

// AssertionValidator checks private_key_jwt client assertions against the
// public keys a CIMD document publishes. Replay protection is per client:
// a jti is consumed on first presentation and stays consumed until the
// assertion it arrived in would have expired anyway.
type AssertionValidator struct {
	fetcher *Fetcher
	slog    *slog.Logger

	mu        sync.Mutex
	seenJTIs  map[string]int64 // clientID\x00jti -> exp (unix)
	jwksCache map[string]cachedJWKS
	jwksTTL   time.Duration
}

func NewAssertionValidator(fetcher *Fetcher, logger *slog.Logger) *AssertionValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssertionValidator{
		fetcher:   fetcher,
		slog:      logger,
		seenJTIs:  make(map[string]int64),
		jwksCache: make(map[string]cachedJWKS),
		jwksTTL:   jwksCacheTTL,
	}
}

// ValidateAssertion verifies a JWT client assertion per RFC 7523: signature
// against the document's keys, iss == sub == client_id, aud == token
// endpoint, bounded lifetime, and single-use jti. A nil return means the
// assertion is valid; every failure mode returns a non-nil error.
func (v *AssertionValidator) ValidateAssertion(ctx context.Context, assertion, clientID, tokenEndpoint string, doc *Document) error {
	if doc == nil || !doc.HasKeyMaterial() {
		return fmt.Errorf("%w: CIMD document has no jwks or jwks_uri", ErrInvalidAssertion)
	}

	set, fromURI, err := v.resolveKeySet(ctx, doc)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAssertion, err)
	}

	token, err := v.parseAgainstSet(assertion, clientID, tokenEndpoint, set)
	if errors.Is(err, errKidNotFound) && fromURI {
		// The client may have rotated keys since we cached its JWKS.
		set, err = v.refreshJWKS(ctx, doc.JwksURI)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAssertion, err)
		}
		token, err = v.parseAgainstSet(assertion, clientID, tokenEndpoint, set)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAssertion, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidAssertion
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return errors.New("assertion must include a jti claim")
	}
	// Record-then-check: the jti is consumed here, before the remaining
	// claim checks, so a replayed assertion fails on replay even when its
	// first presentation failed a later check.
	if err := v.consumeJTI(clientID, jti, claims); err != nil {
		return err
	}

	if err := v.checkLifetime(claims); err != nil {
		return err
	}

	sub, _ := claims["sub"].(string)
	if sub != clientID {
		return fmt.Errorf("assertion sub claim must be %s", clientID)
	}

	v.slog.Debug("JWT assertion validated", "client_id", clientID, "jti", jti)
	return nil
}

func (v *AssertionValidator) parseAgainstSet(assertion, clientID, tokenEndpoint string, set jwk.Set) (*jwt.Token, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		var key jwk.Key
		switch {
		case kid != "":
			k, found := set.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("%w: kid=%s", errKidNotFound, kid)
			}
			key = k
		case set.Len() == 1:
			key, _ = set.Key(0)
		default:
			return nil, fmt.Errorf("assertion has no kid and JWKS holds %d keys", set.Len())
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
	}

	return jwt.Parse(assertion, keyfunc,
		jwt.WithValidMethods(assertionSigningAlgs),
		jwt.WithIssuer(clientID),
		jwt.WithAudience(tokenEndpoint),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(assertionLeeway),
	)
}

// consumeJTI atomically checks and records a jti for the given client.
// Expired entries are evicted on every insert, so the cache is bounded by
// the assertion validity window rather than process lifetime.
func (v *AssertionValidator) consumeJTI(clientID, jti string, claims jwt.MapClaims) error {
	now := time.Now()
	retainUntil := now.Add(maxAssertionLifetime).Unix()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		retainUntil = exp.Unix()
	}

	key := clientID + "\x00" + jti

	v.mu.Lock()
	defer v.mu.Unlock()

	for k, exp := range v.seenJTIs {
		if exp < now.Unix() {
			delete(v.seenJTIs, k)
		}
	}
	if exp, seen := v.seenJTIs[key]; seen && exp >= now.Unix() {
		return fmt.Errorf("assertion replay detected: jti %q already used", jti)
	}
	if len(v.seenJTIs) >= replayCacheLimit {
		v.slog.Warn("jti replay cache at capacity", "limit", replayCacheLimit)
		return errors.New("server overloaded, please retry")
	}
	v.seenJTIs[key] = retainUntil
	return nil
}

func (v *AssertionValidator) checkLifetime(claims jwt.MapClaims) error {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ErrInvalidAssertion
	}
	now := time.Now()
	iat, err := claims.GetIssuedAt()
	if err == nil && iat != nil {
		if iat.After(now.Add(assertionLeeway)) {
			return errors.New("assertion iat is in the future")
		}
		if exp.Sub(iat.Time) > maxAssertionLifetime {
			return fmt.Errorf("assertion lifetime too long: %s (max %s)", exp.Sub(iat.Time), maxAssertionLifetime)
		}
		return nil
	}
	if exp.After(now.Add(maxAssertionLifetime + assertionLeeway)) {
		return fmt.Errorf("assertion exp too far in the future (max %s)", maxAssertionLifetime)
	}
	return nil
}

func (v *AssertionValidator) resolveKeySet(ctx context.Context, doc *Document) (jwk.Set, bool, error) {
	if len(doc.Jwks) > 0 {
		set, err := jwk.Parse(doc.Jwks)
		if err != nil {
			return nil, false, fmt.Errorf("could not parse inline jwks: %w", err)
		}
		return set, false, nil
	}

	v.mu.Lock()
	cached, found := v.jwksCache[doc.JwksURI]
	v.mu.Unlock()
	if found && time.Since(cached.fetchedAt) < v.jwksTTL {
		return cached.set, true, nil
	}

	set, err := v.refreshJWKS(ctx, doc.JwksURI)
	if err != nil {
		return nil, true, err
	}
	return set, true, nil
}

// refreshJWKS fetches the client's JWKS with the same SSRF discipline as the
// document fetch and replaces the cached entry.
func (v *AssertionValidator) refreshJWKS(ctx context.Context, jwksURI string) (jwk.Set, error) {
	body, err := v.fetcher.fetchRaw(ctx, jwksURI, maxJWKSSize)
	if err != nil {
		return nil, fmt.Errorf("could not fetch jwks from %s: %w", jwksURI, err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("could not parse jwks from %s: %w", jwksURI, err)
	}

	v.mu.Lock()
	v.jwksCache[jwksURI] = cachedJWKS{set: set, fetchedAt: time.Now()}
	v.mu.Unlock()
	return set, nil
}
