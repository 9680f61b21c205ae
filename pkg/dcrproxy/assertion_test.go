package dcrproxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	testClientID      = "https://app.example.com/client.json"
	testTokenEndpoint = "https://proxy.example.com/oauth/token"
)

type assertionFixture struct {
	key       *ecdsa.PrivateKey
	doc       *Document
	validator *AssertionValidator
}

func newAssertionFixture(t *testing.T) *assertionFixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	setJSON, err := json.Marshal(set)
	require.NoError(t, err)

	doc := &Document{
		ClientID:                testClientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		Jwks:                    json.RawMessage(setJSON),
	}
	require.NoError(t, doc.Validate())

	return &assertionFixture{
		key:       key,
		doc:       doc,
		validator: NewAssertionValidator(NewFetcher(nil), nil),
	}
}

func (f *assertionFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *assertionFixture) claims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": testClientID,
		"sub": testClientID,
		"aud": testTokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
}

func TestValidateAssertion(t *testing.T) {
	f := newAssertionFixture(t)
	assertion := f.sign(t, f.claims())
	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.NoError(t, err)
}

func TestValidateAssertionReplay(t *testing.T) {
	f := newAssertionFixture(t)
	assertion := f.sign(t, f.claims())

	require.NoError(t, f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc))

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "replay")
}

func TestValidateAssertionReplayRecordedBeforeSubCheck(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	claims["sub"] = "https://someone-else.example.com/client.json"
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sub claim")

	// The jti was consumed on the first presentation even though it failed.
	err = f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "replay")
}

func TestValidateAssertionMissingJTI(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	delete(claims, "jti")
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "jti claim")
}

func TestValidateAssertionWrongAudience(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	claims["aud"] = "https://other-server.example.com/token"
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestValidateAssertionWrongIssuer(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	claims["iss"] = "https://someone-else.example.com/client.json"
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestValidateAssertionExpired(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	claims["iat"] = time.Now().Add(-10 * time.Minute).Unix()
	claims["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestValidateAssertionExcessiveLifetime(t *testing.T) {
	f := newAssertionFixture(t)
	claims := f.claims()
	claims["exp"] = time.Now().Add(2 * time.Hour).Unix()
	assertion := f.sign(t, claims)

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lifetime")
}

func TestValidateAssertionWrongKey(t *testing.T) {
	f := newAssertionFixture(t)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, f.claims())
	token.Header["kid"] = "test-key"
	assertion, err := token.SignedString(otherKey)
	require.NoError(t, err)

	err = f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, f.doc)
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestValidateAssertionJWKSURI(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rotatedKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var served atomic.Value
	served.Store(jwksJSON(t, "test-key", key))
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(served.Load().([]byte))
	}))
	defer srv.Close()

	doc := &Document{
		ClientID:                testClientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JwksURI:                 srv.URL + "/jwks.json",
	}
	require.NoError(t, doc.Validate())

	f := &assertionFixture{key: key, doc: doc}
	f.validator = NewAssertionValidator(testFetcher(t, srv), nil)

	assertion := f.sign(t, f.claims())
	require.NoError(t, f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, doc))

	// client rotates its keys: the cached JWKS misses the new kid and the
	// validator refetches
	served.Store(jwksJSON(t, "rotated-key", rotatedKey))
	token := jwt.NewWithClaims(jwt.SigningMethodES256, f.claims())
	token.Header["kid"] = "rotated-key"
	rotated, err := token.SignedString(rotatedKey)
	require.NoError(t, err)
	require.NoError(t, f.validator.ValidateAssertion(context.Background(), rotated, testClientID, testTokenEndpoint, doc))
}

func TestValidateAssertionPlainHTTPJWKSURI(t *testing.T) {
	f := newAssertionFixture(t)
	// a document that skipped the fetch-time checks must still not cause a
	// plaintext JWKS fetch
	doc := &Document{
		ClientID:                testClientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JwksURI:                 "http://app.example.com/jwks.json",
	}
	assertion := f.sign(t, f.claims())

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTPS")
}

func TestValidateAssertionNoKeyMaterial(t *testing.T) {
	f := newAssertionFixture(t)
	doc := &Document{ClientID: testClientID, TokenEndpointAuthMethod: "private_key_jwt"}
	assertion := f.sign(t, f.claims())

	err := f.validator.ValidateAssertion(context.Background(), assertion, testClientID, testTokenEndpoint, doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no jwks")
}
