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
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

func signAccessToken(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func jwksJSON(t *testing.T, kid string, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	pub, err := jwk.FromRaw(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	out, err := json.Marshal(set)
	require.NoError(t, err)
	return out
}

func TestJWTVerifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var served atomic.Value
	served.Store(jwksJSON(t, "k1", key))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(served.Load().([]byte))
	}))
	defer srv.Close()

	v := NewJWTVerifier(srv.URL, "https://upstream.example.com", "", nil)

	claims := jwt.MapClaims{
		"iss":       "https://upstream.example.com",
		"client_id": "downstream",
		"scope":     "read write",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token := signAccessToken(t, key, "k1", claims)

	access, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, access)
	require.Equal(t, "downstream", access.ClientID)
	require.Equal(t, []string{"read", "write"}, access.Scopes)
	require.False(t, access.Expired())

	// wrong issuer is invalid, not an error
	badClaims := jwt.MapClaims{
		"iss": "https://evil.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	access, err = v.VerifyToken(context.Background(), signAccessToken(t, key, "k1", badClaims))
	require.NoError(t, err)
	require.Nil(t, access)

	// expired token
	expiredClaims := jwt.MapClaims{
		"iss": "https://upstream.example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	access, err = v.VerifyToken(context.Background(), signAccessToken(t, key, "k1", expiredClaims))
	require.NoError(t, err)
	require.Nil(t, access)
}

func TestJWTVerifierRefreshesOnUnknownKid(t *testing.T) {
	oldKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var served atomic.Value
	served.Store(jwksJSON(t, "old", oldKey))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(served.Load().([]byte))
	}))
	defer srv.Close()

	v := NewJWTVerifier(srv.URL, "", "", nil)

	claims := jwt.MapClaims{"sub": "downstream", "exp": time.Now().Add(time.Hour).Unix()}
	oldToken := signAccessToken(t, oldKey, "old", claims)
	access, err := v.VerifyToken(context.Background(), oldToken)
	require.NoError(t, err)
	require.NotNil(t, access)

	// upstream rotates its keys; the cached set misses the new kid and the
	// verifier refetches
	served.Store(jwksJSON(t, "new", newKey))
	newToken := signAccessToken(t, newKey, "new", claims)
	access, err = v.VerifyToken(context.Background(), newToken)
	require.NoError(t, err)
	require.NotNil(t, access)
	require.Equal(t, "downstream", access.ClientID)
}

func TestStaticVerifier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveTokens(ctx, &AccessToken{Token: "at", ClientID: "abc"}, nil))

	v := &StaticVerifier{Tokens: store}
	access, err := v.VerifyToken(ctx, "at")
	require.NoError(t, err)
	require.Equal(t, "abc", access.ClientID)

	access, err = v.VerifyToken(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, access)
}
