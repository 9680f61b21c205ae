package dcrproxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentValidateDefaults(t *testing.T) {
	doc := &Document{ClientID: "https://app.example.com/client.json"}
	require.NoError(t, doc.Validate())
	require.Equal(t, "none", doc.TokenEndpointAuthMethod)
	require.Equal(t, []string{"authorization_code"}, doc.GrantTypes)
	require.Equal(t, []string{"code"}, doc.ResponseTypes)
	require.False(t, doc.HasKeyMaterial())
}

func TestDocumentValidateRejectsSharedSecrets(t *testing.T) {
	for _, method := range []string{"client_secret_basic", "client_secret_post", "client_secret_jwt"} {
		doc := &Document{
			ClientID:                "https://app.example.com/client.json",
			TokenEndpointAuthMethod: method,
		}
		err := doc.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), "shared-secret")
	}
}

func TestDocumentValidateJwksExclusivity(t *testing.T) {
	doc := &Document{
		ClientID: "https://app.example.com/client.json",
		JwksURI:  "https://app.example.com/jwks.json",
		Jwks:     json.RawMessage(`{"keys":[]}`),
	}
	err := doc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "both jwks and jwks_uri")

	doc = &Document{
		ClientID: "https://app.example.com/client.json",
		JwksURI:  "https://app.example.com/jwks.json",
	}
	require.NoError(t, doc.Validate())
	require.True(t, doc.HasKeyMaterial())
}

func TestDocumentValidateMissingClientID(t *testing.T) {
	doc := &Document{}
	err := doc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "client_id")
}
