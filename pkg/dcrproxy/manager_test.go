package dcrproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerGetClient(t *testing.T) {
	srv, clientID := cimdTestServer(t, func(clientID string, w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Document{
			ClientID:     clientID,
			ClientName:   "Test App",
			RedirectURIs: []string{"https://app.example.com/callback"},
		})
	})

	patterns := []string{"https://app.example.com/callback"}
	m := NewClientManager(testFetcher(t, srv), &TrustPolicy{}, nil, patterns, nil)

	info, err := m.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, clientID, info.ClientID)
	require.Equal(t, "Test App", info.ClientName)
	require.NotNil(t, info.CIMD)
	// redirect policy comes from operator config, never the document
	require.Equal(t, patterns, info.AllowedRedirectURIPatterns)
}

func TestManagerGetClientFailuresDegradeToNil(t *testing.T) {
	srv, clientID := cimdTestServer(t, func(clientID string, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	m := NewClientManager(testFetcher(t, srv), &TrustPolicy{}, nil, nil, nil)

	info, err := m.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	require.Nil(t, info)

	// not a CIMD-shaped ID at all
	info, err = m.GetClient(context.Background(), "plain-client-id")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestManagerGetClientBlockedDomain(t *testing.T) {
	var fetched bool
	srv, clientID := cimdTestServer(t, func(clientID string, w http.ResponseWriter, r *http.Request) {
		fetched = true
		json.NewEncoder(w).Encode(&Document{ClientID: clientID})
	})

	trust := &TrustPolicy{BlockedDomains: []string{"127.0.0.1"}}
	m := NewClientManager(testFetcher(t, srv), trust, nil, nil, nil)

	info, err := m.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	require.Nil(t, info)
	require.False(t, fetched, "blocked domains must be refused before any fetch")
}

func TestManagerRedirectURIOperatorPolicy(t *testing.T) {
	doc := &Document{
		ClientID:     testClientID,
		RedirectURIs: []string{"https://app.example.com/callback", "https://evil.example.net/grab"},
	}
	require.NoError(t, doc.Validate())

	m := NewClientManager(NewFetcher(nil), &TrustPolicy{}, nil, []string{"https://app.example.com/callback"}, nil)
	info := &ClientInformation{
		ClientID:                   testClientID,
		CIMD:                       doc,
		AllowedRedirectURIPatterns: []string{"https://app.example.com/callback"},
	}

	// allowed by operator policy
	require.NoError(t, m.ValidateRedirectURI(info, "https://app.example.com/callback"))

	// listed in the document but outside operator policy: the document cannot
	// grant itself callback URLs
	err := m.ValidateRedirectURI(info, "https://evil.example.net/grab")
	require.Error(t, err)
	require.Contains(t, err.Error(), "server policy")

	// allowed by operator policy even though the document omits it: the
	// document's redirect_uris are informational, not enforced
	omitted := &ClientInformation{
		ClientID:                   testClientID,
		CIMD:                       &Document{ClientID: testClientID},
		AllowedRedirectURIPatterns: []string{"https://app.example.com/callback"},
	}
	require.NoError(t, m.ValidateRedirectURI(omitted, "https://app.example.com/callback"))

	// nil patterns permit everything, including URIs the document never lists
	open := &ClientInformation{ClientID: testClientID, CIMD: doc}
	require.NoError(t, m.ValidateRedirectURI(open, "https://evil.example.net/grab"))
	require.NoError(t, m.ValidateRedirectURI(open, "https://app.example.com/unlisted"))

	openOmitted := &ClientInformation{ClientID: testClientID, CIMD: &Document{ClientID: testClientID}}
	require.NoError(t, m.ValidateRedirectURI(openOmitted, "http://127.0.0.1:49152/callback"))
}

func TestManagerShouldSkipConsent(t *testing.T) {
	trust := &TrustPolicy{
		TrustedDomains: []string{"trusted.example.com"},
		BlockedDomains: []string{"blocked.example.com"},
	}
	m := NewClientManager(NewFetcher(nil), trust, nil, nil, nil)

	require.True(t, m.ShouldSkipConsent("https://trusted.example.com/client.json"))
	require.True(t, m.ShouldSkipConsent("https://app.trusted.example.com/client.json"))
	require.False(t, m.ShouldSkipConsent("https://other.example.com/client.json"))
	require.False(t, m.ShouldSkipConsent("https://blocked.example.com/client.json"))
	require.False(t, m.ShouldSkipConsent("plain-client-id"))

	var disabled *ClientManager
	require.False(t, disabled.ShouldSkipConsent("https://trusted.example.com/client.json"))
	require.False(t, disabled.Handles("https://trusted.example.com/client.json"))
}
