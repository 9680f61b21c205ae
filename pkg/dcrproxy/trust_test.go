package dcrproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustPolicy(t *testing.T) {
	policy := &TrustPolicy{
		TrustedDomains: []string{"Example.COM", "partner.org"},
		BlockedDomains: []string{"evil.example.com"},
	}

	require.True(t, policy.IsTrusted("example.com"))
	require.True(t, policy.IsTrusted("EXAMPLE.com"))
	require.True(t, policy.IsTrusted("app.example.com"))
	require.True(t, policy.IsTrusted("deep.app.example.com"))
	require.True(t, policy.IsTrusted("partner.org."))

	require.False(t, policy.IsTrusted("example.org"))
	require.False(t, policy.IsTrusted("notexample.com"))
	require.False(t, policy.IsTrusted("example.com.evil.net"))
	require.False(t, policy.IsTrusted(""))

	// blocked wins over trusted, subdomains included
	require.True(t, policy.IsBlocked("evil.example.com"))
	require.True(t, policy.IsBlocked("sub.evil.example.com"))
	require.False(t, policy.IsTrusted("evil.example.com"))
	require.False(t, policy.IsTrusted("sub.evil.example.com"))
}

func TestTrustPolicyDefaults(t *testing.T) {
	policy := &TrustPolicy{}
	require.False(t, policy.IsTrusted("example.com"))
	require.False(t, policy.IsBlocked("example.com"))

	var nilPolicy *TrustPolicy
	require.False(t, nilPolicy.IsTrusted("example.com"))
	require.False(t, nilPolicy.IsBlocked("example.com"))
}
