package dcrproxy

import "strings"

// TrustPolicy makes domain-level allow/deny decisions for CIMD identity
// documents. Trusted domains skip user consent; blocked domains are refused
// outright. Blocked always overrides trusted. Both lists default to empty:
// nothing is trusted until the operator opts in.
type TrustPolicy struct {
	TrustedDomains []string
	BlockedDomains []string
}

// IsTrusted reports whether domain matches the trusted list, exactly or as a
// subdomain. Matching is case-insensitive.
func (p *TrustPolicy) IsTrusted(domain string) bool {
	if p == nil || p.IsBlocked(domain) {
		return false
	}
	return matchDomainList(domain, p.TrustedDomains)
}

// IsBlocked reports whether domain matches the blocklist, exactly or as a
// subdomain.
func (p *TrustPolicy) IsBlocked(domain string) bool {
	if p == nil {
		return false
	}
	return matchDomainList(domain, p.BlockedDomains)
}

func matchDomainList(domain string, list []string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return false
	}
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(entry), "."))
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}
