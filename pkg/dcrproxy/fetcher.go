package dcrproxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// CIMD documents are small by design; anything bigger is suspect.
	maxDocumentSize = 5 * 1024
	maxJWKSSize     = 64 * 1024

	defaultFetchTimeout = 10 * time.Second
)

var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// Fetcher retrieves CIMD documents and client JWKS from attacker-influenced
// HTTPS URLs. Every fetch resolves the hostname once, validates all resolved
// addresses against the SSRF blocklist, and then connects to the pinned IP so
// a second DNS answer cannot redirect the connection. Redirects are never
// followed and response bodies are size-capped.
type Fetcher struct {
	timeout  time.Duration
	resolver *net.Resolver
	slog     *slog.Logger

	// set only from package tests, never from config
	allowPrivate bool
	tlsConfig    *tls.Config
}

func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		timeout:  defaultFetchTimeout,
		resolver: net.DefaultResolver,
		slog:     logger,
	}
}

// IsCIMDClientID reports whether clientID is syntactically usable as a CIMD
// identity: an HTTPS URL with a host and a non-root path. Opaque DCR client
// IDs fail this check.
func IsCIMDClientID(clientID string) bool {
	_, err := validateDocumentURL(clientID)
	return err == nil
}

// Domain extracts the lowercased hostname from a CIMD client_id URL, or ""
// if the value does not parse.
func Domain(clientID string) string {
	u, err := url.Parse(clientID)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func validateDocumentURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Message: "invalid CIMD URL", Cause: err}
	}
	if u.Scheme != "https" {
		return nil, validationErrorf("CIMD URLs must use HTTPS, got: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, validationErrorf("CIMD URLs must have a host")
	}
	if u.Path == "" || u.Path == "/" {
		return nil, validationErrorf("CIMD URLs must have a non-root path (e.g. /client.json)")
	}
	if u.Fragment != "" {
		return nil, validationErrorf("CIMD URLs must not contain a fragment")
	}
	if u.User != nil {
		return nil, validationErrorf("CIMD URLs must not contain credentials")
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "." || seg == ".." {
			return nil, validationErrorf("CIMD URLs must not contain dot path segments")
		}
	}
	return u, nil
}

// isIPAllowed is the core SSRF gate: it admits only globally routable unicast
// addresses. It runs against resolved IPs, not hostnames, which is what
// defeats DNS rebinding and IP obfuscation. IPv4-mapped IPv6 addresses are
// unwrapped first so ::ffff:127.0.0.1 hits the IPv4 rules; 6to4 and Teredo
// addresses are judged by the IPv4 addresses they embed.
func isIPAllowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return false
	}
	switch {
	case addr.IsLoopback(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsPrivate(),
		addr.IsUnspecified():
		return false
	}
	if addr.Is4() && cgnatPrefix.Contains(addr) {
		return false
	}
	if addr.Is6() {
		raw := addr.As16()
		// 6to4 (2002::/16) embeds an IPv4 address at bytes 2..5.
		if raw[0] == 0x20 && raw[1] == 0x02 {
			return isIPAllowed(netip.AddrFrom4([4]byte{raw[2], raw[3], raw[4], raw[5]}))
		}
		// Teredo (2001::/32) embeds the server at bytes 4..7 and the
		// client, bit-inverted, at bytes 12..15.
		if raw[0] == 0x20 && raw[1] == 0x01 && raw[2] == 0 && raw[3] == 0 {
			server := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
			client := netip.AddrFrom4([4]byte{^raw[12], ^raw[13], ^raw[14], ^raw[15]})
			return isIPAllowed(server) && isIPAllowed(client)
		}
	}
	return true
}

// resolvePinned resolves hostname and validates every returned address. The
// first allowed address becomes the pinned connect target.
func (f *Fetcher) resolvePinned(ctx context.Context, hostname string) (netip.Addr, error) {
	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(hostname); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		resolved, err := f.resolver.LookupNetIP(ctx, "ip", hostname)
		if err != nil {
			return netip.Addr{}, &ValidationError{
				Message: fmt.Sprintf("DNS resolution failed for %s", hostname),
				Cause:   err,
			}
		}
		addrs = resolved
	}
	if len(addrs) == 0 {
		return netip.Addr{}, validationErrorf("DNS resolution returned no addresses for %s", hostname)
	}
	if !f.allowPrivate {
		for _, addr := range addrs {
			if !isIPAllowed(addr) {
				return netip.Addr{}, validationErrorf(
					"URL resolves to blocked IP address %s: private, loopback, link-local, and reserved ranges are not allowed",
					addr.Unmap(),
				)
			}
		}
	}
	return addrs[0].Unmap(), nil
}

// pinnedClient builds an HTTP client that dials only the pinned address while
// keeping TLS SNI (and therefore certificate validation) on the original
// hostname. Redirects are surfaced, not followed: a redirect to an internal
// address would bypass the pinning check.
func (f *Fetcher) pinnedClient(pinned netip.Addr, port, hostname string) *http.Client {
	dialer := &net.Dialer{Timeout: f.timeout}
	tlsConf := &tls.Config{ServerName: hostname}
	if f.tlsConfig != nil {
		tlsConf = f.tlsConfig.Clone()
		tlsConf.ServerName = hostname
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		TLSClientConfig:   tlsConf,
		DisableKeepAlives: true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   f.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *Fetcher) fetchRaw(ctx context.Context, rawURL string, maxSize int64) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ValidationError{Message: "invalid URL", Cause: err}
	}
	// every fetch goes over TLS, even when the URL came from an
	// already-validated document
	if u.Scheme != "https" {
		return nil, validationErrorf("refusing to fetch %s: only HTTPS URLs are allowed", rawURL)
	}
	hostname := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}
	if port != "443" {
		f.slog.Warn("fetching from non-standard port", "url", rawURL, "port", port)
	}

	pinned, err := f.resolvePinned(ctx, hostname)
	if err != nil {
		return nil, err
	}
	f.slog.Debug("DNS pinned", "url", rawURL, "ip", pinned)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ValidationError{Message: "invalid URL", Cause: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.pinnedClient(pinned, port, hostname).Do(req)
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("error fetching %s", rawURL), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fetchErrorf("fetch of %s returned status %d", rawURL, resp.StatusCode)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > maxSize {
			return nil, fetchErrorf("Response too large: %d bytes (max %d bytes)", size, maxSize)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("error reading %s", rawURL), Cause: err}
	}
	if int64(len(body)) > maxSize {
		return nil, fetchErrorf("Response too large: exceeded %d bytes", maxSize)
	}
	return body, nil
}

// Fetch retrieves, parses, and validates the CIMD document hosted at
// clientIDURL. The document's client_id field must string-equal the URL it
// was fetched from.
func (f *Fetcher) Fetch(ctx context.Context, clientIDURL string) (*Document, error) {
	if _, err := validateDocumentURL(clientIDURL); err != nil {
		return nil, err
	}

	body, err := f.fetchRaw(ctx, clientIDURL, maxDocumentSize)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ValidationError{Message: "CIMD document is not valid JSON", Cause: err}
	}
	if err := doc.Validate(); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return nil, &ValidationError{Message: "Invalid CIMD document", Cause: err}
		}
		return nil, err
	}

	if doc.ClientID != clientIDURL {
		return nil, validationErrorf(
			"CIMD client_id mismatch: document says %q but was fetched from %q",
			doc.ClientID, clientIDURL,
		)
	}

	// A jwks_uri will be fetched later for assertion validation; refuse the
	// document up front if it points somewhere we would never fetch from.
	if doc.JwksURI != "" {
		ju, err := url.Parse(doc.JwksURI)
		if err != nil || ju.Scheme != "https" || ju.Hostname() == "" {
			return nil, validationErrorf("CIMD jwks_uri must be a valid HTTPS URL: %q", doc.JwksURI)
		}
		if _, err := f.resolvePinned(ctx, ju.Hostname()); err != nil {
			return nil, &ValidationError{Message: "CIMD jwks_uri failed validation", Cause: err}
		}
	}

	f.slog.Info("CIMD document fetched and validated", "client_id", clientIDURL, "client_name", doc.ClientName)
	return &doc, nil
}

// ValidateRedirectURI reports whether redirectURI is allowed by the
// document's redirect_uris list. Documents with no redirect_uris allow
// nothing. This check is informational for CIMD clients; the enforced policy
// comes from the operator's configured patterns.
func ValidateRedirectURI(doc *Document, redirectURI string) bool {
	if doc == nil || len(doc.RedirectURIs) == 0 {
		return false
	}
	return MatchRedirectURI(doc.RedirectURIs, redirectURI)
}

// MatchRedirectURI matches candidate against a pattern list supporting exact
// matches and a single wildcard standing in for a port number, e.g.
// "http://localhost:*/callback". The wildcard matches digits only.
func MatchRedirectURI(patterns []string, candidate string) bool {
	candidate = strings.TrimSuffix(candidate, "/")
	for _, pattern := range patterns {
		if matchRedirectPattern(strings.TrimSuffix(pattern, "/"), candidate) {
			return true
		}
	}
	return false
}

func matchRedirectPattern(pattern, candidate string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == candidate
	}
	if strings.Count(pattern, "*") != 1 {
		return false
	}
	i := strings.Index(pattern, "*")
	prefix, suffix := pattern[:i], pattern[i+1:]
	if len(candidate) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(candidate, prefix) || !strings.HasSuffix(candidate, suffix) {
		return false
	}
	port := candidate[len(prefix) : len(candidate)-len(suffix)]
	if port == "" {
		return false
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
