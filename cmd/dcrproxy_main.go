package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mcpauth/dcrproxy/pkg/dcrproxy"
	"github.com/peterbourgon/ff/v3"
)

func main() {
	err := Run()
	if err != nil {
		slog.Error("exited uncleanly", "error", err)
		os.Exit(1)
	}
}

func Run() error {
	fs := flag.NewFlagSet("dcrproxy", flag.ExitOnError)
	noColor := fs.Bool("no-color", false, "disable colorized logging")
	verbose := fs.Bool("v", false, "enable verbose logging")
	host := fs.String("host", "", "public HTTPS address where this OAuth provider is hosted (ex example.com, no https:// prefix)")
	dbPath := fs.String("db", "dcrproxy.sqlite3", "path to the sqlite database file, empty for in-memory state")
	httpAddr := fs.String("http-addr", ":8080", "HTTP address to listen on")
	scopes := fs.String("scopes", "", "space-separated scopes requested upstream when the client names none")

	upstreamIssuer := fs.String("upstream-issuer", "", "upstream issuer URL, endpoints discovered via RFC 8414 metadata")
	upstreamAuthorize := fs.String("upstream-authorize-url", "", "upstream authorization endpoint (overrides discovery)")
	upstreamToken := fs.String("upstream-token-url", "", "upstream token endpoint (overrides discovery)")
	upstreamRevoke := fs.String("upstream-revoke-url", "", "upstream revocation endpoint (overrides discovery)")
	upstreamRegister := fs.String("upstream-register-url", "", "upstream dynamic registration endpoint; enables DCR-forwarding mode")
	upstreamClientID := fs.String("upstream-client-id", "", "fixed upstream client_id handed to registrants when DCR forwarding is off")
	upstreamClientSecret := fs.String("upstream-client-secret", "", "fixed upstream client_secret")

	enableCIMD := fs.Bool("enable-cimd", false, "accept CIMD URLs as client IDs")
	trustedDomains := fs.String("trusted-cimd-domains", "", "comma-separated domains whose CIMD clients skip consent")
	blockedDomains := fs.String("blocked-cimd-domains", "", "comma-separated domains whose CIMD clients are refused")
	redirectPatterns := fs.String("cimd-redirect-patterns", "", "comma-separated redirect URI patterns permitted for CIMD clients, empty permits all")

	err := ff.Parse(
		fs, os.Args[1:],
		ff.WithEnvVarPrefix("DCRPROXY"),
	)
	if err != nil {
		return err
	}

	if *host == "" {
		return fmt.Errorf("host is required")
	}
	if *upstreamIssuer == "" && (*upstreamAuthorize == "" || *upstreamToken == "") {
		return fmt.Errorf("either upstream-issuer or both upstream-authorize-url and upstream-token-url are required")
	}

	opts := &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
		NoColor:    *noColor,
	}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(
		tint.NewHandler(os.Stderr, opts),
	)
	slog.SetDefault(logger)

	conf := &dcrproxy.Config{
		Host:                          *host,
		UpstreamAuthorizationEndpoint: *upstreamAuthorize,
		UpstreamTokenEndpoint:         *upstreamToken,
		UpstreamRevocationEndpoint:    *upstreamRevoke,
		UpstreamRegistrationEndpoint:  *upstreamRegister,
		UpstreamClientID:              *upstreamClientID,
		UpstreamClientSecret:          *upstreamClientSecret,
		EnableCIMD:                    *enableCIMD,
		TrustedCIMDDomains:            splitList(*trustedDomains),
		BlockedCIMDDomains:            splitList(*blockedDomains),
		Slog:                          logger,
	}
	if *scopes != "" {
		conf.Scopes = strings.Fields(*scopes)
	}
	if *redirectPatterns != "" {
		conf.AllowedRedirectURIPatterns = splitList(*redirectPatterns)
	}

	if *dbPath != "" {
		store, err := NewStore(*dbPath, logger, *verbose)
		if err != nil {
			return err
		}
		conf.ClientStore = store
		conf.TokenStore = store
	}

	var p *dcrproxy.DCRProxy
	if *upstreamIssuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p, err = dcrproxy.NewFromDiscovery(ctx, conf, *upstreamIssuer)
		if err != nil {
			return err
		}
	} else {
		p = dcrproxy.New(conf)
	}

	server := &http.Server{
		Addr:    *httpAddr,
		Handler: p.Handler(),
	}

	logger.Info("starting server", "addr", *httpAddr, "host", *host)
	if err := server.ListenAndServe(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
