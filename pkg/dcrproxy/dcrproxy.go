package dcrproxy

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

// DCRProxy presents an OAuth 2.1 authorization server to downstream clients
// while proxying the substantive work (authorization, token issuance,
// revocation) to a real upstream server. Downstream clients register here,
// via DCR forwarding or fixed upstream credentials, or identify themselves
// with a CIMD URL and skip registration entirely.
type DCRProxy struct {
	upstreamAuthorizationEndpoint string
	upstreamTokenEndpoint         string
	upstreamRevocationEndpoint    string
	upstreamRegistrationEndpoint  string
	upstreamClientID              string
	upstreamClientSecret          string

	host                 string
	scopes               []string
	extraAuthorizeParams map[string]string

	clients  ClientStore
	tokens   TokenStore
	cimd     *ClientManager
	verifier TokenVerifier

	lock       func(id string) (func(), error)
	httpClient *http.Client
	slog       *slog.Logger

	Echo *echo.Echo
}

type Config struct {
	// Upstream endpoints. The authorization and token endpoints are
	// required; revocation is optional. A registration endpoint switches the
	// proxy into DCR-forwarding mode; without one it runs in fixed-credential
	// mode and hands every registrant the upstream client identity below.
	UpstreamAuthorizationEndpoint string
	UpstreamTokenEndpoint         string
	UpstreamRevocationEndpoint    string
	UpstreamRegistrationEndpoint  string

	UpstreamClientID     string
	UpstreamClientSecret string

	// Host is this proxy's public hostname, used as the issuer and in
	// authorization-server metadata.
	Host string

	// Scopes requested upstream when the downstream client names none.
	Scopes []string

	// ExtraAuthorizeParams are appended verbatim to every upstream
	// authorization URL (audience hints, tenant selectors, and the like).
	ExtraAuthorizeParams map[string]string

	// ClientStore and TokenStore default to a shared in-memory store. Durable
	// deployments inject their own; see cmd/ for a gorm-backed pair.
	ClientStore ClientStore
	TokenStore  TokenStore

	// Verifier validates inbound bearer tokens. Defaults to trusting the
	// proxy's own token bookkeeping, which is correct for opaque upstream
	// tokens. JWT upstreams should inject a JWTVerifier.
	Verifier TokenVerifier

	// EnableCIMD turns on URL-based client IDs.
	EnableCIMD bool
	// TrustedCIMDDomains skip the consent interstitial. BlockedCIMDDomains
	// are refused outright and win over trusted.
	TrustedCIMDDomains []string
	BlockedCIMDDomains []string
	// AllowedRedirectURIPatterns is the operator redirect policy for CIMD
	// clients. nil permits any redirect URI the document lists.
	AllowedRedirectURIPatterns []string

	// Lock on the given key, return a function to unlock. If not provided, DCRProxy will use a local lock,
	// but you'll run into trouble with multiple nodes attempting to rotate the same refresh token at the same time.
	Lock func(id string) (func(), error)

	// HTTPClient is used for upstream token/registration/revocation calls.
	HTTPClient *http.Client

	Slog *slog.Logger
}

func New(conf *Config) *DCRProxy {
	e := echo.New()
	mySlog := conf.Slog
	if mySlog == nil {
		mySlog = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	clients := conf.ClientStore
	tokens := conf.TokenStore
	if clients == nil || tokens == nil {
		mem := NewMemoryStore()
		if clients == nil {
			clients = mem
		}
		if tokens == nil {
			tokens = mem
		}
	}
	verifier := conf.Verifier
	if verifier == nil {
		verifier = &StaticVerifier{Tokens: tokens}
	}
	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	p := &DCRProxy{
		upstreamAuthorizationEndpoint: conf.UpstreamAuthorizationEndpoint,
		upstreamTokenEndpoint:         conf.UpstreamTokenEndpoint,
		upstreamRevocationEndpoint:    conf.UpstreamRevocationEndpoint,
		upstreamRegistrationEndpoint:  conf.UpstreamRegistrationEndpoint,
		upstreamClientID:              conf.UpstreamClientID,
		upstreamClientSecret:          conf.UpstreamClientSecret,
		host:                          conf.Host,
		scopes:                        conf.Scopes,
		extraAuthorizeParams:          conf.ExtraAuthorizeParams,
		clients:                       clients,
		tokens:                        tokens,
		verifier:                      verifier,
		httpClient:                    httpClient,
		slog:                          mySlog,
		Echo:                          e,
	}

	if conf.EnableCIMD {
		fetcher := NewFetcher(mySlog)
		trust := &TrustPolicy{
			TrustedDomains: conf.TrustedCIMDDomains,
			BlockedDomains: conf.BlockedCIMDDomains,
		}
		validator := NewAssertionValidator(fetcher, mySlog)
		p.cimd = NewClientManager(fetcher, trust, validator, conf.AllowedRedirectURIPatterns, mySlog)
	}

	if conf.Lock != nil {
		p.lock = conf.Lock
	} else {
		p.lock = NewNamedLocks().Locker()
	}

	p.Echo.GET("/.well-known/oauth-authorization-server", p.HandleOAuthAuthorizationServer)
	p.Echo.GET("/.well-known/oauth-protected-resource", p.HandleOAuthProtectedResource)
	p.Echo.GET("/oauth/authorize", p.HandleOAuthAuthorize)
	p.Echo.POST("/oauth/token", p.HandleOAuthToken)
	p.Echo.POST("/oauth/register", p.HandleOAuthRegister)
	p.Echo.POST("/oauth/revoke", p.HandleOAuthRevoke)
	p.Echo.Use(p.ErrorHandlingMiddleware)
	return p
}

func (p *DCRProxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		p.Echo.ServeHTTP(w, r)
	})
}
