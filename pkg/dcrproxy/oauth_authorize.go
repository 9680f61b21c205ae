package dcrproxy

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

func (p *DCRProxy) HandleOAuthAuthorize(c echo.Context) error {
	ctx, span := otel.Tracer("server").Start(c.Request().Context(), "HandleOAuthAuthorize")
	defer span.End()
	ctx = withRequest(ctx, c.Request())
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")

	clientID := c.QueryParam("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	if rt := c.QueryParam("response_type"); rt != "" && rt != "code" {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported response_type: %s", rt))
	}

	params := &AuthorizationParams{
		RedirectURI:         c.QueryParam("redirect_uri"),
		State:               c.QueryParam("state"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}
	if scope := c.QueryParam("scope"); scope != "" {
		params.Scopes = strings.Fields(scope)
	}
	if params.RedirectURI == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "redirect_uri is required")
	}

	client, err := p.GetClient(ctx, clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("could not resolve client: %s", err))
	}
	if client == nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown client: %s", clientID))
	}

	if err := p.checkRedirectURI(client, params.RedirectURI); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	redirectURL, err := p.Authorize(client, params)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("could not build authorization URL: %s", err))
	}

	p.slog.Info("redirecting to upstream authorization endpoint", "client_id", clientID, "skip_consent", p.cimd.ShouldSkipConsent(clientID))
	return c.Redirect(http.StatusTemporaryRedirect, redirectURL)
}

// checkRedirectURI applies the redirect policy appropriate to how the client
// was resolved. CIMD clients are held to their document plus operator
// patterns; registered clients to their registered URIs; temporary clients to
// the URIs their own request introduced.
func (p *DCRProxy) checkRedirectURI(client *ClientInformation, redirectURI string) error {
	if client.CIMD != nil {
		return p.cimd.ValidateRedirectURI(client, redirectURI)
	}
	if len(client.RedirectURIs) == 0 {
		return nil
	}
	if slices.Contains(client.RedirectURIs, redirectURI) {
		return nil
	}
	return fmt.Errorf("redirect_uri %s is not registered for client %s", redirectURI, client.ClientID)
}
