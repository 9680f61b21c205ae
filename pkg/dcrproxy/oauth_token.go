package dcrproxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

func (p *DCRProxy) HandleOAuthToken(c echo.Context) error {
	ctx, span := otel.Tracer("server").Start(c.Request().Context(), "HandleOAuthToken")
	defer span.End()
	ctx = withRequest(ctx, c.Request())

	var tokenRequest TokenRequest
	if err := c.Bind(&tokenRequest); err != nil {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_request", ErrorDescription: fmt.Sprintf("invalid request: %s", err)})
	}

	// RFC 6749 §2.3.1: credentials in the Authorization header take
	// precedence over credentials in the body.
	if basicID, basicSecret, ok := c.Request().BasicAuth(); ok {
		tokenRequest.ClientID = basicID
		tokenRequest.ClientSecret = basicSecret
	}
	if tokenRequest.ClientID == "" {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_request", ErrorDescription: "client_id is required"})
	}

	client, err := p.GetClient(ctx, tokenRequest.ClientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("could not resolve client: %s", err))
	}
	if client == nil {
		return c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "invalid_client"})
	}

	if err := p.authenticateClient(ctx, client, &tokenRequest); err != nil {
		// Deliberately uniform: a forged assertion, a replayed jti, and a
		// wrong secret all look the same from outside.
		p.slog.Warn("client authentication failed", "client_id", client.ClientID, "error", err)
		return c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "invalid_client"})
	}

	res, err := p.Token(ctx, client, &tokenRequest)
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: tokenErr.Code, ErrorDescription: tokenErr.Description})
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (p *DCRProxy) Token(ctx context.Context, client *ClientInformation, tokenRequest *TokenRequest) (*TokenResponse, error) {
	switch tokenRequest.GrantType {
	case "authorization_code":
		if tokenRequest.Code == "" {
			return nil, &TokenError{Code: "invalid_request", Description: "code is required"}
		}
		authCode, err := p.LoadAuthorizationCode(ctx, client, tokenRequest.Code)
		if err != nil {
			return nil, &TokenError{Code: "invalid_grant", Description: "could not load authorization code"}
		}
		return p.ExchangeAuthorizationCode(ctx, client, authCode)
	case "refresh_token":
		if tokenRequest.RefreshToken == "" {
			return nil, &TokenError{Code: "invalid_request", Description: "refresh_token is required"}
		}
		refreshToken, err := p.LoadRefreshToken(ctx, client, tokenRequest.RefreshToken)
		if err != nil {
			return nil, &TokenError{Code: "invalid_grant", Description: "could not load refresh token"}
		}
		if refreshToken == nil {
			return nil, &TokenError{Code: "invalid_grant", Description: "unknown refresh token"}
		}
		var scopes []string
		if tokenRequest.Scope != "" {
			scopes = splitScopes(tokenRequest.Scope)
		}
		return p.ExchangeRefreshToken(ctx, client, refreshToken, scopes)
	default:
		return nil, &TokenError{Code: "unsupported_grant_type", Description: fmt.Sprintf("unsupported grant type: %s", tokenRequest.GrantType)}
	}
}

// authenticateClient checks the downstream client's credentials. CIMD
// clients authenticate per their document (none + PKCE, or private_key_jwt);
// registered confidential clients by secret comparison.
func (p *DCRProxy) authenticateClient(ctx context.Context, client *ClientInformation, tokenRequest *TokenRequest) error {
	if client.CIMD != nil {
		if tokenRequest.ClientAssertion != "" && tokenRequest.ClientAssertionType != jwtBearerAssertionType {
			return fmt.Errorf("unsupported client_assertion_type: %s", tokenRequest.ClientAssertionType)
		}
		tokenEndpoint := fmt.Sprintf("https://%s/oauth/token", p.host)
		return p.cimd.ValidateClientAuth(ctx, client, tokenRequest.ClientAssertion, tokenEndpoint)
	}

	if client.ClientSecret != "" {
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(tokenRequest.ClientSecret)) != 1 {
			return fmt.Errorf("client secret mismatch for %s", client.ClientID)
		}
	}
	return nil
}
