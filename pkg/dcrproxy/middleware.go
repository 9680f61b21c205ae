package dcrproxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var AccessTokenContextKey = accessTokenContextKeyType{}

type accessTokenContextKeyType struct{}

// GetAccessToken returns the verified access token for the current request,
// or nil outside a request that passed BearerMiddleware.
func GetAccessToken(ctx context.Context) *AccessToken {
	token, ok := ctx.Value(AccessTokenContextKey).(*AccessToken)
	if !ok {
		return nil
	}
	return token
}

// BearerMiddleware verifies the Authorization header against the token
// verifier and stashes the result in the request context. Requests without
// a bearer token pass through unauthenticated; protected handlers check
// GetAccessToken themselves.
func (p *DCRProxy) BearerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return next(c)
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return next(c)
		}

		access, err := p.LoadAccessToken(c.Request().Context(), token)
		if err != nil {
			p.slog.Warn("token verification errored", "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "could not verify token")
		}
		if access == nil || access.Expired() {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}

		ctx := context.WithValue(c.Request().Context(), AccessTokenContextKey, access)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (p *DCRProxy) ErrorHandlingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}
		httpError, ok := err.(*echo.HTTPError)
		if ok {
			p.slog.Error("oauth error", "code", httpError.Code, "message", httpError.Message, "internal", httpError.Internal)
			return err
		}
		p.slog.Error("unhandled error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
