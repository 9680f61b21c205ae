package dcrproxy

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

func (p *DCRProxy) HandleOAuthRevoke(c echo.Context) error {
	ctx, span := otel.Tracer("server").Start(c.Request().Context(), "HandleOAuthRevoke")
	defer span.End()

	var revokeRequest RevokeRequest
	if err := c.Bind(&revokeRequest); err != nil {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_request", ErrorDescription: fmt.Sprintf("invalid request: %s", err)})
	}
	if revokeRequest.Token == "" {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_request", ErrorDescription: "token is required"})
	}

	// RFC 7009 §2.2: the endpoint answers 200 whether or not the token was
	// known. Local removal is authoritative; the upstream call inside is
	// best-effort.
	if err := p.RevokeToken(ctx, revokeRequest.Token, revokeRequest.TokenTypeHint); err != nil {
		p.slog.Warn("local token revocation failed", "error", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{})
}
