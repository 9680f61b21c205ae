package dcrproxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

func (p *DCRProxy) HandleOAuthRegister(c echo.Context) error {
	ctx, span := otel.Tracer("server").Start(c.Request().Context(), "HandleOAuthRegister")
	defer span.End()

	// No upstream registration endpoint and no fixed credentials means this
	// proxy structurally cannot register anyone.
	if !p.registrationEnabled() {
		return echo.NewHTTPError(http.StatusNotFound, "client registration is not supported")
	}

	var requested ClientInformation
	if err := json.NewDecoder(c.Request().Body).Decode(&requested); err != nil {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_client_metadata", ErrorDescription: fmt.Sprintf("invalid request: %s", err)})
	}

	info, err := p.RegisterClient(ctx, &requested)
	if err != nil {
		p.slog.Warn("client registration failed", "error", err)
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid_client_metadata", ErrorDescription: err.Error()})
	}
	return c.JSON(http.StatusCreated, info)
}
