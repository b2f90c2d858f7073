package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/logger"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// QueryHandler routes a single operator query. INTEL queries return the
// topic only, ACTION queries run the adapter and persist its facts.
func QueryHandler(c echo.Context) error {
	type queryBody struct {
		Query string `json:"query" validate:"required"`
	}

	data := new(queryBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	res, err := app.Service.Query(c.Request().Context(), data.Query)
	if err != nil {
		return c.JSON(queryStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func queryStatus(err error) int {
	var malformed *common.MalformedOperatorError
	var wall *common.WallDetected
	var failure *common.AdapterFailure
	switch {
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.As(err, &wall):
		return http.StatusBadGateway
	case errors.As(err, &failure):
		return http.StatusServiceUnavailable
	}
	logger.Error("[Server] query failed", "err", err)
	return http.StatusInternalServerError
}
