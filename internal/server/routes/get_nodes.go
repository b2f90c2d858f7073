package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

type nodeParams struct {
	ID string `param:"id" validate:"required"`
}

func bindNodeParams(c echo.Context) (*nodeParams, error) {
	params := new(nodeParams)
	if err := c.Bind(params); err != nil {
		return nil, err
	}
	if err := c.Validate(params); err != nil {
		return nil, err
	}
	return params, nil
}

func nodeError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Node not found"})
	}
	return c.String(http.StatusInternalServerError, err.Error())
}

func GetNodeHandler(c echo.Context) error {
	params, err := bindNodeParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	app := c.(*middleware.AppContext).App
	n, err := app.Service.Node(c.Request().Context(), params.ID)
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, n)
}

func GetNodeClustersHandler(c echo.Context) error {
	params, err := bindNodeParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	app := c.(*middleware.AppContext).App
	clusters, err := app.Service.Clusters(c.Request().Context(), params.ID)
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, clusters)
}

// GetNodeWedgesHandler lists the lookups that could settle each binary star
// of the node.
func GetNodeWedgesHandler(c echo.Context) error {
	params, err := bindNodeParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	app := c.(*middleware.AppContext).App
	wedges, err := app.Service.Wedges(c.Request().Context(), params.ID)
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, wedges)
}
