package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/rules"

	"github.com/labstack/echo/v4"
)

func GetRulesHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	return c.JSON(http.StatusOK, app.Service.Rules().Export())
}

func GetRulesSchemaHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, rules.Schema())
}

func GetTemplatesHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	ts := app.Service.Templates()
	out := make([]*cascade.Template, 0)
	for _, name := range ts.Names() {
		t, _ := ts.Get(name)
		out = append(out, t)
	}
	return c.JSON(http.StatusOK, out)
}
