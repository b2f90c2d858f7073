package server

import (
	"github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/internal/server/routes"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, m *metrics.Collector) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Operator routes
	apiRoutes.POST("/query", routes.QueryHandler, middleware.RequirePermission("graph.query"))

	// Investigation routes
	apiRoutes.POST("/investigations", routes.CreateInvestigationHandler, middleware.RequirePermission("investigation.create"))
	apiRoutes.GET("/investigations/:id", routes.GetInvestigationHandler, middleware.RequirePermission("investigation.view"))

	// Graph routes
	apiRoutes.GET("/nodes/:id", routes.GetNodeHandler, middleware.RequirePermission("graph.view"))
	apiRoutes.GET("/nodes/:id/clusters", routes.GetNodeClustersHandler, middleware.RequirePermission("graph.view"))
	apiRoutes.GET("/nodes/:id/wedges", routes.GetNodeWedgesHandler, middleware.RequirePermission("graph.view"))

	// Rule and template routes
	apiRoutes.GET("/rules", routes.GetRulesHandler, middleware.RequirePermission("rules.view"))
	apiRoutes.GET("/rules/schema", routes.GetRulesSchemaHandler, middleware.RequirePermission("rules.view"))
	apiRoutes.GET("/templates", routes.GetTemplatesHandler, middleware.RequireAnyPermission("rules.view", "investigation.create"))
}
