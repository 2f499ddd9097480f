package server

import (
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/sentinel/internal/agent/telemetry"
)

// OpsSource exposes in-process aggregates; *telemetry.Telemetry implements it.
type OpsSource interface {
	GetSnapshot() telemetry.Snapshot
	GetPerformanceReport() string
}

// registerOps mounts operational endpoints under g.
func registerOps(g *echo.Group, src OpsSource) {
	g.GET("/performance", func(c echo.Context) error {
		return c.JSON(http.StatusOK, src.GetSnapshot())
	})
	g.GET("/dashboard", func(c echo.Context) error {
		page := "<!doctype html><html><head><meta charset=\"utf-8\"><title>Sentinel Ops</title></head>" +
			"<body style=\"font-family:system-ui,sans-serif;background:#0f172a;color:#e5e7eb\">" +
			"<h1 style=\"font-size:18px\">Operations</h1><pre>" +
			template.HTMLEscapeString(src.GetPerformanceReport()) +
			"</pre></body></html>"
		return c.HTML(http.StatusOK, page)
	})
}
