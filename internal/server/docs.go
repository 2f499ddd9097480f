package server

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openapiSpec []byte

// registerDocs serves the OpenAPI document and a ReDoc page for it.
func registerDocs(e *echo.Echo) {
	e.GET("/api/openapi.yaml", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", openapiSpec)
	})
	e.GET("/api/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, docsPage)
	})
}

const docsPage = `<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Sentinel API</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>body{margin:0;padding:0;}</style>
  </head>
  <body>
    <div id="redoc"></div>
    <script src="https://cdn.jsdelivr.net/npm/redoc/bundles/redoc.standalone.js"></script>
    <script>Redoc.init('/api/openapi.yaml', {}, document.getElementById('redoc'))</script>
  </body>
</html>`
