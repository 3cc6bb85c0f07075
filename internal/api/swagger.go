package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openapiSpec string

// RegisterDocs mounts the OpenAPI document and a Swagger UI page.
func RegisterDocs(e *echo.Echo) {
	e.GET("/openapi.yaml", SpecHandler)
	e.GET("/docs", SwaggerHandler)
}

// SpecHandler serves the OpenAPI YAML with {serverURL} replaced by the
// address the request came in on, so "Try it out" targets this instance.
func SpecHandler(c echo.Context) error {
	spec := strings.ReplaceAll(openapiSpec, "{serverURL}", baseURL(c))
	return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
}

// SwaggerHandler serves a Swagger UI page backed by the CDN-hosted assets.
func SwaggerHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, strings.ReplaceAll(swaggerHTML, "${SPEC_URL}", "/openapi.yaml"))
}

// baseURL derives scheme and host, honoring X-Forwarded-Proto behind a proxy.
func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Enrichment Engine API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    window.ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
    });
  }
  </script>
</body>
</html>`
