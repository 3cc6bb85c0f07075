package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"gopkg.in/go-playground/validator.v9"

	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/services"
)

const serviceName = "enrichment-engine"

// NewEcho builds the HTTP server with the middleware stack shared by every route.
func NewEcho(logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Validator = &customValidator{validate: validator.New()}
	e.HTTPErrorHandler = problemHandler(logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Pre(permissiveCORS)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(requestLogger(logger))
	return e
}

type customValidator struct {
	validate *validator.Validate
}

func (v *customValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// jsonSerializer swaps echo's encoding/json for goccy/go-json.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unmarshal type error: expected=%v, got=%v, field=%v", typeErr.Type, typeErr.Value, typeErr.Field)).SetInternal(err)
	case errors.As(err, &syntaxErr):
		return echo.NewHTTPError(http.StatusBadRequest, "syntax error: "+syntaxErr.Error()).SetInternal(err)
	}
	return err
}

// permissiveCORS answers every preflight with 200 and allows any origin.
func permissiveCORS(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set(echo.HeaderAccessControlAllowOrigin, "*")
		h.Set(echo.HeaderAccessControlAllowHeaders, "authorization, x-client-info, apikey, content-type")
		h.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, OPTIONS")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusOK)
		}
		return next(c)
	}
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	log := logger.Named("http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			kv := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.Round(time.Microsecond).String()}
			if v.Error != nil {
				log.Warn("request failed", append(kv, "error", v.Error)...)
				return nil
			}
			log.Info("request", kv...)
			return nil
		},
	})
}

// ProblemDetails is an RFC 7807 problem document.
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail"`
	Instance string         `json:"instance,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

func problemHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	log := logger.Named("http")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		problem := ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}
		var httpErr *echo.HTTPError
		var validationErrs validator.ValidationErrors
		var svcErr *services.Error
		switch {
		case errors.As(err, &httpErr):
			problem.Status = httpErr.Code
			problem.Detail = fmt.Sprint(httpErr.Message)
		case errors.As(err, &validationErrs):
			problem.Status = http.StatusBadRequest
			problem.Detail = validationErrs.Error()
		case errors.As(err, &svcErr):
			problem.Status = services.StatusCode(err)
			problem.Detail = svcErr.Error()
			problem.Context = svcErr.Context
		default:
			problem.Status = services.StatusCode(err)
			problem.Detail = err.Error()
		}
		problem.Title = http.StatusText(problem.Status)

		if problem.Status >= http.StatusInternalServerError {
			log.Error("request error", "path", c.Request().URL.Path, "status", problem.Status, "error", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(problem.Status)
		} else {
			err = c.JSON(problem.Status, problem)
		}
		if err != nil {
			log.Error("write problem response", "error", err)
		}
	}
}

func bindValidate(c echo.Context, i interface{}) error {
	if err := c.Bind(i); err != nil {
		return err
	}
	return c.Validate(i)
}
