package taskapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// HTTPMetricsRecorder receives per-route HTTP latency/outcome. Satisfied by
// *metrics.PrometheusExporter.
type HTTPMetricsRecorder interface {
	RecordHTTPRequest(route, method, status string, latency time.Duration)
}

// JWTAuth authenticates the calling coordinator with a bearer JWT signed by
// signingKey. An empty signingKey disables authentication entirely — the
// dev-only posture profile.Profile.IsAuthEnabled reports.
func JWTAuth(signingKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if signingKey == "" {
				return next(c)
			}

			const prefix = "Bearer "
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, prefix) {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			}
			raw := strings.TrimPrefix(header, prefix)

			_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(signingKey), nil
			})
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid bearer token"})
			}
			return next(c)
		}
	}
}

// PrometheusMetrics records per-route latency and status via recorder. A
// nil recorder disables the middleware.
func PrometheusMetrics(recorder HTTPMetricsRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if recorder == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			recorder.RecordHTTPRequest(route, c.Request().Method, strconv.Itoa(status), time.Since(start))
			return err
		}
	}
}
