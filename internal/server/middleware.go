package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rickgao/signalfeed/internal/metrics"
)

// recoverer turns a handler panic into a 500 response.
func recoverer(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						"path", c.Request().URL.Path,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()),
					)
					err = errorResponse(c, http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// requestLogging logs each request at debug level.
func requestLogging(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"remote", c.RealIP(),
				"status", responseStatus(c, err),
				"latency", time.Since(start),
			)
			return err
		}
	}
}

// instrument records request counts and latencies by route template.
func instrument(rec *metrics.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			rec.ObserveHTTP(route, c.Request().Method, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}

// responseStatus reports the status that will be sent for err, which echo's
// error handler has not written yet.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
