package db

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

const SessionKey contextKey = "db_session"

// SessionMiddleware acquires one session per request and releases it when
// the handler returns.
func SessionMiddleware(src Source) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			sess, release, err := src.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(WithSession(ctx, sess)))
			return next(c)
		}
	}
}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// SessionFromContext retrieves the request-scoped session, or nil.
func SessionFromContext(ctx context.Context) Session {
	sess, _ := ctx.Value(SessionKey).(Session)
	return sess
}
