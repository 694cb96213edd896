package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hie/internal/platform/auth"
)

type cxIDKey struct{}

// CxIDHeader lets trusted internal callers name the customer explicitly.
const CxIDHeader = "X-Cx-ID"

// Customer resolves the customer (cxId) that owns the request. The JWT
// cx_id claim wins. Only internal callers may fall back to the X-Cx-ID
// header or cxId query parameter; anyone else without the claim gets 403.
func Customer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, _ := c.Get(auth.CxIDContextKey).(string)
			if raw == "" {
				if !auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.RoleInternal) {
					return echo.NewHTTPError(http.StatusForbidden, "customer id claim required")
				}
				raw = c.Request().Header.Get(CxIDHeader)
				if raw == "" {
					raw = c.QueryParam("cxId")
				}
			}
			if raw == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "missing customer id")
			}
			cxID, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid customer id")
			}

			c.Set("cx_id", cxID.String())
			ctx := WithCxID(c.Request().Context(), cxID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func WithCxID(ctx context.Context, cxID uuid.UUID) context.Context {
	return context.WithValue(ctx, cxIDKey{}, cxID)
}

// CxIDFromContext returns the customer resolved by Customer, or uuid.Nil.
func CxIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(cxIDKey{}).(uuid.UUID)
	return id
}
