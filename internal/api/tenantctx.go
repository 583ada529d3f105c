package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"flow-orchestrator/backend/pkg/models"
)

// Scoping headers set by the platform gateway, which terminates
// authentication in front of this service.
const (
	HeaderTenantID     = "X-Tenant-ID"
	HeaderEngagementID = "X-Engagement-ID"
	HeaderPrincipalID  = "X-Principal-ID"

	tenantContextKey = "tenant_ctx"
)

// TenantMiddleware resolves the scoping headers into a models.TenantContext
// once per request. Requests without a complete scoping triple are rejected
// before any handler runs.
func TenantMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tctx := models.TenantContext{
				TenantID:     c.Request().Header.Get(HeaderTenantID),
				EngagementID: c.Request().Header.Get(HeaderEngagementID),
				PrincipalID:  c.Request().Header.Get(HeaderPrincipalID),
			}
			if !tctx.Valid() {
				return problem(c, http.StatusBadRequest, "missing tenant scope",
					"X-Tenant-ID, X-Engagement-ID and X-Principal-ID headers are required")
			}
			c.Set(tenantContextKey, tctx)
			return next(c)
		}
	}
}

// TenantFromContext returns the tenant context stored by TenantMiddleware.
// Routes reached without the middleware fail with a 400.
func TenantFromContext(c echo.Context) (models.TenantContext, error) {
	tctx, ok := c.Get(tenantContextKey).(models.TenantContext)
	if !ok || !tctx.Valid() {
		return models.TenantContext{}, echo.NewHTTPError(http.StatusBadRequest,
			"request was not resolved to a tenant context")
	}
	return tctx, nil
}
