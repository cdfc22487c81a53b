package admin

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/crestline-ai/usage-console/internal/httpserver/httputil"
	"github.com/crestline-ai/usage-console/internal/services/quota"
	"github.com/crestline-ai/usage-console/internal/services/usage"
)

// Deps carries the services the admin API exposes.
type Deps struct {
	AdminToken string
	Usage      *usage.Engine
	Quota      *quota.Service
}

// Register mounts the admin API under /admin, protected by the static admin
// token when one is configured.
func Register(app *fiber.App, deps Deps) {
	group := app.Group("/admin", requireAdminToken(deps.AdminToken))

	registerUsageRoutes(group, deps)
	registerQuotaRoutes(group, deps)
}

// requireAdminToken accepts the token either as a bearer credential or in the
// X-Admin-Token header. The comparison is constant-time.
func requireAdminToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			// No token configured means the deployment fronts its own auth.
			return c.Next()
		}
		presented := strings.TrimSpace(c.Get("X-Admin-Token"))
		if presented == "" {
			auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid admin token")
		}
		return c.Next()
	}
}
