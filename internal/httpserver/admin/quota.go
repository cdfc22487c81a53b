package admin

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/crestline-ai/usage-console/internal/httpserver/httputil"
	quotaservice "github.com/crestline-ai/usage-console/internal/services/quota"
)

type quotaHandler struct {
	service *quotaservice.Service
}

func registerQuotaRoutes(router fiber.Router, deps Deps) {
	handler := &quotaHandler{service: deps.Quota}

	group := router.Group("/quota")
	group.Post("/check", handler.check)
}

// check runs the threshold evaluation on demand, either for a specific
// subscription or for a user's active subscription. The scheduled sweep uses
// the same path; this endpoint exists for support tooling.
func (h *quotaHandler) check(c *fiber.Ctx) error {
	if h.service == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "quota service unavailable")
	}

	if raw := strings.TrimSpace(c.Query("subscription_id")); raw != "" {
		subscriptionID, err := uuid.Parse(raw)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid subscription_id")
		}
		if err := h.service.CheckSubscription(c.UserContext(), subscriptionID); err != nil {
			return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"status": "checked", "subscription_id": subscriptionID.String()})
	}

	raw := strings.TrimSpace(c.Query("user_id"))
	if raw == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "subscription_id or user_id required")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid user_id")
	}
	if err := h.service.CheckThresholds(c.UserContext(), userID); err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"status": "checked", "user_id": userID.String()})
}
