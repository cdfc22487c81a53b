package admin

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/crestline-ai/usage-console/internal/httpserver/httputil"
	usageservice "github.com/crestline-ai/usage-console/internal/services/usage"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

type usageHandler struct {
	engine *usageservice.Engine
}

func registerUsageRoutes(router fiber.Router, deps Deps) {
	handler := &usageHandler{engine: deps.Usage}

	group := router.Group("/usage")
	group.Get("/analytics", handler.analytics)
	group.Get("/breakdown", handler.breakdown)
	group.Get("/export", handler.export)
	group.Post("/refresh-today", handler.refreshToday)
}

func (h *usageHandler) analytics(c *fiber.Ctx) error {
	if h.engine == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "usage engine unavailable")
	}
	filters, err := parseFilters(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.engine.GetAnalytics(c.UserContext(), filters)
	if err != nil {
		return writeUsageError(c, err)
	}
	return c.JSON(result)
}

func (h *usageHandler) breakdown(c *fiber.Ctx) error {
	if h.engine == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "usage engine unavailable")
	}
	filters, err := parseFilters(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	group := strings.ToLower(strings.TrimSpace(c.Query("group")))
	if group == "" {
		group = "user"
	}

	ctx := c.UserContext()
	switch group {
	case "user":
		rows, err := h.engine.GetUserBreakdown(ctx, filters)
		if err != nil {
			return writeUsageError(c, err)
		}
		return c.JSON(fiber.Map{"group": group, "rows": rows})
	case "model":
		rows, err := h.engine.GetModelBreakdown(ctx, filters)
		if err != nil {
			return writeUsageError(c, err)
		}
		return c.JSON(fiber.Map{"group": group, "rows": rows})
	case "provider":
		rows, err := h.engine.GetProviderBreakdown(ctx, filters)
		if err != nil {
			return writeUsageError(c, err)
		}
		return c.JSON(fiber.Map{"group": group, "rows": rows})
	default:
		return httputil.WriteError(c, fiber.StatusBadRequest, "group must be user, model, or provider")
	}
}

func (h *usageHandler) export(c *fiber.Ctx) error {
	if h.engine == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "usage engine unavailable")
	}
	filters, err := parseFilters(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	format := usageservice.ExportFormat(strings.ToLower(strings.TrimSpace(c.Query("format"))))
	if format == "" {
		format = usageservice.FormatJSON
	}

	export, err := h.engine.ExportUsageData(c.UserContext(), filters, format)
	if err != nil {
		if errors.Is(err, usageservice.ErrInvalidRange) || errors.Is(err, usageservice.ErrRangeTooWide) {
			return writeUsageError(c, err)
		}
		if strings.Contains(err.Error(), "unsupported export format") {
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
		return writeUsageError(c, err)
	}

	c.Set(fiber.HeaderContentType, export.ContentType)
	if format == usageservice.FormatCSV {
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="usage-export.csv"`)
	}
	return c.Send(export.Data)
}

func (h *usageHandler) refreshToday(c *fiber.Ctx) error {
	if h.engine == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "usage engine unavailable")
	}
	day, err := h.engine.RefreshToday(c.UserContext())
	if err != nil {
		return writeUsageError(c, err)
	}
	return c.JSON(fiber.Map{
		"date":     day.Date,
		"requests": day.Raw.APIRequests,
		"users":    len(day.Users),
	})
}

func parseFilters(c *fiber.Ctx) (usageservice.Filters, error) {
	start := strings.TrimSpace(c.Query("start_date"))
	end := strings.TrimSpace(c.Query("end_date"))
	if start == "" || end == "" {
		return usageservice.Filters{}, errors.New("start_date and end_date are required")
	}
	return usageservice.Filters{
		StartDate:   start,
		EndDate:     end,
		UserIDs:     parseListParam(c.Query("user_ids")),
		ModelIDs:    parseListParam(c.Query("model_ids")),
		ProviderIDs: parseListParam(c.Query("provider_ids")),
		APIKeyIDs:   parseListParam(c.Query("api_key_ids")),
	}, nil
}

func parseListParam(raw string) []string {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil
	}
	parts := strings.Split(clean, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			values = append(values, value)
		}
	}
	return values
}

func writeUsageError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, usageservice.ErrInvalidRange):
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, usageservice.ErrRangeTooWide):
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, usageservice.ErrUnsupportedFilter):
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, usageservice.ErrNoData), errors.Is(err, upstream.ErrUpstream):
		return httputil.WriteError(c, fiber.StatusBadGateway, err.Error())
	default:
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
}
