package admin

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/usage_insights/internal/app"
	"github.com/ncecere/usage_insights/internal/httpserver/httputil"
	analyticssvc "github.com/ncecere/usage_insights/internal/services/analytics"
	"github.com/ncecere/usage_insights/internal/storage/blob"
	"github.com/ncecere/usage_insights/internal/timeutil"
	"github.com/ncecere/usage_insights/internal/usage"
)

type analyticsHandler struct {
	container *app.Container
	service   *analyticssvc.Service
	exports   blob.Store
}

func registerAnalyticsRoutes(router fiber.Router, container *app.Container) {
	handler := &analyticsHandler{
		container: container,
		service:   container.Analytics,
		exports:   container.Exports,
	}

	group := router.Group("/analytics")
	group.Get("/", handler.summary)
	group.Get("/breakdown", handler.breakdown)
	group.Get("/export", handler.export)
	group.Get("/filters", handler.filters)
	group.Get("/cache-metrics", handler.cacheMetrics)
	group.Post("/refresh-today", handler.refreshToday)
	group.Post("/rebuild", handler.rebuild)
}

func (h *analyticsHandler) summary(c *fiber.Ctx) error {
	query, err := parseAnalyticsQuery(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.Summary(userContext(c), query)
	if err != nil {
		return writeAnalyticsError(c, err, "summary failed")
	}
	return c.JSON(result)
}

func (h *analyticsHandler) breakdown(c *fiber.Ctx) error {
	query, err := parseAnalyticsQuery(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	group := strings.ToLower(strings.TrimSpace(c.Query("group")))
	if group == "" {
		group = "user"
	}

	result, err := h.service.Breakdown(userContext(c), query, group)
	if err != nil {
		if errors.Is(err, analyticssvc.ErrUnknownGroup) {
			return httputil.WriteError(c, fiber.StatusBadRequest, "group must be user, model, or provider")
		}
		return writeAnalyticsError(c, err, "breakdown failed")
	}
	return c.JSON(result)
}

func (h *analyticsHandler) export(c *fiber.Ctx) error {
	query, err := parseAnalyticsQuery(c)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}
	if format := strings.ToLower(strings.TrimSpace(c.Query("format"))); format != "" && format != "csv" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "format must be csv")
	}

	rows, err := h.service.ExportRows(userContext(c), query)
	if err != nil {
		return writeAnalyticsError(c, err, "export failed")
	}

	var buf bytes.Buffer
	if err := analyticssvc.WriteCSV(&buf, rows); err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "encode export")
	}

	filename := fmt.Sprintf("usage_%s_%s.csv", query.Start, query.End)

	if c.QueryBool("archive") {
		if h.exports == nil {
			return httputil.WriteError(c, fiber.StatusInternalServerError, "export storage unavailable")
		}
		key := fmt.Sprintf("exports/%s", filename)
		info, err := h.exports.Put(userContext(c), key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
			ContentType: "text/csv",
			Metadata: map[string]string{
				"range-start": query.Start,
				"range-end":   query.End,
			},
		})
		if err != nil {
			return httputil.WriteError(c, fiber.StatusInternalServerError, "archive export")
		}
		return c.JSON(fiber.Map{
			"key":       info.Key,
			"size":      info.Size,
			"rows":      len(rows),
			"encrypted": info.Encrypted,
		})
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(buf.Bytes())
}

func (h *analyticsHandler) filters(c *fiber.Ctx) error {
	start := strings.TrimSpace(c.Query("start"))
	end := strings.TrimSpace(c.Query("end"))
	if start == "" || end == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "start and end parameters are required")
	}

	result, err := h.service.FilterOptions(userContext(c), start, end)
	if err != nil {
		return writeAnalyticsError(c, err, "filter options failed")
	}
	return c.JSON(result)
}

func (h *analyticsHandler) cacheMetrics(c *fiber.Ctx) error {
	return c.JSON(h.service.CacheMetrics())
}

func (h *analyticsHandler) refreshToday(c *fiber.Ctx) error {
	result, err := h.service.RefreshToday(userContext(c))
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "refresh failed")
	}
	return c.JSON(result)
}

type rebuildRequest struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Blocking bool   `json:"blocking"`
}

func (h *analyticsHandler) rebuild(c *fiber.Ctx) error {
	var req rebuildRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if (req.Start == "") != (req.End == "") {
		return httputil.WriteError(c, fiber.StatusBadRequest, "start and end must both be provided")
	}

	var rng *usage.DateRange
	if req.Start != "" {
		rng = &usage.DateRange{Start: req.Start, End: req.End}
	}

	report, err := h.service.Rebuild(userContext(c), rng, req.Blocking)
	if err != nil {
		return writeAnalyticsError(c, err, "rebuild failed")
	}
	return c.JSON(report)
}

// parseAnalyticsQuery reads the shared range + filter parameters. Date
// validation beyond presence stays with the service.
func parseAnalyticsQuery(c *fiber.Ctx) (analyticssvc.Query, error) {
	start := strings.TrimSpace(c.Query("start"))
	end := strings.TrimSpace(c.Query("end"))
	if start == "" || end == "" {
		return analyticssvc.Query{}, errors.New("start and end parameters are required")
	}

	return analyticssvc.Query{
		Start: start,
		End:   end,
		Filters: usage.FilterSet{
			UserIDs:    parseListParam(c.Query("user_ids")),
			Models:     parseListParam(c.Query("models")),
			Providers:  parseListParam(c.Query("providers")),
			KeyAliases: parseListParam(c.Query("key_aliases")),
		},
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
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values
}

// writeAnalyticsError maps service failures onto the admin API error shape
// without leaking internals on unexpected errors.
func writeAnalyticsError(c *fiber.Ctx, err error, fallback string) error {
	var rangeErr *analyticssvc.RangeError
	if errors.As(err, &rangeErr) {
		details := fiber.Map{"days": rangeErr.Result.Days}
		if len(rangeErr.Result.SuggestedRanges) > 0 {
			details["suggested_ranges"] = rangeErr.Result.SuggestedRanges
		}
		return httputil.WriteErrorCode(c, fiber.StatusBadRequest, rangeErr.Result.Code, err.Error(), details)
	}
	switch {
	case errors.Is(err, timeutil.ErrInvalidDate):
		return httputil.WriteError(c, fiber.StatusBadRequest, "dates must be formatted YYYY-MM-DD")
	case errors.Is(err, usage.ErrInvalidDateOrder):
		return httputil.WriteError(c, fiber.StatusBadRequest, "start date is after end date")
	}
	return httputil.WriteError(c, fiber.StatusInternalServerError, fallback)
}
