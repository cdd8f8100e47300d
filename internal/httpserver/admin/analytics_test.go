package admin

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	analyticssvc "github.com/ncecere/usage_insights/internal/services/analytics"
	"github.com/ncecere/usage_insights/internal/timeutil"
	"github.com/ncecere/usage_insights/internal/usage"
)

func TestParseListParam(t *testing.T) {
	require.Nil(t, parseListParam(""))
	require.Nil(t, parseListParam("  "))
	require.Equal(t, []string{"gpt-4o"}, parseListParam("gpt-4o"))
	require.Equal(t, []string{"a", "b"}, parseListParam(" a , b ,, "))
}

func TestParseAnalyticsQuery(t *testing.T) {
	app := fiber.New()
	var got analyticssvc.Query
	var parseErr error
	app.Get("/", func(c *fiber.Ctx) error {
		got, parseErr = parseAnalyticsQuery(c)
		return nil
	})

	req := httptest.NewRequest("GET", "/?start=2025-06-01&end=2025-06-07&user_ids=u-1,u-2&models=gpt-4o&providers=openai", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, parseErr)
	require.Equal(t, "2025-06-01", got.Start)
	require.Equal(t, "2025-06-07", got.End)
	require.Equal(t, []string{"u-1", "u-2"}, got.Filters.UserIDs)
	require.Equal(t, []string{"gpt-4o"}, got.Filters.Models)
	require.Equal(t, []string{"openai"}, got.Filters.Providers)
	require.Nil(t, got.Filters.KeyAliases)
}

func TestParseAnalyticsQueryRequiresBothDates(t *testing.T) {
	app := fiber.New()
	var parseErr error
	app.Get("/", func(c *fiber.Ctx) error {
		_, parseErr = parseAnalyticsQuery(c)
		return nil
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/?start=2025-06-01", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Error(t, parseErr)
}

func TestWriteAnalyticsErrorShapes(t *testing.T) {
	serve := func(t *testing.T, failure error) (int, map[string]any) {
		t.Helper()
		app := fiber.New()
		app.Get("/", func(c *fiber.Ctx) error {
			return writeAnalyticsError(c, failure, "request failed")
		})
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		return resp.StatusCode, body
	}

	t.Run("range too large carries code and suggestions", func(t *testing.T) {
		rangeErr := analyticssvc.NewRangeError(usage.RangeValidation{
			Days: 200,
			Code: usage.CodeRangeTooLarge,
			SuggestedRanges: []usage.DateRange{
				{Start: "2025-01-01", End: "2025-03-31"},
				{Start: "2025-04-01", End: "2025-06-30"},
			},
		}, usage.ErrRangeTooLarge)

		status, body := serve(t, rangeErr)
		require.Equal(t, fiber.StatusBadRequest, status)
		require.Equal(t, usage.CodeRangeTooLarge, body["code"])
		require.EqualValues(t, 200, body["days"])
		require.Len(t, body["suggested_ranges"], 2)
	})

	t.Run("invalid date is a 400", func(t *testing.T) {
		status, body := serve(t, timeutil.ErrInvalidDate)
		require.Equal(t, fiber.StatusBadRequest, status)
		require.NotEmpty(t, body["error"])
	})

	t.Run("unexpected errors stay opaque", func(t *testing.T) {
		status, body := serve(t, io.ErrUnexpectedEOF)
		require.Equal(t, fiber.StatusInternalServerError, status)
		require.Equal(t, "request failed", body["error"])
	})
}
