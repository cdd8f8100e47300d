package analytics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ncecere/usage_insights/internal/usage"
)

func TestExportRowsFlattenAndMerge(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")
	env.fetcher.data["2025-06-11"] = testRaw("2025-06-11")

	rows, err := env.svc.ExportRows(context.Background(), Query{Start: "2025-06-10", End: "2025-06-11"})
	if err != nil {
		t.Fatalf("export rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("same user/model/key across days must merge into one row, got %d", len(rows))
	}

	row := rows[0]
	if row.UserID != "u-alice" || row.Model != "gpt-4o" || row.KeyAlias != "alice-prod" {
		t.Fatalf("unexpected row identity: %+v", row)
	}
	if row.Provider != "openai" {
		t.Fatalf("expected derived provider, got %q", row.Provider)
	}
	if row.APIRequests != 8 || row.Spend != 5.0 {
		t.Fatalf("expected summed counters across both days, got %+v", row.Counters)
	}
}

func TestExportRowsHonorFilters(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.data["2025-06-10"] = testRaw("2025-06-10")

	rows, err := env.svc.ExportRows(context.Background(), Query{
		Start:   "2025-06-10",
		End:     "2025-06-10",
		Filters: usage.FilterSet{Models: []string{"claude-3-5-sonnet"}},
	})
	if err != nil {
		t.Fatalf("export rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("non-matching model filter should yield no rows, got %+v", rows)
	}
}

func TestExportRangeUsesExportMaximum(t *testing.T) {
	env := newTestEnv(t)

	// 180 days exceeds the interactive cap but not the export cap.
	if _, err := env.svc.ExportRows(context.Background(), Query{Start: "2025-01-01", End: "2025-06-29"}); err != nil {
		t.Fatalf("export-sized range should validate: %v", err)
	}

	_, err := env.svc.ExportRows(context.Background(), Query{Start: "2024-01-01", End: "2025-06-30"})
	if !errors.Is(err, usage.ErrRangeTooLarge) {
		t.Fatalf("expected range-too-large beyond the export cap, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	rows := []ExportRow{
		{
			UserID:   "u-alice",
			Username: "alice",
			Email:    "alice@example.com",
			Role:     "member",
			Model:    "gpt-4o",
			Provider: "openai",
			KeyAlias: "alice-prod",
			Counters: usage.Counters{
				APIRequests:        8,
				SuccessfulRequests: 6,
				FailedRequests:     2,
				TotalTokens:        800,
				PromptTokens:       480,
				CompletionTokens:   320,
				Spend:              5,
			},
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "user_id,username,email") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], ",5.00") {
		t.Fatalf("spend must be a fixed two-decimal string: %q", lines[1])
	}
}
