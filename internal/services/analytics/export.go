package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ncecere/usage_insights/internal/timeutil"
	"github.com/ncecere/usage_insights/internal/usage"
)

// ExportRow is one flat line of the user breakdown: a user/model/key triple
// with its counters summed over the export range.
type ExportRow struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	KeyAlias string `json:"key_alias"`
	usage.Counters
}

// ExportRows flattens the filtered user breakdown across the range. The
// export range maximum is larger than the interactive one.
func (s *Service) ExportRows(ctx context.Context, q Query) ([]ExportRow, error) {
	validation, err := usage.ValidateRangeSize(q.Start, q.End, s.maxExportDays, 0)
	if err != nil {
		return nil, &RangeError{Result: validation, cause: err}
	}
	start, _ := timeutil.ParseDay(q.Start)
	end, _ := timeutil.ParseDay(q.End)

	days, err := s.collectDays(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("export usage: %w", err)
	}

	ix := usage.NewMatcher(q.Filters)
	type rowKey struct{ user, model, alias string }
	merged := map[rowKey]*ExportRow{}
	for i := range days {
		for userID, user := range days[i].Users {
			if !ix.UserMatches(userID) {
				continue
			}
			for model, modelUsage := range user.Models {
				if !ix.ModelMatches(model) {
					continue
				}
				for alias, counters := range modelUsage.APIKeys {
					if !ix.KeyMatches(alias) {
						continue
					}
					key := rowKey{user: userID, model: model, alias: alias}
					row, ok := merged[key]
					if !ok {
						row = &ExportRow{
							UserID:   userID,
							Username: user.Username,
							Email:    user.Email,
							Role:     user.Role,
							Model:    model,
							Provider: usage.ProviderForModel(model),
							KeyAlias: alias,
						}
						merged[key] = row
					}
					row.Counters.Add(counters)
				}
			}
		}
	}

	rows := make([]ExportRow, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Username != rows[j].Username {
			return rows[i].Username < rows[j].Username
		}
		if rows[i].Model != rows[j].Model {
			return rows[i].Model < rows[j].Model
		}
		return rows[i].KeyAlias < rows[j].KeyAlias
	})
	return rows, nil
}

var exportHeader = []string{
	"user_id", "username", "email", "role", "model", "provider", "key_alias",
	"api_requests", "successful_requests", "failed_requests",
	"total_tokens", "prompt_tokens", "completion_tokens", "spend",
}

// WriteCSV serializes export rows. Spend is rendered as a fixed two-decimal
// string so the artifact never carries float formatting noise.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		record := []string{
			row.UserID,
			row.Username,
			row.Email,
			row.Role,
			row.Model,
			row.Provider,
			row.KeyAlias,
			strconv.FormatInt(row.APIRequests, 10),
			strconv.FormatInt(row.SuccessfulRequests, 10),
			strconv.FormatInt(row.FailedRequests, 10),
			strconv.FormatInt(row.TotalTokens, 10),
			strconv.FormatInt(row.PromptTokens, 10),
			strconv.FormatInt(row.CompletionTokens, 10),
			decimal.NewFromFloat(row.Spend).StringFixed(2),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
