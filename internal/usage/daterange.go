package usage

import (
	"errors"
	"time"

	"github.com/ncecere/usage_insights/internal/timeutil"
)

var (
	ErrInvalidDateOrder = errors.New("start date is after end date")
	ErrRangeTooLarge    = errors.New("date range exceeds maximum")
)

// Validation codes surfaced to callers alongside the sentinel errors.
const (
	CodeInvalidDateOrder = "INVALID_DATE_ORDER"
	CodeRangeTooLarge    = "DATE_RANGE_TOO_LARGE"
)

// DateRange is an inclusive calendar span.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RangeValidation is the outcome of validating a requested span.
type RangeValidation struct {
	Valid bool   `json:"valid"`
	Days  int    `json:"days"`
	Code  string `json:"code,omitempty"`
	// LargeRange marks a span above the warning threshold. Non-fatal; it
	// only affects logging and response metadata upstream.
	LargeRange bool `json:"large_range,omitempty"`
	// SuggestedRanges covers the requested span with maximum-sized chunks
	// when the range was rejected as too large, so the caller can retry.
	SuggestedRanges []DateRange `json:"suggested_ranges,omitempty"`
}

// ValidateRangeSize checks a start/end calendar-date pair against maxDays.
// warnDays enables the non-fatal large-range flag when > 0.
func ValidateRangeSize(startStr, endStr string, maxDays, warnDays int) (RangeValidation, error) {
	start, err := timeutil.ParseDay(startStr)
	if err != nil {
		return RangeValidation{}, err
	}
	end, err := timeutil.ParseDay(endStr)
	if err != nil {
		return RangeValidation{}, err
	}
	if start.After(end) {
		return RangeValidation{Code: CodeInvalidDateOrder}, ErrInvalidDateOrder
	}

	days := timeutil.DaysBetween(start, end)
	result := RangeValidation{Valid: true, Days: days}
	if warnDays > 0 && days > warnDays {
		result.LargeRange = true
	}
	if maxDays > 0 && days > maxDays {
		result.Valid = false
		result.Code = CodeRangeTooLarge
		result.SuggestedRanges = suggestRanges(start, end, maxDays)
		return result, ErrRangeTooLarge
	}
	return result, nil
}

// SuggestRanges greedily chunks [startStr, endStr] into contiguous sub-ranges
// of at most maxDays each.
func SuggestRanges(startStr, endStr string, maxDays int) ([]DateRange, error) {
	start, err := timeutil.ParseDay(startStr)
	if err != nil {
		return nil, err
	}
	end, err := timeutil.ParseDay(endStr)
	if err != nil {
		return nil, err
	}
	if start.After(end) {
		return nil, ErrInvalidDateOrder
	}
	return suggestRanges(start, end, maxDays), nil
}

func suggestRanges(start, end time.Time, maxDays int) []DateRange {
	if maxDays <= 0 {
		maxDays = 1
	}
	var ranges []DateRange
	for cursor := start; !cursor.After(end); {
		chunkEnd := timeutil.AddDays(cursor, maxDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		ranges = append(ranges, DateRange{
			Start: timeutil.FormatDay(cursor),
			End:   timeutil.FormatDay(chunkEnd),
		})
		cursor = timeutil.AddDays(chunkEnd, 1)
	}
	return ranges
}
