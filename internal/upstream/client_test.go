package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchDayNormalizesBreakdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("date"); got != "2025-01-20" {
			t.Errorf("want date param 2025-01-20, got %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-admin" {
			t.Errorf("missing bearer header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"date": "2025-01-20",
			"api_requests": 12,
			"successful_requests": 10,
			"failed_requests": 2,
			"total_tokens": 3400,
			"prompt_tokens": 2000,
			"completion_tokens": 1400,
			"spend": 1.25,
			"breakdown": {
				"models": {
					"gpt-4o": {
						"api_requests": 12,
						"successful_requests": 10,
						"failed_requests": 2,
						"total_tokens": 3400,
						"prompt_tokens": 2000,
						"completion_tokens": 1400,
						"spend": 1.25,
						"api_key_breakdown": {
							"hash-1": {"api_requests": 12, "successful_requests": 10, "failed_requests": 2, "total_tokens": 3400, "prompt_tokens": 2000, "completion_tokens": 1400, "spend": 1.25}
						}
					}
				}
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "sk-admin"})
	raw, err := client.FetchDay(context.Background(), "2025-01-20")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if raw == nil {
		t.Fatal("expected data")
	}
	if raw.Totals.APIRequests != 12 || raw.Totals.Spend != 1.25 {
		t.Fatalf("totals wrong: %+v", raw.Totals)
	}
	model, ok := raw.Models["gpt-4o"]
	if !ok {
		t.Fatal("model missing")
	}
	if model.APIKeys["hash-1"].TotalTokens != 3400 {
		t.Fatalf("key breakdown wrong: %+v", model.APIKeys)
	}
}

func TestFetchDayZeroActivityIsNoData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"date": "2025-01-20", "api_requests": 0, "breakdown": {"models": {}}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	raw, err := client.FetchDay(context.Background(), "2025-01-20")
	if err != nil {
		t.Fatalf("zero-activity day must not be an error, got %v", err)
	}
	if raw != nil {
		t.Fatalf("zero-activity day must be no data, got %+v", raw)
	}
}

func TestFetchDayRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 2, Timeout: time.Second})
	_, err := client.FetchDay(context.Background(), "2025-01-20")
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("want ErrFetchFailed, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("want 3 attempts, got %d", got)
	}
}

func TestFetchDayRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"date": "2025-01-20", "api_requests": 1, "breakdown": {"models": {"gpt-4o": {"api_requests": 1, "api_key_breakdown": {}}}}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 2})
	raw, err := client.FetchDay(context.Background(), "2025-01-20")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if raw == nil || raw.Totals.APIRequests != 1 {
		t.Fatalf("unexpected result: %+v", raw)
	}
}
