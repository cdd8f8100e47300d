package usage

import (
	"reflect"
	"testing"
)

func testDirectory() map[string]KeyOwner {
	return BuildKeyDirectory([]KeyOwner{
		{
			KeyHash:  "hash-alice",
			KeyAlias: "alice-prod",
			KeyName:  "Alice production key",
			UserIdentity: UserIdentity{
				UserID:   "u-alice",
				Username: "alice",
				Email:    "alice@example.com",
				Role:     "member",
			},
		},
	})
}

func testRawDay() RawDay {
	return RawDay{
		Date: "2025-01-20",
		// Top-level success/failure figures are deliberately nonsense;
		// enrichment must recompute them from the model breakdown.
		Totals: Counters{APIRequests: 16, SuccessfulRequests: 99, FailedRequests: 99, TotalTokens: 1400, PromptTokens: 840, CompletionTokens: 560, Spend: 7.0},
		Models: map[string]RawModelUsage{
			"openai/gpt-4o": {
				Counters: Counters{APIRequests: 10, SuccessfulRequests: 8, FailedRequests: 2, TotalTokens: 1000, PromptTokens: 600, CompletionTokens: 400, Spend: 5.0},
				APIKeys: map[string]Counters{
					"hash-alice": {APIRequests: 6, SuccessfulRequests: 5, FailedRequests: 1, TotalTokens: 600, PromptTokens: 360, CompletionTokens: 240, Spend: 3.0},
					"hash-ghost": {APIRequests: 3, SuccessfulRequests: 2, FailedRequests: 1, TotalTokens: 300, PromptTokens: 180, CompletionTokens: 120, Spend: 1.5},
					"":           {APIRequests: 1, SuccessfulRequests: 1, TotalTokens: 100, PromptTokens: 60, CompletionTokens: 40, Spend: 0.5},
				},
			},
			"claude-3-5-sonnet": {
				Counters: Counters{APIRequests: 4, SuccessfulRequests: 4, TotalTokens: 400, PromptTokens: 240, CompletionTokens: 160, Spend: 2.0},
				APIKeys: map[string]Counters{
					"hash-alice": {APIRequests: 4, SuccessfulRequests: 4, TotalTokens: 400, PromptTokens: 240, CompletionTokens: 160, Spend: 2.0},
				},
			},
			// Health-check traffic only: every request carries a blank
			// key hash, so the model must vanish entirely.
			"health-probe": {
				Counters: Counters{APIRequests: 2, FailedRequests: 2},
				APIKeys: map[string]Counters{
					"": {APIRequests: 2, FailedRequests: 2},
				},
			},
		},
	}
}

func TestEnrichSkipAdjustsTotals(t *testing.T) {
	day, err := Enrich(testRawDay(), testDirectory())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	want := Counters{APIRequests: 13, SuccessfulRequests: 11, FailedRequests: 2, TotalTokens: 1300, PromptTokens: 780, CompletionTokens: 520, Spend: 6.5}
	if day.Totals != want {
		t.Fatalf("totals: want %+v, got %+v", want, day.Totals)
	}

	model := day.Models["openai/gpt-4o"]
	if model == nil {
		t.Fatal("missing model breakdown")
	}
	if model.APIRequests != 9 || model.TotalTokens != 900 || model.Spend != 4.5 {
		t.Fatalf("skip-adjusted model counters wrong: %+v", model.Counters)
	}
}

func TestEnrichAttributesKnownAndUnknownUsers(t *testing.T) {
	day, err := Enrich(testRawDay(), testDirectory())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	alice := day.Users["u-alice"]
	if alice == nil {
		t.Fatal("alice missing from user breakdown")
	}
	if alice.APIRequests != 10 || alice.Spend != 5.0 {
		t.Fatalf("alice counters wrong: %+v", alice.Counters)
	}
	if alice.Username != "alice" || alice.Email != "alice@example.com" {
		t.Fatalf("alice identity wrong: %+v", alice.UserIdentity)
	}
	// Per-key breakdown is keyed by the directory alias, not the raw hash.
	if _, ok := alice.Models["openai/gpt-4o"].APIKeys["alice-prod"]; !ok {
		t.Fatalf("expected alias-keyed api key entry, got %v", alice.Models["openai/gpt-4o"].APIKeys)
	}

	unknown := day.Users[UnknownUserID]
	if unknown == nil {
		t.Fatal("unmapped hash not attributed to the unknown-user sentinel")
	}
	if unknown.Username != UnknownUsername {
		t.Fatalf("sentinel username wrong: %s", unknown.Username)
	}
	if unknown.APIRequests != 3 {
		t.Fatalf("unknown user counters wrong: %+v", unknown.Counters)
	}
	// With no alias known, the raw hash remains the key.
	if _, ok := unknown.Models["openai/gpt-4o"].APIKeys["hash-ghost"]; !ok {
		t.Fatalf("expected hash-keyed entry for unknown user, got %v", unknown.Models["openai/gpt-4o"].APIKeys)
	}
}

func TestEnrichPrunesEmptyModelsWithCascade(t *testing.T) {
	day, err := Enrich(testRawDay(), testDirectory())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if _, ok := day.Models["health-probe"]; ok {
		t.Fatal("zero-request model survived pruning")
	}
	for userID, ub := range day.Users {
		if _, ok := ub.Models["health-probe"]; ok {
			t.Fatalf("pruned model still present under user %s", userID)
		}
	}
	if _, ok := day.Providers[ProviderUnknown]; ok {
		t.Fatal("pruned model leaked into provider breakdown")
	}
}

func TestEnrichCrossConsistency(t *testing.T) {
	day, err := Enrich(testRawDay(), testDirectory())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	var fromModels, fromUsers, fromProviders Counters
	for _, mb := range day.Models {
		fromModels.Add(mb.Counters)
	}
	for _, ub := range day.Users {
		fromUsers.Add(ub.Counters)
	}
	for _, c := range day.Providers {
		fromProviders.Add(c)
	}

	if fromModels != fromUsers {
		t.Fatalf("model sum %+v != user sum %+v", fromModels, fromUsers)
	}
	if fromModels != fromProviders {
		t.Fatalf("model sum %+v != provider sum %+v", fromModels, fromProviders)
	}
	if fromModels.APIRequests != day.Totals.APIRequests || fromModels.Spend != day.Totals.Spend {
		t.Fatalf("breakdown sum %+v diverges from totals %+v", fromModels, day.Totals)
	}
}

func TestEnrichIsIdempotentOverStoredRaw(t *testing.T) {
	raw := testRawDay()
	directory := testDirectory()

	first, err := Enrich(raw, directory)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := Enrich(raw, directory)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("re-running enrichment over unchanged raw data produced a different record")
	}
}

func TestEnrichRejectsMalformedRaw(t *testing.T) {
	if _, err := Enrich(RawDay{}, nil); err == nil {
		t.Fatal("expected error for raw record without a date")
	}
}

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"openai/gpt-4o", "openai"},
		{"anthropic/claude-3-opus", "anthropic"},
		{"claude-3-5-sonnet", "anthropic"},
		{"gpt-4.1-mini", "openai"},
		{"gemini-2.0-flash", "google"},
		{"llama-3-70b", "meta"},
		{"mystery-model", ProviderUnknown},
		{"", ProviderUnknown},
	}
	for _, tt := range tests {
		if got := ProviderForModel(tt.model); got != tt.want {
			t.Errorf("ProviderForModel(%q): want %s, got %s", tt.model, tt.want, got)
		}
	}
}
