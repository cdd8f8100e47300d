package usage

import "time"

// Counters is the shared metric shape reported by the upstream usage API at
// every nesting level (day, model, api key).
type Counters struct {
	APIRequests        int64   `json:"api_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalTokens        int64   `json:"total_tokens"`
	PromptTokens       int64   `json:"prompt_tokens"`
	CompletionTokens   int64   `json:"completion_tokens"`
	Spend              float64 `json:"spend"`
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.APIRequests += other.APIRequests
	c.SuccessfulRequests += other.SuccessfulRequests
	c.FailedRequests += other.FailedRequests
	c.TotalTokens += other.TotalTokens
	c.PromptTokens += other.PromptTokens
	c.CompletionTokens += other.CompletionTokens
	c.Spend += other.Spend
}

// Subtract removes other from c.
func (c *Counters) Subtract(other Counters) {
	c.APIRequests -= other.APIRequests
	c.SuccessfulRequests -= other.SuccessfulRequests
	c.FailedRequests -= other.FailedRequests
	c.TotalTokens -= other.TotalTokens
	c.PromptTokens -= other.PromptTokens
	c.CompletionTokens -= other.CompletionTokens
	c.Spend -= other.Spend
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// RawModelUsage is one model's slice of a raw day record, keyed internally by
// opaque api-key hash.
type RawModelUsage struct {
	Counters
	APIKeys map[string]Counters `json:"api_keys"`
}

// RawDay is the normalized per-date payload from the upstream usage API.
// Immutable once fetched.
type RawDay struct {
	Date   string                   `json:"date"`
	Totals Counters                 `json:"totals"`
	Models map[string]RawModelUsage `json:"models"`
}

// UserIdentity is the resolved owner of an api key.
type UserIdentity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

const (
	// UnknownUserID is the sentinel identity for usage whose key hash is
	// present but does not resolve against the key directory.
	UnknownUserID   = "unknown"
	UnknownUsername = "Unknown User"
)

// UnknownUser returns the sentinel identity.
func UnknownUser() UserIdentity {
	return UserIdentity{UserID: UnknownUserID, Username: UnknownUsername}
}

// KeyOwner maps a stable api-key hash to its owning user. Matching is always
// on KeyHash; KeyAlias is display-only and may be renamed.
type KeyOwner struct {
	KeyHash  string `json:"key_hash"`
	KeyAlias string `json:"key_alias"`
	KeyName  string `json:"key_name"`
	UserIdentity
}

// ModelBreakdown is a model's counters plus its per-user attribution.
type ModelBreakdown struct {
	Counters
	Users map[string]Counters `json:"users"`
}

// UserModelBreakdown is one user's usage of one model, broken down further by
// api-key alias (raw hash for unknown users).
type UserModelBreakdown struct {
	Counters
	APIKeys map[string]Counters `json:"api_keys"`
}

// UserBreakdown is a user's identity, day counters, and per-model usage.
type UserBreakdown struct {
	UserIdentity
	Counters
	Models map[string]*UserModelBreakdown `json:"models"`
}

// EnrichedDay is a RawDay with every key hash resolved to a user identity.
// Its three views (Models, Users, Providers) stay mutually consistent: after
// skip-adjustment, summing any one of them yields Totals.
type EnrichedDay struct {
	Date      string                     `json:"date"`
	Totals    Counters                   `json:"totals"`
	Models    map[string]*ModelBreakdown `json:"models"`
	Users     map[string]*UserBreakdown  `json:"users"`
	Providers map[string]Counters        `json:"providers"`
}

// CachedDay is one persisted cache row: the immutable raw payload plus the
// derived views, so rebuilds can regenerate breakdowns without refetching.
type CachedDay struct {
	Date         string      `json:"date"`
	Raw          RawDay      `json:"raw"`
	Enriched     EnrichedDay `json:"enriched"`
	IsCurrentDay bool        `json:"is_current_day"`
	CachedAt     time.Time   `json:"cached_at"`
}
