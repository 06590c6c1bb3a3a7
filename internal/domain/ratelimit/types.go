// Package ratelimit provides per-category sliding-window rate limiting with
// progressive penalties.
package ratelimit

import (
	"time"
)

// Category is a coarse operation bucket with its own independent limit.
type Category string

const (
	// CategoryAuth covers login, logout and credential operations.
	CategoryAuth Category = "auth"
	// CategoryRead covers plain data reads.
	CategoryRead Category = "api_read"
	// CategoryWrite covers inserts, updates and deletes.
	CategoryWrite Category = "api_write"
	// CategoryExport covers bulk exports and reports.
	CategoryExport Category = "export"
	// CategorySearch covers search and filter queries.
	CategorySearch Category = "search"
	// CategoryDefault is used when no other category matches.
	CategoryDefault Category = "default"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryAuth,
	CategoryRead,
	CategoryWrite,
	CategoryExport,
	CategorySearch,
	CategoryDefault,
}

// DefaultLimits are the per-minute request limits for each category.
var DefaultLimits = map[Category]int{
	CategoryAuth:    5,
	CategoryRead:    60,
	CategoryWrite:   30,
	CategoryExport:  3,
	CategorySearch:  100,
	CategoryDefault: 50,
}

const (
	// Window is the trailing interval over which requests are counted.
	Window = 60 * time.Second

	// PenaltyStep is the block duration added per excess request.
	PenaltyStep = 30 * time.Second

	// MaxPenalty caps a single penalty.
	MaxPenalty = 5 * time.Minute

	// BurstWindow is the trailing interval used for burst detection.
	BurstWindow = 10 * time.Second

	// BurstThreshold is the per-category request count inside BurstWindow
	// above which a category is flagged.
	BurstThreshold = 20

	// SystemThreshold is the aggregate request count inside Window above
	// which the whole system is flagged.
	SystemThreshold = 200
)

// Penalty records a category that is currently blocked.
type Penalty struct {
	// BlockedUntil is when the block lifts.
	BlockedUntil time.Time `json:"blocked_until"`
	// Reason describes why the block was applied.
	Reason string `json:"reason"`
	// ExcessCount is how far over the limit the category was.
	ExcessCount int `json:"excess_count"`
	// Forced is true when the block was imposed externally (e.g. brute force)
	// rather than by the category's own counter.
	Forced bool `json:"forced"`
}

// Result is the outcome of a single rate limit decision.
type Result struct {
	// Allowed indicates whether the request was accepted and recorded.
	Allowed bool
	// Category is the category the decision applied to.
	Category Category
	// RetryAfter is the time until the block lifts. Zero when allowed.
	RetryAfter time.Duration
	// Penalty is the active penalty when the request was rejected.
	Penalty *Penalty
}

// Status is a point-in-time view of one category for dashboards.
type Status struct {
	Category     Category  `json:"category"`
	Count        int       `json:"count"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// BurstReport is the advisory output of DetectBurstPatterns.
type BurstReport struct {
	// Categories maps each flagged category to its count inside BurstWindow.
	Categories map[Category]int `json:"categories"`
	// SystemFlagged is true when aggregate traffic exceeded SystemThreshold.
	SystemFlagged bool `json:"system_flagged"`
	// SystemCount is the aggregate count inside Window.
	SystemCount int `json:"system_count"`
	// CheckedAt is when the report was produced.
	CheckedAt time.Time `json:"checked_at"`
}

// Detected reports whether any burst was flagged.
func (r BurstReport) Detected() bool {
	return r.SystemFlagged || len(r.Categories) > 0
}

// PenaltyDuration returns the block duration for the given excess count:
// min(excess * PenaltyStep, MaxPenalty).
func PenaltyDuration(excess int) time.Duration {
	if excess < 1 {
		excess = 1
	}
	d := time.Duration(excess) * PenaltyStep
	if d > MaxPenalty {
		return MaxPenalty
	}
	return d
}
