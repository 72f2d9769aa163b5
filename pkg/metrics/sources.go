package metrics

import (
	"context"
	"time"

	"github.com/jllopis/custos/pkg/skills"
)

// UsageRecord is one provider call as recorded by the cost/usage store.
type UsageRecord struct {
	Provider     string
	LatencyMS    *float64 // nil when the call never completed
	Success      bool
	RateLimitHit bool
	Cost         float64
	InputTokens  int
	OutputTokens int
}

// UsageStore exposes the cost/usage records the collector aggregates.
type UsageStore interface {
	// RecordsForDay returns all usage records for the given UTC calendar day.
	RecordsForDay(ctx context.Context, day time.Time) ([]UsageRecord, error)
}

// HeartbeatStats is the scheduler's counters at collection time.
type HeartbeatStats struct {
	Beats             int
	Actions           int
	SuccessfulActions int
	FailedActions     int
}

// SkillSource is the registry view the collector needs.
type SkillSource interface {
	Summary() skills.Summary
}

// Sources bundles the optional handles the collector pulls from. Any nil
// handle degrades the corresponding snapshot section to zero values.
type Sources struct {
	Usage     UsageStore
	Heartbeat func() HeartbeatStats
	Skills    SkillSource
	DataDir   string
}
