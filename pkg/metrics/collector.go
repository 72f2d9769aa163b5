package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// moduleStart anchors the uptime calculation.
var moduleStart = time.Now()

// Collector assembles metrics snapshots from injected sources. Every
// sub-collector is isolated: a failing source yields zero values for that
// section and never fails the snapshot.
type Collector struct {
	sources Sources
	logger  *slog.Logger
}

// NewCollector creates a Collector over the given sources.
func NewCollector(sources Sources) *Collector {
	return &Collector{sources: sources, logger: slog.Default()}
}

// CollectAll gathers all five metric groups and assembles a snapshot.
func (c *Collector) CollectAll(ctx context.Context) Snapshot {
	start := time.Now()
	now := start.UTC()

	records := c.todayRecords(ctx, now)

	snap := Snapshot{
		Timestamp:   now,
		Performance: c.collectPerformance(records),
		Reliability: c.collectReliability(records),
		Usage:       c.collectUsage(records),
		System:      c.collectSystem(),
		Skills:      c.collectSkills(),
	}
	snap.CollectionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	snap.CollectedAt = now.Format(time.RFC3339)
	return snap
}

func (c *Collector) todayRecords(ctx context.Context, now time.Time) []UsageRecord {
	if c.sources.Usage == nil {
		return nil
	}
	records, err := c.sources.Usage.RecordsForDay(ctx, now)
	if err != nil {
		c.logger.Warn("metrics.usage_store.failed", slog.String("error", err.Error()))
		return nil
	}
	return records
}

func (c *Collector) collectPerformance(records []UsageRecord) PerformanceMetrics {
	m := PerformanceMetrics{
		AvgLatencyMS:       map[string]float64{},
		P95LatencyMS:       map[string]float64{},
		RequestsByProvider: map[string]int{},
	}
	latencies := map[string][]float64{}
	for _, rec := range records {
		m.TotalRequests++
		m.RequestsByProvider[rec.Provider]++
		if rec.LatencyMS != nil {
			latencies[rec.Provider] = append(latencies[rec.Provider], *rec.LatencyMS)
		}
	}
	for provider, values := range latencies {
		m.AvgLatencyMS[provider] = mean(values)
		m.P95LatencyMS[provider] = p95(values)
	}
	return m
}

func (c *Collector) collectReliability(records []UsageRecord) ReliabilityMetrics {
	m := ReliabilityMetrics{
		ErrorRates:           map[string]float64{},
		RateLimitsByProvider: map[string]int{},
		FailedSkillNames:     []string{},
		HeartbeatSuccessRate: 1.0,
		UptimeSeconds:        time.Since(moduleStart).Seconds(),
	}

	attempts := map[string]int{}
	failures := map[string]int{}
	for _, rec := range records {
		attempts[rec.Provider]++
		if !rec.Success {
			failures[rec.Provider]++
		}
		if rec.RateLimitHit {
			m.RateLimitHits++
			m.RateLimitsByProvider[rec.Provider]++
		}
	}
	for provider, total := range attempts {
		m.ErrorRates[provider] = float64(failures[provider]) / float64(total)
	}

	if c.sources.Heartbeat != nil {
		stats := c.sources.Heartbeat()
		if sum := stats.SuccessfulActions + stats.FailedActions; sum > 0 {
			m.HeartbeatSuccessRate = float64(stats.SuccessfulActions) / float64(sum)
		}
	}

	if c.sources.Skills != nil {
		summary := c.sources.Skills.Summary()
		m.FailedSkills = summary.Errors
		if names, ok := summary.ByStatus["error"]; ok {
			m.FailedSkillNames = append(m.FailedSkillNames, names...)
		}
	}
	return m
}

func (c *Collector) collectUsage(records []UsageRecord) UsageMetrics {
	m := UsageMetrics{CostByProvider: map[string]float64{}}
	for _, rec := range records {
		m.CostToday += rec.Cost
		m.CostByProvider[rec.Provider] += rec.Cost
		m.InputTokens += rec.InputTokens
		m.OutputTokens += rec.OutputTokens
	}
	if m.CostToday < 0 {
		m.CostToday = 0
	}
	if c.sources.Heartbeat != nil {
		stats := c.sources.Heartbeat()
		m.HeartbeatBeats = stats.Beats
		m.HeartbeatActions = stats.Actions
	}
	return m
}

func (c *Collector) collectSystem() SystemMetrics {
	var m SystemMetrics

	// All fields default to 0 on any OS-level error.
	if rssMB, totalMB, ok := processMemory(); ok {
		m.MemoryMB = rssMB
		if totalMB > 0 {
			m.MemoryPercent = rssMB / totalMB * 100
		}
	}
	if total, free, ok := diskUsage(c.sources.DataDir); ok {
		const gb = 1024 * 1024 * 1024
		m.DiskTotalGB = float64(total) / gb
		m.DiskFreeGB = float64(free) / gb
		m.DiskUsedGB = float64(total-free) / gb
		if total > 0 {
			m.DiskUsagePercent = float64(total-free) / float64(total) * 100
		}
	}
	return m
}

func (c *Collector) collectSkills() SkillMetrics {
	m := SkillMetrics{ByStatus: map[string][]string{}}
	if c.sources.Skills == nil {
		return m
	}
	summary := c.sources.Skills.Summary()
	m.Total = summary.Total
	m.Ready = summary.Ready
	m.Errors = summary.Errors
	for status, names := range summary.ByStatus {
		copied := make([]string, len(names))
		copy(copied, names)
		m.ByStatus[status] = copied
	}
	return m
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// p95 returns sorted[min(floor(n*0.95), n-1)]. A single value is its own P95.
func p95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
