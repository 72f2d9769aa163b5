// SPDX-License-Identifier: Apache-2.0
// Package metrics collects runtime telemetry snapshots for the observer loop.
package metrics

import (
	"time"
)

// PerformanceMetrics aggregates latency and request counts per provider.
type PerformanceMetrics struct {
	AvgLatencyMS       map[string]float64 `json:"avg_latency_ms"`
	P95LatencyMS       map[string]float64 `json:"p95_latency_ms"`
	TotalRequests      int                `json:"total_requests"`
	RequestsByProvider map[string]int     `json:"requests_by_provider"`
}

// ReliabilityMetrics aggregates error rates, rate limits, and uptime.
type ReliabilityMetrics struct {
	ErrorRates           map[string]float64 `json:"error_rates"`
	RateLimitHits        int                `json:"rate_limit_hits"`
	RateLimitsByProvider map[string]int     `json:"rate_limits_by_provider"`
	FailedSkills         int                `json:"failed_skills"`
	FailedSkillNames     []string           `json:"failed_skill_names"`
	HeartbeatSuccessRate float64            `json:"heartbeat_success_rate"`
	UptimeSeconds        float64            `json:"uptime_seconds"`
}

// UsageMetrics aggregates cost and token consumption for today.
type UsageMetrics struct {
	CostToday        float64            `json:"cost_today"`
	CostByProvider   map[string]float64 `json:"cost_by_provider"`
	InputTokens      int                `json:"input_tokens"`
	OutputTokens     int                `json:"output_tokens"`
	HeartbeatBeats   int                `json:"heartbeat_beats"`
	HeartbeatActions int                `json:"heartbeat_actions"`
}

// SystemMetrics reports process memory and data-directory disk usage.
type SystemMetrics struct {
	MemoryMB         float64 `json:"memory_mb"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskTotalGB      float64 `json:"disk_total_gb"`
	DiskUsedGB       float64 `json:"disk_used_gb"`
	DiskFreeGB       float64 `json:"disk_free_gb"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
}

// SkillMetrics reports sub-component health from the registry.
type SkillMetrics struct {
	Total    int                 `json:"total"`
	Ready    int                 `json:"ready"`
	Errors   int                 `json:"errors"`
	ByStatus map[string][]string `json:"by_status"`
}

// Snapshot is one complete metrics record captured per heartbeat.
// Immutable once written to the audit store.
type Snapshot struct {
	ID               int64              `json:"id,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	Performance      PerformanceMetrics `json:"performance"`
	Reliability      ReliabilityMetrics `json:"reliability"`
	Usage            UsageMetrics       `json:"usage"`
	System           SystemMetrics      `json:"system"`
	Skills           SkillMetrics       `json:"skills"`
	CollectionTimeMS float64            `json:"collection_time_ms"`
	CollectedAt      string             `json:"collected_at"` // ISO-8601 UTC
}

// ToMap projects the snapshot into plain primitives (numbers, strings,
// lists, maps) for persistence and intent responses.
func (s Snapshot) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
		"performance": map[string]interface{}{
			"avg_latency_ms":       floatMap(s.Performance.AvgLatencyMS),
			"p95_latency_ms":       floatMap(s.Performance.P95LatencyMS),
			"total_requests":       s.Performance.TotalRequests,
			"requests_by_provider": intMap(s.Performance.RequestsByProvider),
		},
		"reliability": map[string]interface{}{
			"error_rates":             floatMap(s.Reliability.ErrorRates),
			"rate_limit_hits":         s.Reliability.RateLimitHits,
			"rate_limits_by_provider": intMap(s.Reliability.RateLimitsByProvider),
			"failed_skills":           s.Reliability.FailedSkills,
			"failed_skill_names":      stringList(s.Reliability.FailedSkillNames),
			"heartbeat_success_rate":  s.Reliability.HeartbeatSuccessRate,
			"uptime_seconds":          s.Reliability.UptimeSeconds,
		},
		"usage": map[string]interface{}{
			"cost_today":        s.Usage.CostToday,
			"cost_by_provider":  floatMap(s.Usage.CostByProvider),
			"input_tokens":      s.Usage.InputTokens,
			"output_tokens":     s.Usage.OutputTokens,
			"heartbeat_beats":   s.Usage.HeartbeatBeats,
			"heartbeat_actions": s.Usage.HeartbeatActions,
		},
		"system": map[string]interface{}{
			"memory_mb":          s.System.MemoryMB,
			"memory_percent":     s.System.MemoryPercent,
			"disk_total_gb":      s.System.DiskTotalGB,
			"disk_used_gb":       s.System.DiskUsedGB,
			"disk_free_gb":       s.System.DiskFreeGB,
			"disk_usage_percent": s.System.DiskUsagePercent,
		},
		"skills": map[string]interface{}{
			"total":     s.Skills.Total,
			"ready":     s.Skills.Ready,
			"errors":    s.Skills.Errors,
			"by_status": statusMap(s.Skills.ByStatus),
		},
		"collection_time_ms": s.CollectionTimeMS,
		"collected_at":       s.CollectedAt,
	}
}

// SnapshotFromMap rebuilds a Snapshot from its ToMap projection. Unknown or
// missing fields degrade to zero values.
func SnapshotFromMap(m map[string]interface{}) Snapshot {
	var s Snapshot
	if ts, ok := m["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.Timestamp = parsed
		}
	}
	if p, ok := asMap(m["performance"]); ok {
		s.Performance = PerformanceMetrics{
			AvgLatencyMS:       toFloatMap(p["avg_latency_ms"]),
			P95LatencyMS:       toFloatMap(p["p95_latency_ms"]),
			TotalRequests:      toInt(p["total_requests"]),
			RequestsByProvider: toIntMap(p["requests_by_provider"]),
		}
	}
	if r, ok := asMap(m["reliability"]); ok {
		s.Reliability = ReliabilityMetrics{
			ErrorRates:           toFloatMap(r["error_rates"]),
			RateLimitHits:        toInt(r["rate_limit_hits"]),
			RateLimitsByProvider: toIntMap(r["rate_limits_by_provider"]),
			FailedSkills:         toInt(r["failed_skills"]),
			FailedSkillNames:     toStringList(r["failed_skill_names"]),
			HeartbeatSuccessRate: toFloat(r["heartbeat_success_rate"]),
			UptimeSeconds:        toFloat(r["uptime_seconds"]),
		}
	}
	if u, ok := asMap(m["usage"]); ok {
		s.Usage = UsageMetrics{
			CostToday:        toFloat(u["cost_today"]),
			CostByProvider:   toFloatMap(u["cost_by_provider"]),
			InputTokens:      toInt(u["input_tokens"]),
			OutputTokens:     toInt(u["output_tokens"]),
			HeartbeatBeats:   toInt(u["heartbeat_beats"]),
			HeartbeatActions: toInt(u["heartbeat_actions"]),
		}
	}
	if sys, ok := asMap(m["system"]); ok {
		s.System = SystemMetrics{
			MemoryMB:         toFloat(sys["memory_mb"]),
			MemoryPercent:    toFloat(sys["memory_percent"]),
			DiskTotalGB:      toFloat(sys["disk_total_gb"]),
			DiskUsedGB:       toFloat(sys["disk_used_gb"]),
			DiskFreeGB:       toFloat(sys["disk_free_gb"]),
			DiskUsagePercent: toFloat(sys["disk_usage_percent"]),
		}
	}
	if sk, ok := asMap(m["skills"]); ok {
		s.Skills = SkillMetrics{
			Total:    toInt(sk["total"]),
			Ready:    toInt(sk["ready"]),
			Errors:   toInt(sk["errors"]),
			ByStatus: toStatusMap(sk["by_status"]),
		}
	}
	s.CollectionTimeMS = toFloat(m["collection_time_ms"])
	if at, ok := m["collected_at"].(string); ok {
		s.CollectedAt = at
	}
	return s
}

func floatMap(in map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intMap(in map[string]int) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}

func statusMap(in map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = stringList(v)
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloatMap(v interface{}) map[string]float64 {
	m, ok := asMap(v)
	if !ok {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(m))
	for k, val := range m {
		out[k] = toFloat(val)
	}
	return out
}

func toIntMap(v interface{}) map[string]int {
	m, ok := asMap(v)
	if !ok {
		return map[string]int{}
	}
	out := make(map[string]int, len(m))
	for k, val := range m {
		out[k] = toInt(val)
	}
	return out
}

func toStringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct
		}
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStatusMap(v interface{}) map[string][]string {
	m, ok := asMap(v)
	if !ok {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(m))
	for k, val := range m {
		out[k] = toStringList(val)
	}
	return out
}
