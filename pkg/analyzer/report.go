// SPDX-License-Identifier: Apache-2.0
package analyzer

import (
	"fmt"

	"github.com/jllopis/custos/pkg/metrics"
	"github.com/jllopis/custos/pkg/store"
)

// Penalty weights for the daily score.
const (
	warningPenalty  = 2.0
	criticalPenalty = 10.0

	maxRecommendations = 5
)

// GenerateDailyReport rolls a day of snapshots into a report for the given
// date (YYYY-MM-DD). Each snapshot is analyzed against the snapshots that
// precede it in the window.
func (a *Analyzer) GenerateDailyReport(date string, snapshots []metrics.Snapshot) store.DailyReport {
	report := store.DailyReport{
		Date:            date,
		Summary:         map[string]interface{}{"snapshot_count": len(snapshots)},
		Recommendations: []string{},
		OverallScore:    100,
	}
	if len(snapshots) == 0 {
		return report
	}

	var (
		totalRequests  int
		costToday      float64
		heartbeatSum   float64
		peakMemory     float64
		peakDisk       float64
		warningCount   int
		criticalCount  int
		actionsWanted  []string
		actionsSeen    = map[string]bool{}
		worstProviders = map[string]float64{}
	)

	for i, snap := range snapshots {
		// Counters reset at midnight, so the day's totals are the maxima.
		if snap.Performance.TotalRequests > totalRequests {
			totalRequests = snap.Performance.TotalRequests
		}
		if snap.Usage.CostToday > costToday {
			costToday = snap.Usage.CostToday
		}
		heartbeatSum += snap.Reliability.HeartbeatSuccessRate
		if snap.System.MemoryPercent > peakMemory {
			peakMemory = snap.System.MemoryPercent
		}
		if snap.System.DiskUsagePercent > peakDisk {
			peakDisk = snap.System.DiskUsagePercent
		}
		for provider, rate := range snap.Reliability.ErrorRates {
			if rate > worstProviders[provider] {
				worstProviders[provider] = rate
			}
		}

		result := a.AnalyzeSnapshot(snap, snapshots[:i])
		for _, anomaly := range result.Anomalies {
			if anomaly.Severity == SeverityCritical {
				criticalCount++
			} else {
				warningCount++
			}
		}
		for _, tag := range result.RecommendedActions {
			if !actionsSeen[tag] {
				actionsSeen[tag] = true
				actionsWanted = append(actionsWanted, tag)
			}
		}
	}

	report.Summary["total_requests"] = totalRequests
	report.Summary["cost_today"] = costToday
	report.Summary["avg_heartbeat_success_rate"] = heartbeatSum / float64(len(snapshots))
	report.Summary["peak_memory_percent"] = peakMemory
	report.Summary["peak_disk_percent"] = peakDisk
	report.Summary["warning_count"] = warningCount
	report.Summary["critical_count"] = criticalCount

	report.Recommendations = distillRecommendations(actionsWanted, worstProviders, peakDisk, peakMemory)
	report.OverallScore = clampScore(100 - float64(warningCount)*warningPenalty - float64(criticalCount)*criticalPenalty)
	return report
}

func distillRecommendations(actions []string, worstProviders map[string]float64, peakDisk, peakMemory float64) []string {
	recs := []string{}
	for _, tag := range actions {
		switch tag {
		case "restart_skill":
			recs = append(recs, "restart errored skills and review their recent logs")
		case "warm_ollama_models":
			recs = append(recs, "keep local models warm to cut p95 latency")
		case "adjust_rate_limits":
			recs = append(recs, "slow the heartbeat schedule to stay under provider rate limits")
		case "clear_stale_connections":
			recs = append(recs, fmt.Sprintf("investigate memory growth (peak %.1f%%)", peakMemory))
		case "vacuum_databases":
			recs = append(recs, fmt.Sprintf("compact databases and prune old data (disk peak %.1f%%)", peakDisk))
		case "flush_log_buffer":
			recs = append(recs, "flush log buffers and check logging skill health")
		}
	}
	for provider, rate := range worstProviders {
		if rate > errorRateCritical {
			recs = append(recs, fmt.Sprintf("provider %s peaked at %.0f%% errors, consider a fallback", provider, rate*100))
		}
	}
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
