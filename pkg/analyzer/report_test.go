package analyzer

import (
	"testing"

	"github.com/jllopis/custos/pkg/metrics"
)

func TestDailyReportEmptyDay(t *testing.T) {
	a := New(DefaultConfig())
	report := a.GenerateDailyReport("2026-03-10", nil)
	if report.Date != "2026-03-10" {
		t.Fatalf("date: %s", report.Date)
	}
	if report.OverallScore != 100 {
		t.Fatalf("empty day should score 100, got %v", report.OverallScore)
	}
	if report.Summary["snapshot_count"] != 0 {
		t.Fatalf("snapshot_count: %v", report.Summary["snapshot_count"])
	}
}

func TestDailyReportAggregatesAndScores(t *testing.T) {
	a := New(DefaultConfig())

	day := make([]metrics.Snapshot, 0, 4)
	for i := 0; i < 4; i++ {
		snap := healthySnapshot()
		snap.Performance.TotalRequests = 10 * (i + 1)
		snap.Usage.CostToday = 0.5 * float64(i+1)
		snap.System.MemoryPercent = 40 + float64(i)
		day = append(day, snap)
	}
	// One bad hour: critical error rate on the third snapshot.
	day[2].Reliability.ErrorRates["anthropic"] = 0.5

	report := a.GenerateDailyReport("2026-03-10", day)

	if report.Summary["total_requests"] != 40 {
		t.Fatalf("total_requests: %v", report.Summary["total_requests"])
	}
	if report.Summary["cost_today"] != 2.0 {
		t.Fatalf("cost_today: %v", report.Summary["cost_today"])
	}
	if report.Summary["peak_memory_percent"] != 43.0 {
		t.Fatalf("peak_memory_percent: %v", report.Summary["peak_memory_percent"])
	}
	if report.Summary["critical_count"] != 1 {
		t.Fatalf("critical_count: %v", report.Summary["critical_count"])
	}
	if report.OverallScore != 90 {
		t.Fatalf("score: %v", report.OverallScore)
	}
	if len(report.Recommendations) == 0 {
		t.Fatal("critical day should carry recommendations")
	}
}

func TestDailyReportRecommendationCeiling(t *testing.T) {
	a := New(DefaultConfig())

	snap := healthySnapshot()
	snap.Reliability.ErrorRates = map[string]float64{
		"p1": 0.5, "p2": 0.6, "p3": 0.7, "p4": 0.8,
	}
	snap.Reliability.HeartbeatSuccessRate = 0.5
	snap.Reliability.RateLimitHits = 20
	snap.Reliability.FailedSkillNames = []string{"log-shipper"}
	snap.Skills = metrics.SkillMetrics{Total: 3, Ready: 0, Errors: 3}
	snap.System.MemoryPercent = 96
	snap.System.DiskUsagePercent = 98

	report := a.GenerateDailyReport("2026-03-10", []metrics.Snapshot{snap})
	if len(report.Recommendations) > 5 {
		t.Fatalf("recommendations must cap at 5, got %d", len(report.Recommendations))
	}
}

func TestDailyReportScoreClampsAtZero(t *testing.T) {
	a := New(DefaultConfig())

	day := make([]metrics.Snapshot, 0, 20)
	for i := 0; i < 20; i++ {
		snap := healthySnapshot()
		snap.Reliability.ErrorRates["anthropic"] = 0.9
		snap.System.DiskUsagePercent = 99
		day = append(day, snap)
	}
	report := a.GenerateDailyReport("2026-03-10", day)
	if report.OverallScore != 0 {
		t.Fatalf("score must clamp at 0, got %v", report.OverallScore)
	}
}
