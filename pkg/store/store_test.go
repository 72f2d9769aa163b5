package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jllopis/custos/pkg/metrics"
)

func openTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot(ts time.Time) metrics.Snapshot {
	return metrics.Snapshot{
		Timestamp: ts,
		Performance: metrics.PerformanceMetrics{
			AvgLatencyMS:       map[string]float64{"anthropic": 220},
			P95LatencyMS:       map[string]float64{"anthropic": 510},
			TotalRequests:      8,
			RequestsByProvider: map[string]int{"anthropic": 8},
		},
		Reliability: metrics.ReliabilityMetrics{
			ErrorRates:           map[string]float64{"anthropic": 0.125},
			RateLimitsByProvider: map[string]int{},
			FailedSkillNames:     []string{},
			HeartbeatSuccessRate: 1.0,
			UptimeSeconds:        120,
		},
		Usage: metrics.UsageMetrics{
			CostToday:      0.42,
			CostByProvider: map[string]float64{"anthropic": 0.42},
			InputTokens:    900,
			OutputTokens:   300,
		},
		Skills: metrics.SkillMetrics{
			Total: 2, Ready: 2,
			ByStatus: map[string][]string{"ready": {"a", "b"}},
		},
		CollectedAt: ts.UTC().Format(time.RFC3339Nano),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	id, err := s.SaveSnapshot(ctx, sampleSnapshot(ts), nil)
	if err != nil {
		t.Fatalf("saving snapshot: %v", err)
	}
	if id == 0 {
		t.Fatal("expected assigned id")
	}

	got, err := s.GetLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot")
	}
	if got.ID != id {
		t.Fatalf("id: want %d got %d", id, got.ID)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp: %v", got.Timestamp)
	}
	if got.Performance.AvgLatencyMS["anthropic"] != 220 {
		t.Fatalf("latency: %v", got.Performance.AvgLatencyMS)
	}
	if got.Usage.CostToday != 0.42 {
		t.Fatalf("cost: %v", got.Usage.CostToday)
	}
}

func TestGetSnapshotsRangeAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := s.SaveSnapshot(ctx, sampleSnapshot(base.Add(time.Duration(i)*time.Hour)), nil); err != nil {
			t.Fatalf("saving snapshot %d: %v", i, err)
		}
	}

	snaps, err := s.GetSnapshots(ctx, base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("range read: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots in range, got %d", len(snaps))
	}
	if !snaps[0].Timestamp.Before(snaps[1].Timestamp) {
		t.Fatal("snapshots must be oldest first")
	}
}

func TestPruneOldSnapshotsReturnsCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := s.SaveSnapshot(ctx, sampleSnapshot(old), nil); err != nil {
		t.Fatalf("saving old snapshot: %v", err)
	}
	if _, err := s.SaveSnapshot(ctx, sampleSnapshot(time.Now().UTC()), nil); err != nil {
		t.Fatalf("saving fresh snapshot: %v", err)
	}

	deleted, err := s.PruneOldSnapshots(ctx, 30)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: want 1 got %d", deleted)
	}
	latest, err := s.GetLatestSnapshot(ctx)
	if err != nil || latest == nil {
		t.Fatalf("fresh snapshot must survive: %v", err)
	}
}

func TestDailyReportUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := DailyReport{
		Date:            "2026-03-10",
		Summary:         map[string]interface{}{"total_requests": float64(10)},
		Recommendations: []string{"watch latency"},
		OverallScore:    90,
	}
	if err := s.SaveDailyReport(ctx, first); err != nil {
		t.Fatalf("saving report: %v", err)
	}

	second := first
	second.Summary = map[string]interface{}{"total_requests": float64(25)}
	second.OverallScore = 72.5
	if err := s.SaveDailyReport(ctx, second); err != nil {
		t.Fatalf("upserting report: %v", err)
	}

	got, err := s.GetDailyReport(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if got == nil {
		t.Fatal("expected a report")
	}
	if got.OverallScore != 72.5 {
		t.Fatalf("score after upsert: %v", got.OverallScore)
	}
	if got.Summary["total_requests"] != float64(25) {
		t.Fatalf("summary after upsert: %v", got.Summary)
	}

	all, err := s.GetDailyReports(ctx, "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatalf("listing reports: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("upsert must keep exactly one row per date, got %d", len(all))
	}
}

func TestRecentHealingActionWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := HealingAction{
		Timestamp:  time.Now().UTC().Add(-10 * time.Minute),
		ActionType: "vacuum_databases",
		Trigger:    "high_disk",
		Result:     "success",
		Details:    map[string]interface{}{},
	}
	if _, err := s.SaveHealingAction(ctx, stale); err != nil {
		t.Fatalf("saving stale action: %v", err)
	}

	got, err := s.GetRecentHealingAction(ctx, "vacuum_databases", 300*time.Second)
	if err != nil {
		t.Fatalf("window read: %v", err)
	}
	if got != nil {
		t.Fatal("stale action must fall outside the window")
	}

	fresh := stale
	fresh.Timestamp = time.Now().UTC()
	if _, err := s.SaveHealingAction(ctx, fresh); err != nil {
		t.Fatalf("saving fresh action: %v", err)
	}
	got, err = s.GetRecentHealingAction(ctx, "vacuum_databases", 300*time.Second)
	if err != nil {
		t.Fatalf("window read: %v", err)
	}
	if got == nil {
		t.Fatal("fresh action must be inside the window")
	}
	if got.Trigger != "high_disk" || got.Result != "success" {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateIncident(ctx, Incident{
		Severity:    SeverityHigh,
		Description: "error rate above 30% for anthropic",
	})
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}

	open, err := s.GetOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("listing incidents: %v", err)
	}
	if len(open) != 1 || open[0].Severity != SeverityHigh {
		t.Fatalf("open incidents: %+v", open)
	}

	if err := s.ResolveIncident(ctx, id, "provider recovered"); err != nil {
		t.Fatalf("resolving: %v", err)
	}
	open, err = s.GetOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("listing incidents: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved incident still open: %+v", open)
	}
}

func TestUpdateRecordStatusProgression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SaveUpdateRecord(ctx, UpdateRecord{
		Version:         "v1.4.0",
		PreviousVersion: "v1.3.2",
		GitSHA:          "abc1234",
		Status:          UpdateApplying,
	})
	if err != nil {
		t.Fatalf("saving record: %v", err)
	}

	health := map[string]interface{}{"skills_green": true, "api_green": true}
	if err := s.UpdateUpdateStatus(ctx, id, UpdateSuccess, health); err != nil {
		t.Fatalf("advancing status: %v", err)
	}

	got, err := s.GetLatestUpdate(ctx)
	if err != nil {
		t.Fatalf("reading latest: %v", err)
	}
	if got == nil || got.Status != UpdateSuccess {
		t.Fatalf("latest: %+v", got)
	}
	if got.HealthCheckResult["skills_green"] != true {
		t.Fatalf("health result: %v", got.HealthCheckResult)
	}
}

func TestUnknownEnumValuesFallBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO update_history (timestamp, version, previous_version, git_sha, status)
		VALUES (?, 'v9', 'v8', 'deadbee', 'exploded')
	`, time.Now().UTC())
	if err != nil {
		t.Fatalf("raw insert: %v", err)
	}
	latest, err := s.GetLatestUpdate(ctx)
	if err != nil {
		t.Fatalf("reading latest: %v", err)
	}
	if latest.Status != UpdateChecking {
		t.Fatalf("unknown status must fall back to checking, got %s", latest.Status)
	}

	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO health_incidents (start_time, severity, description, resolved)
		VALUES (?, 'apocalyptic', 'bad day', 0)
	`, time.Now().UTC())
	if err != nil {
		t.Fatalf("raw insert: %v", err)
	}
	open, err := s.GetOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("listing incidents: %v", err)
	}
	if open[0].Severity != SeverityLow {
		t.Fatalf("unknown severity must fall back to low, got %s", open[0].Severity)
	}
}

func TestHealingActionHistoryOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := s.SaveHealingAction(ctx, HealingAction{
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			ActionType: "flush_log_buffer",
			Trigger:    "log_pressure",
			Result:     "success",
		})
		if err != nil {
			t.Fatalf("saving action %d: %v", i, err)
		}
	}

	actions, err := s.GetHealingActions(ctx, base.Add(-time.Minute), time.Now().UTC(), 2)
	if err != nil {
		t.Fatalf("listing actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("limit not applied: %d", len(actions))
	}
	if actions[0].Timestamp.Before(actions[1].Timestamp) {
		t.Fatal("actions must be newest first")
	}
}
