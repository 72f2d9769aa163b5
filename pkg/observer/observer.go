// SPDX-License-Identifier: Apache-2.0
// Package observer runs the per-heartbeat self-observation loop: collect,
// persist, analyze, heal, and alert.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/custos/pkg/analyzer"
	"github.com/jllopis/custos/pkg/errors"
	"github.com/jllopis/custos/pkg/metrics"
	"github.com/jllopis/custos/pkg/store"
	"github.com/jllopis/custos/pkg/telemetry"
)

// Intent names served by Handle.
const (
	IntentHealthCheck  = "health_check"
	IntentHealthReport = "health_report"
	IntentSystemStatus = "system_status"
)

const (
	alertPriority        = 9
	alertMaxDescriptions = 5
)

// HeartbeatAction is an outbound action queued back to the scheduler.
type HeartbeatAction struct {
	SkillName  string                 `json:"skill_name"`
	ActionType string                 `json:"action_type"`
	UserID     string                 `json:"user_id"`
	Priority   int                    `json:"priority"`
	Data       map[string]interface{} `json:"data"`
}

// Collector produces metrics snapshots.
type Collector interface {
	CollectAll(ctx context.Context) metrics.Snapshot
}

// Analysis judges snapshots and rolls up daily reports.
type Analysis interface {
	AnalyzeSnapshot(snap metrics.Snapshot, baselines []metrics.Snapshot) analyzer.AnalysisResult
	GenerateDailyReport(date string, snapshots []metrics.Snapshot) store.DailyReport
}

// Healing dispatches remediation tags.
type Healing interface {
	ExecuteRecommended(ctx context.Context, tags []string, trigger string) map[string]bool
}

// Audit is the slice of the audit store the observer uses.
type Audit interface {
	SaveSnapshot(ctx context.Context, snap metrics.Snapshot, anomalies []map[string]interface{}) (int64, error)
	GetSnapshots(ctx context.Context, start, end time.Time, limit int) ([]metrics.Snapshot, error)
	GetLatestSnapshot(ctx context.Context) (*metrics.Snapshot, error)
	SaveDailyReport(ctx context.Context, report store.DailyReport) error
	GetDailyReport(ctx context.Context, date string) (*store.DailyReport, error)
}

// Config tunes the observer cadence.
type Config struct {
	// AnalyzeEvery is the tick multiple that triggers analysis and healing.
	AnalyzeEvery int
	// DailyReportEvery is the tick multiple that triggers the daily rollup.
	DailyReportEvery int
}

// DefaultConfig returns the standard cadence: analysis every 6 ticks and
// one report per 288 ticks (one day at 5-minute beats).
func DefaultConfig() Config {
	return Config{AnalyzeEvery: 6, DailyReportEvery: 288}
}

// Observer owns the beat counter and the recent-snapshot window. The
// external scheduler guarantees at most one OnHeartbeat call at a time.
type Observer struct {
	cfg     Config
	collect Collector
	analyze Analysis
	heal    Healing
	audit   Audit
	ops     *telemetry.OpsMetrics
	logger  *slog.Logger
	beat    int
	recent  []metrics.Snapshot
}

// New creates an Observer. heal, audit, and ops may be nil; the affected
// stages degrade to no-ops.
func New(cfg Config, collect Collector, analyze Analysis, heal Healing, audit Audit, ops *telemetry.OpsMetrics) *Observer {
	if cfg.AnalyzeEvery <= 0 {
		cfg.AnalyzeEvery = DefaultConfig().AnalyzeEvery
	}
	if cfg.DailyReportEvery <= 0 {
		cfg.DailyReportEvery = DefaultConfig().DailyReportEvery
	}
	return &Observer{
		cfg:     cfg,
		collect: collect,
		analyze: analyze,
		heal:    heal,
		audit:   audit,
		ops:     ops,
		logger:  slog.Default(),
	}
}

// BeatCount returns how many heartbeats have been processed.
func (o *Observer) BeatCount() int {
	return o.beat
}

// OnHeartbeat processes one tick and returns pending alert actions. It
// never panics the host process; every stage failure is logged and
// swallowed.
func (o *Observer) OnHeartbeat(ctx context.Context, ownerIDs []string) []HeartbeatAction {
	o.beat++
	beat := o.beat

	ctx, span := otel.Tracer("custos/observer").Start(ctx, "observer.tick",
		trace.WithAttributes(attribute.Int("observer.beat", beat)))
	defer span.End()
	o.ops.RecordTick(ctx)

	snap := o.collect.CollectAll(ctx)
	baselines := append([]metrics.Snapshot(nil), o.recent...)
	o.remember(snap)

	if o.audit != nil {
		if _, err := o.audit.SaveSnapshot(ctx, snap, nil); err != nil {
			o.logger.Warn("observer.snapshot.persist_failed", slog.String("error", err.Error()))
		}
	}

	actions := []HeartbeatAction{}
	if beat%o.cfg.AnalyzeEvery == 0 {
		actions = o.runAnalysis(ctx, snap, baselines, ownerIDs)
	}
	if beat%o.cfg.DailyReportEvery == 0 {
		o.runDailyReport(ctx)
	}
	return actions
}

// remember keeps the in-memory baseline window, one analysis cycle deep.
func (o *Observer) remember(snap metrics.Snapshot) {
	o.recent = append(o.recent, snap)
	if len(o.recent) > o.cfg.AnalyzeEvery {
		o.recent = o.recent[len(o.recent)-o.cfg.AnalyzeEvery:]
	}
}

func (o *Observer) runAnalysis(ctx context.Context, snap metrics.Snapshot, baselines []metrics.Snapshot, ownerIDs []string) []HeartbeatAction {
	result := o.safeAnalyze(snap, baselines)
	for _, anomaly := range result.Anomalies {
		o.ops.RecordAnomaly(ctx, string(anomaly.Severity), anomaly.MetricPath)
	}

	if len(result.RecommendedActions) > 0 && o.heal != nil {
		outcomes := o.heal.ExecuteRecommended(ctx, result.RecommendedActions, "anomaly_detection")
		for tag, ok := range outcomes {
			o.ops.RecordHealingAction(ctx, tag, ok)
		}
	}

	if !result.HasCritical || len(ownerIDs) == 0 {
		return []HeartbeatAction{}
	}
	return []HeartbeatAction{o.alertAction(result, ownerIDs[0])}
}

// safeAnalyze shields the tick from analysis panics.
func (o *Observer) safeAnalyze(snap metrics.Snapshot, baselines []metrics.Snapshot) (result analyzer.AnalysisResult) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Warn("observer.analysis.panicked", slog.Any("panic", rec))
			result = analyzer.AnalysisResult{}
		}
	}()
	return o.analyze.AnalyzeSnapshot(snap, baselines)
}

// alertAction builds the single alert for a critical batch: priority 9,
// at most the first five anomaly descriptions.
func (o *Observer) alertAction(result analyzer.AnalysisResult, ownerID string) HeartbeatAction {
	var sb strings.Builder
	sb.WriteString("Health Alert:")
	listed := 0
	for _, anomaly := range result.Anomalies {
		if listed == alertMaxDescriptions {
			break
		}
		sb.WriteString("\n- ")
		sb.WriteString(anomaly.Description)
		listed++
	}
	return HeartbeatAction{
		SkillName:  "health_analyzer",
		ActionType: "send_message",
		UserID:     ownerID,
		Priority:   alertPriority,
		Data:       map[string]interface{}{"message": sb.String()},
	}
}

func (o *Observer) runDailyReport(ctx context.Context) {
	if o.audit == nil {
		return
	}
	now := time.Now().UTC()
	snapshots, err := o.audit.GetSnapshots(ctx, now.Add(-24*time.Hour), now, o.cfg.DailyReportEvery)
	if err != nil {
		o.logger.Warn("observer.daily_report.fetch_failed", slog.String("error", err.Error()))
		return
	}
	report := o.analyze.GenerateDailyReport(now.Format("2006-01-02"), snapshots)
	if err := o.audit.SaveDailyReport(ctx, report); err != nil {
		o.logger.Warn("observer.daily_report.persist_failed", slog.String("error", err.Error()))
		return
	}
	o.ops.RecordHealthStatus(ctx, int64(report.OverallScore))
}

// Handle serves the synchronous query intents.
func (o *Observer) Handle(ctx context.Context, intent string) (map[string]interface{}, error) {
	switch intent {
	case IntentHealthCheck:
		return o.healthCheck(ctx), nil
	case IntentHealthReport:
		return o.healthReport(ctx)
	case IntentSystemStatus:
		return o.systemStatus(ctx), nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown intent: %s", intent), nil)
	}
}

func (o *Observer) healthCheck(ctx context.Context) map[string]interface{} {
	snap := o.collect.CollectAll(ctx)

	status := "healthy"
	switch {
	case snap.Skills.Total > 0 && snap.Skills.Ready == 0:
		status = "critical"
	case snap.Skills.Errors > 0:
		status = "degraded"
	default:
		for _, rate := range snap.Reliability.ErrorRates {
			if rate > 0.1 {
				status = "degraded"
				break
			}
		}
	}
	return map[string]interface{}{
		"status":  status,
		"metrics": snap.ToMap(),
	}
}

func (o *Observer) healthReport(ctx context.Context) (map[string]interface{}, error) {
	if o.audit == nil {
		return nil, errors.New(errors.CodeStoreError, "no audit store configured", nil)
	}
	now := time.Now().UTC()
	for _, date := range []string{now.Format("2006-01-02"), now.AddDate(0, 0, -1).Format("2006-01-02")} {
		report, err := o.audit.GetDailyReport(ctx, date)
		if err != nil {
			return nil, errors.New(errors.CodeStoreError, "reading daily report", err).WithContext("date", date)
		}
		if report != nil {
			return map[string]interface{}{
				"date":            report.Date,
				"summary":         report.Summary,
				"recommendations": report.Recommendations,
				"overall_score":   report.OverallScore,
			}, nil
		}
	}
	return map[string]interface{}{"message": "no reports available"}, nil
}

func (o *Observer) systemStatus(ctx context.Context) map[string]interface{} {
	if o.audit != nil {
		if latest, err := o.audit.GetLatestSnapshot(ctx); err == nil && latest != nil {
			return latest.ToMap()
		}
	}
	return o.collect.CollectAll(ctx).ToMap()
}

// SystemPromptFragment returns the one-line health summary injected into
// the assistant's system prompt, or nil when assembly fails.
func (o *Observer) SystemPromptFragment(ctx context.Context) (fragment *string) {
	defer func() {
		if rec := recover(); rec != nil {
			fragment = nil
		}
	}()
	snap := o.collect.CollectAll(ctx)
	line := fmt.Sprintf("[Health] Uptime: %dh | Cost today: $%.2f | Skills: %d/%d ready",
		int(snap.Reliability.UptimeSeconds/3600),
		snap.Usage.CostToday,
		snap.Skills.Ready,
		snap.Skills.Total,
	)
	return &line
}
