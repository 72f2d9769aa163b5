// SPDX-License-Identifier: Apache-2.0
// Package analyzer turns metrics snapshots into anomaly judgements and
// recommended remediation tags.
package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jllopis/custos/pkg/healer"
	"github.com/jllopis/custos/pkg/metrics"
)

// Severity of a single finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds for the detection policy.
const (
	errorRateWarning  = 0.1
	errorRateCritical = 0.3

	latencyWarningFactor  = 3.0
	latencyCriticalFactor = 5.0

	heartbeatWarning  = 0.95
	heartbeatCritical = 0.80

	memoryWarningPct  = 85.0
	memoryCriticalPct = 95.0

	diskWarningPct  = 90.0
	diskCriticalPct = 97.0

	rateLimitWarningHits = 5
)

// Anomaly is one deviation finding against a snapshot.
type Anomaly struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	MetricPath  string   `json:"metric_path"`
	Observed    float64  `json:"observed"`
	Threshold   float64  `json:"threshold,omitempty"`
}

// AnalysisResult bundles the findings for one snapshot.
type AnalysisResult struct {
	Anomalies          []Anomaly `json:"anomalies"`
	HasCritical        bool      `json:"has_critical"`
	RecommendedActions []string  `json:"recommended_actions"`
}

// ToMap projects the result into plain primitives.
func (r AnalysisResult) ToMap() map[string]interface{} {
	anomalies := make([]interface{}, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		entry := map[string]interface{}{
			"severity":    string(a.Severity),
			"description": a.Description,
			"metric_path": a.MetricPath,
			"observed":    a.Observed,
		}
		if a.Threshold != 0 {
			entry["threshold"] = a.Threshold
		}
		anomalies = append(anomalies, entry)
	}
	actions := make([]interface{}, 0, len(r.RecommendedActions))
	for _, tag := range r.RecommendedActions {
		actions = append(actions, tag)
	}
	return map[string]interface{}{
		"anomalies":           anomalies,
		"has_critical":        r.HasCritical,
		"recommended_actions": actions,
	}
}

// Config tunes analysis behavior.
type Config struct {
	// BaselineWindow is how many recent snapshots feed the latency baseline.
	BaselineWindow int
}

// DefaultConfig returns the standard analyzer configuration.
func DefaultConfig() Config {
	return Config{BaselineWindow: 6}
}

// Analyzer evaluates snapshots against the detection policy.
type Analyzer struct {
	cfg Config
}

// New creates an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = DefaultConfig().BaselineWindow
	}
	return &Analyzer{cfg: cfg}
}

// AnalyzeSnapshot evaluates one snapshot. baselines may be nil; latency
// checks are skipped without a baseline.
func (a *Analyzer) AnalyzeSnapshot(snap metrics.Snapshot, baselines []metrics.Snapshot) AnalysisResult {
	var anomalies []Anomaly
	anomalies = append(anomalies, checkErrorRates(snap)...)
	anomalies = append(anomalies, a.checkLatency(snap, baselines)...)
	anomalies = append(anomalies, checkHeartbeat(snap)...)
	anomalies = append(anomalies, checkSkills(snap)...)
	anomalies = append(anomalies, checkSystem(snap)...)
	anomalies = append(anomalies, checkRateLimits(snap)...)

	result := AnalysisResult{
		Anomalies:          anomalies,
		RecommendedActions: recommendActions(anomalies, snap),
	}
	for _, anomaly := range anomalies {
		if anomaly.Severity == SeverityCritical {
			result.HasCritical = true
			break
		}
	}
	return result
}

func checkErrorRates(snap metrics.Snapshot) []Anomaly {
	providers := make([]string, 0, len(snap.Reliability.ErrorRates))
	for provider := range snap.Reliability.ErrorRates {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var out []Anomaly
	for _, provider := range providers {
		rate := snap.Reliability.ErrorRates[provider]
		switch {
		case rate > errorRateCritical:
			out = append(out, Anomaly{
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("error rate for %s is %.0f%%", provider, rate*100),
				MetricPath:  "reliability.error_rates." + provider,
				Observed:    rate,
				Threshold:   errorRateCritical,
			})
		case rate > errorRateWarning:
			out = append(out, Anomaly{
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("error rate for %s is %.0f%%", provider, rate*100),
				MetricPath:  "reliability.error_rates." + provider,
				Observed:    rate,
				Threshold:   errorRateWarning,
			})
		}
	}
	return out
}

// checkLatency compares each provider's P95 against the median P95 of the
// baseline window.
func (a *Analyzer) checkLatency(snap metrics.Snapshot, baselines []metrics.Snapshot) []Anomaly {
	if len(baselines) == 0 {
		return nil
	}
	if len(baselines) > a.cfg.BaselineWindow {
		baselines = baselines[len(baselines)-a.cfg.BaselineWindow:]
	}

	providers := make([]string, 0, len(snap.Performance.P95LatencyMS))
	for provider := range snap.Performance.P95LatencyMS {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var out []Anomaly
	for _, provider := range providers {
		observed := snap.Performance.P95LatencyMS[provider]
		baseline := medianP95(baselines, provider)
		if baseline <= 0 {
			continue
		}
		switch {
		case observed > baseline*latencyCriticalFactor:
			out = append(out, Anomaly{
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("p95 latency for %s is %.0fms, %.1fx baseline", provider, observed, observed/baseline),
				MetricPath:  "performance.p95_latency_ms." + provider,
				Observed:    observed,
				Threshold:   baseline * latencyCriticalFactor,
			})
		case observed > baseline*latencyWarningFactor:
			out = append(out, Anomaly{
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("p95 latency for %s is %.0fms, %.1fx baseline", provider, observed, observed/baseline),
				MetricPath:  "performance.p95_latency_ms." + provider,
				Observed:    observed,
				Threshold:   baseline * latencyWarningFactor,
			})
		}
	}
	return out
}

func checkHeartbeat(snap metrics.Snapshot) []Anomaly {
	rate := snap.Reliability.HeartbeatSuccessRate
	switch {
	case rate < heartbeatCritical:
		return []Anomaly{{
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("heartbeat success rate dropped to %.0f%%", rate*100),
			MetricPath:  "reliability.heartbeat_success_rate",
			Observed:    rate,
			Threshold:   heartbeatCritical,
		}}
	case rate < heartbeatWarning:
		return []Anomaly{{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("heartbeat success rate dropped to %.0f%%", rate*100),
			MetricPath:  "reliability.heartbeat_success_rate",
			Observed:    rate,
			Threshold:   heartbeatWarning,
		}}
	}
	return nil
}

func checkSkills(snap metrics.Snapshot) []Anomaly {
	var out []Anomaly
	if snap.Skills.Total > 0 && snap.Skills.Ready == 0 {
		out = append(out, Anomaly{
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("no skills ready out of %d", snap.Skills.Total),
			MetricPath:  "skills.ready",
			Observed:    0,
		})
	} else if snap.Skills.Errors > 0 {
		out = append(out, Anomaly{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%d skill(s) in error state", snap.Skills.Errors),
			MetricPath:  "skills.errors",
			Observed:    float64(snap.Skills.Errors),
		})
	}
	return out
}

func checkSystem(snap metrics.Snapshot) []Anomaly {
	var out []Anomaly
	mem := snap.System.MemoryPercent
	switch {
	case mem > memoryCriticalPct:
		out = append(out, Anomaly{
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("memory usage at %.1f%%", mem),
			MetricPath:  "system.memory_percent",
			Observed:    mem,
			Threshold:   memoryCriticalPct,
		})
	case mem > memoryWarningPct:
		out = append(out, Anomaly{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("memory usage at %.1f%%", mem),
			MetricPath:  "system.memory_percent",
			Observed:    mem,
			Threshold:   memoryWarningPct,
		})
	}
	disk := snap.System.DiskUsagePercent
	switch {
	case disk > diskCriticalPct:
		out = append(out, Anomaly{
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("disk usage at %.1f%%", disk),
			MetricPath:  "system.disk_usage_percent",
			Observed:    disk,
			Threshold:   diskCriticalPct,
		})
	case disk > diskWarningPct:
		out = append(out, Anomaly{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("disk usage at %.1f%%", disk),
			MetricPath:  "system.disk_usage_percent",
			Observed:    disk,
			Threshold:   diskWarningPct,
		})
	}
	return out
}

func checkRateLimits(snap metrics.Snapshot) []Anomaly {
	hits := snap.Reliability.RateLimitHits
	if hits <= rateLimitWarningHits {
		return nil
	}
	return []Anomaly{{
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("%d rate-limit hits today", hits),
		MetricPath:  "reliability.rate_limit_hits",
		Observed:    float64(hits),
		Threshold:   rateLimitWarningHits,
	}}
}

// recommendActions maps findings to remediation tags, ordered and
// deduplicated.
func recommendActions(anomalies []Anomaly, snap metrics.Snapshot) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	for _, anomaly := range anomalies {
		switch {
		case anomaly.MetricPath == "skills.ready" || anomaly.MetricPath == "skills.errors":
			add(healer.ActionRestartSkill)
			if hasLogSkillFailure(snap) {
				add(healer.ActionFlushLogBuffer)
			}
		case strings.HasPrefix(anomaly.MetricPath, "performance.p95_latency_ms."):
			add(healer.ActionWarmOllamaModels)
		case anomaly.MetricPath == "reliability.rate_limit_hits":
			add(healer.ActionAdjustRateLimits)
		case anomaly.MetricPath == "system.memory_percent":
			add(healer.ActionClearStaleConnections)
		case anomaly.MetricPath == "system.disk_usage_percent":
			add(healer.ActionVacuumDatabases)
		}
	}
	return tags
}

// hasLogSkillFailure reports whether a logging-related skill is among the
// failed set, the signal for a stuck log buffer.
func hasLogSkillFailure(snap metrics.Snapshot) bool {
	for _, name := range snap.Reliability.FailedSkillNames {
		if strings.Contains(strings.ToLower(name), "log") {
			return true
		}
	}
	return false
}

func medianP95(baselines []metrics.Snapshot, provider string) float64 {
	values := make([]float64, 0, len(baselines))
	for _, snap := range baselines {
		if v, ok := snap.Performance.P95LatencyMS[provider]; ok && v > 0 {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}
