// SPDX-License-Identifier: Apache-2.0
// Package store persists health snapshots, reports, healing actions,
// incidents, and update history in SQLite.
package store

import (
	"time"
)

// IncidentSeverity classifies an incident. Stored as its lowercase string.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// SeverityFromString parses a stored severity. Unknown values fall back to
// low rather than failing the read.
func SeverityFromString(value string) IncidentSeverity {
	switch IncidentSeverity(value) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return IncidentSeverity(value)
	default:
		return SeverityLow
	}
}

// UpdateStatus tracks the progress of a version upgrade. Stored as its
// lowercase string.
type UpdateStatus string

const (
	UpdateChecking    UpdateStatus = "checking"
	UpdateDownloading UpdateStatus = "downloading"
	UpdateApplying    UpdateStatus = "applying"
	UpdateValidating  UpdateStatus = "validating"
	UpdateSuccess     UpdateStatus = "success"
	UpdateFailed      UpdateStatus = "failed"
	UpdateRolledBack  UpdateStatus = "rolled_back"
)

// UpdateStatusFromString parses a stored status. Unknown values fall back to
// checking rather than failing the read.
func UpdateStatusFromString(value string) UpdateStatus {
	switch UpdateStatus(value) {
	case UpdateChecking, UpdateDownloading, UpdateApplying, UpdateValidating,
		UpdateSuccess, UpdateFailed, UpdateRolledBack:
		return UpdateStatus(value)
	default:
		return UpdateChecking
	}
}

// DailyReport is the per-calendar-day rollup. Upserted by Date.
type DailyReport struct {
	ID              int64                  `json:"id,omitempty"`
	Date            string                 `json:"date"` // YYYY-MM-DD, unique
	Summary         map[string]interface{} `json:"summary"`
	Recommendations []string               `json:"recommendations"`
	OverallScore    float64                `json:"overall_score"` // 0..100
}

// HealingAction is one append-only remediation audit entry.
type HealingAction struct {
	ID         int64                  `json:"id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	ActionType string                 `json:"action_type"`
	Trigger    string                 `json:"trigger"`
	Result     string                 `json:"result"` // success, failed
	Details    map[string]interface{} `json:"details"`
}

// Incident tracks an outage window from detection to resolution.
type Incident struct {
	ID          int64            `json:"id,omitempty"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     *time.Time       `json:"end_time,omitempty"`
	Severity    IncidentSeverity `json:"severity"`
	Description string           `json:"description"`
	Resolved    bool             `json:"resolved"`
	Resolution  string           `json:"resolution,omitempty"`
}

// UpdateRecord is one row of update history. Status transitions forward only.
type UpdateRecord struct {
	ID                int64                  `json:"id,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	Version           string                 `json:"version"`
	PreviousVersion   string                 `json:"previous_version"`
	GitSHA            string                 `json:"git_sha"`
	Status            UpdateStatus           `json:"status"`
	HealthCheckResult map[string]interface{} `json:"health_check_result,omitempty"`
}
