// SPDX-License-Identifier: Apache-2.0
// Package healer executes the fixed catalogue of remediation actions under
// cooldown and audit semantics.
package healer

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/custos/pkg/store"
)

// Action tags recognized by the dispatcher. Every tag maps to exactly one
// catalogue entry.
const (
	ActionRestartSkill          = "restart_skill"
	ActionClearStaleConnections = "clear_stale_connections"
	ActionVacuumDatabases       = "vacuum_databases"
	ActionWarmOllamaModels      = "warm_ollama_models"
	ActionAdjustRateLimits      = "adjust_rate_limits"
	ActionFlushLogBuffer        = "flush_log_buffer"
)

// AuditLog is the slice of the audit store the healer writes through.
type AuditLog interface {
	SaveHealingAction(ctx context.Context, action store.HealingAction) (int64, error)
	GetRecentHealingAction(ctx context.Context, actionType string, within time.Duration) (*store.HealingAction, error)
}

// SkillRestarter re-initializes errored sub-components.
type SkillRestarter interface {
	FirstErrored() (string, bool)
	SafeReinitialize(ctx context.Context, name string) bool
}

// Settings reads and persists the heartbeat scheduler interval.
type Settings interface {
	HeartbeatInterval(ctx context.Context) (int, error)
	SetHeartbeatInterval(ctx context.Context, seconds int) error
}

// Config tunes healer behavior.
type Config struct {
	Enabled        bool
	Cooldown       time.Duration
	OllamaBaseURL  string
	ModelKeepAlive string
}

// DefaultConfig returns the standard healer configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Cooldown:       300 * time.Second,
		OllamaBaseURL:  "http://localhost:11434",
		ModelKeepAlive: "10m",
	}
}

// Healer dispatches remediation actions. It never propagates errors to the
// observer loop: every failure is captured in the audit trail and reported
// as a false result.
type Healer struct {
	cfg      Config
	audit    AuditLog
	skills   SkillRestarter
	db       *sql.DB
	settings Settings
	client   *http.Client
	logger   *slog.Logger
	flush    func() error

	actions map[string]func(ctx context.Context) (map[string]interface{}, error)
}

// Option configures a Healer.
type Option func(*Healer)

// WithSkills attaches the skill registry used by restart_skill.
func WithSkills(skills SkillRestarter) Option {
	return func(h *Healer) { h.skills = skills }
}

// WithDB attaches the shared connection pool used by
// clear_stale_connections and vacuum_databases.
func WithDB(db *sql.DB) Option {
	return func(h *Healer) { h.db = db }
}

// WithSettings attaches the settings store used by adjust_rate_limits.
func WithSettings(settings Settings) Option {
	return func(h *Healer) { h.settings = settings }
}

// WithFlush sets the log flush hook used by flush_log_buffer.
func WithFlush(flush func() error) Option {
	return func(h *Healer) { h.flush = flush }
}

// New creates a Healer writing through the given audit log.
func New(cfg Config, audit AuditLog, opts ...Option) *Healer {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.OllamaBaseURL == "" {
		cfg.OllamaBaseURL = DefaultConfig().OllamaBaseURL
	}
	if cfg.ModelKeepAlive == "" {
		cfg.ModelKeepAlive = DefaultConfig().ModelKeepAlive
	}
	h := &Healer{
		cfg:    cfg,
		audit:  audit,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.actions = map[string]func(ctx context.Context) (map[string]interface{}, error){
		ActionRestartSkill:          h.restartSkill,
		ActionClearStaleConnections: h.clearStaleConnections,
		ActionVacuumDatabases:       h.vacuumDatabases,
		ActionWarmOllamaModels:      h.warmOllamaModels,
		ActionAdjustRateLimits:      h.adjustRateLimits,
		ActionFlushLogBuffer:        h.flushLogBuffer,
	}
	return h
}

// SetEnabled toggles the healer at runtime.
func (h *Healer) SetEnabled(enabled bool) {
	h.cfg.Enabled = enabled
}

// ExecuteRecommended dispatches each recommended tag and returns tag→result.
// Unknown tags return false without an audit entry.
func (h *Healer) ExecuteRecommended(ctx context.Context, tags []string, trigger string) map[string]bool {
	results := make(map[string]bool, len(tags))
	for _, tag := range tags {
		results[tag] = h.execute(ctx, tag, trigger)
	}
	return results
}

// execute runs one action through the dispatch wrapper: enabled check,
// cooldown check, action body, audit write. Persistence errors are swallowed.
func (h *Healer) execute(ctx context.Context, tag, trigger string) bool {
	action, known := h.actions[tag]
	if !known {
		h.logger.Warn("healer.unknown_action", slog.String("action", tag))
		return false
	}
	if !h.cfg.Enabled {
		return false
	}

	// A cooldown-check error must not block the action.
	if recent, err := h.audit.GetRecentHealingAction(ctx, tag, h.cfg.Cooldown); err == nil && recent != nil {
		h.logger.Debug("healer.cooldown_active",
			slog.String("action", tag),
			slog.Time("last_run", recent.Timestamp),
		)
		return false
	}

	details, err := h.runSafely(ctx, action)
	result := "success"
	if err != nil {
		result = "failed"
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = err.Error()
		h.logger.Warn("healer.action.failed",
			slog.String("action", tag),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.Info("healer.action.ok",
			slog.String("action", tag),
			slog.String("trigger", trigger),
		)
	}

	h.record(ctx, tag, trigger, result, details)
	return err == nil
}

func (h *Healer) runSafely(ctx context.Context, action func(ctx context.Context) (map[string]interface{}, error)) (details map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return action(ctx)
}

// record writes the audit entry, swallowing persistence errors.
func (h *Healer) record(ctx context.Context, tag, trigger, result string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	_, err := h.audit.SaveHealingAction(ctx, store.HealingAction{
		Timestamp:  time.Now().UTC(),
		ActionType: tag,
		Trigger:    trigger,
		Result:     result,
		Details:    details,
	})
	if err != nil {
		h.logger.Warn("healer.audit.write_failed",
			slog.String("action", tag),
			slog.String("error", err.Error()),
		)
	}
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return "action panicked"
}
