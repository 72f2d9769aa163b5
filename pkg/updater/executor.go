// SPDX-License-Identifier: Apache-2.0
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/custos/pkg/command"
	"github.com/jllopis/custos/pkg/probe"
	"github.com/jllopis/custos/pkg/store"
	"github.com/jllopis/custos/pkg/telemetry"
)

// Result statuses reported by the executor.
const (
	ResultSuccess    = "success"
	ResultFailed     = "failed"
	ResultRolledBack = "rolled_back"
)

// Executor phases surfaced through the control API.
const (
	PhaseIdle        = "idle"
	PhaseUpdating    = "updating"
	PhaseRollingBack = "rolling_back"
)

const busyError = "Update already in progress"

// Prober checks service health over HTTP.
type Prober interface {
	CheckService(ctx context.Context, url string, opts probe.Options) bool
}

// UpdateAudit persists update history. Unlike the healer, the executor is
// strongly consistent: a persistence failure fails the update.
type UpdateAudit interface {
	SaveUpdateRecord(ctx context.Context, record store.UpdateRecord) (int64, error)
	UpdateUpdateStatus(ctx context.Context, id int64, status store.UpdateStatus, healthCheckResult map[string]interface{}) error
}

// ExecutorConfig wires the executor to its project checkout and proxy.
type ExecutorConfig struct {
	ProjectDir  string
	ComposeFile string
	// HealthURLs maps skills_blue, skills_green, api_blue, api_green,
	// routed_skills, and routed_api to their probe URLs.
	HealthURLs     map[string]string
	PauseOnFailure bool

	BuildTimeout   time.Duration
	CommandTimeout time.Duration
	StopTimeout    time.Duration
	DirectProbe    probe.Options
	RoutedProbe    probe.Options
}

// DefaultExecutorConfig returns the standard timeouts and probe policies.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PauseOnFailure: true,
		BuildTimeout:   1200 * time.Second,
		CommandTimeout: 120 * time.Second,
		StopTimeout:    180 * time.Second,
		DirectProbe:    probe.Options{Retries: 8, Delay: 8 * time.Second, Timeout: 5 * time.Second},
		RoutedProbe:    probe.Options{Retries: 8, Delay: 5 * time.Second, Timeout: 5 * time.Second},
	}
}

// UpdateResult is the outcome of one apply or rollback run. It carries the
// post-run routing and pause state so callers of a failed apply see the
// resulting pause without a second /status call.
type UpdateResult struct {
	RunID           string     `json:"run_id"`
	Status          string     `json:"status"`
	Tag             string     `json:"tag,omitempty"`
	Version         string     `json:"version,omitempty"`
	PreviousSHA     string     `json:"previous_sha,omitempty"`
	NewSHA          string     `json:"new_sha,omitempty"`
	StepsCompleted  []string   `json:"steps_completed"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	ActiveColor     string     `json:"active_color"`
	TargetColor     string     `json:"target_color,omitempty"`
	Paused          bool       `json:"paused"`
	PauseReason     string     `json:"pause_reason,omitempty"`
}

// Executor serializes blue/green updates. A single mutex guards
// ApplyUpdate, Rollback, and Unpause; concurrent attempts fail fast.
type Executor struct {
	mu     sync.Mutex
	cfg    ExecutorConfig
	runner command.Runner
	prober Prober
	state  *StateFile
	routes *RouteWriter
	audit  UpdateAudit
	ops    *telemetry.OpsMetrics
	logger *slog.Logger

	phaseMu       sync.Mutex
	phase         string
	lastCheckedAt time.Time
}

// NewExecutor creates an Executor. audit and ops may be nil.
func NewExecutor(cfg ExecutorConfig, runner command.Runner, prober Prober, state *StateFile, routes *RouteWriter, audit UpdateAudit, ops *telemetry.OpsMetrics) *Executor {
	base := DefaultExecutorConfig()
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = base.BuildTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = base.CommandTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = base.StopTimeout
	}
	if cfg.DirectProbe.Retries == 0 {
		cfg.DirectProbe = base.DirectProbe
	}
	if cfg.RoutedProbe.Retries == 0 {
		cfg.RoutedProbe = base.RoutedProbe
	}
	return &Executor{
		cfg:    cfg,
		runner: runner,
		prober: prober,
		state:  state,
		routes: routes,
		audit:  audit,
		ops:    ops,
		logger: slog.Default(),
		phase:  PhaseIdle,
	}
}

// SetHealthURLs replaces the probe URL map, waiting out any in-flight
// operation. Used by the config hot-reload path.
func (e *Executor) SetHealthURLs(urls map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := make(map[string]string, len(urls))
	for name, url := range urls {
		merged[name] = url
	}
	e.cfg.HealthURLs = merged
}

// SetPauseOnFailure toggles the pause-on-failure policy at runtime.
func (e *Executor) SetPauseOnFailure(pause bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.PauseOnFailure = pause
}

// Phase returns the executor's current phase.
func (e *Executor) Phase() string {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return e.phase
}

func (e *Executor) setPhase(phase string) {
	e.phaseMu.Lock()
	e.phase = phase
	e.phaseMu.Unlock()
}

// State returns the current runtime state.
func (e *Executor) State() (UpdateRuntimeState, error) {
	return e.state.Load()
}

func (e *Executor) compose(args string) string {
	return fmt.Sprintf("docker compose -f %s %s", command.ShellQuote(e.cfg.ComposeFile), args)
}

// run executes one orchestration command, returning its stdout and whether
// it succeeded.
func (e *Executor) run(ctx context.Context, cmd string, timeout time.Duration) (string, bool) {
	return e.runner.Run(ctx, cmd, timeout, e.cfg.ProjectDir)
}

// ApplyUpdate upgrades the inactive color to the given tag and cuts traffic
// over. Any step failure rolls back to the previously active color.
func (e *Executor) ApplyUpdate(ctx context.Context, tag, version string) UpdateResult {
	if !e.mu.TryLock() {
		return UpdateResult{RunID: uuid.NewString(), Status: ResultFailed, Error: busyError, Tag: tag, Version: version, StepsCompleted: []string{}, StartedAt: time.Now().UTC()}
	}
	defer e.mu.Unlock()
	e.setPhase(PhaseUpdating)
	defer e.setPhase(PhaseIdle)

	ctx, span := otel.Tracer("custos/updater").Start(ctx, "updater.apply",
		trace.WithAttributes(attribute.String("update.tag", tag)))
	defer span.End()

	started := time.Now()
	result := UpdateResult{
		RunID:          uuid.NewString(),
		Tag:            tag,
		Version:        version,
		StepsCompleted: []string{},
		StartedAt:      started.UTC(),
	}

	state, err := e.state.Load()
	if err != nil {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("loading runtime state: %v", err)
		e.finalize(&result, started)
		return result
	}
	if state.Paused {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("updates paused: %s", state.PauseReason)
		e.finalize(&result, started)
		return result
	}

	previousColor := state.ActiveColor
	target := InactiveColor(previousColor)
	result.TargetColor = target

	recordID, err := e.persistRecord(ctx, tag, version)
	if err != nil {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("persisting update record: %v", err)
		e.finalize(&result, started)
		return result
	}

	state.LastAttemptedTag = tag
	if err := e.state.Save(state); err != nil {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("saving runtime state: %v", err)
		e.finalize(&result, started)
		return result
	}

	healthResult := map[string]interface{}{}
	stepErr := e.applySteps(ctx, tag, target, previousColor, &result, healthResult)
	if stepErr == nil {
		now := time.Now().UTC()
		state, err = e.state.Load()
		if err == nil {
			state.ActiveColor = target
			state.LastGoodTag = tag
			state.LastSuccessAt = &now
			state.Paused = false
			state.PauseReason = ""
			err = e.state.Save(state)
		}
		if err != nil {
			stepErr = fmt.Errorf("persisting success state: %v", err)
		}
	}

	if stepErr != nil {
		result.Error = stepErr.Error()
		rolledBack := e.pauseAndRollback(ctx, result.PreviousSHA, previousColor, stepErr.Error())
		if rolledBack {
			result.Status = ResultRolledBack
		} else {
			result.Status = ResultFailed
		}
		e.finalize(&result, started)
		e.finishRecord(ctx, recordID, result, healthResult)
		e.ops.RecordUpdateDuration(ctx, "apply", result.Status, result.DurationSeconds)
		return result
	}

	result.Status = ResultSuccess
	e.finalize(&result, started)
	e.finishRecord(ctx, recordID, result, healthResult)
	e.ops.RecordUpdateDuration(ctx, "apply", result.Status, result.DurationSeconds)
	return result
}

// finalize stamps run timing and the post-run routing and pause state onto
// the result.
func (e *Executor) finalize(result *UpdateResult, started time.Time) {
	now := time.Now().UTC()
	result.CompletedAt = &now
	result.DurationSeconds = time.Since(started).Seconds()
	if state, err := e.state.Load(); err == nil {
		result.ActiveColor = state.ActiveColor
		result.Paused = state.Paused
		result.PauseReason = state.PauseReason
	}
}

// applySteps runs the eleven-step upgrade sequence, recording each
// completed step in result.StepsCompleted.
func (e *Executor) applySteps(ctx context.Context, tag, target, previousColor string, result *UpdateResult, healthResult map[string]interface{}) error {
	step := func(name string) { result.StepsCompleted = append(result.StepsCompleted, name) }
	quotedTag := command.ShellQuote(tag)

	sha, ok := e.run(ctx, "git rev-parse HEAD", e.cfg.CommandTimeout)
	if !ok {
		return fmt.Errorf("git rev-parse failed")
	}
	result.PreviousSHA = strings.TrimSpace(sha)
	step("capture_previous_sha")

	refspec := fmt.Sprintf("refs/tags/%s:refs/tags/%s", quotedTag, quotedTag)
	if _, ok := e.run(ctx, "git fetch --force origin "+refspec, e.cfg.CommandTimeout); !ok {
		return fmt.Errorf("git fetch failed for tag %s", tag)
	}
	step("fetch_tag")

	if _, ok := e.run(ctx, "git checkout --force refs/tags/"+quotedTag, e.cfg.CommandTimeout); !ok {
		return fmt.Errorf("git checkout failed for tag %s", tag)
	}
	step("checkout_tag")

	sha, ok = e.run(ctx, "git rev-parse HEAD", e.cfg.CommandTimeout)
	if !ok {
		return fmt.Errorf("git rev-parse failed after checkout")
	}
	result.NewSHA = strings.TrimSpace(sha)
	step("capture_new_sha")

	buildCmd := e.compose(fmt.Sprintf("build skills-%s api-%s bot", target, target))
	if _, ok := e.run(ctx, buildCmd, e.cfg.BuildTimeout); !ok {
		return fmt.Errorf("docker build failed")
	}
	step("build_target")

	for _, svc := range []string{"skills-" + target, "api-" + target} {
		if _, ok := e.run(ctx, e.compose("up -d --no-deps "+svc), e.cfg.CommandTimeout); !ok {
			return fmt.Errorf("compose up failed for %s", svc)
		}
		url := e.healthURL(strings.ReplaceAll(svc, "-", "_"))
		healthy := e.prober.CheckService(ctx, url, e.cfg.DirectProbe)
		healthResult[svc] = healthy
		if !healthy {
			return fmt.Errorf("health check failed for %s", svc)
		}
		step("start_" + svc)
	}

	// Route switch through bot restart is one uninterruptible segment:
	// use a context detached from caller cancellation.
	segment := context.WithoutCancel(ctx)

	if err := e.switchActiveColor(target); err != nil {
		return fmt.Errorf("route switch failed: %v", err)
	}
	step("switch_routes")

	for _, name := range []string{"routed_skills", "routed_api"} {
		healthy := e.prober.CheckService(segment, e.healthURL(name), e.cfg.RoutedProbe)
		healthResult[name] = healthy
		if !healthy {
			return fmt.Errorf("routed health check failed for %s", name)
		}
	}
	step("probe_routed")

	if _, ok := e.run(segment, e.compose("up -d --no-deps bot"), e.cfg.CommandTimeout); !ok {
		return fmt.Errorf("compose up failed for bot")
	}
	if !e.botRunning(segment) {
		return fmt.Errorf("bot is not running after restart")
	}
	step("restart_bot")

	stopCmd := e.compose(fmt.Sprintf("stop skills-%s api-%s", previousColor, previousColor))
	if _, ok := e.run(ctx, stopCmd, e.cfg.StopTimeout); !ok {
		return fmt.Errorf("compose stop failed for %s services", previousColor)
	}
	step("stop_previous")

	return nil
}

// switchActiveColor atomically rewrites the route file and the runtime
// state. Applying the same color twice is a no-op.
func (e *Executor) switchActiveColor(color string) error {
	if !ValidColor(color) {
		return fmt.Errorf("invalid color %q", color)
	}
	if err := e.routes.Write(color); err != nil {
		return err
	}
	state, err := e.state.Load()
	if err != nil {
		return err
	}
	if state.ActiveColor == color {
		return nil
	}
	state.ActiveColor = color
	return e.state.Save(state)
}

func (e *Executor) botRunning(ctx context.Context) bool {
	out, ok := e.run(ctx, e.compose("ps --services --status running"), e.cfg.CommandTimeout)
	if !ok {
		return false
	}
	for _, svc := range strings.Fields(out) {
		if svc == "bot" {
			return true
		}
	}
	return false
}

// pauseAndRollback restores the previously active color and, when
// configured, pauses further updates with the failure reason.
func (e *Executor) pauseAndRollback(ctx context.Context, previousSHA, previousColor, cause string) bool {
	e.setPhase(PhaseRollingBack)
	defer e.setPhase(PhaseUpdating)

	e.logger.Error("updater.rollback.start",
		slog.String("previous_color", previousColor),
		slog.String("cause", cause),
	)
	rolledBack := e.attemptRollback(ctx, previousSHA, previousColor)

	state, err := e.state.Load()
	if err != nil {
		e.logger.Error("updater.rollback.state_load_failed", slog.String("error", err.Error()))
		return false
	}
	now := time.Now().UTC()
	state.ActiveColor = previousColor
	state.LastFailureAt = &now
	if e.cfg.PauseOnFailure {
		state.Paused = true
		state.PauseReason = cause
	}
	if err := e.state.Save(state); err != nil {
		e.logger.Error("updater.rollback.state_save_failed", slog.String("error", err.Error()))
		return false
	}
	return rolledBack
}

// attemptRollback rebuilds and restarts the previous color, switches the
// routes back, and stops the half-upgraded side best effort.
func (e *Executor) attemptRollback(ctx context.Context, previousSHA, previousColor string) bool {
	if previousSHA != "" {
		if _, ok := e.run(ctx, "git checkout --force "+command.ShellQuote(previousSHA), e.cfg.CommandTimeout); !ok {
			return false
		}
	}

	buildCmd := e.compose(fmt.Sprintf("build skills-%s api-%s bot", previousColor, previousColor))
	if _, ok := e.run(ctx, buildCmd, e.cfg.BuildTimeout); !ok {
		return false
	}

	for _, svc := range []string{"skills-" + previousColor, "api-" + previousColor} {
		if _, ok := e.run(ctx, e.compose("up -d --no-deps "+svc), e.cfg.CommandTimeout); !ok {
			return false
		}
		if !e.prober.CheckService(ctx, e.healthURL(strings.ReplaceAll(svc, "-", "_")), e.cfg.DirectProbe) {
			return false
		}
	}

	if err := e.switchActiveColor(previousColor); err != nil {
		return false
	}
	for _, name := range []string{"routed_skills", "routed_api"} {
		if !e.prober.CheckService(ctx, e.healthURL(name), e.cfg.RoutedProbe) {
			return false
		}
	}

	if _, ok := e.run(ctx, e.compose("up -d --no-deps bot"), e.cfg.CommandTimeout); !ok {
		return false
	}
	if !e.botRunning(ctx) {
		return false
	}

	inactive := InactiveColor(previousColor)
	e.run(ctx, e.compose(fmt.Sprintf("stop skills-%s api-%s", inactive, inactive)), e.cfg.StopTimeout)
	return true
}

// Rollback manually restores the currently active color at previousSHA.
func (e *Executor) Rollback(ctx context.Context, previousSHA string) UpdateResult {
	if !e.mu.TryLock() {
		return UpdateResult{RunID: uuid.NewString(), Status: ResultFailed, Error: busyError, StepsCompleted: []string{}, StartedAt: time.Now().UTC()}
	}
	defer e.mu.Unlock()
	e.setPhase(PhaseRollingBack)
	defer e.setPhase(PhaseIdle)

	started := time.Now()
	result := UpdateResult{
		RunID:          uuid.NewString(),
		PreviousSHA:    previousSHA,
		StepsCompleted: []string{},
		StartedAt:      started.UTC(),
	}

	state, err := e.state.Load()
	if err != nil {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("loading runtime state: %v", err)
		e.finalize(&result, started)
		return result
	}
	result.TargetColor = state.ActiveColor

	recordID := e.persistRollbackRecord(ctx, previousSHA)
	if e.attemptRollback(ctx, previousSHA, state.ActiveColor) {
		result.Status = ResultSuccess
	} else {
		result.Status = ResultFailed
		result.Error = "rollback failed"
	}
	if e.audit != nil && recordID != 0 {
		status := store.UpdateRolledBack
		if result.Status != ResultSuccess {
			status = store.UpdateFailed
		}
		if err := e.audit.UpdateUpdateStatus(ctx, recordID, status, nil); err != nil {
			e.logger.Warn("updater.audit.update_failed", slog.String("error", err.Error()))
		}
	}
	e.finalize(&result, started)
	e.ops.RecordUpdateDuration(ctx, "rollback", result.Status, result.DurationSeconds)
	return result
}

// Unpause clears the paused flag. Refused while an update or rollback is
// in flight.
func (e *Executor) Unpause() (UpdateRuntimeState, error) {
	if !e.mu.TryLock() {
		return UpdateRuntimeState{}, errors.New(busyError)
	}
	defer e.mu.Unlock()

	state, err := e.state.Load()
	if err != nil {
		return UpdateRuntimeState{}, err
	}
	now := time.Now().UTC()
	state.Paused = false
	state.PauseReason = ""
	state.ResumedAt = &now
	if err := e.state.Save(state); err != nil {
		return UpdateRuntimeState{}, err
	}
	return state, nil
}

// GetDiagnostics snapshots the checkout, the containers, and the runtime
// state for operators.
func (e *Executor) GetDiagnostics(ctx context.Context) map[string]interface{} {
	now := time.Now().UTC()
	e.phaseMu.Lock()
	e.lastCheckedAt = now
	e.phaseMu.Unlock()

	diag := map[string]interface{}{
		"last_checked_at": now.Format(time.RFC3339),
	}

	if sha, ok := e.run(ctx, "git rev-parse HEAD", e.cfg.CommandTimeout); ok {
		diag["git_sha"] = strings.TrimSpace(sha)
	}
	if ref, ok := e.run(ctx, "git describe --tags --exact-match || git branch --show-current", e.cfg.CommandTimeout); ok {
		diag["git_ref"] = strings.TrimSpace(ref)
	}
	if status, ok := e.run(ctx, "git status --porcelain", e.cfg.CommandTimeout); ok {
		diag["git_clean"] = strings.TrimSpace(status) == ""
	}
	if containers, ok := e.run(ctx, e.compose("ps --format json"), e.cfg.CommandTimeout); ok {
		diag["containers_raw"] = containers
	}
	if usage, ok := e.run(ctx, "df -h .", e.cfg.CommandTimeout); ok {
		diag["disk_usage"] = usage
	}

	if state, err := e.state.Load(); err == nil {
		diag["active_color"] = state.ActiveColor
		diag["paused"] = state.Paused
		diag["pause_reason"] = state.PauseReason
		diag["last_attempted_tag"] = state.LastAttemptedTag
		diag["last_good_tag"] = state.LastGoodTag
		diag["last_success_at"] = timeOrNil(state.LastSuccessAt)
		diag["last_failure_at"] = timeOrNil(state.LastFailureAt)
		diag["resumed_at"] = timeOrNil(state.ResumedAt)
	}
	return diag
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func (e *Executor) healthURL(name string) string {
	return e.cfg.HealthURLs[name]
}

func (e *Executor) persistRecord(ctx context.Context, tag, version string) (int64, error) {
	if e.audit == nil {
		return 0, nil
	}
	previous := ""
	if latest, err := e.state.Load(); err == nil {
		previous = latest.LastGoodTag
	}
	return e.audit.SaveUpdateRecord(ctx, store.UpdateRecord{
		Timestamp:       time.Now().UTC(),
		Version:         version,
		PreviousVersion: previous,
		GitSHA:          tag,
		Status:          store.UpdateApplying,
	})
}

func (e *Executor) persistRollbackRecord(ctx context.Context, previousSHA string) int64 {
	if e.audit == nil {
		return 0
	}
	id, err := e.audit.SaveUpdateRecord(ctx, store.UpdateRecord{
		Timestamp: time.Now().UTC(),
		Version:   "rollback",
		GitSHA:    previousSHA,
		Status:    store.UpdateApplying,
	})
	if err != nil {
		e.logger.Warn("updater.audit.save_failed", slog.String("error", err.Error()))
		return 0
	}
	return id
}

func (e *Executor) finishRecord(ctx context.Context, id int64, result UpdateResult, healthResult map[string]interface{}) {
	if e.audit == nil || id == 0 {
		return
	}
	var status store.UpdateStatus
	switch result.Status {
	case ResultSuccess:
		status = store.UpdateSuccess
	case ResultRolledBack:
		status = store.UpdateRolledBack
	default:
		status = store.UpdateFailed
	}
	if err := e.audit.UpdateUpdateStatus(ctx, id, status, healthResult); err != nil {
		e.logger.Warn("updater.audit.update_failed", slog.String("error", err.Error()))
	}
}
