package updater

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/custos/pkg/probe"
)

// scriptRunner fakes the orchestration command surface. Commands matching a
// fail substring return no output; everything else succeeds with canned
// stdout.
type scriptRunner struct {
	mu      sync.Mutex
	fail    []string
	calls   []string
	blockOn string
	release chan struct{}
}

func (r *scriptRunner) Run(_ context.Context, cmd string, _ time.Duration, _ string) (string, bool) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.blockOn != "" && strings.Contains(cmd, r.blockOn) {
		<-r.release
	}
	for _, pattern := range r.fail {
		if strings.Contains(cmd, pattern) {
			return "", false
		}
	}
	switch {
	case strings.Contains(cmd, "rev-parse"):
		return "abc1234\n", true
	case strings.Contains(cmd, "ps --services"):
		return "bot\nskills-green\n", true
	}
	return "", true
}

func (r *scriptRunner) called(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.calls {
		if strings.Contains(cmd, pattern) {
			return true
		}
	}
	return false
}

type stubProber struct {
	healthy bool
}

func (p *stubProber) CheckService(context.Context, string, probe.Options) bool {
	return p.healthy
}

func fastConfig(dir string) ExecutorConfig {
	return ExecutorConfig{
		ProjectDir:     dir,
		ComposeFile:    filepath.Join(dir, "docker-compose.yml"),
		PauseOnFailure: true,
		BuildTimeout:   time.Second,
		CommandTimeout: time.Second,
		StopTimeout:    time.Second,
		DirectProbe:    probe.Options{Retries: 1, Delay: time.Millisecond, Timeout: time.Second},
		RoutedProbe:    probe.Options{Retries: 1, Delay: time.Millisecond, Timeout: time.Second},
	}
}

func newTestExecutor(t *testing.T, runner *scriptRunner, prober Prober) (*Executor, *StateFile, string) {
	t.Helper()
	dir := t.TempDir()
	state := NewStateFile(filepath.Join(dir, "state.json"))
	routePath := filepath.Join(dir, "routes.yml")
	routes := NewRouteWriter(routePath, nil)
	if err := routes.Write(ColorBlue); err != nil {
		t.Fatalf("seeding routes: %v", err)
	}
	exec := NewExecutor(fastConfig(dir), runner, prober, state, routes, nil, nil)
	return exec, state, routePath
}

func TestApplyUpdateSuccess(t *testing.T) {
	runner := &scriptRunner{}
	exec, state, routePath := newTestExecutor(t, runner, &stubProber{healthy: true})

	result := exec.ApplyUpdate(context.Background(), "v1.4.0", "1.4.0")
	if result.Status != ResultSuccess {
		t.Fatalf("status: %s (%s)", result.Status, result.Error)
	}
	if result.PreviousSHA != "abc1234" || result.NewSHA != "abc1234" {
		t.Fatalf("shas: %+v", result)
	}
	if result.ActiveColor != ColorGreen || result.TargetColor != ColorGreen || result.Paused {
		t.Fatalf("result routing state: %+v", result)
	}
	if result.StartedAt.IsZero() || result.CompletedAt == nil || result.DurationSeconds < 0 {
		t.Fatalf("result timing: %+v", result)
	}

	st, err := state.Load()
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if st.ActiveColor != ColorGreen || st.Paused || st.LastGoodTag != "v1.4.0" {
		t.Fatalf("state after success: %+v", st)
	}
	if st.LastSuccessAt == nil {
		t.Fatal("last_success_at must be set")
	}

	data, err := os.ReadFile(routePath)
	if err != nil {
		t.Fatalf("reading routes: %v", err)
	}
	var cfg routeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parsing routes: %v", err)
	}
	if cfg.HTTP.Routers["skills"].Service != "skills-green" || cfg.HTTP.Routers["api"].Service != "api-green" {
		t.Fatalf("routers: %+v", cfg.HTTP.Routers)
	}

	if !runner.called("build skills-green api-green bot") {
		t.Fatal("target build not issued")
	}
	if !runner.called("stop skills-blue api-blue") {
		t.Fatal("previous color not stopped")
	}
	if !runner.called("git fetch --force origin refs/tags/'v1.4.0':refs/tags/'v1.4.0'") {
		t.Fatal("tag fetch must be shell-quoted")
	}
}

func TestApplyUpdateBuildFailurePausesAndKeepsColor(t *testing.T) {
	runner := &scriptRunner{fail: []string{"build"}}
	exec, state, _ := newTestExecutor(t, runner, &stubProber{healthy: true})

	result := exec.ApplyUpdate(context.Background(), "v1.0.2", "1.0.2")
	if result.Status != ResultFailed && result.Status != ResultRolledBack {
		t.Fatalf("status: %s", result.Status)
	}
	if !strings.Contains(result.Error, "docker build failed") {
		t.Fatalf("error: %s", result.Error)
	}
	if !result.Paused || !strings.Contains(result.PauseReason, "docker build failed") {
		t.Fatalf("result must expose the pause outcome: %+v", result)
	}
	if result.ActiveColor != ColorBlue || result.TargetColor != ColorGreen {
		t.Fatalf("result colors: %+v", result)
	}
	if result.CompletedAt == nil {
		t.Fatal("completed_at must be set on failure")
	}

	st, err := state.Load()
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if !st.Paused || !strings.Contains(st.PauseReason, "docker build failed") {
		t.Fatalf("state after failure: %+v", st)
	}
	if st.ActiveColor != ColorBlue {
		t.Fatalf("traffic must stay on the previous color, got %s", st.ActiveColor)
	}
	if st.LastFailureAt == nil {
		t.Fatal("last_failure_at must be set")
	}
}

func TestApplyUpdateProbeFailureRollsBack(t *testing.T) {
	// Target services build and start but never become healthy.
	runner := &scriptRunner{}
	exec, state, _ := newTestExecutor(t, runner, &stubProber{healthy: false})

	result := exec.ApplyUpdate(context.Background(), "v2.0.0", "2.0.0")
	if result.Status != ResultFailed {
		t.Fatalf("status: %s", result.Status)
	}
	if !strings.Contains(result.Error, "health check failed for skills-green") {
		t.Fatalf("error: %s", result.Error)
	}
	st, _ := state.Load()
	if st.ActiveColor != ColorBlue || !st.Paused {
		t.Fatalf("state: %+v", st)
	}
}

func TestApplyRefusedWhilePaused(t *testing.T) {
	runner := &scriptRunner{}
	exec, state, _ := newTestExecutor(t, runner, &stubProber{healthy: true})

	st, _ := state.Load()
	st.Paused = true
	st.PauseReason = "previous failure"
	if err := state.Save(st); err != nil {
		t.Fatalf("saving state: %v", err)
	}

	result := exec.ApplyUpdate(context.Background(), "v3", "3")
	if result.Status != ResultFailed || !strings.Contains(result.Error, "previous failure") {
		t.Fatalf("result: %+v", result)
	}
	if runner.called("git fetch") {
		t.Fatal("paused executor must not touch the checkout")
	}
}

func TestConcurrentApplyRejected(t *testing.T) {
	runner := &scriptRunner{blockOn: "build", release: make(chan struct{})}
	exec, _, _ := newTestExecutor(t, runner, &stubProber{healthy: true})

	done := make(chan UpdateResult, 1)
	go func() {
		done <- exec.ApplyUpdate(context.Background(), "v1", "1")
	}()

	// Wait for the first apply to reach the blocked build step.
	deadline := time.After(5 * time.Second)
	for !runner.called("build") {
		select {
		case <-deadline:
			t.Fatal("first apply never reached the build step")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second := exec.ApplyUpdate(context.Background(), "v2", "2")
	if second.Status != ResultFailed || second.Error != "Update already in progress" {
		t.Fatalf("second apply: %+v", second)
	}
	if _, err := exec.Unpause(); err == nil || err.Error() != "Update already in progress" {
		t.Fatalf("unpause during apply: %v", err)
	}

	close(runner.release)
	first := <-done
	if first.Status != ResultSuccess {
		t.Fatalf("first apply: %+v", first)
	}
}

func TestManualRollbackRestoresActiveColor(t *testing.T) {
	runner := &scriptRunner{}
	exec, state, _ := newTestExecutor(t, runner, &stubProber{healthy: true})

	result := exec.Rollback(context.Background(), "deadbeef")
	if result.Status != ResultSuccess {
		t.Fatalf("rollback: %+v", result)
	}
	if !runner.called("git checkout --force 'deadbeef'") {
		t.Fatal("rollback must check out the quoted sha")
	}
	if !runner.called("build skills-blue api-blue bot") {
		t.Fatal("rollback must rebuild the active color")
	}
	if result.ActiveColor != ColorBlue || result.TargetColor != ColorBlue || result.CompletedAt == nil {
		t.Fatalf("result state: %+v", result)
	}
	st, _ := state.Load()
	if st.ActiveColor != ColorBlue {
		t.Fatalf("active color: %s", st.ActiveColor)
	}
}

func TestUnpauseClearsReason(t *testing.T) {
	runner := &scriptRunner{}
	exec, state, _ := newTestExecutor(t, runner, &stubProber{healthy: true})

	st, _ := state.Load()
	st.Paused = true
	st.PauseReason = "docker build failed"
	if err := state.Save(st); err != nil {
		t.Fatalf("saving state: %v", err)
	}

	out, err := exec.Unpause()
	if err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if out.Paused || out.PauseReason != "" || out.ResumedAt == nil {
		t.Fatalf("state after unpause: %+v", out)
	}
}

func TestSwitchActiveColorIdempotentAndValidated(t *testing.T) {
	runner := &scriptRunner{}
	exec, state, routePath := newTestExecutor(t, runner, &stubProber{healthy: true})

	if err := exec.switchActiveColor(ColorGreen); err != nil {
		t.Fatalf("first switch: %v", err)
	}
	before, _ := os.ReadFile(routePath)
	if err := exec.switchActiveColor(ColorGreen); err != nil {
		t.Fatalf("second switch: %v", err)
	}
	after, _ := os.ReadFile(routePath)
	if string(before) != string(after) {
		t.Fatal("second switch must not change the file")
	}

	if err := exec.switchActiveColor("purple"); err == nil {
		t.Fatal("invalid color must be rejected")
	}
	st, _ := state.Load()
	if st.ActiveColor != ColorGreen {
		t.Fatalf("rejected switch must leave state unchanged: %+v", st)
	}
}

func TestStateFileInitialLoad(t *testing.T) {
	dir := t.TempDir()
	state := NewStateFile(filepath.Join(dir, "nested", "state.json"))
	st, err := state.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if st.ActiveColor != ColorBlue || st.Paused {
		t.Fatalf("initial state: %+v", st)
	}
	// The initial record is persisted on first load.
	if _, err := os.Stat(filepath.Join(dir, "nested", "state.json")); err != nil {
		t.Fatalf("state file missing: %v", err)
	}
}

func TestRouteWriterLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	routes := NewRouteWriter(filepath.Join(dir, "routes.yml"), nil)
	if err := routes.Write(ColorBlue); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := routes.Write(ColorGreen); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "routes.yml" {
		t.Fatalf("unexpected files: %v", entries)
	}
	if err := routes.Write("purple"); err == nil {
		t.Fatal("invalid color must be rejected")
	}
}
