package updater

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, secret string, runner *scriptRunner, prober Prober) *httptest.Server {
	t.Helper()
	exec, _, _ := newTestExecutor(t, runner, prober)
	srv := httptest.NewServer(NewServer(exec, secret).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, secret, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, payload
}

func TestAuthEnforcement(t *testing.T) {
	srv := newTestServer(t, "s3cret", &scriptRunner{}, &stubProber{healthy: true})

	resp, payload := doRequest(t, http.MethodGet, srv.URL+"/status", "", "")
	if resp.StatusCode != http.StatusUnauthorized || payload["error"] != "unauthorized" {
		t.Fatalf("missing secret: %d %v", resp.StatusCode, payload)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/status", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", resp.StatusCode)
	}

	resp, payload = doRequest(t, http.MethodGet, srv.URL+"/status", "s3cret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct secret: %d", resp.StatusCode)
	}
	state := payload["state"].(string)
	if state != PhaseIdle && state != PhaseUpdating && state != PhaseRollingBack {
		t.Fatalf("state: %v", state)
	}

	// /health stays open regardless of header.
	resp, payload = doRequest(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, payload)
	}
}

func TestEmptySecretOpensEndpoints(t *testing.T) {
	srv := newTestServer(t, "", &scriptRunner{}, &stubProber{healthy: true})
	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open server: %d", resp.StatusCode)
	}
}

func TestApplyValidation(t *testing.T) {
	srv := newTestServer(t, "", &scriptRunner{}, &stubProber{healthy: true})

	resp, payload := doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"version":"1.0"}`)
	if resp.StatusCode != http.StatusBadRequest || payload["error"] != "tag required" {
		t.Fatalf("missing tag: %d %v", resp.StatusCode, payload)
	}

	resp, payload = doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"tag":"v1"}`)
	if resp.StatusCode != http.StatusBadRequest || payload["error"] != "version required" {
		t.Fatalf("missing version: %d %v", resp.StatusCode, payload)
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json: %d", resp.StatusCode)
	}
}

func TestApplyAndHistoryFlow(t *testing.T) {
	srv := newTestServer(t, "", &scriptRunner{}, &stubProber{healthy: true})

	resp, payload := doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"tag":"v1.4.0","version":"1.4.0"}`)
	if resp.StatusCode != http.StatusOK || payload["status"] != "success" {
		t.Fatalf("apply: %d %v", resp.StatusCode, payload)
	}
	if payload["run_id"] == "" {
		t.Fatal("apply result must carry a run id")
	}
	if payload["active_color"] != "green" || payload["target_color"] != "green" || payload["paused"] != false {
		t.Fatalf("apply body routing state: %v", payload)
	}
	if _, ok := payload["started_at"]; !ok {
		t.Fatal("started_at missing from apply body")
	}
	if _, ok := payload["completed_at"]; !ok {
		t.Fatal("completed_at missing from apply body")
	}
	if _, ok := payload["duration_seconds"]; !ok {
		t.Fatal("duration_seconds missing from apply body")
	}

	resp, payload = doRequest(t, http.MethodPost, srv.URL+"/update/rollback", "", `{"previous_sha":"abc1234"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback: %d %v", resp.StatusCode, payload)
	}

	resp, payload = doRequest(t, http.MethodGet, srv.URL+"/update/history", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d", resp.StatusCode)
	}
	entries := payload["entries"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("history entries: %v", entries)
	}
	rollback := entries[1].(map[string]interface{})
	if rollback["tag"] != "rollback:abc1234" || rollback["version"] != "rollback" {
		t.Fatalf("rollback entry: %v", rollback)
	}
}

func TestApplyFailureReturns500(t *testing.T) {
	srv := newTestServer(t, "", &scriptRunner{fail: []string{"build"}}, &stubProber{healthy: true})
	resp, payload := doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"tag":"v1","version":"1"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failed apply: %d %v", resp.StatusCode, payload)
	}
	if !strings.Contains(payload["error"].(string), "docker build failed") {
		t.Fatalf("error: %v", payload["error"])
	}
	// The failure body alone tells the caller where traffic sits and that
	// further updates are paused.
	if payload["paused"] != true || payload["active_color"] != "blue" {
		t.Fatalf("failure body state: %v", payload)
	}
	if !strings.Contains(payload["pause_reason"].(string), "docker build failed") {
		t.Fatalf("pause_reason: %v", payload["pause_reason"])
	}
}

func TestConcurrentApplyReturns409(t *testing.T) {
	runner := &scriptRunner{blockOn: "build", release: make(chan struct{})}
	srv := newTestServer(t, "", runner, &stubProber{healthy: true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"tag":"v1","version":"1"}`)
	}()
	deadline := time.After(5 * time.Second)
	for !runner.called("build") {
		select {
		case <-deadline:
			t.Fatal("first apply never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp, payload := doRequest(t, http.MethodPost, srv.URL+"/update/apply", "", `{"tag":"v2","version":"2"}`)
	if resp.StatusCode != http.StatusConflict || payload["error"] != "Update already in progress" {
		t.Fatalf("busy apply: %d %v", resp.StatusCode, payload)
	}

	close(runner.release)
	<-done
}

func TestDiagnosticsEndpoint(t *testing.T) {
	srv := newTestServer(t, "", &scriptRunner{}, &stubProber{healthy: true})
	resp, payload := doRequest(t, http.MethodGet, srv.URL+"/diagnostics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics: %d", resp.StatusCode)
	}
	if payload["active_color"] != "blue" {
		t.Fatalf("active_color: %v", payload["active_color"])
	}
	if payload["git_sha"] != "abc1234" {
		t.Fatalf("git_sha: %v", payload["git_sha"])
	}
	if _, ok := payload["last_checked_at"]; !ok {
		t.Fatal("last_checked_at missing")
	}
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "updater.token")

	secret, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("creating secret: %v", err)
	}
	if secret == "" || strings.TrimSpace(secret) != secret {
		t.Fatalf("secret shape: %q", secret)
	}
	if _, err := base64.URLEncoding.DecodeString(secret); err != nil {
		t.Fatalf("secret must be url-safe base64: %v", err)
	}

	again, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("reloading secret: %v", err)
	}
	if again != secret {
		t.Fatal("reload must return the persisted secret")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading secret file: %v", err)
	}
	if strings.TrimSpace(string(raw)) != secret {
		t.Fatal("file content mismatch")
	}
}
