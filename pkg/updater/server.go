// SPDX-License-Identifier: Apache-2.0
package updater

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SecretHeader carries the shared secret on authenticated requests.
const SecretHeader = "X-Updater-Secret"

const historyCapacity = 50

// HistoryEntry is one apply or rollback attempt kept in the in-memory ring.
type HistoryEntry struct {
	Tag       string    `json:"tag"`
	Version   string    `json:"version"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// SidecarStatus is the /status payload.
type SidecarStatus struct {
	State            string     `json:"state"`
	ActiveColor      string     `json:"active_color"`
	Paused           bool       `json:"paused"`
	PauseReason      string     `json:"pause_reason,omitempty"`
	LastAttemptedTag string     `json:"last_attempted_tag,omitempty"`
	LastGoodTag      string     `json:"last_good_tag,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
}

// LoadOrCreateSecret reads the shared secret from path, generating and
// persisting a fresh URL-safe base64 token on first start.
func LoadOrCreateSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := base64.URLEncoding.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}

// Server is the update control API.
type Server struct {
	executor *Executor
	secret   string
	logger   *slog.Logger

	historyMu sync.Mutex
	history   []HistoryEntry
}

// NewServer creates the control API around an executor. An empty secret
// leaves every endpoint open; used only in tests.
func NewServer(executor *Executor, secret string) *Server {
	return &Server{
		executor: executor,
		secret:   secret,
		logger:   slog.Default(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.authed(s.handleStatus))
	mux.HandleFunc("POST /update/apply", s.authed(s.handleApply))
	mux.HandleFunc("POST /update/rollback", s.authed(s.handleRollback))
	mux.HandleFunc("POST /update/unpause", s.authed(s.handleUnpause))
	mux.HandleFunc("GET /update/history", s.authed(s.handleHistory))
	mux.HandleFunc("GET /diagnostics", s.authed(s.handleDiagnostics))
	return mux
}

// authed enforces the shared-secret header in constant time. An empty
// incoming secret is never valid when a secret is configured.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			presented := r.Header.Get(SecretHeader)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.executor.State()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SidecarStatus{
		State:            s.executor.Phase(),
		ActiveColor:      state.ActiveColor,
		Paused:           state.Paused,
		PauseReason:      state.PauseReason,
		LastAttemptedTag: state.LastAttemptedTag,
		LastGoodTag:      state.LastGoodTag,
		LastSuccessAt:    state.LastSuccessAt,
		LastFailureAt:    state.LastFailureAt,
	})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag     string `json:"tag"`
		Version string `json:"version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag required"})
		return
	}
	if body.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version required"})
		return
	}

	result := s.executor.ApplyUpdate(r.Context(), body.Tag, body.Version)
	s.remember(HistoryEntry{Tag: body.Tag, Version: body.Version, Result: result.Status, Timestamp: result.StartedAt})

	switch {
	case result.Error == busyError:
		writeJSON(w, http.StatusConflict, map[string]string{"error": busyError})
	case result.Status != ResultSuccess:
		writeJSON(w, http.StatusInternalServerError, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PreviousSHA string `json:"previous_sha"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.PreviousSHA == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "previous_sha required"})
		return
	}

	result := s.executor.Rollback(r.Context(), body.PreviousSHA)
	s.remember(HistoryEntry{
		Tag:       "rollback:" + body.PreviousSHA,
		Version:   "rollback",
		Result:    result.Status,
		Timestamp: result.StartedAt,
	})

	switch {
	case result.Error == busyError:
		writeJSON(w, http.StatusConflict, map[string]string{"error": busyError})
	case result.Status != ResultSuccess:
		writeJSON(w, http.StatusInternalServerError, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	state, err := s.executor.Unpause()
	if err != nil {
		if err.Error() == busyError {
			writeJSON(w, http.StatusConflict, map[string]string{"error": busyError})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.historyMu.Lock()
	entries := append([]HistoryEntry(nil), s.history...)
	s.historyMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.GetDiagnostics(r.Context()))
}

func (s *Server) remember(entry HistoryEntry) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, entry)
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Content-Type application/json required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
