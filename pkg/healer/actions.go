// SPDX-License-Identifier: Apache-2.0
package healer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jllopis/custos/pkg/errors"
)

// maxHeartbeatInterval caps adjust_rate_limits backoff at 30 minutes.
const maxHeartbeatInterval = 1800

// restartSkill re-initializes the first errored skill. Success requires an
// errored skill to exist and its re-init to complete.
func (h *Healer) restartSkill(ctx context.Context) (map[string]interface{}, error) {
	if h.skills == nil {
		return nil, errors.New(errors.CodeInternal, "no skill registry attached", nil)
	}
	name, found := h.skills.FirstErrored()
	if !found {
		return nil, errors.New(errors.CodeNotFound, "no errored skill to restart", nil)
	}
	details := map[string]interface{}{"skill_name": name}
	if !h.skills.SafeReinitialize(ctx, name) {
		return details, errors.New(errors.CodeInternal, fmt.Sprintf("reinitialize failed for %s", name), nil)
	}
	return details, nil
}

// clearStaleConnections cycles the pool's idle connections. With no pool
// attached it is a no-op success.
func (h *Healer) clearStaleConnections(ctx context.Context) (map[string]interface{}, error) {
	if h.db == nil {
		return map[string]interface{}{"skipped": true}, nil
	}
	// Dropping the idle ceiling to zero closes every idle connection;
	// restoring it lets the pool refill on demand.
	h.db.SetMaxIdleConns(0)
	h.db.SetMaxIdleConns(2)
	return map[string]interface{}{"skipped": false}, nil
}

// vacuumDatabases compacts the SQLite file. No-op success without a pool.
func (h *Healer) vacuumDatabases(ctx context.Context) (map[string]interface{}, error) {
	if h.db == nil {
		return map[string]interface{}{"skipped": true}, nil
	}
	if _, err := h.db.ExecContext(ctx, "VACUUM"); err != nil {
		return nil, errors.New(errors.CodeStoreError, "vacuum failed", err)
	}
	return map[string]interface{}{"skipped": false}, nil
}

// warmOllamaModels lists local models and asks the runtime to keep each
// loaded. Listing must succeed; individual warm requests are best effort.
func (h *Healer) warmOllamaModels(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.OllamaBaseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "building tags request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeProbeFailure, "ollama unreachable", err).WithRecoverable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.CodeProbeFailure, fmt.Sprintf("ollama tags returned %d", resp.StatusCode), nil)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, errors.New(errors.CodeInternal, "decoding tags response", err)
	}

	for _, model := range tags.Models {
		h.keepAlive(ctx, model.Name)
	}
	return map[string]interface{}{"models_found": len(tags.Models)}, nil
}

// keepAlive issues one generate call with an empty prompt so the model stays
// resident. Failures are logged and ignored.
func (h *Healer) keepAlive(ctx context.Context, model string) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"keep_alive": h.cfg.ModelKeepAlive,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.OllamaBaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("healer.keep_alive.failed", "model", model, "error", err.Error())
		return
	}
	resp.Body.Close()
}

// adjustRateLimits doubles the heartbeat interval, capped at 30 minutes,
// to shed request pressure after sustained rate limiting.
func (h *Healer) adjustRateLimits(ctx context.Context) (map[string]interface{}, error) {
	if h.settings == nil {
		return nil, errors.New(errors.CodeInternal, "no settings store attached", nil)
	}
	current, err := h.settings.HeartbeatInterval(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "reading heartbeat interval", err)
	}
	next := current * 2
	if next > maxHeartbeatInterval {
		next = maxHeartbeatInterval
	}
	details := map[string]interface{}{
		"previous_interval": current,
		"new_interval":      next,
	}
	if err := h.settings.SetHeartbeatInterval(ctx, next); err != nil {
		return details, errors.New(errors.CodeStoreError, "persisting heartbeat interval", err)
	}
	return details, nil
}

// flushLogBuffer forces buffered log output to disk via the configured hook.
func (h *Healer) flushLogBuffer(ctx context.Context) (map[string]interface{}, error) {
	if h.flush == nil {
		return map[string]interface{}{"skipped": true}, nil
	}
	if err := h.flush(); err != nil {
		return nil, errors.New(errors.CodeInternal, "log flush failed", err)
	}
	return map[string]interface{}{"skipped": false}, nil
}
