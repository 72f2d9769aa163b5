// SPDX-License-Identifier: Apache-2.0
// Package updater orchestrates blue/green version upgrades behind a
// reverse proxy, with rollback and a small control API.
package updater

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Colors of the blue/green deployment.
const (
	ColorBlue  = "blue"
	ColorGreen = "green"
)

// ValidColor reports whether color names a deployable side.
func ValidColor(color string) bool {
	return color == ColorBlue || color == ColorGreen
}

// InactiveColor returns the other side.
func InactiveColor(active string) string {
	if active == ColorBlue {
		return ColorGreen
	}
	return ColorBlue
}

// UpdateRuntimeState is the JSON record persisted across sidecar restarts.
type UpdateRuntimeState struct {
	ActiveColor      string     `json:"active_color"`
	Paused           bool       `json:"paused"`
	PauseReason      string     `json:"pause_reason,omitempty"`
	LastAttemptedTag string     `json:"last_attempted_tag,omitempty"`
	LastGoodTag      string     `json:"last_good_tag,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	ResumedAt        *time.Time `json:"resumed_at,omitempty"`
}

// StateFile reads and writes UpdateRuntimeState atomically.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Load reads the state, creating the initial blue/unpaused record when the
// file does not exist yet.
func (f *StateFile) Load() (UpdateRuntimeState, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		initial := UpdateRuntimeState{ActiveColor: ColorBlue}
		if err := f.Save(initial); err != nil {
			return UpdateRuntimeState{}, err
		}
		return initial, nil
	}
	if err != nil {
		return UpdateRuntimeState{}, err
	}
	var state UpdateRuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return UpdateRuntimeState{}, err
	}
	if !ValidColor(state.ActiveColor) {
		state.ActiveColor = ColorBlue
	}
	return state, nil
}

// Save writes the state via temp-file-then-rename so a reader never sees a
// partial record.
func (f *StateFile) Save(state UpdateRuntimeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(f.path, data)
}

// atomicWrite lands data at path through a temp file in the same directory.
// The temp file is removed explicitly on every failure path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
