// SPDX-License-Identifier: Apache-2.0
// Package skills tracks the assistant's sub-components and their runtime
// status. The metrics collector reads the status summary and the self-healer
// re-initializes errored entries.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Status is the runtime state of a registered skill.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// InitFunc initializes a skill. Returning an error marks the skill errored.
type InitFunc func(ctx context.Context) error

// Summary is a point-in-time view of registry status.
type Summary struct {
	Total    int
	Ready    int
	Errors   int
	ByStatus map[string][]string // status -> skill names, registration order
}

// Registry holds registered skills keyed by name, preserving registration
// order for deterministic summaries.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*entry
	order  []string
	logger *slog.Logger
}

type entry struct {
	spec    SkillSpec
	status  Status
	lastErr string
	init    InitFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]*entry),
		logger: slog.Default(),
	}
}

// Register adds a skill with its initializer and runs it once. A failing
// initializer leaves the skill in error status rather than failing Register.
func (r *Registry) Register(ctx context.Context, spec SkillSpec, init InitFunc) {
	r.mu.Lock()
	if _, exists := r.skills[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	e := &entry{spec: spec, status: StatusLoading, init: init}
	r.skills[spec.Name] = e
	r.mu.Unlock()

	r.runInit(ctx, spec.Name)
}

// PopulateFromDir loads all SKILL.md manifests under root and registers each
// with a no-op initializer. Used when skills are external processes whose
// health arrives via status updates.
func (r *Registry) PopulateFromDir(ctx context.Context, root string) error {
	specs, err := LoadDir(root)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		r.Register(ctx, spec, nil)
	}
	return nil
}

// SetStatus records an externally observed status for a skill.
func (r *Registry) SetStatus(name string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.skills[name]
	if !ok {
		return fmt.Errorf("unknown skill %q", name)
	}
	e.status = status
	e.lastErr = errMsg
	return nil
}

// Status returns the current status of a skill.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.skills[name]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Summary returns counts and an ordered by-status name mapping.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{ByStatus: make(map[string][]string)}
	for _, name := range r.order {
		e := r.skills[name]
		s.Total++
		switch e.status {
		case StatusReady:
			s.Ready++
		case StatusError:
			s.Errors++
		}
		s.ByStatus[string(e.status)] = append(s.ByStatus[string(e.status)], name)
	}
	return s
}

// FirstErrored returns the first skill in registration order whose status is
// error. Used by the restart_skill healing action.
func (r *Registry) FirstErrored() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if r.skills[name].status == StatusError {
			return name, true
		}
	}
	return "", false
}

// SafeReinitialize re-runs a skill's initializer, catching panics. Returns
// true when the skill ends up ready.
func (r *Registry) SafeReinitialize(ctx context.Context, name string) bool {
	r.mu.RLock()
	_, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.runInit(ctx, name)
	status, _ := r.Status(name)
	return status == StatusReady
}

func (r *Registry) runInit(ctx context.Context, name string) {
	r.mu.RLock()
	e, ok := r.skills[name]
	var init InitFunc
	if ok {
		init = e.init
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	err := safeCall(ctx, init)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		e.status = StatusError
		e.lastErr = err.Error()
		r.logger.Warn("skills.init.failed",
			slog.String("skill", name),
			slog.String("error", err.Error()),
		)
		return
	}
	e.status = StatusReady
	e.lastErr = ""
}

func safeCall(ctx context.Context, init InitFunc) (err error) {
	if init == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("init panicked: %v", rec)
		}
	}()
	return init(ctx)
}
