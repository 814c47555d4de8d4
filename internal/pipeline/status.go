package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"slug/internal/config"
	"slug/internal/hierarchy"
	"slug/internal/services"
)

// ModuleState is where a module stands on one entity.
type ModuleState string

const (
	ModuleRunning     ModuleState = "running"
	ModuleComplete    ModuleState = "complete"
	ModuleAvailable   ModuleState = "available"
	ModuleUnavailable ModuleState = "unavailable"
)

// ModuleStatus describes a module against an entity, in the order the
// checks are made: running, then complete, then whether inputs exist.
type ModuleStatus struct {
	Module  string      `json:"module"`
	Target  string      `json:"target"`
	State   ModuleState `json:"state"`
	Message string      `json:"message"`
	Key     string      `json:"key,omitempty"`
	Inputs  int         `json:"inputs"`
}

// Status reports the state of module on the entity at target. Completion
// is judged with the module's default options.
func (p *Pipeline) Status(ctx context.Context, module, target string) (ModuleStatus, error) {
	mod, ok := p.registry.Get(module)
	if !ok {
		return ModuleStatus{}, services.Wrap(services.ErrNotFound, "pipeline", "status", fmt.Sprintf("unknown module %q", module), nil)
	}
	loc, err := p.locator.Locate(target)
	if err != nil {
		return ModuleStatus{}, err
	}
	return p.status(ctx, mod, loc)
}

// StatusAll reports every registered module against the entity at target.
func (p *Pipeline) StatusAll(ctx context.Context, target string) ([]ModuleStatus, error) {
	loc, err := p.locator.Locate(target)
	if err != nil {
		return nil, err
	}
	modules := p.registry.List()
	out := make([]ModuleStatus, 0, len(modules))
	for _, mod := range modules {
		st, err := p.status(ctx, mod, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (p *Pipeline) status(ctx context.Context, mod config.Module, loc hierarchy.Location) (ModuleStatus, error) {
	st := ModuleStatus{Module: mod.Name, Target: loc.Rel}
	if err := ctx.Err(); err != nil {
		return st, err
	}

	if want, _ := hierarchy.ParseLevel(mod.Level); loc.Level != want {
		st.State = ModuleUnavailable
		st.Message = fmt.Sprintf("%s runs on a %s, %s is a %s", mod.Name, mod.Level, displayTarget(loc.Rel), loc.Level)
		return st, nil
	}
	if p.locks.held(loc.Rel+"\x00"+mod.Name) || p.runningElsewhere(mod.Name, loc.Rel) {
		st.State = ModuleRunning
		st.Message = mod.Name + " is running"
		return st, nil
	}

	digest, inputs, err := inputHash(loc.Abs, mod.Inputs)
	if err != nil {
		return st, services.Wrap(services.ErrModuleFailed, "pipeline", "status", fmt.Sprintf("module %s on %s", mod.Name, loc.Rel), err)
	}
	st.Inputs = inputs
	opts, _, err := resolveOptions(mod, nil)
	if err != nil {
		return st, err
	}
	key := idempotenceKey(mod, digest, opts)
	final := filepath.Join(loc.Abs, hierarchy.ArtifactsDir, mod.Name)
	if _, ok := cachedArtifact(final, key); ok {
		st.State = ModuleComplete
		st.Key = key
		st.Message = mod.Name + " has run on the current input"
		return st, nil
	}
	if inputs == 0 {
		st.State = ModuleUnavailable
		st.Message = fmt.Sprintf("%s cannot run, no input matches %s", mod.Name, strings.Join(mod.Inputs, ", "))
		return st, nil
	}
	st.State = ModuleAvailable
	st.Message = mod.Name + " is ready to run"
	if _, err := hierarchy.ReadManifest(final); err == nil {
		st.Message = mod.Name + " output is out of date; ready to rerun"
	}
	return st, nil
}

// runningElsewhere reports a live run record for (module, target) owned by
// another process, such as a CLI run beside the service.
func (p *Pipeline) runningElsewhere(module, target string) bool {
	records, err := p.records.List(RecordRunning)
	if err != nil {
		return false
	}
	for _, rec := range records {
		if rec.Context.Module == module && rec.Context.Target == target && processAlive(rec.Context.PID) {
			return true
		}
	}
	return false
}

func displayTarget(rel string) string {
	if rel == "" {
		return "the data root"
	}
	return rel
}
