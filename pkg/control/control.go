// Package control implements the hook system wrapping every phase and
// activity of an experiment run.
//
// A control module is a Go value registered under a dotted module path,
// mirroring how code providers are addressed. Hook discovery uses optional
// interfaces: a module implements only the sides it cares about. Hook
// failures never fail an experiment; the single exception is
// InterruptExecutionError, which halts the run.
package control

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Level identifies where in the run a control scope is opened.
type Level string

const (
	LevelLoader     Level = "loader"
	LevelExperiment Level = "experiment"
	LevelHypothesis Level = "hypothesis"
	LevelMethod     Level = "method"
	LevelRollback   Level = "rollback"
	LevelActivity   Level = "activity"
)

// Payload carries the run-wide values every hook receives.
type Payload struct {
	Experiment    types.Experiment
	Configuration types.Configuration
	Secrets       types.Secrets
	Settings      types.Settings
}

// BeforeHook runs when a scope opens. target is the map the scope wraps:
// the experiment, the hypothesis, or an activity.
type BeforeHook interface {
	BeforeControl(ctx context.Context, level Level, target map[string]any,
		payload Payload) error
}

// AfterHook runs when a scope closes. state is the phase outcome: a run,
// a hypothesis verdict, or the journal.
type AfterHook interface {
	AfterControl(ctx context.Context, level Level, target map[string]any,
		state any, payload Payload) error
}

// Configurable is implemented by modules that take part in control
// initialization. A configure failure keeps the control out of the run.
type Configurable interface {
	ConfigureControl(ctx context.Context, experiment types.Experiment,
		payload Payload, arguments map[string]any) error
}

// Cleanable is implemented by modules that release resources when the
// registry tears down.
type Cleanable interface {
	CleanupControl() error
}

var (
	moduleMu sync.RWMutex
	modules  = map[string]any{}

	// hookMu serializes hook invocation across goroutines: background
	// activity scopes mutate the shared experiment document from their
	// workers.
	hookMu sync.Mutex
)

// RegisterModule binds a control implementation to a dotted module path.
func RegisterModule(name string, impl any) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	modules[name] = impl
}

// ModuleRegistered reports whether a module path resolves.
func ModuleRegistered(name string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	_, ok := modules[name]
	return ok
}

// ResetModules drops all registered control modules. Meant for tests.
func ResetModules() {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	modules = map[string]any{}
}

func lookupModule(name string) (any, bool) {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	impl, ok := modules[name]
	return impl, ok
}

// Validate checks a control declaration. An unresolvable module only logs
// a warning so that declarations shipped ahead of their implementation do
// not block validation.
func Validate(decl types.Control) error {
	if decl.Name() == "" {
		return types.InvalidActivityf("a control must have a name")
	}
	provider := decl.Provider()
	if provider == nil {
		return types.InvalidActivityf(
			"control '%s' must have a provider", decl.Name())
	}
	if ptype, _ := provider["type"].(string); ptype != types.ProviderTypeCode {
		return types.InvalidActivityf(
			"control '%s' provider type must be 'code'", decl.Name())
	}
	if decl.Module() == "" {
		return types.InvalidActivityf(
			"control '%s' must have a module path", decl.Name())
	}
	if !ModuleRegistered(decl.Module()) {
		log.Warn().
			Str("control", decl.Name()).
			Str("module", decl.Module()).
			Msg("could not find control module; did you register it?")
	}
	return nil
}

// appliesBefore reports whether the declared scope filter allows the
// before side.
func appliesBefore(decl types.Control) bool {
	scope := decl.Scope()
	return scope == "" || scope == "before"
}

// appliesAfter reports whether the declared scope filter allows the after
// side.
func appliesAfter(decl types.Control) bool {
	scope := decl.Scope()
	return scope == "" || scope == "after"
}
