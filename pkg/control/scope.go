package control

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Scope wraps one phase or activity with its effective controls. Opening
// the scope runs the before hooks, closing it runs the after hooks with
// whatever state was attached in between.
type Scope struct {
	level    Level
	target   map[string]any
	controls []types.Control
	payload  Payload
	state    any
	hasState bool
}

// ContextControls returns the controls effective at a level: the controls
// declared on the target itself, the automatic controls declared at the
// experiment top level, and the globally registered ones. Controls with
// automatic set to false do not cascade below the experiment.
func ContextControls(level Level, experiment types.Experiment,
	target map[string]any, registry *Registry) []types.Control {
	if registry == nil {
		registry = Default
	}
	global := registry.Controls()
	if experiment == nil {
		return global
	}

	topLevel := experiment.Controls()

	usable := func(decls []types.Control, requireAutomatic bool) []types.Control {
		var out []types.Control
		for _, decl := range decls {
			if registry.Disabled(decl.Name()) {
				continue
			}
			if requireAutomatic && !decl.Automatic() {
				continue
			}
			out = append(out, decl.Copy())
		}
		return out
	}

	switch level {
	case LevelExperiment, LevelLoader:
		return append(usable(topLevel, false), global...)
	case LevelMethod, LevelRollback:
		// The method and rollback scopes wrap the experiment itself: only
		// top-level controls that cascade apply.
		return append(usable(topLevel, true), global...)
	default:
		own := types.Experiment(target).Controls()
		effective := usable(own, false)
		seen := map[string]bool{}
		for _, decl := range effective {
			seen[decl.Name()] = true
		}
		for _, decl := range usable(topLevel, true) {
			if !seen[decl.Name()] {
				effective = append(effective, decl)
			}
		}
		return append(effective, global...)
	}
}

// Begin opens a control scope around target and runs the before hooks.
// InterruptExecutionError from a hook propagates and aborts the scope; any
// other hook failure is logged and swallowed.
func Begin(ctx context.Context, level Level, experiment types.Experiment,
	target map[string]any, configuration types.Configuration,
	secrets types.Secrets, settings types.Settings,
	registry *Registry) (*Scope, error) {
	scope := &Scope{
		level:    level,
		target:   target,
		controls: ContextControls(level, experiment, target, registry),
		payload: Payload{
			Experiment:    experiment,
			Configuration: configuration,
			Secrets:       secrets,
			Settings:      settings,
		},
	}

	for _, decl := range scope.controls {
		if !appliesBefore(decl) {
			continue
		}
		impl, ok := lookupModule(decl.Module())
		if !ok {
			continue
		}
		hook, ok := impl.(BeforeHook)
		if !ok {
			continue
		}
		if err := invokeBefore(ctx, hook, level, target, scope.payload); err != nil {
			if types.IsInterruptExecution(err) {
				return nil, err
			}
			log.Warn().Err(err).Str("control", decl.Name()).
				Str("level", string(level)).
				Msg("control failed before hook, continuing")
		}
	}
	return scope, nil
}

// WithState attaches the phase outcome so the after hooks can see it.
// State is kept until the scope closes, it is never reset in between.
func (s *Scope) WithState(state any) {
	s.state = state
	s.hasState = true
}

// Close runs the after hooks with the attached state.
// InterruptExecutionError propagates; other hook failures are logged and
// swallowed.
func (s *Scope) Close(ctx context.Context) error {
	var interrupt error
	for _, decl := range s.controls {
		if !appliesAfter(decl) {
			continue
		}
		impl, ok := lookupModule(decl.Module())
		if !ok {
			continue
		}
		hook, ok := impl.(AfterHook)
		if !ok {
			continue
		}
		if err := invokeAfter(ctx, hook, s.level, s.target, s.state, s.payload); err != nil {
			if types.IsInterruptExecution(err) {
				interrupt = err
				continue
			}
			log.Warn().Err(err).Str("control", decl.Name()).
				Str("level", string(s.level)).
				Msg("control failed after hook, continuing")
		}
	}
	return interrupt
}

func invokeBefore(ctx context.Context, hook BeforeHook, level Level,
	target map[string]any, payload Payload) (err error) {
	hookMu.Lock()
	defer hookMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = types.ActivityFailedf("control panicked: %v", r)
		}
	}()
	return hook.BeforeControl(ctx, level, target, payload)
}

func invokeAfter(ctx context.Context, hook AfterHook, level Level,
	target map[string]any, state any, payload Payload) (err error) {
	hookMu.Lock()
	defer hookMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = types.ActivityFailedf("control panicked: %v", r)
		}
	}()
	return hook.AfterControl(ctx, level, target, state, payload)
}
