// Package activity executes single activities and iterates over an
// experiment's method.
package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/provider/code"
	httpprovider "github.com/blackcoderx/havoc/pkg/provider/http"
	"github.com/blackcoderx/havoc/pkg/provider/process"
	"github.com/blackcoderx/havoc/pkg/types"
)

// Runner executes one activity against one provider.
type Runner func(ctx context.Context, activity types.Activity,
	configuration types.Configuration, secrets types.Secrets) (any, error)

// The provider variants are closed: dispatch goes through this table.
var runners = map[string]Runner{
	types.ProviderTypeCode:    code.Run,
	types.ProviderTypeProcess: process.Run,
	types.ProviderTypeHTTP:    httpprovider.Run,
}

// Options carries the cross-cutting execution knobs.
type Options struct {
	Dry      bool
	Settings types.Settings
	Registry *control.Registry
}

// GetAllActivities returns every activity declared in the experiment:
// hypothesis probes, then method, then rollbacks.
func GetAllActivities(experiment types.Experiment) []types.Activity {
	var out []types.Activity
	if hypo := experiment.Hypothesis(); hypo != nil {
		out = append(out, hypo.Probes()...)
	}
	out = append(out, experiment.Method()...)
	out = append(out, experiment.Rollbacks()...)
	return out
}

// IndexInExperiment maps every named full activity definition for ref
// resolution.
func IndexInExperiment(experiment types.Experiment) map[string]types.Activity {
	index := map[string]types.Activity{}
	for _, a := range GetAllActivities(experiment) {
		if a.Ref() != "" {
			continue
		}
		if name := a.Name(); name != "" {
			index[name] = a
		}
	}
	return index
}

// Resolve follows an activity reference to its definition. Resolving the
// same ref twice yields the same definition.
func Resolve(experiment types.Experiment, a types.Activity) (types.Activity, error) {
	ref := a.Ref()
	if ref == "" {
		return a, nil
	}
	resolved, ok := IndexInExperiment(experiment)[ref]
	if !ok {
		return nil, types.ActivityFailedf(
			"could not find referenced activity '%s'", ref)
	}
	return resolved, nil
}

// Execute runs one activity: it opens the activity control scope, honors
// pauses and the timeout, dispatches to the provider, and captures the
// timed outcome.
//
// A provider failure is recorded in the returned run, not returned as an
// error. The error return covers conditions that must stop the phase: an
// unresolvable reference, an interrupting control, or run cancellation.
func Execute(ctx context.Context, experiment types.Experiment,
	a types.Activity, configuration types.Configuration,
	secrets types.Secrets, opts Options) (types.Run, error) {
	resolved, err := Resolve(experiment, a)
	if err != nil {
		return nil, err
	}
	a = resolved

	scope, err := control.Begin(ctx, control.LevelActivity, experiment,
		a, configuration, secrets, opts.Settings, opts.Registry)
	if err != nil {
		return nil, err
	}

	// The scope closes whichever way the execution unwinds: after hooks
	// run even when a cancellation or a fatal provider error cuts the
	// activity short.
	run, err := executeInScope(ctx, a, configuration, secrets, opts)
	if run != nil {
		scope.WithState(map[string]any(run))
	}
	if closeErr := scope.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return run, err
}

func executeInScope(ctx context.Context, a types.Activity,
	configuration types.Configuration, secrets types.Secrets,
	opts Options) (types.Run, error) {
	pauseBefore, pauseAfter := a.Pauses()
	if pauseBefore > 0 {
		log.Info().Msgf("Pausing before next activity for %v...", pauseBefore)
		if !opts.Dry {
			if err := sleep(ctx, pauseBefore); err != nil {
				return nil, err
			}
		}
	}

	if a.Background() {
		log.Info().Msgf("%s: %s [in background]", title(a.Type()), a.Name())
	} else {
		log.Info().Msgf("%s: %s", title(a.Type()), a.Name())
	}

	start := time.Now()
	run := types.Run{
		"activity": a.Copy(),
		"output":   nil,
	}

	var fatal error
	if opts.Dry {
		run["status"] = types.RunStatusSucceeded
	} else {
		result, err := dispatch(ctx, a, configuration, secrets)
		switch {
		case err == nil:
			run["status"] = types.RunStatusSucceeded
			run["output"] = result
			log.Debug().Msg("  => succeeded")
		case types.IsActivityFailed(err):
			run["status"] = types.RunStatusFailed
			run["exception"] = []string{err.Error()}
			log.Error().Msgf("  => failed: %v", err)
		default:
			run["status"] = types.RunStatusFailed
			run["exception"] = []string{err.Error()}
			fatal = err
		}
	}

	end := time.Now()
	run["start"] = types.Timestamp(start)
	run["end"] = types.Timestamp(end)
	run["duration"] = end.Sub(start).Seconds()

	if fatal != nil {
		return run, fatal
	}

	if pauseAfter > 0 {
		log.Info().Msgf("Pausing after activity for %v...", pauseAfter)
		if !opts.Dry {
			if err := sleep(ctx, pauseAfter); err != nil {
				return run, err
			}
		}
	}

	return run, nil
}

// Outcome is one step of the method iteration: either a completed
// foreground run or the handle of a background activity.
type Outcome struct {
	Activity   types.Activity
	Run        types.Run
	Err        error
	Background *Future
}

// RunActivities lazily iterates over the method activities. Foreground
// activities execute inline; background ones are submitted to the pool and
// yielded as futures the consumer is responsible for awaiting.
func RunActivities(ctx context.Context, experiment types.Experiment,
	configuration types.Configuration, secrets types.Secrets, pool *Pool,
	opts Options) func(yield func(Outcome) bool) {
	return func(yield func(Outcome) bool) {
		for _, a := range experiment.Method() {
			if ctx.Err() != nil {
				yield(Outcome{Activity: a, Err: ctx.Err()})
				return
			}
			if a.Background() {
				log.Debug().Msg("activity will run in the background")
				future := pool.Submit(ctx, experiment, a, configuration,
					secrets, opts)
				if !yield(Outcome{Activity: a, Background: future}) {
					return
				}
				continue
			}
			run, err := Execute(ctx, experiment, a, configuration,
				secrets, opts)
			if !yield(Outcome{Activity: a, Run: run, Err: err}) {
				return
			}
		}
	}
}

func dispatch(ctx context.Context, a types.Activity,
	configuration types.Configuration, secrets types.Secrets) (any, error) {
	runner, ok := runners[a.ProviderType()]
	if !ok {
		return nil, types.ActivityFailedf(
			"unknown provider type '%s'", a.ProviderType())
	}
	return runner(ctx, a, configuration, secrets)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func title(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
