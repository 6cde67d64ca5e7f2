// Package experiment drives the experiment state machine: hypothesis
// check, method, hypothesis re-check, rollbacks, and journal assembly.
package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/activity"
	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/hypothesis"
	"github.com/blackcoderx/havoc/pkg/types"
	"github.com/blackcoderx/havoc/pkg/validation"
)

// Runner holds the scoped state of experiment runs: the control registry,
// the background worker pool sizing, and whether rollbacks are skipped on
// the operator's request.
type Runner struct {
	Registry    *control.Registry
	PoolSize    int
	NoRollbacks bool
}

// New builds a runner around a control registry. A nil registry uses the
// process-wide default.
func New(registry *control.Registry) *Runner {
	if registry == nil {
		registry = control.Default
	}
	return &Runner{Registry: registry}
}

// Run is a facade over a runner bound to the default control registry.
func Run(ctx context.Context, experiment types.Experiment,
	settings types.Settings) (types.Journal, error) {
	return New(nil).Run(ctx, experiment, settings)
}

// Run executes the experiment and returns its journal. The error return
// only covers validation: once the experiment starts, every outcome is
// reported through the journal status.
func (r *Runner) Run(ctx context.Context, experiment types.Experiment,
	settings types.Settings) (types.Journal, error) {
	if err := validation.EnsureExperimentIsValid(experiment); err != nil {
		return nil, err
	}
	configuration, err := resolveConfiguration(experiment)
	if err != nil {
		return nil, err
	}
	secrets, err := resolveSecrets(experiment)
	if err != nil {
		return nil, err
	}

	log.Info().Msgf("Running experiment: %s", experiment.Title())

	r.Registry.Load(settings)
	r.Registry.Initialize(ctx, experiment, configuration, secrets, settings)
	r.Registry.InitializeDocumentControls(ctx, experiment, configuration,
		secrets, settings)
	defer r.Registry.Cleanup(ctx)
	defer r.Registry.CleanupDocumentControls(ctx, experiment)

	dry := experiment.Dry()
	if dry {
		log.Info().Msg("Dry mode enabled: no activity will actually run")
	}
	opts := activity.Options{Dry: dry, Settings: settings, Registry: r.Registry}

	start := time.Now()
	journal := types.Journal{
		"status":   types.StatusCompleted,
		"deviated": false,
		"steady_states": map[string]any{
			"before": nil,
			"after":  nil,
		},
		"run":       []any{},
		"rollbacks": []any{},
		"start":     types.Timestamp(start),
	}
	skipRollbacks := false

	scope, err := control.Begin(ctx, control.LevelExperiment, experiment,
		experiment, configuration, secrets, settings, r.Registry)
	if err != nil {
		r.conclude(journal, err, &skipRollbacks)
		finalize(journal, experiment, start)
		return journal, nil
	}

	before, err := hypothesis.Run(ctx, experiment, configuration, secrets, opts)
	if before != nil {
		journal["steady_states"].(map[string]any)["before"] = map[string]any(before)
	}
	switch {
	case err != nil:
		r.conclude(journal, err, &skipRollbacks)
	case before != nil && !before.ToleranceMet():
		log.Warn().Msg(
			"Steady state was not reached, skipping the method altogether")
		journal["status"] = types.StatusFailed
	default:
		r.runMethod(ctx, experiment, configuration, secrets, opts, settings,
			journal, &skipRollbacks)

		if journal.Status() == types.StatusCompleted {
			after, err := hypothesis.Run(ctx, experiment, configuration,
				secrets, opts)
			if after != nil {
				journal["steady_states"].(map[string]any)["after"] = map[string]any(after)
			}
			switch {
			case err != nil:
				r.conclude(journal, err, &skipRollbacks)
			case before.ToleranceMet() && !after.ToleranceMet():
				log.Warn().Msg(
					"Steady state deviated after the experiment's method")
				journal["deviated"] = true
				journal["status"] = types.StatusFailed
			}
		}
	}

	if skipRollbacks {
		log.Warn().Msg("Rollbacks were skipped due to the interruption")
	} else if r.NoRollbacks {
		log.Info().Msg("Rollbacks were skipped as requested")
	} else {
		r.runRollbacks(ctx, experiment, configuration, secrets, opts,
			settings, journal)
	}

	finalize(journal, experiment, start)

	scope.WithState(map[string]any(journal))
	if err := scope.Close(ctx); err != nil {
		journal["status"] = types.StatusInterrupted
	}

	log.Info().Msgf("Experiment ended with status: %s", journal.Status())
	return journal, nil
}

// runMethod drives the method phase: foreground activities inline,
// background ones through the pool, every awaited run appended to the
// journal.
func (r *Runner) runMethod(ctx context.Context, experiment types.Experiment,
	configuration types.Configuration, secrets types.Secrets,
	opts activity.Options, settings types.Settings, journal types.Journal,
	skipRollbacks *bool) {
	scope, err := control.Begin(ctx, control.LevelMethod, experiment,
		experiment, configuration, secrets, settings, r.Registry)
	if err != nil {
		r.conclude(journal, err, skipRollbacks)
		return
	}

	pool := activity.NewPool(r.PoolSize)
	var futures []*activity.Future

	iterate := activity.RunActivities(ctx, experiment, configuration,
		secrets, pool, opts)
	iterate(func(outcome activity.Outcome) bool {
		if outcome.Background != nil {
			futures = append(futures, outcome.Background)
			return true
		}
		if outcome.Run != nil {
			appendRun(journal, "run", outcome.Run)
		}
		if outcome.Err != nil {
			r.conclude(journal, outcome.Err, skipRollbacks)
			return false
		}
		return true
	})

	// Background runs join at phase end, after every foreground entry.
	for _, future := range futures {
		run, err := future.Result()
		if run != nil {
			appendRun(journal, "run", run)
		}
		if err != nil {
			r.conclude(journal, err, skipRollbacks)
		}
	}
	pool.Wait()

	scope.WithState(journal["run"])
	if err := scope.Close(ctx); err != nil {
		journal["status"] = types.StatusInterrupted
	}
}

// runRollbacks executes the rollback activities in order, never in the
// background. Their failures are recorded but leave the journal status
// alone; only an interrupting control or the run's cancellation stops the
// sequence.
func (r *Runner) runRollbacks(ctx context.Context,
	experiment types.Experiment, configuration types.Configuration,
	secrets types.Secrets, opts activity.Options, settings types.Settings,
	journal types.Journal) {
	rollbacks := experiment.Rollbacks()
	if len(rollbacks) == 0 {
		return
	}

	log.Info().Msg("Let's rollback...")
	scope, err := control.Begin(ctx, control.LevelRollback, experiment,
		experiment, configuration, secrets, settings, r.Registry)
	if err != nil {
		if types.IsInterruptExecution(err) {
			journal["status"] = types.StatusInterrupted
		}
		return
	}

	for _, rollback := range rollbacks {
		run, err := activity.Execute(ctx, experiment, rollback,
			configuration, secrets, opts)
		if run != nil {
			appendRun(journal, "rollbacks", run)
		}
		if err != nil {
			if types.IsInterruptExecution(err) {
				journal["status"] = types.StatusInterrupted
				break
			}
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("rollback failed, carrying on")
		}
	}

	scope.WithState(journal["rollbacks"])
	if err := scope.Close(ctx); err != nil {
		journal["status"] = types.StatusInterrupted
	}
}

// conclude maps a phase error onto the journal status. OS-driven
// cancellation additionally skips the rollbacks; an interrupting control
// does not.
func (r *Runner) conclude(journal types.Journal, err error,
	skipRollbacks *bool) {
	switch {
	case types.IsInterruptExecution(err):
		log.Warn().Msg("Experiment was interrupted by a control")
		journal["status"] = types.StatusInterrupted
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		log.Warn().Msg("Experiment was interrupted")
		journal["status"] = types.StatusInterrupted
		*skipRollbacks = true
	default:
		log.Error().Err(err).Msg("Experiment ran into an unexpected fatal error")
		if journal.Status() != types.StatusInterrupted {
			journal["status"] = types.StatusAborted
		}
	}
}

func appendRun(journal types.Journal, key string, run types.Run) {
	journal[key] = append(journal[key].([]any), map[string]any(run))
}

func finalize(journal types.Journal, experiment types.Experiment,
	start time.Time) {
	end := time.Now()
	journal["end"] = types.Timestamp(end)
	journal["duration"] = end.Sub(start).Seconds()
	journal["experiment"] = map[string]any(experiment)
}
