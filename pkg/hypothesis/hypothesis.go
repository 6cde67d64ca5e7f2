// Package hypothesis evaluates an experiment's steady-state hypothesis.
package hypothesis

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/activity"
	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/types"
)

// Verdict is the outcome of one hypothesis evaluation: the recorded probe
// runs, a per-probe tolerance flag on each run, and the overall
// tolerance_met conjunction. Controls may annotate it further.
type Verdict map[string]any

// Run evaluates the hypothesis probes in order. It returns nil when the
// experiment declares no hypothesis.
//
// A probe whose provider fails sets tolerance_met to false and is still
// recorded; evaluation carries on so the verdict covers every probe. The
// error return covers interrupting controls, unresolvable references, and
// run cancellation.
func Run(ctx context.Context, experiment types.Experiment,
	configuration types.Configuration, secrets types.Secrets,
	opts activity.Options) (Verdict, error) {
	hypo := experiment.Hypothesis()
	if hypo == nil {
		log.Debug().Msg("no steady state hypothesis declared, skipping")
		return nil, nil
	}

	log.Info().Msgf("Steady state hypothesis: %s", hypo.Title())

	scope, err := control.Begin(ctx, control.LevelHypothesis, experiment,
		hypo, configuration, secrets, opts.Settings, opts.Registry)
	if err != nil {
		return nil, err
	}

	verdict := Verdict{
		"probes":        []any{},
		"tolerance_met": true,
	}

	for _, probe := range hypo.Probes() {
		run, err := activity.Execute(ctx, experiment, probe, configuration,
			secrets, opts)
		if err != nil {
			scope.WithState(map[string]any(verdict))
			_ = scope.Close(ctx)
			return verdict, err
		}

		met := false
		if run.Status() == types.RunStatusSucceeded {
			resolved, _ := activity.Resolve(experiment, probe)
			tolerance, _ := resolved.Tolerance()
			met = WithinTolerance(ctx, tolerance, run.Output(),
				configuration, secrets)
			if !met {
				log.Warn().Msgf(
					"Probe '%s' is not within the declared tolerance",
					resolved.Name())
			}
		}
		run["tolerance_met"] = met
		if !met {
			verdict["tolerance_met"] = false
		}
		verdict["probes"] = append(verdict["probes"].([]any), map[string]any(run))
	}

	scope.WithState(map[string]any(verdict))
	if err := scope.Close(ctx); err != nil {
		return verdict, err
	}
	return verdict, nil
}

// ToleranceMet reports the verdict's overall conclusion. A nil verdict
// (no hypothesis) counts as met.
func (v Verdict) ToleranceMet() bool {
	if v == nil {
		return true
	}
	met, ok := v["tolerance_met"].(bool)
	return ok && met
}

// ProbeRuns returns the recorded probe runs.
func (v Verdict) ProbeRuns() []types.Run {
	items, _ := v["probes"].([]any)
	out := make([]types.Run, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, types.Run(m))
		}
	}
	return out
}
