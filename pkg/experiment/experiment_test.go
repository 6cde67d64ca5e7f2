package experiment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/provider/code"
	"github.com/blackcoderx/havoc/pkg/types"
)

// dummyControl flags every scope it wraps, like the canonical
// observability control.
type dummyControl struct{}

func (dummyControl) ConfigureControl(ctx context.Context,
	exp types.Experiment, payload control.Payload,
	arguments map[string]any) error {
	if exp == nil {
		return nil
	}
	if v, ok := payload.Settings["dummy-key"]; ok {
		exp["control-value"] = v
	}
	return nil
}

func (dummyControl) BeforeControl(ctx context.Context, level control.Level,
	target map[string]any, payload control.Payload) error {
	target["before_"+string(level)+"_control"] = true
	return nil
}

func (dummyControl) AfterControl(ctx context.Context, level control.Level,
	target map[string]any, state any, payload control.Payload) error {
	target["after_"+string(level)+"_control"] = true
	return nil
}

// interruptingControl halts the experiment from the method scope.
type interruptingControl struct{}

func (interruptingControl) BeforeControl(ctx context.Context,
	level control.Level, target map[string]any,
	payload control.Payload) error {
	if level == control.LevelMethod {
		return types.InterruptExecutionf("halting from a control")
	}
	return nil
}

func noopActivity(name string) map[string]any {
	return map[string]any{
		"type": types.ActivityTypeAction,
		"name": name,
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "noop",
		},
	}
}

func baseExperiment(method ...map[string]any) types.Experiment {
	items := make([]any, len(method))
	for i, m := range method {
		items[i] = m
	}
	return types.Experiment{
		"title":       "a test experiment",
		"description": "exercising the orchestrator",
		"method":      items,
	}
}

func registerNoop(t *testing.T) {
	t.Helper()
	code.Register("testing.experiment", "noop",
		func(ctx context.Context, req code.Request) (any, error) {
			return "ok", nil
		})
}

func httpProbeHypothesis(url string, tolerance any) map[string]any {
	return map[string]any{
		"title": "target is healthy",
		"probes": []any{
			map[string]any{
				"type":      types.ActivityTypeProbe,
				"name":      "target-responds",
				"tolerance": tolerance,
				"provider": map[string]any{
					"type": types.ProviderTypeHTTP,
					"url":  url,
				},
			},
		},
	}
}

func TestRunCompletesAndJournalsEveryActivity(t *testing.T) {
	registerNoop(t)
	exp := baseExperiment(noopActivity("one"), noopActivity("two"))

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.False(t, journal.Deviated())
	runs := journal.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "one", runs[0].Activity().Name())
	assert.Equal(t, "two", runs[1].Activity().Name())
	assert.Equal(t, exp.Title(),
		types.Experiment(journal["experiment"].(map[string]any)).Title())
}

func TestRunJournalTimesAreOrdered(t *testing.T) {
	registerNoop(t)
	journal, err := Run(context.Background(),
		baseExperiment(noopActivity("one")), nil)
	require.NoError(t, err)

	parse := func(v any) time.Time {
		ts, err := time.Parse(time.RFC3339Nano, v.(string))
		require.NoError(t, err)
		return ts
	}
	jStart := parse(journal["start"])
	jEnd := parse(journal["end"])
	run := journal.Runs()[0]
	rStart := parse(run["start"])
	rEnd := parse(run["end"])

	assert.False(t, rStart.Before(jStart))
	assert.False(t, rEnd.Before(rStart))
	assert.False(t, jEnd.Before(rEnd))
	assert.InDelta(t, jEnd.Sub(jStart).Seconds(),
		journal["duration"].(float64), 0.1)
}

func TestRunInvalidExperimentFailsBeforeAnything(t *testing.T) {
	_, err := Run(context.Background(), types.Experiment{}, nil)
	require.Error(t, err)
	assert.True(t, types.IsInvalidExperiment(err))
}

func TestRunSteadyStateMet(t *testing.T) {
	registerNoop(t)
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	defer server.Close()

	exp := baseExperiment(noopActivity("perturb"))
	exp["steady-state-hypothesis"] = httpProbeHypothesis(server.URL, 200)

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, journal.Status())

	states := journal["steady_states"].(map[string]any)
	before := states["before"].(map[string]any)
	assert.Equal(t, true, before["tolerance_met"])
	require.NotNil(t, states["after"])
	assert.Equal(t, true, states["after"].(map[string]any)["tolerance_met"])
}

func TestRunSteadyStateNotMetSkipsMethod(t *testing.T) {
	registerNoop(t)
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
	defer server.Close()

	exp := baseExperiment(noopActivity("perturb"))
	exp["steady-state-hypothesis"] = httpProbeHypothesis(server.URL, 200)

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, journal.Status())
	states := journal["steady_states"].(map[string]any)
	assert.Equal(t, false,
		states["before"].(map[string]any)["tolerance_met"])
	assert.Nil(t, states["after"])
	assert.Empty(t, journal.Runs())
}

func TestRunDeviationAfterMethod(t *testing.T) {
	healthy := true
	code.Register("testing.experiment", "health",
		func(ctx context.Context, req code.Request) (any, error) {
			return healthy, nil
		})
	code.Register("testing.experiment", "break_things",
		func(ctx context.Context, req code.Request) (any, error) {
			healthy = false
			return nil, nil
		})

	exp := baseExperiment(map[string]any{
		"type": types.ActivityTypeAction,
		"name": "break-things",
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "break_things",
		},
	})
	exp["steady-state-hypothesis"] = map[string]any{
		"title": "still healthy",
		"probes": []any{map[string]any{
			"type":      types.ActivityTypeProbe,
			"name":      "health",
			"tolerance": true,
			"provider": map[string]any{
				"type":   types.ProviderTypeCode,
				"module": "testing.experiment",
				"func":   "health",
			},
		}},
	}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, journal.Status())
	assert.True(t, journal.Deviated())
}

func TestRunMissingRefAborts(t *testing.T) {
	registerNoop(t)
	exp := baseExperiment(noopActivity("one"))
	exp["steady-state-hypothesis"] = map[string]any{
		"title":  "hm",
		"probes": []any{map[string]any{"ref": "nope"}},
	}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, journal.Status())
}

func TestRunDryModeSkipsProvidersAndPauses(t *testing.T) {
	invoked := false
	code.Register("testing.experiment", "sideeffect",
		func(ctx context.Context, req code.Request) (any, error) {
			invoked = true
			return nil, nil
		})

	exp := baseExperiment(map[string]any{
		"type": types.ActivityTypeAction,
		"name": "slow",
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "sideeffect",
		},
		"pauses": map[string]any{"before": 10, "after": 10},
	})
	exp["dry"] = true

	start := time.Now()
	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.False(t, invoked)
	assert.Less(t, time.Since(start).Seconds(), 20.0)
	assert.Less(t, journal["duration"].(float64), 20.0)
}

func TestRunInterruptedByCancellationSkipsRollbacks(t *testing.T) {
	registerNoop(t)
	exp := baseExperiment(map[string]any{
		"type": types.ActivityTypeAction,
		"name": "lingering",
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "noop",
		},
		"pauses": map[string]any{"after": 30},
	})
	exp["rollbacks"] = []any{noopActivity("undo")}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	journal, err := Run(ctx, exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusInterrupted, journal.Status())
	assert.Empty(t, journal.RollbackRuns())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunInterruptedByControlStillRollsBack(t *testing.T) {
	registerNoop(t)
	control.RegisterModule("testing.experiment.interrupt",
		interruptingControl{})

	exp := baseExperiment(noopActivity("one"))
	exp["rollbacks"] = []any{noopActivity("undo")}
	exp["controls"] = []any{map[string]any{
		"name": "interrupter",
		"provider": map[string]any{
			"type":   "code",
			"module": "testing.experiment.interrupt",
		},
	}}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusInterrupted, journal.Status())
	assert.Empty(t, journal.Runs())
	require.Len(t, journal.RollbackRuns(), 1)
	assert.Equal(t, "undo", journal.RollbackRuns()[0].Activity().Name())
}

func TestRunNoRollbacksSkipsRollbackPhase(t *testing.T) {
	registerNoop(t)
	exp := baseExperiment(noopActivity("one"))
	exp["rollbacks"] = []any{noopActivity("undo")}

	runner := New(control.NewRegistry())
	runner.NoRollbacks = true
	journal, err := runner.Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.Empty(t, journal.RollbackRuns())
	require.Len(t, journal.Runs(), 1)
}

func TestRunRollbackFailureDoesNotChangeStatus(t *testing.T) {
	registerNoop(t)
	code.Register("testing.experiment", "failing_undo",
		func(ctx context.Context, req code.Request) (any, error) {
			return nil, types.ActivityFailedf("undo failed")
		})

	exp := baseExperiment(noopActivity("one"))
	exp["rollbacks"] = []any{map[string]any{
		"type": types.ActivityTypeAction,
		"name": "undo",
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "failing_undo",
		},
	}}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, journal.Status())
	require.Len(t, journal.RollbackRuns(), 1)
	assert.Equal(t, types.RunStatusFailed,
		journal.RollbackRuns()[0].Status())
}

func TestRunMissingEnvironmentKeyFailsValidation(t *testing.T) {
	registerNoop(t)
	exp := baseExperiment(noopActivity("one"))
	exp["configuration"] = map[string]any{
		"token": map[string]any{
			"type": "env",
			"key":  "HAVOC_DEFINITELY_NOT_SET",
		},
	}

	_, err := Run(context.Background(), exp, nil)
	require.Error(t, err)
	assert.True(t, types.IsInvalidExperiment(err))
	assert.Contains(t, err.Error(),
		"environment key that does not exist")
}

func TestRunResolvesEnvironmentConfiguration(t *testing.T) {
	t.Setenv("HAVOC_TEST_TOKEN", "s3cr3t")

	var seen any
	code.Register("testing.experiment", "read_config",
		func(ctx context.Context, req code.Request) (any, error) {
			seen = req.Configuration["token"]
			return nil, nil
		})

	exp := baseExperiment(map[string]any{
		"type": types.ActivityTypeAction,
		"name": "read-config",
		"provider": map[string]any{
			"type":   types.ProviderTypeCode,
			"module": "testing.experiment",
			"func":   "read_config",
		},
	})
	exp["configuration"] = map[string]any{
		"token": map[string]any{
			"type": "env",
			"key":  "HAVOC_TEST_TOKEN",
		},
		"region": "eu-west-1",
	}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.Equal(t, "s3cr3t", seen)
}

func TestRunGlobalControlsWrapBackgroundActivities(t *testing.T) {
	registerNoop(t)
	control.RegisterModule("testing.experiment.dummy", dummyControl{})

	settings := types.Settings{
		"dummy-key": "hello there",
		"controls": map[string]any{
			"dummy": map[string]any{
				"provider": map[string]any{
					"type":   "code",
					"module": "testing.experiment.dummy",
				},
			},
		},
	}

	a := noopActivity("bg")
	a["background"] = true
	a["pauses"] = map[string]any{"after": 1}
	exp := baseExperiment(a)

	registry := control.NewRegistry()
	runner := New(registry)
	journal, err := runner.Run(context.Background(), exp, settings)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.Equal(t, "hello there", exp["control-value"])
	assert.Empty(t, registry.Controls())

	activity := exp.Method()[0]
	assert.Equal(t, true, activity["before_activity_control"])
	assert.Equal(t, true, activity["after_activity_control"])
	require.Len(t, journal.Runs(), 1)
}

func TestRunExperimentScopeControlSeesJournal(t *testing.T) {
	registerNoop(t)
	var journalStatus string
	control.RegisterModule("testing.experiment.journalwatcher",
		journalWatcher{status: &journalStatus})

	exp := baseExperiment(noopActivity("one"))
	exp["controls"] = []any{map[string]any{
		"name": "watcher",
		"provider": map[string]any{
			"type":   "code",
			"module": "testing.experiment.journalwatcher",
		},
	}}

	journal, err := Run(context.Background(), exp, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, journal.Status())
	assert.Equal(t, types.StatusCompleted, journalStatus)
}

type journalWatcher struct {
	status *string
}

func (w journalWatcher) AfterControl(ctx context.Context,
	level control.Level, target map[string]any, state any,
	payload control.Payload) error {
	if level != control.LevelExperiment {
		return nil
	}
	if j, ok := state.(map[string]any); ok {
		*w.status = types.Journal(j).Status()
	}
	return nil
}
