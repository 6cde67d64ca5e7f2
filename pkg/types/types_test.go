package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentAccessors(t *testing.T) {
	exp := Experiment{
		"title":       "lose a node",
		"description": "the cluster should survive losing one node",
		"dry":         true,
		"method": []any{
			map[string]any{"name": "kill-node", "type": "action"},
		},
		"rollbacks": []any{
			map[string]any{"name": "restart-node", "type": "action"},
		},
		"steady-state-hypothesis": map[string]any{
			"title":  "cluster is healthy",
			"probes": []any{map[string]any{"name": "ping", "type": "probe"}},
		},
	}

	assert.Equal(t, "lose a node", exp.Title())
	assert.True(t, exp.Dry())
	require.Len(t, exp.Method(), 1)
	assert.Equal(t, "kill-node", exp.Method()[0].Name())
	require.Len(t, exp.Rollbacks(), 1)

	hypo := exp.Hypothesis()
	require.NotNil(t, hypo)
	assert.Equal(t, "cluster is healthy", hypo.Title())
	require.Len(t, hypo.Probes(), 1)

	assert.Nil(t, Experiment{}.Hypothesis())
	assert.NotNil(t, exp.Configuration())
	assert.NotNil(t, exp.Secrets())
}

func TestActivityTimeout(t *testing.T) {
	cases := []struct {
		name     string
		value    any
		expected time.Duration
		declared bool
	}{
		{"absent", nil, 0, false},
		{"int seconds", 30, 30 * time.Second, true},
		{"float seconds", 1.5, 1500 * time.Millisecond, true},
		{"zero means none", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Activity{}
			if tc.value != nil {
				a["timeout"] = tc.value
			}
			timeout, ok := a.Timeout()
			assert.Equal(t, tc.declared, ok)
			assert.Equal(t, tc.expected, timeout)
		})
	}
}

func TestActivityPauses(t *testing.T) {
	a := Activity{"pauses": map[string]any{"before": 1, "after": 2.5}}
	before, after := a.Pauses()
	assert.Equal(t, time.Second, before)
	assert.Equal(t, 2500*time.Millisecond, after)

	before, after = Activity{}.Pauses()
	assert.Zero(t, before)
	assert.Zero(t, after)
}

func TestControlAutomaticDefaultsToTrue(t *testing.T) {
	assert.True(t, Control{}.Automatic())
	assert.True(t, Control{"automatic": true}.Automatic())
	assert.False(t, Control{"automatic": false}.Automatic())
}

func TestActivityCopyIsShallow(t *testing.T) {
	a := Activity{"name": "ping", "type": "probe"}
	dup := a.Copy()
	dup["name"] = "pong"
	assert.Equal(t, "ping", a.Name())
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, IsInvalidExperiment(InvalidExperimentf("nope")))
	assert.True(t, IsInvalidActivity(InvalidActivityf("nope")))
	assert.True(t, IsActivityFailed(ActivityFailedf("nope")))
	assert.True(t, IsInterruptExecution(InterruptExecutionf("stop")))
	assert.False(t, IsActivityFailed(InvalidActivityf("nope")))

	wrapped := WrapActivityFailed("request failed", assert.AnError)
	assert.True(t, IsActivityFailed(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
}
