package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackcoderx/havoc/pkg/types"
)

func activityFor(path string, args any) types.Activity {
	provider := map[string]any{
		"type": types.ProviderTypeProcess,
		"path": path,
	}
	if args != nil {
		provider["arguments"] = args
	}
	return types.Activity{
		"type":     types.ActivityTypeAction,
		"name":     "proc",
		"provider": provider,
	}
}

func TestRunCapturesOutput(t *testing.T) {
	result, err := Run(context.Background(),
		activityFor("/bin/sh", []any{"-c", "echo hello"}), nil, nil)
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, 0, out["status"])
	assert.Equal(t, "hello\n", out["stdout"])
	assert.Equal(t, "", out["stderr"])
}

func TestRunNonZeroExitFailsActivity(t *testing.T) {
	_, err := Run(context.Background(),
		activityFor("/bin/sh", []any{"-c", "echo oops >&2; exit 3"}), nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsActivityFailed(err))
	assert.Contains(t, err.Error(), "non-zero")
	assert.Contains(t, err.Error(), "oops")
}

func TestRunMissingExecutableFailsActivity(t *testing.T) {
	_, err := Run(context.Background(),
		activityFor("/does/not/exist", nil), nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsActivityFailed(err))
}

func TestRunKillsProcessOnTimeout(t *testing.T) {
	a := activityFor("/bin/sh", []any{"-c", "sleep 10"})
	a["timeout"] = 0.2

	start := time.Now()
	_, err := Run(context.Background(), a, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsActivityFailed(err))
	assert.Contains(t, err.Error(), "took too long")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunStringArguments(t *testing.T) {
	result, err := Run(context.Background(),
		activityFor("/bin/echo", "one two"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "one two\n", result.(map[string]any)["stdout"])
}

func TestValidateRequiresPath(t *testing.T) {
	err := Validate(types.Activity{
		"name":     "proc",
		"provider": map[string]any{"type": "process"},
	})
	require.Error(t, err)
	assert.True(t, types.IsInvalidActivity(err))
}

func TestSplitCommandLine(t *testing.T) {
	cases := []struct {
		in       string
		expected []string
	}{
		{"a b c", []string{"a", "b", "c"}},
		{`-c "echo hello"`, []string{"-c", "echo hello"}},
		{`--name 'big value'  --flag`, []string{"--name", "big value", "--flag"}},
		{"", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, splitCommandLine(tc.in), tc.in)
	}
}
