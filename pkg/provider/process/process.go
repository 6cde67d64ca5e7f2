// Package process runs activities as subprocesses.
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Validate checks the process-provider block of an activity.
func Validate(activity types.Activity) error {
	provider := activity.Provider()
	if cast.ToString(provider["path"]) == "" {
		return types.InvalidActivityf(
			"a process provider must have a path to the executable")
	}
	return nil
}

// Run spawns the activity's executable and captures its outcome. The
// activity timeout, when set, kills the process. A non-zero exit status
// fails the activity.
//
// The result maps "status" to the exit code and "stdout"/"stderr" to the
// captured streams.
func Run(ctx context.Context, activity types.Activity,
	configuration types.Configuration, secrets types.Secrets) (any, error) {
	provider := activity.Provider()
	path := cast.ToString(provider["path"])
	args := argumentList(provider["arguments"])

	if timeout, ok := activity.Timeout(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the killed process may still hold the output pipes open;
	// stop waiting on them shortly after the kill.
	cmd.WaitDelay = time.Second

	log.Debug().Str("path", path).Strs("args", args).Msg("spawning process")

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, types.ActivityFailedf(
			"process '%s' took too long to complete and was killed", path)
	}
	if ctx.Err() != nil {
		return nil, types.ActivityFailedf(
			"process '%s' was cancelled before completing", path)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, types.WrapActivityFailed(
				"failed to spawn process '"+path+"'", err)
		}
	}

	result := map[string]any{
		"status": cmd.ProcessState.ExitCode(),
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}
	if code := cmd.ProcessState.ExitCode(); code != 0 {
		return nil, &types.ActivityFailedError{
			Msg: "process '" + path + "' exited with a non-zero code: " +
				stderr.String(),
		}
	}
	return result, nil
}

// argumentList flattens the provider arguments into argv form. Arguments
// may be a plain string, a sequence, or a mapping of flag name to value.
func argumentList(v any) []string {
	switch args := v.(type) {
	case nil:
		return nil
	case string:
		if args == "" {
			return nil
		}
		return splitCommandLine(args)
	case []any:
		out := make([]string, 0, len(args))
		for _, a := range args {
			out = append(out, cast.ToString(a))
		}
		return out
	case []string:
		return args
	default:
		if m, err := cast.ToStringMapE(v); err == nil {
			out := make([]string, 0, len(m)*2)
			for flag, value := range m {
				out = append(out, flag)
				if value != nil {
					out = append(out, cast.ToString(value))
				}
			}
			return out
		}
		return []string{cast.ToString(v)}
	}
}

// splitCommandLine breaks a command-line string on spaces, honoring single
// and double quotes.
func splitCommandLine(s string) []string {
	var (
		out     []string
		current bytes.Buffer
		quote   rune
	)
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}
