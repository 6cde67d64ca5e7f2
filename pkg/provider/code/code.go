// Package code runs activities backed by in-process Go functions.
//
// Experiment documents address code providers by dotted module path, the
// same addressing scheme used for controls. Since Go cannot load modules at
// runtime, callers register their functions up front and the provider
// dispatches through that registry.
package code

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Request carries everything a registered function may consume. Functions
// pick what they need; absent sections are empty maps, never nil.
type Request struct {
	Arguments     map[string]any
	Configuration types.Configuration
	Secrets       types.Secrets
}

// Func is a registered activity implementation.
type Func func(ctx context.Context, req Request) (any, error)

var (
	mu       sync.RWMutex
	registry = map[string]Func{}
)

// Register binds a function to "module.func" addressing. Registering the
// same address twice replaces the previous binding.
func Register(module, name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[module+"."+name] = fn
}

// Lookup resolves a registered function.
func Lookup(module, name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[module+"."+name]
	return fn, ok
}

// Resolvable reports whether any function is registered under the module.
func Resolvable(module string) bool {
	mu.RLock()
	defer mu.RUnlock()
	prefix := module + "."
	for addr := range registry {
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Reset drops all registered functions. Meant for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Func{}
}

// Validate checks the code-provider block of an activity. A module that is
// not registered only logs a warning: the experiment still runs and fails
// at dispatch time instead.
func Validate(activity types.Activity) error {
	provider := activity.Provider()
	module := cast.ToString(provider["module"])
	if module == "" {
		return types.InvalidActivityf(
			"a code provider must have a module path")
	}
	if cast.ToString(provider["func"]) == "" {
		return types.InvalidActivityf(
			"a code provider must have a function name")
	}
	if !Resolvable(module) {
		log.Warn().
			Str("module", module).
			Str("activity", activity.Name()).
			Msg("could not find module; did you register it?")
	}
	return nil
}

// Run executes the activity's registered function, honoring the activity
// timeout.
func Run(ctx context.Context, activity types.Activity,
	configuration types.Configuration, secrets types.Secrets) (any, error) {
	provider := activity.Provider()
	module := cast.ToString(provider["module"])
	name := cast.ToString(provider["func"])

	fn, ok := Lookup(module, name)
	if !ok {
		return nil, types.ActivityFailedf(
			"could not find function '%s' in module '%s'", name, module)
	}

	req := Request{
		Arguments:     arguments(provider),
		Configuration: configuration,
		Secrets:       secrets,
	}
	if req.Configuration == nil {
		req.Configuration = types.Configuration{}
	}
	if req.Secrets == nil {
		req.Secrets = types.Secrets{}
	}

	if timeout, ok := activity.Timeout(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.ActivityFailedf(
					"function '%s.%s' panicked: %v", module, name, r)}
			}
		}()
		value, err := fn(ctx, req)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if types.IsActivityFailed(out.err) || types.IsInterruptExecution(out.err) {
				return nil, out.err
			}
			return nil, types.WrapActivityFailed(
				fmt.Sprintf("function '%s.%s' failed", module, name), out.err)
		}
		return out.value, nil
	case <-ctx.Done():
		// The goroutine is abandoned; it holds the context and is expected
		// to unwind at its next suspension point.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timeout, _ := activity.Timeout()
			return nil, types.ActivityFailedf(
				"function '%s.%s' did not complete within %s",
				module, name, timeout)
		}
		return nil, types.ActivityFailedf(
			"function '%s.%s' was cancelled before completing", module, name)
	}
}

func arguments(provider map[string]any) map[string]any {
	if args, err := cast.ToStringMapE(provider["arguments"]); err == nil && args != nil {
		return args
	}
	return map[string]any{}
}
