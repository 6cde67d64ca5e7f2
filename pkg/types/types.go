// Package types declares the document shapes flowing through the runner.
//
// Experiments are user-authored YAML or JSON and stay free-form maps end to
// end: control hooks annotate the experiment, its activities, and the journal
// in place, so freezing them into structs would lose those annotations. The
// named map types below carry tolerant accessors instead.
package types

import (
	"time"

	"github.com/spf13/cast"
)

// Experiment is a parsed experiment document.
type Experiment map[string]any

// Activity is a single probe or action, or a reference to one.
type Activity map[string]any

// Hypothesis is the steady-state-hypothesis block of an experiment.
type Hypothesis map[string]any

// Control is a control declaration attached to an experiment, an activity,
// or loaded globally from settings.
type Control map[string]any

// Run records the timed outcome of one activity.
type Run map[string]any

// Journal is the full record of an experiment run.
type Journal map[string]any

// Configuration carries runtime values handed to providers.
type Configuration map[string]any

// Secrets carries sensitive values handed to providers.
type Secrets map[string]any

// Settings is the runner settings mapping (globally loaded controls etc).
type Settings map[string]any

// Activity type and provider type tags.
const (
	ActivityTypeProbe  = "probe"
	ActivityTypeAction = "action"

	ProviderTypeCode    = "code"
	ProviderTypeProcess = "process"
	ProviderTypeHTTP    = "http"
)

// Run and journal statuses.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"

	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusAborted     = "aborted"
	StatusInterrupted = "interrupted"
)

// Title returns the experiment title.
func (e Experiment) Title() string { return cast.ToString(e["title"]) }

// Description returns the experiment description.
func (e Experiment) Description() string { return cast.ToString(e["description"]) }

// Dry reports whether the experiment asked for a dry run.
func (e Experiment) Dry() bool { return cast.ToBool(e["dry"]) }

// Hypothesis returns the steady-state-hypothesis block, or nil when absent.
func (e Experiment) Hypothesis() Hypothesis {
	if m := asMap(e["steady-state-hypothesis"]); m != nil {
		return Hypothesis(m)
	}
	return nil
}

// Method returns the ordered method activities.
func (e Experiment) Method() []Activity { return asActivities(e["method"]) }

// Rollbacks returns the ordered rollback activities.
func (e Experiment) Rollbacks() []Activity { return asActivities(e["rollbacks"]) }

// Controls returns the controls declared at experiment scope.
func (e Experiment) Controls() []Control { return asControls(e["controls"]) }

// Configuration returns the configuration mapping, never nil.
func (e Experiment) Configuration() Configuration {
	if m := asMap(e["configuration"]); m != nil {
		return Configuration(m)
	}
	return Configuration{}
}

// Secrets returns the secrets mapping, never nil.
func (e Experiment) Secrets() Secrets {
	if m := asMap(e["secrets"]); m != nil {
		return Secrets(m)
	}
	return Secrets{}
}

// Title returns the hypothesis title.
func (h Hypothesis) Title() string { return cast.ToString(h["title"]) }

// Probes returns the hypothesis probes.
func (h Hypothesis) Probes() []Activity { return asActivities(h["probes"]) }

// Controls returns the controls declared on the hypothesis.
func (h Hypothesis) Controls() []Control { return asControls(h["controls"]) }

// Name returns the activity name.
func (a Activity) Name() string { return cast.ToString(a["name"]) }

// Type returns the activity type, "probe" or "action".
func (a Activity) Type() string { return cast.ToString(a["type"]) }

// Ref returns the name of the referenced activity, or "" for full definitions.
func (a Activity) Ref() string { return cast.ToString(a["ref"]) }

// Provider returns the provider block, or nil when absent.
func (a Activity) Provider() map[string]any { return asMap(a["provider"]) }

// ProviderType returns the provider type tag.
func (a Activity) ProviderType() string {
	return cast.ToString(a.Provider()["type"])
}

// Background reports whether the activity runs in the background.
func (a Activity) Background() bool { return cast.ToBool(a["background"]) }

// Timeout returns the activity deadline and whether one was declared.
func (a Activity) Timeout() (time.Duration, bool) {
	v, ok := a["timeout"]
	if !ok || v == nil {
		return 0, false
	}
	secs := cast.ToFloat64(v)
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Pauses returns the before/after pause durations, zero when unset.
func (a Activity) Pauses() (before, after time.Duration) {
	p := asMap(a["pauses"])
	if p == nil {
		return 0, 0
	}
	before = time.Duration(cast.ToFloat64(p["before"]) * float64(time.Second))
	after = time.Duration(cast.ToFloat64(p["after"]) * float64(time.Second))
	return before, after
}

// Controls returns the controls declared on the activity.
func (a Activity) Controls() []Control { return asControls(a["controls"]) }

// Tolerance returns the probe tolerance and whether one was declared.
func (a Activity) Tolerance() (any, bool) {
	v, ok := a["tolerance"]
	return v, ok
}

// Copy returns a shallow copy of the activity, as snapshotted into a Run.
func (a Activity) Copy() Activity {
	dup := make(Activity, len(a))
	for k, v := range a {
		dup[k] = v
	}
	return dup
}

// Name returns the control name.
func (c Control) Name() string { return cast.ToString(c["name"]) }

// Provider returns the control provider block, or nil when absent.
func (c Control) Provider() map[string]any { return asMap(c["provider"]) }

// Module returns the dotted module path of the control provider.
func (c Control) Module() string { return cast.ToString(c.Provider()["module"]) }

// Scope returns the declared scope filter: "", "before" or "after".
func (c Control) Scope() string { return cast.ToString(c["scope"]) }

// Automatic reports whether the control cascades to nested scopes.
// Defaults to true when unset.
func (c Control) Automatic() bool {
	v, ok := c["automatic"]
	if !ok {
		return true
	}
	return cast.ToBool(v)
}

// Arguments returns the control arguments mapping, possibly nil.
func (c Control) Arguments() map[string]any { return asMap(c["arguments"]) }

// Copy returns a shallow copy of the control declaration.
func (c Control) Copy() Control {
	dup := make(Control, len(c))
	for k, v := range c {
		dup[k] = v
	}
	return dup
}

// Status returns the run status.
func (r Run) Status() string { return cast.ToString(r["status"]) }

// Activity returns the snapshotted activity of the run.
func (r Run) Activity() Activity {
	if m := asMap(r["activity"]); m != nil {
		return Activity(m)
	}
	return nil
}

// Output returns the provider result captured by the run.
func (r Run) Output() any { return r["output"] }

// Status returns the journal status.
func (j Journal) Status() string { return cast.ToString(j["status"]) }

// Deviated reports whether the after-hypothesis failed while the before
// one passed.
func (j Journal) Deviated() bool { return cast.ToBool(j["deviated"]) }

// Runs returns the method phase runs.
func (j Journal) Runs() []Run { return asRuns(j["run"]) }

// RollbackRuns returns the rollback phase runs.
func (j Journal) RollbackRuns() []Run { return asRuns(j["rollbacks"]) }

// Controls returns the controls section of the settings mapping.
func (s Settings) Controls() map[string]any { return asMap(s["controls"]) }

// Timestamp formats a point in time the way journals record it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m
	case Experiment:
		return m
	case Hypothesis:
		return m
	case Activity:
		return m
	case Control:
		return m
	case Run:
		return m
	default:
		// YAML decoders may hand out map[any]any.
		if c, err := cast.ToStringMapE(v); err == nil {
			return c
		}
		return nil
	}
}

func asActivities(v any) []Activity {
	items := asSlice(v)
	if items == nil {
		return nil
	}
	out := make([]Activity, 0, len(items))
	for _, it := range items {
		if m := asMap(it); m != nil {
			out = append(out, Activity(m))
		}
	}
	return out
}

func asControls(v any) []Control {
	items := asSlice(v)
	if items == nil {
		return nil
	}
	out := make([]Control, 0, len(items))
	for _, it := range items {
		if m := asMap(it); m != nil {
			out = append(out, Control(m))
		}
	}
	return out
}

func asRuns(v any) []Run {
	items := asSlice(v)
	if items == nil {
		return nil
	}
	out := make([]Run, 0, len(items))
	for _, it := range items {
		if m := asMap(it); m != nil {
			out = append(out, Run(m))
		}
	}
	return out
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []Activity:
		out := make([]any, len(s))
		for i, a := range s {
			out[i] = a
		}
		return out
	case []Run:
		out := make([]any, len(s))
		for i, r := range s {
			out[i] = r
		}
		return out
	default:
		return nil
	}
}
