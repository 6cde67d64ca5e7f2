// Package validation performs the structural checks over experiment
// documents before anything executes.
package validation

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/provider/code"
	httpprovider "github.com/blackcoderx/havoc/pkg/provider/http"
	"github.com/blackcoderx/havoc/pkg/provider/process"
	"github.com/blackcoderx/havoc/pkg/types"
)

// documentSchema is a coarse shape check over the document: field types
// only. Required fields and cross-field rules are enforced by the semantic
// checks below so their messages stay precise. Unknown top-level keys are
// ignored.
const documentSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"dry": {"type": "boolean"},
		"method": {"type": "array"},
		"rollbacks": {"type": "array"},
		"controls": {"type": "array"},
		"configuration": {"type": "object"},
		"secrets": {"type": "object"},
		"steady-state-hypothesis": {"type": "object"}
	}
}`

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(err)
	}
	return s
}()

// EnsureExperimentIsValid checks the experiment document and returns an
// InvalidExperimentError or InvalidActivityError describing the first
// problem found.
func EnsureExperimentIsValid(experiment types.Experiment) error {
	if len(experiment) == 0 {
		return types.InvalidExperimentf(
			"an empty experiment is not an experiment")
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]any(experiment)))
	if err != nil {
		return types.InvalidExperimentf("could not inspect experiment: %v", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return types.InvalidExperimentf(
			"experiment is malformed: %s", strings.Join(problems, "; "))
	}

	if experiment.Title() == "" {
		return types.InvalidExperimentf("experiment requires a title")
	}
	if experiment.Description() == "" {
		return types.InvalidExperimentf("experiment requires a description")
	}

	if hypo := experiment.Hypothesis(); hypo != nil {
		if err := ensureHypothesisIsValid(hypo); err != nil {
			return err
		}
	}

	method := experiment.Method()
	if len(method) == 0 {
		return types.InvalidExperimentf(
			"an experiment requires a method with at least one activity")
	}
	for _, a := range method {
		if err := EnsureActivityIsValid(a); err != nil {
			return err
		}
	}

	for _, a := range experiment.Rollbacks() {
		if err := EnsureActivityIsValid(a); err != nil {
			return err
		}
	}

	for _, decl := range experiment.Controls() {
		if err := control.Validate(decl); err != nil {
			return err
		}
	}

	log.Debug().Msg("experiment looks valid")
	return nil
}

// EnsureActivityIsValid checks one activity. A pure reference only needs a
// non-empty ref; a full definition needs a type, a name, a provider, and
// well-typed timeout, pauses and background fields.
func EnsureActivityIsValid(a types.Activity) error {
	if len(a) == 0 {
		return types.InvalidActivityf("empty activity is no activity")
	}

	if _, ok := a["ref"]; ok {
		if a.Ref() == "" {
			return types.InvalidActivityf(
				"reference to activity must be non-empty strings")
		}
		return nil
	}

	activityType := a.Type()
	if activityType == "" {
		return types.InvalidActivityf("an activity must have a type")
	}
	if activityType != types.ActivityTypeProbe &&
		activityType != types.ActivityTypeAction {
		return types.InvalidActivityf(
			"'%s' is not a supported activity type", activityType)
	}

	if a.Name() == "" {
		return types.InvalidActivityf("an activity must have a name")
	}

	provider := a.Provider()
	if provider == nil {
		return types.InvalidActivityf("an activity requires a provider")
	}
	providerType := a.ProviderType()
	if providerType == "" {
		return types.InvalidActivityf("a provider must have a type")
	}

	if v, ok := a["timeout"]; ok && v != nil && !isNumber(v) {
		return types.InvalidActivityf("activity timeout must be a number")
	}
	if pauses, ok := a["pauses"].(map[string]any); ok {
		if v, ok := pauses["before"]; ok && v != nil && !isNumber(v) {
			return types.InvalidActivityf(
				"activity before pause must be a number")
		}
		if v, ok := pauses["after"]; ok && v != nil && !isNumber(v) {
			return types.InvalidActivityf(
				"activity after pause must be a number")
		}
	}
	if v, ok := a["background"]; ok && v != nil {
		if _, ok := v.(bool); !ok {
			return types.InvalidActivityf(
				"activity background must be a boolean")
		}
	}

	switch providerType {
	case types.ProviderTypeCode:
		return code.Validate(a)
	case types.ProviderTypeProcess:
		return process.Validate(a)
	case types.ProviderTypeHTTP:
		return httpprovider.Validate(a)
	default:
		return types.InvalidActivityf(
			"unknown provider type '%s'", providerType)
	}
}

func ensureHypothesisIsValid(hypo types.Hypothesis) error {
	if hypo.Title() == "" {
		return types.InvalidExperimentf("hypothesis requires a title")
	}
	for _, probe := range hypo.Probes() {
		if err := EnsureActivityIsValid(probe); err != nil {
			return err
		}
		if probe.Ref() != "" {
			continue
		}
		if probe.Type() != types.ActivityTypeProbe {
			return types.InvalidActivityf(
				"hypothesis activity '%s' must be of type 'probe'",
				probe.Name())
		}
		if _, ok := probe.Tolerance(); !ok {
			return types.InvalidActivityf(
				"hypothesis probe '%s' must have a tolerance", probe.Name())
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32,
		uint64, float32, float64:
		return true
	default:
		return false
	}
}
