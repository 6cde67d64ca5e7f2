package experiment

import (
	"os"

	"github.com/spf13/cast"

	"github.com/blackcoderx/havoc/pkg/types"
)

// resolveConfiguration materializes the experiment configuration. Values
// shaped {"type": "env", "key": K, "default": D} read the environment;
// a missing variable without a default fails validation before anything
// runs. Literal values pass through.
func resolveConfiguration(experiment types.Experiment) (types.Configuration, error) {
	resolved := types.Configuration{}
	for key, value := range experiment.Configuration() {
		v, err := resolveValue(value)
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

// resolveSecrets materializes the experiment secrets, with the same
// environment lookup scheme as the configuration.
func resolveSecrets(experiment types.Experiment) (types.Secrets, error) {
	resolved := types.Secrets{}
	for key, value := range experiment.Secrets() {
		if section, ok := value.(map[string]any); ok && cast.ToString(section["type"]) != "env" {
			// Secrets group by scope: each section resolves on its own.
			sub := map[string]any{}
			for k, v := range section {
				sv, err := resolveValue(v)
				if err != nil {
					return nil, err
				}
				sub[k] = sv
			}
			resolved[key] = sub
			continue
		}
		v, err := resolveValue(value)
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

func resolveValue(value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok || cast.ToString(m["type"]) != "env" {
		return value, nil
	}
	key := cast.ToString(m["key"])
	if env, ok := os.LookupEnv(key); ok {
		return env, nil
	}
	if def, ok := m["default"]; ok {
		return def, nil
	}
	return nil, types.InvalidExperimentf(
		"Configuration makes reference to an environment key that does "+
			"not exist: %s", key)
}
