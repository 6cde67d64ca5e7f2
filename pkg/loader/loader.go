// Package loader reads experiment documents and runner settings from disk.
package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/types"
)

// ParseExperiment loads an experiment document from a .json, .yaml or .yml
// file. Controls open a loader scope around the parse: a before hook may
// veto the load by interrupting, an after hook sees (and may rewrite) the
// loaded document.
func ParseExperiment(ctx context.Context, path string,
	settings types.Settings, registry *control.Registry) (types.Experiment, error) {
	log.Info().Msgf("Loading experiment from %s", path)

	target := map[string]any{"path": path}
	scope, err := control.Begin(ctx, control.LevelLoader, nil, target,
		nil, nil, settings, registry)
	if err != nil {
		return nil, err
	}

	experiment, err := parseFile(path)
	if err != nil {
		_ = scope.Close(ctx)
		return nil, err
	}

	scope.WithState(map[string]any(experiment))
	if err := scope.Close(ctx); err != nil {
		return nil, err
	}
	return experiment, nil
}

func parseFile(path string) (types.Experiment, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, types.InvalidExperimentf(
			"could not read experiment file: %v", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, types.InvalidExperimentf(
				"could not parse experiment file: %v", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(payload, &doc); err != nil {
			return nil, types.InvalidExperimentf(
				"could not parse experiment file: %v", err)
		}
	default:
		return nil, types.InvalidExperimentf(
			"only json, yaml or yml extensions are supported")
	}

	if doc == nil {
		doc = map[string]any{}
	}
	return types.Experiment(doc), nil
}
