package loader

import (
	"os"

	"github.com/spf13/viper"

	"github.com/blackcoderx/havoc/pkg/types"
)

// LoadSettings reads the runner settings file. A missing file is not an
// error: the runner simply has no globally loaded controls.
func LoadSettings(path string) (types.Settings, error) {
	if path == "" {
		return types.Settings{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return types.Settings{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, types.InvalidExperimentf(
			"could not read settings file '%s': %v", path, err)
	}
	return types.Settings(v.AllSettings()), nil
}
