package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// stagesFile is the on-disk shape of an optional stages.yaml override: a
// flat map from stage name (REWRITE, INTENT, ...) to its StageConfig.
type stagesFile struct {
	Stages map[string]StageConfig `yaml:"stages"`
}

// LoadStagesConfig reads cfg.StagesConfigPath, if set, and overlays its
// entries onto cfg.Stages — an operator-editable way to change stage
// settings without code; no per-stage environment variable is read, so
// this file and the WithStage option are the only overrides. A stage named in the file
// replaces its defaultConfig() entry wholesale; stages the file omits keep
// their existing configuration.
func LoadStagesConfig(cfg *Config) error {
	if cfg.StagesConfigPath == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.StagesConfigPath)
	if err != nil {
		return fmt.Errorf("reading stages config %s: %w", cfg.StagesConfigPath, err)
	}
	var parsed stagesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing stages config %s: %w", cfg.StagesConfigPath, err)
	}
	if cfg.Stages == nil {
		cfg.Stages = make(map[string]StageConfig, len(parsed.Stages))
	}
	for name, sc := range parsed.Stages {
		if sc.Name == "" {
			sc.Name = name
		}
		cfg.Stages[name] = sc
	}
	return nil
}
