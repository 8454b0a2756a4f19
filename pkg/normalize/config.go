package normalize

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// LoadRuleSet builds the active rule table: compiled-in defaults, then an
// optional YAML file, then PRESENCE_* environment overrides (e.g.
// PRESENCE_VERSION pins the version tag). Path may be empty to run on
// defaults alone.
func LoadRuleSet(path string) (*RuleSet, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultRuleSetConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load default rules: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse rules file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PRESENCE_", ".", envToPath), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg RuleSetConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal rule set: %w", err)
	}
	return Compile(cfg)
}

// envToPath maps PRESENCE_VERSION to "version" etc.
func envToPath(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "PRESENCE_"))
}
