package archcheck

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config drives the structural checks. Every exemption lives here, in one
// reviewable file, instead of inline suppressions scattered through the code.
type Config struct {
	Version int `yaml:"version"`

	GuardMount struct {
		Package string `yaml:"package"`
		Func    string `yaml:"func"`
	} `yaml:"guard_mount"`

	GuardStages struct {
		ChainVar string   `yaml:"chain_var"`
		Stages   []string `yaml:"stages"`
	} `yaml:"guard_stages"`

	WriteScope struct {
		GuardFunc   string   `yaml:"guard_func"`
		Tables      []string `yaml:"tables"`
		ExemptFiles []string `yaml:"exempt_files"`
	} `yaml:"write_scope"`

	RouteWrapper struct {
		WriteCall  string   `yaml:"write_call"`
		MaxDepth   int      `yaml:"max_depth"`
		SkipRoutes []string `yaml:"skip_routes"`
	} `yaml:"route_wrapper"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Version != 1 {
		return Config{}, fmt.Errorf("unsupported archcheck config version %d", cfg.Version)
	}
	if cfg.GuardMount.Package == "" || cfg.GuardMount.Func == "" {
		return Config{}, errors.New("archcheck: guard_mount.package and guard_mount.func required")
	}
	if cfg.GuardStages.ChainVar == "" || len(cfg.GuardStages.Stages) == 0 {
		return Config{}, errors.New("archcheck: guard_stages.chain_var and guard_stages.stages required")
	}
	if cfg.WriteScope.GuardFunc == "" {
		return Config{}, errors.New("archcheck: write_scope.guard_func required")
	}
	if cfg.RouteWrapper.WriteCall == "" {
		return Config{}, errors.New("archcheck: route_wrapper.write_call required")
	}
	if cfg.RouteWrapper.MaxDepth <= 0 {
		cfg.RouteWrapper.MaxDepth = 3
	}
	return cfg, nil
}
