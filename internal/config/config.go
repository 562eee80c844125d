// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the autosched CLI configuration. Values come from,
// in increasing priority: defaults, a YAML config file, AUTOSCHED_*
// environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/machine"
)

// EnvPrefix prefixes every environment variable, e.g.
// AUTOSCHED_MACHINE_PARALLELISM for machine.parallelism.
const EnvPrefix = "AUTOSCHED"

// Config is the complete CLI configuration.
type Config struct {
	Machine MachineConfig `mapstructure:"machine"`

	// Target is a target name or "host".
	Target string `mapstructure:"target"`

	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`

	// Workers bounds how many pipeline files are scheduled at once. 0 uses
	// GOMAXPROCS.
	Workers int `mapstructure:"workers"`
}

// MachineConfig mirrors machine.Params.
type MachineConfig struct {
	Parallelism         int     `mapstructure:"parallelism"`
	LastLevelCacheBytes int64   `mapstructure:"last_level_cache_bytes"`
	Balance             float64 `mapstructure:"balance"`
}

// OutputConfig controls how schedules are written.
type OutputConfig struct {
	// Format is one of ValidOutputFormats.
	Format string `mapstructure:"format"`

	// OutermostFirst prints loop nests outermost loop first.
	OutermostFirst bool `mapstructure:"outermost_first"`
}

// LoggingConfig controls diagnostics.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File receives JSON logs instead of stderr when set.
	File string `mapstructure:"file"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	m := machine.Default()
	return &Config{
		Machine: MachineConfig{
			Parallelism:         m.Parallelism,
			LastLevelCacheBytes: m.LastLevelCacheBytes,
			Balance:             m.Balance,
		},
		Target: "host",
		Output: OutputConfig{Format: "text"},
		Logging: LoggingConfig{
			Level:  logging.LevelWarn,
			Format: logging.FormatText,
		},
	}
}

// SetDefaults registers the defaults and the environment binding on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("machine.parallelism", d.Machine.Parallelism)
	v.SetDefault("machine.last_level_cache_bytes", d.Machine.LastLevelCacheBytes)
	v.SetDefault("machine.balance", d.Machine.Balance)
	v.SetDefault("target", d.Target)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.outermost_first", d.Output.OutermostFirst)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("workers", d.Workers)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile points v at the config file path, or at config.yaml in the
// usual directories when path is empty. A missing default file is not an
// error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(Dir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Dir returns the user's autosched config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autosched")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autosched"
	}
	return filepath.Join(home, ".config", "autosched")
}

// MachineParams returns the machine section as cost-model params.
func (c *Config) MachineParams() machine.Params {
	return machine.Params{
		Parallelism:         c.Machine.Parallelism,
		LastLevelCacheBytes: c.Machine.LastLevelCacheBytes,
		Balance:             c.Machine.Balance,
	}
}

// ResolveTarget returns the configured target.
func (c *Config) ResolveTarget() (machine.Target, error) {
	return machine.TargetByName(c.Target)
}
