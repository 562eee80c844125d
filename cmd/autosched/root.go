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


package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ajroetker/go-autosched/internal/config"
	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/machine"
)

// app is the state shared by every command of one invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    *logging.Logger
	target machine.Target
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "autosched",
		Short: "Automatic loop scheduling for stage pipelines",
		Long: `autosched chooses where every stage of a pipeline is computed and how its
loops are tiled, parallelized, vectorized and unrolled for a target machine.

Pipelines are YAML files of stages whose bodies are Go expressions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}

	config.SetDefaults(a.v)
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/autosched/config.yaml)")
	pf.String("log-level", "", "log level (debug/info/warn/error)")
	pf.StringP("target", "t", "", "target name or host")
	pf.IntP("parallelism", "p", 0, "number of parallel tasks the machine keeps busy")
	pf.Int64("cache-bytes", 0, "last-level cache size in bytes")
	pf.Float64("balance", 0, "cost of one byte of memory traffic relative to one operation")
	pf.IntP("workers", "j", 0, "pipelines scheduled at once (0 uses GOMAXPROCS)")
	bindFlags(a.v, pf, map[string]string{
		"config":                         "config",
		"logging.level":                  "log-level",
		"target":                         "target",
		"machine.parallelism":            "parallelism",
		"machine.last_level_cache_bytes": "cache-bytes",
		"machine.balance":                "balance",
		"workers":                        "workers",
	})

	root.AddCommand(newScheduleCmd(a), newLoopNestCmd(a), newHostCmd(a))
	return root
}

// bindFlags binds each config key to the flag of the given name. A flag
// only overrides the config when it is set on the command line.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

// init loads the configuration once flags are parsed.
func (a *app) init(stderr io.Writer) error {
	if err := config.ReadFile(a.v, a.v.GetString("config")); err != nil {
		return errors.Wrap(err, "reading config")
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.target, err = cfg.ResolveTarget(); err != nil {
		return err
	}
	if cfg.Logging.File != "" {
		if a.log, err = logging.NewFile(cfg.Logging.File, cfg.Logging.Level); err != nil {
			return err
		}
	} else {
		a.log = logging.New(stderr, cfg.Logging.Level, cfg.Logging.Format)
	}
	a.log.Debug("configuration loaded", "config", a.v.ConfigFileUsed(),
		"target", a.target.Name, "machine_params", cfg.MachineParams().String())
	return nil
}

