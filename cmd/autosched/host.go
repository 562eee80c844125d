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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-autosched/sched/machine"
)

type hostDoc struct {
	Target  machine.Target `yaml:"target"`
	Params  machine.Params `yaml:"detected_params"`
	Using   machine.Params `yaml:"configured_params"`
	NoSimd  bool           `yaml:"no_simd,omitempty"`
	Workers int            `yaml:"workers"`
}

func newHostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Print the detected target and machine params",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc := hostDoc{
				Target:  machine.HostTarget(),
				Params:  machine.HostParams(),
				Using:   a.cfg.MachineParams(),
				NoSimd:  machine.NoSimdEnv(),
				Workers: a.cfg.Workers,
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return errors.Wrap(err, "encoding host")
			}
			return enc.Close()
		},
	}
}
