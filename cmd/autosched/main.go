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


// Command autosched schedules pipelines described in YAML files.
//
// Usage:
//
//	autosched schedule blur.yaml                   # placements and loop nest
//	autosched schedule -o json --target neon *.yaml
//	autosched schedule --explain blur.yaml         # every priced candidate
//	autosched loopnest --outermost-first blur.yaml
//	autosched host                                 # detected target and params
//
// Settings are read from $XDG_CONFIG_HOME/autosched/config.yaml (or the file
// given with --config), AUTOSCHED_* environment variables and flags.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
