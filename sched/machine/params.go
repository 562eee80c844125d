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

// Package machine describes the target the scheduler optimizes for: the
// cost-model parameters and the vector/accelerator capabilities.
package machine

import (
	"fmt"
	"runtime"
)

// Params are the target-machine inputs of the cost model.
type Params struct {
	// Parallelism is the number of independent tasks the runtime can keep busy.
	Parallelism int `yaml:"parallelism" json:"parallelism"`

	// LastLevelCacheBytes is the size of the last-level cache.
	LastLevelCacheBytes int64 `yaml:"last_level_cache_bytes" json:"last_level_cache_bytes"`

	// Balance is the cost of moving one byte from memory relative to one
	// arithmetic operation.
	Balance float64 `yaml:"balance" json:"balance"`
}

// Default returns 16-way parallelism, a 16 MiB cache and a balance of 40.
func Default() Params {
	return Params{
		Parallelism:         16,
		LastLevelCacheBytes: 16 << 20,
		Balance:             40,
	}
}

// HostParams returns Default with Parallelism set to the number of CPUs.
func HostParams() Params {
	p := Default()
	p.Parallelism = runtime.NumCPU()
	return p
}

// InvalidMachineParamsError reports a non-positive machine parameter.
type InvalidMachineParamsError struct {
	Field string
	Value any
}

func (e *InvalidMachineParamsError) Error() string {
	return fmt.Sprintf("invalid machine params: %s = %v, must be positive", e.Field, e.Value)
}

// Validate checks every field is positive.
func (p Params) Validate() error {
	switch {
	case p.Parallelism <= 0:
		return &InvalidMachineParamsError{Field: "parallelism", Value: p.Parallelism}
	case p.LastLevelCacheBytes <= 0:
		return &InvalidMachineParamsError{Field: "last_level_cache_bytes", Value: p.LastLevelCacheBytes}
	case !(p.Balance > 0):
		return &InvalidMachineParamsError{Field: "balance", Value: p.Balance}
	}
	return nil
}

// WorkingSetBudget is the cache share of one worker: LLC / parallelism, and
// at least one byte.
func (p Params) WorkingSetBudget() int64 {
	return max(p.LastLevelCacheBytes/int64(p.Parallelism), 1)
}

// String renders the params the way they are passed on the command line.
func (p Params) String() string {
	return fmt.Sprintf("%d,%d,%g", p.Parallelism, p.LastLevelCacheBytes, p.Balance)
}
