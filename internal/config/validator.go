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

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/machine"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidOutputFormats lists the accepted output.format values.
func ValidOutputFormats() []string {
	return []string{"text", "yaml", "json"}
}

// ValidLogFormats lists the accepted logging.format values.
func ValidLogFormats() []string {
	return []string{logging.FormatText, logging.FormatJSON}
}

// Validate returns every invalid setting in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	if c.Machine.Parallelism <= 0 {
		errs = append(errs, ValidationError{"machine.parallelism", c.Machine.Parallelism, "must be positive"})
	}
	if c.Machine.LastLevelCacheBytes <= 0 {
		errs = append(errs, ValidationError{"machine.last_level_cache_bytes", c.Machine.LastLevelCacheBytes, "must be positive"})
	}
	if !(c.Machine.Balance > 0) {
		errs = append(errs, ValidationError{"machine.balance", c.Machine.Balance, "must be positive"})
	}
	if _, err := machine.TargetByName(c.Target); err != nil {
		errs = append(errs, ValidationError{"target", c.Target, "unknown target"})
	}
	if !slices.Contains(ValidOutputFormats(), strings.ToLower(c.Output.Format)) {
		errs = append(errs, ValidationError{"output.format", c.Output.Format,
			fmt.Sprintf("must be one of %v", ValidOutputFormats())})
	}
	if !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level,
			fmt.Sprintf("must be one of %v", logging.ValidLevels())})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errs = append(errs, ValidationError{"logging.format", c.Logging.Format,
			fmt.Sprintf("must be one of %v", ValidLogFormats())})
	}
	if c.Workers < 0 {
		errs = append(errs, ValidationError{"workers", c.Workers, "must not be negative"})
	}
	return errs
}
