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

package sched

import (
	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/schedule"
)

// Errors returned by AutoSchedule. Match them with errors.As.
type (
	MissingBoundsError        = bounds.MissingBoundsError
	UnschedulableAccessError  = bounds.UnschedulableAccessError
	CloneCycleError           = pipeline.CloneCycleError
	InvalidMachineParamsError = machine.InvalidMachineParamsError
	IncompleteScheduleError   = schedule.IncompleteScheduleError
)
