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

// Package sched schedules a pipeline of stages for a target machine.
//
// AutoSchedule runs the passes in order: region bounds analysis, the
// placement search, loop selection for every materialized stage, and
// schedule assembly. The result is deterministic: the same graph and
// machine params always produce an identical schedule.
//
// Example:
//
//	g, err := pipeline.LoadFile("blur.yaml")
//	if err != nil {
//		return err
//	}
//	s, err := sched.AutoSchedule(g, machine.Default(), sched.WithTarget(machine.AVX2Target()))
//	if err != nil {
//		return err
//	}
//	fmt.Print(s.LoopNest(schedule.PrintOptions{}))
package sched

import (
	"slices"
	"strconv"
	"strings"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/cost"
	"github.com/ajroetker/go-autosched/sched/grouping"
	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/schedule"
	"github.com/ajroetker/go-autosched/sched/term"
	"github.com/ajroetker/go-autosched/sched/tiling"
)

type options struct {
	target machine.Target
	log    *logging.Logger
}

// Option configures AutoSchedule.
type Option func(*options)

// WithTarget sets the target loops are chosen for. The default is the host.
func WithTarget(t machine.Target) Option {
	return func(o *options) { o.target = t }
}

// WithLogger sets the logger every pass reports to.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// Report is a schedule with the diagnostics gathered while building it.
type Report struct {
	Schedule *schedule.Schedule

	// Decisions lists every placement priced by the search.
	Decisions []grouping.Decision

	// Degraded lists the accesses whose bounds were approximated.
	Degraded []bounds.Degradation

	// Cost is the summed cost of the chosen placements.
	Cost float64
}

// AutoSchedule returns the schedule of g for the given machine.
func AutoSchedule(g *pipeline.Graph, params machine.Params, opts ...Option) (*schedule.Schedule, error) {
	r, err := Run(g, params, opts...)
	if err != nil {
		return nil, err
	}
	return r.Schedule, nil
}

// Run is AutoSchedule returning diagnostics as well.
func Run(g *pipeline.Graph, params machine.Params, opts ...Option) (*Report, error) {
	o := options{target: machine.HostTarget(), log: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	log := o.log.With("target", o.target.Name, "machine_params", params.String())
	log.Info("scheduling", "stages", g.Len())

	b, err := bounds.Analyze(g, bounds.WithLogger(log))
	if err != nil {
		return nil, err
	}
	sel := tiling.New(g, b, params, o.target, tiling.WithLogger(log))
	res, err := grouping.Search(g, b, cost.New(g, b, params), sel, grouping.WithLogger(log))
	if err != nil {
		return nil, err
	}

	sp := &specializer{g: g, params: params, o: o, log: log, base: res, memo: make(map[string]*grouping.Result)}
	entries := res.Entries()
	for i, e := range entries {
		conds := g.Stage(e.Stage).Specializations
		if e.Plan == nil || len(conds) == 0 {
			continue
		}
		plan, err := sp.plan(e.Stage, conds, nil)
		if err != nil {
			return nil, err
		}
		entries[i].Plan = plan
	}

	s, err := schedule.Emit(g, entries, params, o.target)
	if err != nil {
		return nil, err
	}
	return &Report{Schedule: s, Decisions: res.Decisions, Degraded: b.Degraded, Cost: res.Cost()}, nil
}

// pin fixes a boolean param for one side of a specialization.
type pin struct {
	param string
	value bool
}

// specializer builds the branch plans of stages specialized on boolean
// params. Each side keeps the placements of the unspecialized schedule and
// retiles under the bounds that hold when the param is fixed.
type specializer struct {
	g      *pipeline.Graph
	params machine.Params
	o      options
	log    *logging.Logger
	base   *grouping.Result
	memo   map[string]*grouping.Result
}

func (sp *specializer) plan(id pipeline.StageID, conds []string, pins []pin) (schedule.Plan, error) {
	if len(conds) == 0 {
		res, err := sp.rebind(pins)
		if err != nil {
			return nil, err
		}
		c, _ := res.Choice(id)
		return c.Loops, nil
	}
	then, err := sp.plan(id, conds[1:], append(slices.Clone(pins), pin{conds[0], true}))
	if err != nil {
		return nil, err
	}
	els, err := sp.plan(id, conds[1:], append(slices.Clone(pins), pin{conds[0], false}))
	if err != nil {
		return nil, err
	}
	return &schedule.Branch{Condition: conds[0], Then: then, Else: els}, nil
}

func (sp *specializer) rebind(pins []pin) (*grouping.Result, error) {
	keys := make([]string, len(pins))
	opts := []bounds.Option{bounds.WithLogger(sp.log)}
	for i, p := range pins {
		v := 0.0
		if p.value {
			v = 1
		}
		keys[i] = p.param + "=" + strconv.FormatBool(p.value)
		opts = append(opts, bounds.WithParam(p.param, term.Point(v)))
	}
	key := strings.Join(keys, ",")
	if res, ok := sp.memo[key]; ok {
		return res, nil
	}
	b, err := bounds.Analyze(sp.g, opts...)
	if err != nil {
		return nil, err
	}
	sp.log.Debug("specialized bounds", "params", key)
	sel := tiling.New(sp.g, b, sp.params, sp.o.target, tiling.WithLogger(sp.log))
	res := sp.base.Rebind(b, sel)
	sp.memo[key] = res
	return res, nil
}
