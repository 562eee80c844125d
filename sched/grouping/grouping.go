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

// Package grouping decides where every stage is computed.
//
// Stages are visited once, consumers before producers. Each stage is priced
// as Root, as ComputeAt at every outer loop of its single materialized
// consumer, and as Inline, and the cheapest placement is kept. Because all
// consumers of a stage are placed before the stage itself, the cost model
// always sees how often the stage is read.
//
// Loops chosen during the pass are provisional: producers are still
// undecided, so the working set of a stage ignores which of them will be
// inlined. Once every stage is placed, materialized stages are retiled
// parents first and compute-at levels are mapped onto the final loops.
package grouping

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/cost"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/schedule"
	"github.com/ajroetker/go-autosched/sched/tiling"
)

// TieTolerance is the relative cost difference under which two placements
// are considered equally good.
const TieTolerance = 1e-6

// Choice is the placement of one stage.
type Choice struct {
	Stage     pipeline.StageID
	Placement schedule.Placement

	// Realized is the region computed per instance, nil when inlined.
	Realized bounds.Region

	// Instances is how many times Realized is computed.
	Instances float64

	// Loops is nil when inlined.
	Loops *schedule.Loops

	// Tasks is the number of parallel tasks the stage runs under.
	Tasks float64

	// Cost is the price of the placement when it was chosen.
	Cost cost.Breakdown

	// level is the parent dim whose loop a compute-at stage runs in, or -1
	// for the parent's outermost level.
	level int
}

// Decision records one candidate placement the search priced.
type Decision struct {
	Stage     pipeline.StageID
	Name      string
	Placement schedule.Placement
	Cost      cost.Breakdown
	Chosen    bool
}

// Result holds the placement of every scheduled stage.
type Result struct {
	g       *pipeline.Graph
	order   []pipeline.StageID
	choices map[pipeline.StageID]*Choice

	// Decisions lists every candidate considered, in search order.
	Decisions []Decision
}

// Option configures Search.
type Option func(*search)

// WithLogger sets the logger for candidate traces.
func WithLogger(l *logging.Logger) Option {
	return func(s *search) { s.log = l }
}

type execKey struct {
	id  pipeline.StageID
	def int
}

type search struct {
	g       *pipeline.Graph
	b       *bounds.Result
	m       *cost.Model
	sel     *tiling.Selector
	log     *logging.Logger
	reach   map[pipeline.StageID]bool
	choices map[pipeline.StageID]*Choice
	execs   map[execKey]float64
	result  *Result
}

// Search places every func stage reachable from the outputs. Inputs are
// not scheduled.
func Search(g *pipeline.Graph, b *bounds.Result, m *cost.Model, sel *tiling.Selector, opts ...Option) (*Result, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	s := &search{
		g:       g,
		b:       b,
		m:       m,
		sel:     sel,
		log:     logging.Nop(),
		reach:   g.Reachable(),
		choices: make(map[pipeline.StageID]*Choice),
		execs:   make(map[execKey]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithPhase("grouping")
	s.result = &Result{g: g, choices: s.choices}

	for _, id := range order {
		if st := g.Stage(id); st.Kind == pipeline.KindFunc && s.reach[id] {
			s.result.order = append(s.result.order, id)
		}
	}
	for i := len(s.result.order) - 1; i >= 0; i-- {
		if err := s.place(s.result.order[i]); err != nil {
			return nil, err
		}
	}
	final := s.result.Rebind(b, sel)
	final.Decisions = s.result.Decisions
	s.log.Info("placed stages", "stages", len(final.order), "cost", final.Cost())
	return final, nil
}

// Execs implements cost.Context over the placements made so far.
func (s *search) Execs(id pipeline.StageID, def int) float64 {
	c, ok := s.choices[id]
	if !ok {
		return 0
	}
	key := execKey{id, def}
	if n, ok := s.execs[key]; ok {
		return n
	}
	n := 0.0
	if c.Placement.Kind == schedule.Inline {
		if def == 0 {
			for _, e := range s.g.Edges() {
				if e.Producer == id {
					n += s.Execs(e.Consumer, e.Def)
				}
			}
		}
	} else {
		n = s.m.Iterations(id, def, c.Realized) * c.Instances
	}
	s.execs[key] = n
	return n
}

func (s *search) inlined(id pipeline.StageID) bool {
	c, ok := s.choices[id]
	return ok && c.Placement.Kind == schedule.Inline
}

// effectiveConsumers returns the materialized stages that read id directly
// or through inlined stages.
func (s *search) effectiveConsumers(id pipeline.StageID) []pipeline.StageID {
	var out []pipeline.StageID
	for _, c := range s.g.Consumers(id) {
		if !s.reach[c] {
			continue
		}
		if s.inlined(c) {
			out = append(out, s.effectiveConsumers(c)...)
		} else {
			out = append(out, c)
		}
	}
	out = lo.Uniq(out)
	slices.Sort(out)
	return out
}

// candidates returns the placements of id to price, coarsest first.
func (s *search) candidates(id pipeline.StageID) ([]*Choice, error) {
	st := s.g.Stage(id)
	region, ok := s.b.Region(id)
	if !ok {
		return nil, errors.Errorf("grouping: no region for stage %q", st.Name)
	}
	root := &Choice{
		Stage:     id,
		Placement: schedule.Placement{Kind: schedule.Root},
		Realized:  region,
		Instances: 1,
		Loops:     s.sel.Select(id, region, nil, true),
		level:     -1,
	}
	root.Tasks = root.Loops.Tasks()
	out := []*Choice{root}
	if st.Output {
		return out, nil
	}

	eff := s.effectiveConsumers(id)
	if len(eff) == 1 {
		parent := s.choices[eff[0]]
		pname := s.g.Stage(eff[0]).Name
		for _, lp := range parent.Loops.Levels() {
			lr, count := tiling.LevelRegion(parent.Loops, parent.Realized, lp.Var)
			reg, ok := s.b.Propagate(eff[0], lr, s.inlined)[id]
			if !ok {
				continue
			}
			out = append(out, &Choice{
				Stage: id,
				Placement: schedule.Placement{
					Kind: schedule.ComputeAt,
					At:   schedule.LoopLevel{Stage: eff[0], Name: pname, Var: lp.Var},
				},
				Realized:  reg,
				Instances: parent.Instances * count,
				Loops:     s.sel.Select(id, reg, nil, false),
				Tasks:     parent.Tasks,
				level:     lp.Dim,
			})
		}
	}

	if len(s.g.Updates(id)) == 0 {
		tasks := 1.0
		for _, c := range eff {
			tasks = math.Max(tasks, s.choices[c].Tasks)
		}
		out = append(out, &Choice{
			Stage:     id,
			Placement: schedule.Placement{Kind: schedule.Inline},
			Tasks:     tasks,
			level:     -1,
		})
	}
	return out, nil
}

func (s *search) place(id pipeline.StageID) error {
	cands, err := s.candidates(id)
	if err != nil {
		return err
	}
	name := s.g.Stage(id).Name
	log := s.log.WithStage(name)
	for _, c := range cands {
		c.Cost = s.m.Cost(s, id, cost.Candidate{
			Inline:    c.Placement.Kind == schedule.Inline,
			Region:    c.Realized,
			Instances: c.Instances,
			Tasks:     c.Tasks,
		})
		log.Debug("candidate", "placement", c.Placement.String(), "compute", c.Cost.Compute,
			"memory", c.Cost.Memory, "tasks", c.Cost.Tasks, "total", c.Cost.Total)
	}
	best := pick(cands, s.m.Params().Parallelism)
	for i, c := range cands {
		s.result.Decisions = append(s.result.Decisions, Decision{
			Stage:     id,
			Name:      name,
			Placement: c.Placement,
			Cost:      c.Cost,
			Chosen:    i == best,
		})
	}
	s.choices[id] = cands[best]
	log.Debug("placed", "placement", cands[best].Placement.String(), "total", cands[best].Cost.Total)
	return nil
}

// pick returns the index of the cheapest candidate. Among candidates tied
// within TieTolerance, the coarsest wins when they already expose enough
// parallel tasks, the finest otherwise. cands are ordered coarsest first.
func pick(cands []*Choice, parallelism int) int {
	best := math.Inf(1)
	for _, c := range cands {
		best = math.Min(best, c.Cost.Total)
	}
	limit := best + TieTolerance*math.Abs(best)
	var ties []int
	tasks := 0.0
	for i, c := range cands {
		if c.Cost.Total <= limit {
			ties = append(ties, i)
			tasks = math.Max(tasks, c.Tasks)
		}
	}
	if tasks >= float64(parallelism) {
		return ties[0]
	}
	return ties[len(ties)-1]
}

// Stages returns the scheduled stages, producers first.
func (r *Result) Stages() []pipeline.StageID { return slices.Clone(r.order) }

// Choice returns the placement of id.
func (r *Result) Choice(id pipeline.StageID) (*Choice, bool) {
	c, ok := r.choices[id]
	return c, ok
}

// Inlined reports whether id is inlined into its consumers.
func (r *Result) Inlined(id pipeline.StageID) bool {
	c, ok := r.choices[id]
	return ok && c.Placement.Kind == schedule.Inline
}

// Cost returns the summed cost of every placement.
func (r *Result) Cost() float64 {
	total := 0.0
	for _, id := range r.order {
		total += r.choices[id].Cost.Total
	}
	return total
}

// Entries returns one schedule entry per stage, producers first.
func (r *Result) Entries() []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(r.order))
	for _, id := range r.order {
		c := r.choices[id]
		e := schedule.Entry{Stage: id, Name: r.g.Stage(id).Name, Placement: c.Placement}
		if c.Loops != nil {
			e.Plan = c.Loops
		}
		entries = append(entries, e)
	}
	return entries
}

// Rebind keeps every placement and recomputes the realized regions and
// loops under the bounds in b, parents first. A compute-at stage stays at
// the loop of the same parent dim; if the parent no longer has a loop for
// that dim it moves out to the next enclosing one.
func (r *Result) Rebind(b *bounds.Result, sel *tiling.Selector) *Result {
	out := &Result{g: r.g, order: r.order, choices: make(map[pipeline.StageID]*Choice, len(r.choices))}
	through := r.Inlined
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		c := *r.choices[id]
		out.choices[id] = &c
		switch c.Placement.Kind {
		case schedule.Root:
			if reg, ok := b.Region(id); ok {
				c.Realized = reg
			}
			c.Loops = sel.Select(id, c.Realized, through, true)
			c.Tasks = c.Loops.Tasks()
		case schedule.ComputeAt:
			parent := out.choices[c.Placement.At.Stage]
			v := levelVar(parent.Loops, c.level)
			c.Placement.At.Var = v
			lr, count := tiling.LevelRegion(parent.Loops, parent.Realized, v)
			if reg, ok := b.Propagate(c.Placement.At.Stage, lr, through)[id]; ok {
				c.Realized = reg
			}
			c.Instances = parent.Instances * count
			c.Loops = sel.Select(id, c.Realized, through, false)
			c.Tasks = parent.Tasks
		}
	}
	return out
}

// levelVar returns the outer loop of dim d in l, or the innermost outer
// loop of a coarser dim if d has none.
func levelVar(l *schedule.Loops, d int) string {
	if d < 0 {
		return ""
	}
	v := ""
	for _, lp := range l.Nest() {
		if !lp.Outer {
			break
		}
		if lp.Dim == d {
			return lp.Var
		}
		if lp.Dim > d {
			v = lp.Var
		}
	}
	return v
}
