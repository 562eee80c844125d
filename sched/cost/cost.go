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

// Package cost scores stage placements.
//
// The cost of a stage is its weighted arithmetic work plus, when it is
// materialized, the memory traffic of storing its region and of every
// consumer load. Memory moves in cache lines, and each line of traffic is
// priced at balance arithmetic units and discounted by locality: a footprint
// that fits a worker's share of the last-level cache costs proportionally
// less, down to 1/64. The sum is divided by the parallel tasks the placement
// exposes, capped at the machine's parallelism.
package cost

import (
	"math"

	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/term"
)

const (
	// MinLocality is the largest discount a cache-resident footprint gets.
	MinLocality = 1.0 / 64

	// CacheLineBytes is the unit memory traffic is priced in.
	CacheLineBytes = 64
)

// Context reports how often the already placed consumers of a stage run.
type Context interface {
	// Execs returns how many times definition def of stage id is evaluated
	// under the current placements, or 0 if id is not placed.
	Execs(id pipeline.StageID, def int) float64
}

// Candidate describes one placement of a stage.
type Candidate struct {
	// Inline recomputes the stage at every call site.
	Inline bool

	// Region is the region computed per instance of a materialized stage.
	Region bounds.Region

	// Instances is how many times Region is computed.
	Instances float64

	// Tasks is the number of parallel tasks the placement runs under.
	Tasks float64
}

// Breakdown is the cost of one candidate.
type Breakdown struct {
	Compute float64
	Memory  float64
	Tasks   float64
	Total   float64
}

// Model prices placements for one pipeline and machine.
type Model struct {
	g   *pipeline.Graph
	b   *bounds.Result
	m   machine.Params
	ops map[pipeline.StageID][]float64
}

// New returns a cost model over the regions in b.
func New(g *pipeline.Graph, b *bounds.Result, m machine.Params) *Model {
	return &Model{g: g, b: b, m: m, ops: make(map[pipeline.StageID][]float64)}
}

// Params returns the machine params the model prices for.
func (m *Model) Params() machine.Params { return m.m }

func (m *Model) defOps(id pipeline.StageID) []float64 {
	if ops, ok := m.ops[id]; ok {
		return ops
	}
	s := m.g.Stage(id)
	defs := m.g.Definitions(id)
	ops := make([]float64, len(defs))
	for i, def := range defs {
		roots := append([]*term.Node(nil), def.Values...)
		for d, arg := range def.Args {
			if d >= len(s.Dims) || arg != m.g.Var(s.Dims[d]) {
				roots = append(roots, arg)
			}
		}
		if def.Domain != nil {
			roots = append(roots, def.Domain.Where...)
		}
		ops[i] = float64(term.OpCount(roots...))
	}
	m.ops[id] = ops
	return ops
}

// DefOps returns the weighted operation count of one evaluation of
// definition def of id.
func (m *Model) DefOps(id pipeline.StageID, def int) float64 {
	ops := m.defOps(id)
	if def < 0 || def >= len(ops) {
		return 0
	}
	return ops[def]
}

// OpCount returns the weighted operation count of all definitions of id.
func (m *Model) OpCount(id pipeline.StageID) float64 {
	total := 0.0
	for _, n := range m.defOps(id) {
		total += n
	}
	return total
}

// Iterations returns how many times definition def of id runs to compute
// region. An update runs once per point of its reduction domain and of the
// pure dims it writes in place.
func (m *Model) Iterations(id pipeline.StageID, def int, region bounds.Region) float64 {
	if def == 0 {
		return region.Points()
	}
	defs := m.g.Definitions(id)
	if def >= len(defs) {
		return 0
	}
	s := m.g.Stage(id)
	d := defs[def]
	n := 1.0
	for i, arg := range d.Args {
		if i < len(region) && arg == m.g.Var(s.Dims[i]) {
			n *= float64(region.Extent(i))
		}
	}
	if d.Domain != nil {
		for _, rv := range d.Domain.Vars {
			n *= float64(m.b.RVarExtent(rv))
		}
	}
	return n
}

// Calls returns how many times id is read by its placed consumers.
func (m *Model) Calls(ctx Context, id pipeline.StageID) float64 {
	n := 0.0
	for _, e := range m.g.Edges() {
		if e.Producer == id {
			n += ctx.Execs(e.Consumer, e.Def)
		}
	}
	return n
}

// Locality returns the memory cost factor of a footprint of the given size.
func (m *Model) Locality(footprint float64) float64 {
	f := footprint / float64(m.m.WorkingSetBudget())
	return math.Min(math.Max(f, MinLocality), 1)
}

// Cost prices placing id as described by c, given the placements in ctx.
func (m *Model) Cost(ctx Context, id pipeline.StageID, c Candidate) Breakdown {
	var b Breakdown
	if c.Inline {
		b.Compute = m.DefOps(id, 0) * m.Calls(ctx, id)
	} else {
		bytes := float64(m.g.Stage(id).Bytes())
		stores := 0.0
		for def := range m.defOps(id) {
			it := m.Iterations(id, def, c.Region) * c.Instances
			b.Compute += m.DefOps(id, def) * it
			stores += it
		}
		lines := (stores + m.Calls(ctx, id)) * bytes / CacheLineBytes
		b.Memory = lines * m.m.Balance * m.Locality(c.Region.Points()*bytes)
	}
	b.Tasks = math.Max(c.Tasks, 1)
	b.Total = (b.Compute + b.Memory) / math.Min(float64(m.m.Parallelism), b.Tasks)
	return b
}
