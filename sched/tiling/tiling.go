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

// Package tiling chooses the loop structure of materialized stages: tile
// extents, vector width, unrolling and parallel loops on CPU targets, and
// block/thread tiling on GPU targets.
package tiling

import (
	"slices"

	"github.com/samber/lo"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/schedule"
	"github.com/ajroetker/go-autosched/sched/term"
)

// MaxUnrollGrowth bounds the code growth of unrolling.
const MaxUnrollGrowth = 4

// Threads per block on GPU targets, innermost dim first.
var (
	gpuThreads1D = []int64{64}
	gpuThreads2D = []int64{16, 16}
	gpuThreads3D = []int64{8, 8, 4}
)

// Selector chooses loops for one pipeline, machine and target.
type Selector struct {
	g   *pipeline.Graph
	b   *bounds.Result
	m   machine.Params
	t   machine.Target
	log *logging.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger for per-stage debug traces.
func WithLogger(l *logging.Logger) Option {
	return func(s *Selector) { s.log = l }
}

// New returns a Selector over the regions in b.
func New(g *pipeline.Graph, b *bounds.Result, m machine.Params, t machine.Target, opts ...Option) *Selector {
	s := &Selector{g: g, b: b, m: m, t: t, log: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithPhase("tiling")
	return s
}

// Target returns the target loops are chosen for.
func (s *Selector) Target() machine.Target { return s.t }

// Select returns the loops computing region of stage id. through reports the
// producers that are inlined into id, whose own producers count towards the
// working set. parallel is false for stages computed inside another stage's
// loops, which inherit their parallelism.
func (s *Selector) Select(id pipeline.StageID, region bounds.Region, through func(pipeline.StageID) bool, parallel bool) *schedule.Loops {
	st := s.g.Stage(id)
	if s.t.GPU {
		l := s.gpu(st, region)
		l.Updates = s.updates(id, region, false, 1)
		return l
	}
	lanes := s.t.LanesFor(st.Type)
	ext := region.Extents()
	tiles := s.shrink(id, region, through, s.m.WorkingSetBudget())

	l := &schedule.Loops{Dims: make([]schedule.Dim, len(ext))}
	for d := range ext {
		l.Dims[d] = schedule.Dim{Var: st.Dims[d], Extent: ext[d], Tile: tiles[d]}
	}
	if parallel && s.m.Parallelism > 1 {
		s.parallelize(id, l, s.shrink(id, region, nil, s.m.LastLevelCacheBytes))
	}
	vectorize(l, lanes)
	unroll(l)
	l.Updates = s.updates(id, region, parallel, lanes)
	s.log.Debug("loops", "stage", st.Name, "tiles", tiles, "parallel", l.Parallel, "vector", l.VectorWidth)
	return l
}

// WorkingSet returns the bytes touched computing one tile of the given
// extents: the tile itself plus the footprint of the producers it reads.
func (s *Selector) WorkingSet(id pipeline.StageID, region bounds.Region, tiles []int64, through func(pipeline.StageID) bool) float64 {
	tile := region.Tile(tiles)
	ws := tile.Points() * float64(s.g.Stage(id).Bytes())
	foot := s.b.Propagate(id, tile, through)
	ids := lo.Keys(foot)
	slices.Sort(ids)
	for _, p := range ids {
		if p == id || (through != nil && through(p)) {
			continue
		}
		ws += foot[p].Points() * float64(s.g.Stage(p).Bytes())
	}
	return ws
}

// shrink returns tile extents whose working set fits budget. It starts from
// the full region and repeatedly halves the outermost dim that is still
// larger than its minimum, so a larger budget never yields a smaller tile.
func (s *Selector) shrink(id pipeline.StageID, region bounds.Region, through func(pipeline.StageID) bool, budget int64) []int64 {
	lanes := int64(s.t.LanesFor(s.g.Stage(id).Type))
	ext := region.Extents()
	tiles := slices.Clone(ext)
	minTile := func(d int) int64 {
		if d == 0 {
			return min(lanes, ext[0])
		}
		return 1
	}
	for s.WorkingSet(id, region, tiles, through) > float64(budget) {
		d := len(tiles) - 1
		for d >= 0 && tiles[d] <= minTile(d) {
			d--
		}
		if d < 0 {
			break
		}
		tiles[d] = max((tiles[d]+1)/2, minTile(d))
	}
	if len(tiles) > 0 && tiles[0] < ext[0] {
		tiles[0] = min(roundUp(tiles[0], lanes), ext[0])
	}
	return tiles
}

func roundUp(v, m int64) int64 {
	if m <= 1 {
		return v
	}
	return (v + m - 1) / m * m
}

// parallelize marks outer loops parallel, outermost first, until their trip
// counts reach the machine's parallelism. Trip counts are measured on the
// tiling chosen for a single worker, so more workers never mean fewer
// parallel loops.
func (s *Selector) parallelize(id pipeline.StageID, l *schedule.Loops, single []int64) {
	eligible, _ := s.Eligible(id, 0)
	want := float64(s.m.Parallelism)
	product := 1.0
	for d := len(l.Dims) - 1; d >= 0 && product < want; d-- {
		dim := &l.Dims[d]
		split := single[d] < dim.Extent
		if !eligible[d] || (d == 0 && !split) {
			continue
		}
		count := dim.Extent
		if split {
			count = (dim.Extent + single[d] - 1) / single[d]
		}
		if count <= 1 {
			continue
		}
		v := dim.Var
		if dim.Split() {
			v = schedule.OuterVar(dim.Var)
		}
		l.Parallel = append(l.Parallel, v)
		product *= float64(count)
	}
}

func vectorize(l *schedule.Loops, lanes int) {
	if lanes <= 1 || len(l.Dims) == 0 || l.Dims[0].Extent < int64(lanes) {
		return
	}
	l.VectorVar = l.Dims[0].Var
	if l.Dims[0].Split() {
		l.VectorVar = schedule.InnerVar(l.Dims[0].Var)
	}
	l.VectorWidth = lanes
}

// unroll unrolls the innermost intra-tile loop that is not vectorized.
func unroll(l *schedule.Loops) {
	nest := l.Nest()
	for i := len(nest) - 1; i >= 0; i-- {
		lp := nest[i]
		if lp.Outer {
			return
		}
		if lp.Var == l.VectorVar {
			continue
		}
		if f := unrollFactor(lp.Extent); f > 1 {
			l.Unroll = append(l.Unroll, schedule.Unroll{Var: lp.Var, Factor: f})
		}
		return
	}
}

// unrollFactor returns the largest factor up to MaxUnrollGrowth dividing
// extent, or 1.
func unrollFactor(extent int64) int {
	for f := MaxUnrollGrowth; f > 1; f-- {
		if extent >= int64(f) && extent%int64(f) == 0 {
			return f
		}
	}
	return 1
}

// Eligible reports which pure dims of definition def of id may run in
// parallel, and whether its reduction variables may. A pure dim qualifies
// when the definition writes exactly that dim's value and every read of the
// stage itself reads that same value. Reduction variables qualify only for
// updates declared associative and commutative.
func (s *Selector) Eligible(id pipeline.StageID, def int) (dims []bool, rvars bool) {
	st := s.g.Stage(id)
	defs := s.g.Definitions(id)
	dims = make([]bool, len(st.Dims))
	if def < 0 || def >= len(defs) {
		return dims, false
	}
	d := defs[def]
	self := s.g.SelfReads(id)[def]
	for i, name := range st.Dims {
		v := s.g.Var(name)
		ok := d.Args[i] == v
		for _, call := range self {
			if f, lin := term.Linear(call.Arg(i)); !lin || !f.IsIdentity(v) {
				ok = false
			}
		}
		dims[i] = ok
	}
	return dims, d.Domain != nil && d.Associative
}

// updates schedules the update definitions of id.
func (s *Selector) updates(id pipeline.StageID, region bounds.Region, parallel bool, lanes int) []schedule.UpdateLoops {
	st := s.g.Stage(id)
	var out []schedule.UpdateLoops
	for k, def := range s.g.Updates(id) {
		di := k + 1
		dims, rvarsOK := s.Eligible(id, di)
		u := schedule.UpdateLoops{Def: di}
		var ok []bool
		if def.Domain != nil {
			for _, rv := range def.Domain.Vars {
				u.Vars = append(u.Vars, rv.Name)
				u.Extents = append(u.Extents, s.b.RVarExtent(rv))
				ok = append(ok, rvarsOK)
			}
		}
		for i, name := range st.Dims {
			if def.Args[i] == s.g.Var(name) {
				u.Vars = append(u.Vars, name)
				u.Extents = append(u.Extents, region.Extent(i))
				ok = append(ok, dims[i])
			}
		}
		if parallel && s.m.Parallelism > 1 {
			product := 1.0
			for i := len(u.Vars) - 1; i >= 0 && product < float64(s.m.Parallelism); i-- {
				if ok[i] && u.Extents[i] > 1 {
					u.Parallel = append(u.Parallel, u.Vars[i])
					product *= float64(u.Extents[i])
				}
			}
		}
		if len(u.Vars) > 0 && !slices.Contains(u.Parallel, u.Vars[0]) {
			switch {
			case ok[0] && lanes > 1 && u.Extents[0] >= int64(lanes):
				u.VectorVar, u.VectorWidth = u.Vars[0], lanes
			case u.Extents[0] > 1 && u.Extents[0] <= MaxUnrollGrowth:
				u.Unroll = []schedule.Unroll{{Var: u.Vars[0], Factor: int(u.Extents[0])}}
			}
		}
		out = append(out, u)
	}
	return out
}

// gpu maps the innermost dims onto thread blocks.
func (s *Selector) gpu(st *pipeline.Stage, region bounds.Region) *schedule.Loops {
	ext := region.Extents()
	l := &schedule.Loops{Dims: make([]schedule.Dim, len(ext))}
	for d := range ext {
		l.Dims[d] = schedule.Dim{Var: st.Dims[d], Extent: ext[d], Tile: ext[d]}
	}
	var threads []int64
	switch len(ext) {
	case 0:
		return l
	case 1:
		threads = gpuThreads1D
	case 2:
		threads = gpuThreads2D
	default:
		threads = gpuThreads3D
	}
	g := &schedule.GPU{}
	for d, th := range threads {
		th = min(th, ext[d])
		l.Dims[d].Tile = th
		g.Vars = append(g.Vars, st.Dims[d])
		g.Threads = append(g.Threads, th)
		g.Blocks = append(g.Blocks, (ext[d]+th-1)/th)
	}
	l.GPU = g
	return l
}

// LevelRegion returns the region of a stage computed per iteration of its
// loop v, and how many iterations there are. An empty v is the whole
// region, computed once.
func LevelRegion(l *schedule.Loops, realized bounds.Region, v string) (bounds.Region, float64) {
	out := slices.Clone(realized)
	if v == "" {
		return out, 1
	}
	count := 1.0
	for _, lp := range l.Nest() {
		if !lp.Outer {
			break
		}
		count *= float64(lp.Extent)
		dim := l.Dims[lp.Dim]
		start := int64(realized[lp.Dim].Lo)
		if lp.Kind == schedule.GPUBlock || dim.Split() {
			out[lp.Dim] = term.Span(start, min(dim.Tile, dim.Extent))
		} else {
			out[lp.Dim] = term.Point(float64(start))
		}
		if lp.Var == v {
			return out, count
		}
	}
	return slices.Clone(realized), 1
}
