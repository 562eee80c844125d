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

package schedule

import (
	"fmt"
	"slices"

	"github.com/ajroetker/go-autosched/sched/pipeline"
)

// PlacementKind says where a stage is computed.
type PlacementKind int

const (
	// Inline recomputes the stage at every use.
	Inline PlacementKind = iota

	// Root materializes the stage once, outside every other loop nest.
	Root

	// ComputeAt materializes the stage inside a loop of one consumer.
	ComputeAt
)

// String returns a human-readable name for the PlacementKind.
func (k PlacementKind) String() string {
	switch k {
	case Inline:
		return "inline"
	case Root:
		return "root"
	case ComputeAt:
		return "compute_at"
	default:
		return fmt.Sprintf("PlacementKind(%d)", k)
	}
}

// LoopLevel names a loop of a stage's nest. An empty Var is the outermost
// level: once per instance of the stage, outside all of its loops.
type LoopLevel struct {
	Stage pipeline.StageID
	Name  string
	Var   string
}

func (l LoopLevel) String() string {
	if l.Var == "" {
		return l.Name + ".__outermost"
	}
	return l.Name + "." + l.Var
}

// Placement is the placement decision for one stage.
type Placement struct {
	Kind PlacementKind

	// At is the loop the stage is computed in, for ComputeAt.
	At LoopLevel
}

func (p Placement) String() string {
	if p.Kind == ComputeAt {
		return fmt.Sprintf("compute_at(%s)", p.At)
	}
	return p.Kind.String()
}

// Plan is the loop structure of a materialized stage: either *Loops or a
// *Branch between two plans selected at run time.
type Plan interface {
	isPlan()
}

// Branch selects between two fully elaborated plans on a boolean param.
type Branch struct {
	Condition string
	Then      Plan
	Else      Plan
}

func (*Branch) isPlan() {}

// Dim is the tiling of one pure dim. Tile equal to Extent means the dim is
// not split.
type Dim struct {
	Var    string `yaml:"var" json:"var"`
	Extent int64  `yaml:"extent" json:"extent"`
	Tile   int64  `yaml:"tile" json:"tile"`
}

// Split reports whether the dim is split into an outer and an inner loop.
func (d Dim) Split() bool { return d.Tile < d.Extent }

// Count returns the trip count of the outer tile loop.
func (d Dim) Count() int64 {
	if d.Tile <= 0 {
		return d.Extent
	}
	return (d.Extent + d.Tile - 1) / d.Tile
}

// Unroll unrolls loop Var by Factor.
type Unroll struct {
	Var    string `yaml:"var" json:"var"`
	Factor int    `yaml:"factor" json:"factor"`
}

// GPU maps pure dims onto blocks and threads, innermost first.
type GPU struct {
	Vars    []string `yaml:"vars" json:"vars"`
	Blocks  []int64  `yaml:"blocks" json:"blocks"`
	Threads []int64  `yaml:"threads" json:"threads"`
}

// UpdateLoops schedules one update definition. Its loops are the reduction
// variables, innermost first, then the pure vars the update writes in place.
type UpdateLoops struct {
	Def         int      `yaml:"def" json:"def"`
	Vars        []string `yaml:"vars" json:"vars"`
	Extents     []int64  `yaml:"extents" json:"extents"`
	Parallel    []string `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Unroll      []Unroll `yaml:"unroll,omitempty" json:"unroll,omitempty"`
	VectorVar   string   `yaml:"vector_var,omitempty" json:"vector_var,omitempty"`
	VectorWidth int      `yaml:"vector_width,omitempty" json:"vector_width,omitempty"`
}

// Loops is a leaf plan.
type Loops struct {
	// Dims holds the tiling of every pure dim, innermost first.
	Dims []Dim `yaml:"dims" json:"dims"`

	VectorVar   string   `yaml:"vector_var,omitempty" json:"vector_var,omitempty"`
	VectorWidth int      `yaml:"vector_width,omitempty" json:"vector_width,omitempty"`
	Unroll      []Unroll `yaml:"unroll,omitempty" json:"unroll,omitempty"`

	// Parallel lists the parallel loops, outermost first.
	Parallel []string `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	GPU     *GPU          `yaml:"gpu,omitempty" json:"gpu,omitempty"`
	Updates []UpdateLoops `yaml:"updates,omitempty" json:"updates,omitempty"`
}

func (*Loops) isPlan() {}

// LoopKind is how a loop is executed.
type LoopKind int

const (
	Serial LoopKind = iota
	Parallel
	Vectorized
	Unrolled
	GPUBlock
	GPUThread
)

var loopKindNames = []string{"for", "parallel", "vectorized", "unrolled", "gpu_block", "gpu_thread"}

func (k LoopKind) String() string {
	if int(k) < len(loopKindNames) {
		return loopKindNames[k]
	}
	return fmt.Sprintf("LoopKind(%d)", k)
}

// Loop is one level of a loop nest.
type Loop struct {
	Var    string
	Dim    int
	Extent int64
	Kind   LoopKind

	// Factor is the unroll or vector factor, if any.
	Factor int

	// Outer marks tile loops and unsplit outer dims. Consumers' producers
	// may be computed at these levels.
	Outer bool
}

// OuterVar names the tile loop of a split dim.
func OuterVar(dim string) string { return dim + pipeline.OuterSuffix }

// InnerVar names the intra-tile loop of a split dim.
func InnerVar(dim string) string { return dim + pipeline.InnerSuffix }

// Nest returns the loops of the pure definition, outermost first.
//
// On CPU, split dims contribute an outer tile loop and an inner loop; the
// innermost dim is never an outer loop unless it is split. On GPU, dims past
// the third run serially outside the block loops.
func (l *Loops) Nest() []Loop {
	if l.GPU != nil {
		return l.gpuNest()
	}
	var outer, inner []Loop
	n := len(l.Dims)
	for d := n - 1; d >= 0; d-- {
		dim := l.Dims[d]
		switch {
		case dim.Split():
			outer = append(outer, Loop{Var: OuterVar(dim.Var), Dim: d, Extent: dim.Count(), Outer: true})
			inner = append(inner, Loop{Var: InnerVar(dim.Var), Dim: d, Extent: dim.Tile})
		case d > 0:
			outer = append(outer, Loop{Var: dim.Var, Dim: d, Extent: dim.Extent, Outer: true})
		default:
			inner = append(inner, Loop{Var: dim.Var, Dim: d, Extent: dim.Extent})
		}
	}
	nest := append(outer, inner...)
	for i := range nest {
		lp := &nest[i]
		switch {
		case lp.Var == l.VectorVar && l.VectorWidth > 1:
			lp.Kind, lp.Factor = Vectorized, l.VectorWidth
		case slices.Contains(l.Parallel, lp.Var):
			lp.Kind = Parallel
		default:
			for _, u := range l.Unroll {
				if u.Var == lp.Var {
					lp.Kind, lp.Factor = Unrolled, u.Factor
				}
			}
		}
	}
	return nest
}

func (l *Loops) gpuNest() []Loop {
	var serial, blocks, threads []Loop
	mapped := len(l.GPU.Vars)
	for d := len(l.Dims) - 1; d >= mapped; d-- {
		serial = append(serial, Loop{Var: l.Dims[d].Var, Dim: d, Extent: l.Dims[d].Extent, Outer: true})
	}
	for i := mapped - 1; i >= 0; i-- {
		v := l.GPU.Vars[i]
		blocks = append(blocks, Loop{Var: v + pipeline.BlockSuffix, Dim: i, Extent: l.GPU.Blocks[i], Kind: GPUBlock, Outer: true})
		threads = append(threads, Loop{Var: v + pipeline.ThreadSuffix, Dim: i, Extent: l.GPU.Threads[i], Kind: GPUThread})
	}
	return append(append(serial, blocks...), threads...)
}

// Tasks returns the number of independent parallel tasks the nest exposes.
func (l *Loops) Tasks() float64 {
	tasks := 1.0
	if l.GPU != nil {
		for _, b := range l.GPU.Blocks {
			tasks *= float64(b)
		}
		return tasks
	}
	for _, lp := range l.Nest() {
		if lp.Kind == Parallel {
			tasks *= float64(lp.Extent)
		}
	}
	return tasks
}

// Levels returns the outer loops, outermost first, that run more than once.
func (l *Loops) Levels() []Loop {
	var levels []Loop
	for _, lp := range l.Nest() {
		if lp.Outer && lp.Extent > 1 {
			levels = append(levels, lp)
		}
	}
	return levels
}

// Nest returns the loops of the update, outermost first.
func (u *UpdateLoops) Nest() []Loop {
	nest := make([]Loop, 0, len(u.Vars))
	for i := len(u.Vars) - 1; i >= 0; i-- {
		lp := Loop{Var: u.Vars[i], Dim: i, Extent: u.Extents[i]}
		switch {
		case lp.Var == u.VectorVar && u.VectorWidth > 1:
			lp.Kind, lp.Factor = Vectorized, u.VectorWidth
		case slices.Contains(u.Parallel, lp.Var):
			lp.Kind = Parallel
		default:
			for _, un := range u.Unroll {
				if un.Var == lp.Var {
					lp.Kind, lp.Factor = Unrolled, un.Factor
				}
			}
		}
		nest = append(nest, lp)
	}
	return nest
}

