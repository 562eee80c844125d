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

package cost

import (
	"math"
	"testing"

	"github.com/ajroetker/go-autosched/sched/bounds"
	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/term"
)

// placed is a Context with fixed execution counts per stage and definition.
type placed map[pipeline.StageID][]float64

func (p placed) Execs(id pipeline.StageID, def int) float64 {
	if def < len(p[id]) {
		return p[id][def]
	}
	return 0
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b)) }

type shiftFixture struct {
	g          *pipeline.Graph
	b          *bounds.Result
	prod, cons pipeline.StageID
}

func newShift(t *testing.T) *shiftFixture {
	t.Helper()
	g := pipeline.NewGraph()
	p := g.Terms
	x, y := g.Var("x"), g.Var("y")
	prod, _ := g.AddFunc("producer", "int32", "x", "y")
	check(t, g.Define(prod, p.Add(x, y)))
	cons, _ := g.AddFunc("consumer", "int32", "x", "y")
	check(t, g.Define(cons, p.Add(g.Call(prod, x, y), g.Call(prod, x, p.Add(y, p.Int(1))))))
	check(t, g.SetEstimate(cons, "x", 0, 100))
	check(t, g.SetEstimate(cons, "y", 0, 100))
	check(t, g.MarkOutput(cons))
	b, err := bounds.Analyze(g)
	check(t, err)
	return &shiftFixture{g: g, b: b, prod: prod, cons: cons}
}

func TestOpCount(t *testing.T) {
	fx := newShift(t)
	m := New(fx.g, fx.b, machine.Default())
	if got := m.OpCount(fx.prod); got != 1 {
		t.Errorf("OpCount(producer) = %g, want 1", got)
	}
	if got := m.OpCount(fx.cons); got != 2 {
		t.Errorf("OpCount(consumer) = %g, want 2", got)
	}
	if got := m.DefOps(fx.cons, 3); got != 0 {
		t.Errorf("DefOps of a missing definition = %g", got)
	}
}

func TestShiftPrefersMaterializing(t *testing.T) {
	fx := newShift(t)
	params := machine.Params{Parallelism: 16, LastLevelCacheBytes: 16 << 20, Balance: 1}
	m := New(fx.g, fx.b, params)
	ctx := placed{fx.cons: {100 * 100}}
	region, _ := fx.b.Region(fx.prod)

	if got := m.Calls(ctx, fx.prod); got != 20000 {
		t.Fatalf("Calls(producer) = %g, want 20000", got)
	}
	inline := m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 16})
	root := m.Cost(ctx, fx.prod, Candidate{Region: region, Instances: 1, Tasks: 16})
	if inline.Compute != 20000 || inline.Memory != 0 {
		t.Errorf("inline = %+v", inline)
	}
	if root.Compute != 10100 {
		t.Errorf("root compute = %g, want 10100", root.Compute)
	}
	locality := 4 * 10100.0 / float64(1<<20)
	if want := (10100 + 20000) * 4 / CacheLineBytes * locality; !near(root.Memory, want) {
		t.Errorf("root memory = %g, want %g", root.Memory, want)
	}
	if !(root.Total < inline.Total) {
		t.Errorf("root %+v should beat inline %+v at balance 1", root, inline)
	}

	// Pricier memory tips the balance towards recomputation.
	params.Balance = 1000
	m = New(fx.g, fx.b, params)
	inline = m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 16})
	root = m.Cost(ctx, fx.prod, Candidate{Region: region, Instances: 1, Tasks: 16})
	if !(inline.Total < root.Total) {
		t.Errorf("inline %+v should beat root %+v at balance 1000", inline, root)
	}
}

func TestShiftMaterializesAtUnitBalance(t *testing.T) {
	fx := newShift(t)
	ctx := placed{fx.cons: {100 * 100}}
	region, _ := fx.b.Region(fx.prod)
	for _, p := range []int{1, 4, 16, 64} {
		for _, llc := range []int64{1 << 10, 64 << 10, 1 << 20, 16 << 20} {
			m := New(fx.g, fx.b, machine.Params{Parallelism: p, LastLevelCacheBytes: llc, Balance: 1})
			inline := m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 100})
			root := m.Cost(ctx, fx.prod, Candidate{Region: region, Instances: 1, Tasks: 101})
			if !(root.Total < inline.Total) {
				t.Errorf("P=%d LLC=%d: root %+v should beat inline %+v", p, llc, root, inline)
			}
		}
	}
}

func TestRecomputation(t *testing.T) {
	fx := newShift(t)
	m := New(fx.g, fx.b, machine.Params{Parallelism: 1, LastLevelCacheBytes: 1 << 20, Balance: 1})
	ctx := placed{fx.cons: {10000}}
	// Computing two rows per consumer row recomputes every row twice.
	tile := bounds.Region{{Lo: 0, Hi: 99}, {Lo: 0, Hi: 1}}
	at := m.Cost(ctx, fx.prod, Candidate{Region: tile, Instances: 100, Tasks: 1})
	if at.Compute != 20000 {
		t.Errorf("compute at consumer rows = %g, want 20000", at.Compute)
	}
	region, _ := fx.b.Region(fx.prod)
	root := m.Cost(ctx, fx.prod, Candidate{Region: region, Instances: 1, Tasks: 1})
	if !(at.Memory < root.Memory) {
		t.Errorf("a small footprint should be cheaper per byte: %g >= %g", at.Memory, root.Memory)
	}
}

func TestLocality(t *testing.T) {
	fx := newShift(t)
	m := New(fx.g, fx.b, machine.Params{Parallelism: 4, LastLevelCacheBytes: 4096, Balance: 1})
	tests := []struct {
		footprint, want float64
	}{
		{0, MinLocality},
		{16, MinLocality},
		{512, 0.5},
		{1024, 1},
		{1 << 30, 1},
	}
	for _, tt := range tests {
		if got := m.Locality(tt.footprint); got != tt.want {
			t.Errorf("Locality(%g) = %g, want %g", tt.footprint, got, tt.want)
		}
	}
	// More workers than cache bytes still leaves each a one byte share.
	m = New(fx.g, fx.b, machine.Params{Parallelism: 64, LastLevelCacheBytes: 16, Balance: 1})
	if got := m.Locality(0.5); got != 0.5 {
		t.Errorf("Locality(0.5) with a tiny cache = %g, want 0.5", got)
	}
}

func TestParallelEfficiency(t *testing.T) {
	fx := newShift(t)
	m := New(fx.g, fx.b, machine.Params{Parallelism: 8, LastLevelCacheBytes: 16 << 20, Balance: 1})
	ctx := placed{fx.cons: {10000}}
	serial := m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 0})
	four := m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 4})
	many := m.Cost(ctx, fx.prod, Candidate{Inline: true, Tasks: 1000})
	if serial.Tasks != 1 || !near(four.Total, serial.Total/4) || !near(many.Total, serial.Total/8) {
		t.Errorf("serial %+v, four %+v, many %+v", serial, four, many)
	}
}

func TestUpdateIterations(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	n, _ := g.AddParam("n", "int32")
	check(t, g.SetParamEstimate("n", 1, 5))
	in, _ := g.AddInput("in", "float32", "x")
	sum, _ := g.AddFunc("sum", "float32", "x", "c")
	check(t, g.Define(sum, p.Flt(0)))
	r := p.RVar("r")
	check(t, g.AddUpdate(sum, pipeline.Definition{
		Args:   []*term.Node{x, p.Int(0)},
		Values: []*term.Node{p.Add(g.Call(sum, x, p.Int(0)), p.Intrinsic("sqrt", g.Call(in, p.Add(x, r))))},
		Domain: &pipeline.ReductionDomain{Vars: []pipeline.RVar{{Name: "r", Min: p.Int(0), Extent: n}}},
	}))
	check(t, g.SetEstimate(sum, "x", 0, 10))
	check(t, g.SetEstimate(sum, "c", 0, 3))
	check(t, g.MarkOutput(sum))
	b, err := bounds.Analyze(g)
	check(t, err)
	m := New(g, b, machine.Default())

	region, _ := b.Region(sum)
	if got := m.Iterations(sum, 0, region); got != 30 {
		t.Errorf("pure iterations = %g, want 30", got)
	}
	// x is written in place, c is a constant, r runs 5 times.
	if got := m.Iterations(sum, 1, region); got != 50 {
		t.Errorf("update iterations = %g, want 50", got)
	}
	// add + sqrt + x+r
	if got := m.DefOps(sum, 1); got != 12 {
		t.Errorf("update ops = %g, want 12", got)
	}
	c := m.Cost(placed{}, sum, Candidate{Region: region, Instances: 1, Tasks: 1})
	if c.Compute != 50*12 {
		t.Errorf("compute = %g, want %d", c.Compute, 50*12)
	}
}
