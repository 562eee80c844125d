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

package bounds

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/term"
)

func iv(lo, hi float64) term.Interval { return term.Interval{Lo: lo, Hi: hi} }

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func wantRegion(t *testing.T, res *Result, id pipeline.StageID, want Region) {
	t.Helper()
	got, ok := res.Region(id)
	if !ok {
		t.Fatalf("stage %d has no region", id)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("region of stage %d mismatch (-want +got):\n%s", id, diff)
	}
}

// shift builds producer(x, y) = x + y and
// consumer(x, y) = producer(x, y) + producer(x, y+1) over 100x100.
func shift(t *testing.T) (*pipeline.Graph, pipeline.StageID, pipeline.StageID) {
	t.Helper()
	g := pipeline.NewGraph()
	p := g.Terms
	x, y := g.Var("x"), g.Var("y")
	prod, err := g.AddFunc("producer", "int32", "x", "y")
	check(t, err)
	check(t, g.Define(prod, p.Add(x, y)))
	cons, err := g.AddFunc("consumer", "int32", "x", "y")
	check(t, err)
	check(t, g.Define(cons, p.Add(g.Call(prod, x, y), g.Call(prod, x, p.Add(y, p.Int(1))))))
	check(t, g.SetEstimate(cons, "x", 0, 100))
	check(t, g.SetEstimate(cons, "y", 0, 100))
	check(t, g.MarkOutput(cons))
	return g, prod, cons
}

func TestShift(t *testing.T) {
	g, prod, cons := shift(t)
	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, cons, Region{iv(0, 99), iv(0, 99)})
	wantRegion(t, res, prod, Region{iv(0, 99), iv(0, 100)})
	if got := res.Points(prod); got != 100*101 {
		t.Errorf("Points(producer) = %g", got)
	}
	if got := res.Bytes(prod); got != 4*100*101 {
		t.Errorf("Bytes(producer) = %g", got)
	}
	if len(res.Degraded) != 0 {
		t.Errorf("affine accesses degraded: %+v", res.Degraded)
	}
	if diff := cmp.Diff([]pipeline.StageID{prod, cons}, res.Order()); diff != "" {
		t.Errorf("Order() mismatch (-want +got):\n%s", diff)
	}
}

func TestPropagate(t *testing.T) {
	g, prod, cons := shift(t)
	res, err := Analyze(g)
	check(t, err)
	tile := Region{iv(0, 9), iv(20, 29)}
	got := res.Propagate(cons, tile, nil)
	want := map[pipeline.StageID]Region{
		cons: tile,
		prod: {iv(0, 9), iv(20, 30)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Propagate mismatch (-want +got):\n%s", diff)
	}
	// The last row is clipped to the producer's required region.
	got = res.Propagate(cons, Region{iv(0, 99), iv(99, 99)}, nil)
	if diff := cmp.Diff(Region{iv(0, 99), iv(99, 100)}, got[prod]); diff != "" {
		t.Errorf("Propagate at the edge (-want +got):\n%s", diff)
	}
}

func TestPropagateThrough(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	in, _ := g.AddInput("in", "float32", "x")
	a, _ := g.AddFunc("a", "float32", "x")
	check(t, g.Define(a, p.Add(g.Call(in, x), g.Call(in, p.Add(x, p.Int(1))))))
	b, _ := g.AddFunc("b", "float32", "x")
	check(t, g.Define(b, p.Add(g.Call(a, x), g.Call(a, p.Add(x, p.Int(1))))))
	check(t, g.SetEstimate(b, "x", 0, 64))
	check(t, g.MarkOutput(b))
	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, in, Region{iv(0, 65)})

	tile := Region{iv(0, 7)}
	stop := res.Propagate(b, tile, nil)
	if _, ok := stop[in]; ok {
		t.Error("Propagate entered a stage it was not allowed through")
	}
	all := res.Propagate(b, tile, func(id pipeline.StageID) bool { return id == a })
	if diff := cmp.Diff(Region{iv(0, 9)}, all[in]); diff != "" {
		t.Errorf("footprint through a (-want +got):\n%s", diff)
	}
}

func TestBoundaryClamp(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	in, _ := g.AddInput("in", "uint8", "x")
	check(t, g.SetEstimate(in, "x", 0, 100))
	edge, _ := g.AddFunc("edge", "float32", "x")
	check(t, g.Define(edge, p.Cast("float32", g.Call(in, x))))
	check(t, g.SetBoundary(edge, pipeline.Estimate{Min: 0, Extent: 100}))
	blur, _ := g.AddFunc("blur", "float32", "x")
	body := p.Add(g.Call(edge, p.Sub(x, p.Int(2))), g.Call(edge, p.Add(x, p.Int(2))))
	check(t, g.Define(blur, body))
	check(t, g.SetEstimate(blur, "x", 0, 100))
	check(t, g.MarkOutput(blur))

	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, edge, Region{iv(-2, 101)})
	wantRegion(t, res, in, Region{iv(0, 99)})
}

func TestNonAffineAccess(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	f, _ := g.AddFunc("f", "int32", "x")
	check(t, g.Define(f, x))
	h, _ := g.AddFunc("h", "int32", "x")
	check(t, g.Define(h, g.Call(f, p.Div(x, p.Int(2)))))
	out, _ := g.AddFunc("out", "int32", "x")
	check(t, g.Define(out, g.Call(h, p.Clamp(p.Mul(x, x), p.Int(0), p.Int(50)))))
	check(t, g.SetEstimate(out, "x", -10, 20))
	check(t, g.MarkOutput(out))

	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, h, Region{iv(0, 50)})
	wantRegion(t, res, f, Region{iv(0, 25)})
	if len(res.Degraded) != 2 {
		t.Fatalf("Degraded = %+v, want the clamp and the division", res.Degraded)
	}
	for _, d := range res.Degraded {
		if d.Kind != Enclosing {
			t.Errorf("degradation %+v, want enclosing", d)
		}
	}
}

// lookup builds out(x) = lut(idx(x)) with a wide integer index.
func lookup(t *testing.T, lutEstimate bool) (*pipeline.Graph, pipeline.StageID) {
	t.Helper()
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	idx, _ := g.AddInput("idx", "int32", "x")
	lut, _ := g.AddFunc("lut", "float32", "i")
	check(t, g.Define(lut, p.Intrinsic("sqrt", p.Cast("float32", g.Var("i")))))
	if lutEstimate {
		check(t, g.SetEstimate(lut, "i", 0, 1024))
	}
	out, _ := g.AddFunc("out", "float32", "x")
	check(t, g.Define(out, g.Call(lut, g.Call(idx, x))))
	check(t, g.SetEstimate(out, "x", 0, 4096))
	check(t, g.MarkOutput(out))
	return g, lut
}

func TestDataDependentAccess(t *testing.T) {
	g, lut := lookup(t, true)
	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, lut, Region{iv(0, 1023)})
	if len(res.Degraded) != 1 || res.Degraded[0].Kind != Widened || res.Degraded[0].Producer != lut {
		t.Errorf("Degraded = %+v, want one widening of lut", res.Degraded)
	}

	g, _ = lookup(t, false)
	_, err = Analyze(g)
	var unsched *UnschedulableAccessError
	if !errors.As(err, &unsched) {
		t.Fatalf("Analyze() error = %v, want UnschedulableAccessError", err)
	}
	if unsched.Producer != "lut" || unsched.Dim != "i" || unsched.Access != "idx(x)" {
		t.Errorf("error = %+v", unsched)
	}
}

func TestNarrowIndex(t *testing.T) {
	g := pipeline.NewGraph()
	x := g.Var("x")
	in, _ := g.AddInput("in", "uint8", "x")
	lut, _ := g.AddFunc("lut", "float32", "v")
	check(t, g.Define(lut, g.Terms.Cast("float32", g.Var("v"))))
	out, _ := g.AddFunc("out", "float32", "x")
	check(t, g.Define(out, g.Call(lut, g.Call(in, x))))
	check(t, g.SetEstimate(out, "x", 0, 10))
	check(t, g.MarkOutput(out))
	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, lut, Region{iv(0, 255)})
}

// A narrowing cast wraps: uint8(x-10) over [0, 100) reads 246..255 and
// 0..89, so the whole uint8 range is required.
func TestWrappingCastIndex(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	lut, _ := g.AddFunc("lut", "float32", "v")
	check(t, g.Define(lut, p.Cast("float32", g.Var("v"))))
	out, _ := g.AddFunc("out", "float32", "x")
	check(t, g.Define(out, g.Call(lut, p.Cast("uint8", p.Sub(x, p.Int(10))))))
	check(t, g.SetEstimate(out, "x", 0, 100))
	check(t, g.MarkOutput(out))
	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, lut, Region{iv(0, 255)})
	if len(res.Degraded) != 1 || res.Degraded[0].Kind != Enclosing {
		t.Errorf("Degraded = %+v, want one enclosing bound", res.Degraded)
	}

	// An in-range cast keeps the tight bound.
	g = pipeline.NewGraph()
	p = g.Terms
	x = g.Var("x")
	lut, _ = g.AddFunc("lut", "float32", "v")
	check(t, g.Define(lut, p.Cast("float32", g.Var("v"))))
	out, _ = g.AddFunc("out", "float32", "x")
	check(t, g.Define(out, g.Call(lut, p.Cast("uint8", p.Add(x, p.Int(10))))))
	check(t, g.SetEstimate(out, "x", 0, 100))
	check(t, g.MarkOutput(out))
	res, err = Analyze(g)
	check(t, err)
	wantRegion(t, res, lut, Region{iv(10, 109)})
}

func TestCyclicGraph(t *testing.T) {
	g := pipeline.NewGraph()
	x := g.Var("x")
	a, _ := g.AddFunc("a", "int32", "x")
	b, _ := g.AddFunc("b", "int32", "x")
	check(t, g.Define(a, g.Call(b, x)))
	check(t, g.Define(b, g.Call(a, x)))
	out, _ := g.AddFunc("out", "int32", "x")
	check(t, g.Define(out, g.Call(a, x)))
	check(t, g.SetEstimate(out, "x", 0, 10))
	check(t, g.MarkOutput(out))
	_, err := Analyze(g)
	if err == nil || !strings.HasPrefix(err.Error(), "bounds: ordering stages: ") || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Analyze() error = %v, want a wrapped cycle error", err)
	}
}

func TestHistogramUpdate(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	b := g.Var("b")
	in, _ := g.AddInput("in", "uint8", "x", "y")
	hist, _ := g.AddFunc("hist", "int32", "b")
	check(t, g.Define(hist, p.Int(0)))
	rx, ry := p.RVar("r.x"), p.RVar("r.y")
	bin := p.Cast("uint8", p.Div(g.Call(in, rx, ry), p.Int(2)))
	check(t, g.AddUpdate(hist, pipeline.Definition{
		Args:   []*term.Node{bin},
		Values: []*term.Node{p.Add(g.Call(hist, bin), p.Int(1))},
		Domain: &pipeline.ReductionDomain{Vars: []pipeline.RVar{
			{Name: "r.x", Min: p.Int(0), Extent: p.Int(64)},
			{Name: "r.y", Min: p.Int(0), Extent: p.Int(32)},
		}},
	}))
	check(t, g.SetEstimate(hist, "b", 0, 16))
	out, _ := g.AddFunc("out", "int32", "b")
	check(t, g.Define(out, g.Call(hist, b)))
	check(t, g.SetEstimate(out, "b", 0, 16))
	check(t, g.MarkOutput(out))

	res, err := Analyze(g)
	check(t, err)
	// The update writes anywhere in [0, 127], beyond what out reads.
	wantRegion(t, res, hist, Region{iv(0, 127)})
	wantRegion(t, res, in, Region{iv(0, 63), iv(0, 31)})
}

func TestUnboundedUpdateStore(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	idx, _ := g.AddInput("idx", "int32", "x")
	scatter, _ := g.AddFunc("scatter", "float32", "x")
	check(t, g.Define(scatter, p.Flt(0)))
	r := p.RVar("r")
	check(t, g.AddUpdate(scatter, pipeline.Definition{
		Args:   []*term.Node{g.Call(idx, r)},
		Values: []*term.Node{p.Flt(1)},
		Domain: &pipeline.ReductionDomain{Vars: []pipeline.RVar{{Name: "r", Min: p.Int(0), Extent: p.Int(10)}}},
	}))
	check(t, g.SetEstimate(scatter, "x", 0, 10))
	check(t, g.MarkOutput(scatter))

	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, scatter, Region{iv(0, 9)})
	wantRegion(t, res, idx, Region{iv(0, 9)})
}

func TestParams(t *testing.T) {
	build := func(estimate bool) *pipeline.Graph {
		g := pipeline.NewGraph()
		p := g.Terms
		x := g.Var("x")
		k, err := g.AddParam("k", "int32")
		check(t, err)
		if estimate {
			check(t, g.SetParamEstimate("k", 0, 4))
		} else {
			check(t, g.SetParamDefault("k", 2))
		}
		f, _ := g.AddFunc("f", "int32", "x")
		check(t, g.Define(f, x))
		out, _ := g.AddFunc("out", "int32", "x")
		check(t, g.Define(out, g.Call(f, p.Add(x, k))))
		check(t, g.SetEstimate(out, "x", 0, 100))
		check(t, g.MarkOutput(out))
		return g
	}

	g := build(true)
	res, err := Analyze(g)
	check(t, err)
	f, _ := g.Lookup("f")
	wantRegion(t, res, f.ID, Region{iv(0, 103)})

	res, err = Analyze(g, WithParam("k", term.Point(1)))
	check(t, err)
	wantRegion(t, res, f.ID, Region{iv(1, 100)})

	g = build(false)
	res, err = Analyze(g)
	check(t, err)
	f, _ = g.Lookup("f")
	wantRegion(t, res, f.ID, Region{iv(2, 101)})
	if got := res.Params()["k"]; got != term.Point(2) {
		t.Errorf("Params()[k] = %v", got)
	}
}

func TestReductionDomainFromParam(t *testing.T) {
	g := pipeline.NewGraph()
	p := g.Terms
	x := g.Var("x")
	n, _ := g.AddParam("n", "int32")
	check(t, g.SetParamEstimate("n", 1, 8))
	in, _ := g.AddInput("in", "float32", "x")
	sum, _ := g.AddFunc("sum", "float32", "x")
	check(t, g.Define(sum, p.Flt(0)))
	r := p.RVar("r")
	check(t, g.AddUpdate(sum, pipeline.Definition{
		Args:   []*term.Node{x},
		Values: []*term.Node{p.Add(g.Call(sum, x), g.Call(in, p.Add(x, r)))},
		Domain: &pipeline.ReductionDomain{Vars: []pipeline.RVar{{Name: "r", Min: p.Int(0), Extent: n}}},
	}))
	check(t, g.SetEstimate(sum, "x", 0, 32))
	check(t, g.MarkOutput(sum))

	res, err := Analyze(g)
	check(t, err)
	wantRegion(t, res, in, Region{iv(0, 38)})
	if got := res.Eval(n); got != iv(1, 8) {
		t.Errorf("Eval(n) = %v", got)
	}
}

func TestMissingBounds(t *testing.T) {
	g := pipeline.NewGraph()
	f, _ := g.AddFunc("f", "int32", "x", "y")
	check(t, g.Define(f, g.Var("x")))
	check(t, g.SetEstimate(f, "x", 0, 10))
	check(t, g.MarkOutput(f))
	_, err := Analyze(g)
	var missing *MissingBoundsError
	if !errors.As(err, &missing) {
		t.Fatalf("Analyze() error = %v, want MissingBoundsError", err)
	}
	if missing.Stage != "f" || missing.Dim != "y" {
		t.Errorf("error = %+v", missing)
	}
}

func TestUnreachableStagesSkipped(t *testing.T) {
	g, prod, _ := shift(t)
	dead, _ := g.AddFunc("dead", "int32", "x")
	check(t, g.Define(dead, g.Call(prod, g.Var("x"), g.Var("x"))))
	res, err := Analyze(g)
	check(t, err)
	if _, ok := res.Region(dead); ok {
		t.Error("unreachable stage got a region")
	}
	wantRegion(t, res, prod, Region{iv(0, 99), iv(0, 100)})
}

func TestRegion(t *testing.T) {
	r := Region{iv(0, 9), iv(-5, 4)}
	if got := r.Points(); got != 100 {
		t.Errorf("Points() = %g", got)
	}
	if diff := cmp.Diff([]int64{10, 10}, r.Extents()); diff != "" {
		t.Errorf("Extents() (-want +got):\n%s", diff)
	}
	if got := r.Tile([]int64{4, 20}); !got.Equal(Region{iv(0, 3), iv(-5, 4)}) {
		t.Errorf("Tile() = %v", got)
	}
	if got := Region(nil).Union(r); !got.Equal(r) {
		t.Errorf("nil.Union(r) = %v", got)
	}
	if got := r.String(); got != "{[0, 9] [-5, 4]}" {
		t.Errorf("String() = %q", got)
	}
	if got := (Region{}).Points(); got != 1 {
		t.Errorf("zero-dim Points() = %g", got)
	}
	if (Region{term.Everything()}).IsBounded() {
		t.Error("unbounded region reported bounded")
	}
}
