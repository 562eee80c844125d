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

package pipeline

import (
	"slices"
	"strings"
	"testing"

	"github.com/ajroetker/go-autosched/sched/term"
)

// shiftPipeline builds producer(x, y) = x + y and
// consumer(x, y) = producer(x, y) + producer(x, y+1).
func shiftPipeline(t *testing.T) (g *Graph, producer, consumer StageID) {
	t.Helper()
	g = NewGraph()
	p := g.Terms
	x, y := g.Var("x"), g.Var("y")
	var err error
	if producer, err = g.AddFunc("producer", "int32", "x", "y"); err != nil {
		t.Fatal(err)
	}
	if err := g.Define(producer, p.Add(x, y)); err != nil {
		t.Fatal(err)
	}
	if consumer, err = g.AddFunc("consumer", "int32", "x", "y"); err != nil {
		t.Fatal(err)
	}
	body := p.Add(g.Call(producer, x, y), g.Call(producer, x, p.Add(y, p.Int(1))))
	if err := g.Define(consumer, body); err != nil {
		t.Fatal(err)
	}
	if err := g.SetEstimate(consumer, "x", 0, 100); err != nil {
		t.Fatal(err)
	}
	if err := g.SetEstimate(consumer, "y", 0, 100); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkOutput(consumer); err != nil {
		t.Fatal(err)
	}
	return g, producer, consumer
}

func TestGraphEdges(t *testing.T) {
	g, producer, consumer := shiftPipeline(t)
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	edges := g.Edges()
	if len(edges) != 2 {
		t.Fatalf("got %d edges, want 2", len(edges))
	}
	var access []string
	for _, e := range edges {
		if e.Producer != producer || e.Consumer != consumer || e.Def != 0 {
			t.Errorf("unexpected edge %+v", e)
		}
		access = append(access, e.Call.String())
	}
	slices.Sort(access)
	want := []string{"producer(x, (y + 1))", "producer(x, y)"}
	if !slices.Equal(access, want) {
		t.Errorf("access functions = %v, want %v", access, want)
	}
	if got := g.Producers(consumer); !slices.Equal(got, []StageID{producer}) {
		t.Errorf("Producers(consumer) = %v", got)
	}
	if got := g.Consumers(producer); !slices.Equal(got, []StageID{consumer}) {
		t.Errorf("Consumers(producer) = %v", got)
	}
	reach := g.Reachable()
	if !reach[producer] || !reach[consumer] {
		t.Errorf("Reachable() = %v", reach)
	}
}

func TestTopoOrder(t *testing.T) {
	g := NewGraph()
	p := g.Terms
	x := g.Var("x")
	in, _ := g.AddInput("in", "uint8", "x")
	// Declared out of dependency order on purpose.
	out, _ := g.AddFunc("out", "float32", "x")
	b, _ := g.AddFunc("b", "float32", "x")
	a, _ := g.AddFunc("a", "float32", "x")
	must(t, g.Define(a, p.Cast("float32", g.Call(in, x))))
	must(t, g.Define(b, p.Mul(g.Call(a, x), p.Flt(2))))
	must(t, g.Define(out, p.Add(g.Call(a, x), g.Call(b, x))))
	must(t, g.MarkOutput(out))

	order, err := g.TopoOrder()
	if err != nil {
		t.Fatal(err)
	}
	want := []StageID{in, a, b, out}
	if !slices.Equal(order, want) {
		t.Errorf("TopoOrder() = %v, want %v", order, want)
	}
	again, _ := g.TopoOrder()
	if !slices.Equal(order, again) {
		t.Error("TopoOrder is not deterministic")
	}
}

func TestUpdates(t *testing.T) {
	g := NewGraph()
	p := g.Terms
	x := g.Var("x")
	in, _ := g.AddInput("in", "float32", "x")
	sum, _ := g.AddFunc("sum", "float32", "x")
	must(t, g.Define(sum, p.Flt(0)))
	r := p.RVar("r")
	upd := Definition{
		Args:   []*term.Node{x},
		Values: []*term.Node{p.Add(g.Call(sum, x), g.Call(in, p.Add(x, r)))},
		Domain: &ReductionDomain{Vars: []RVar{{Name: "r", Min: p.Int(0), Extent: p.Int(5)}}},
	}
	must(t, g.AddUpdate(sum, upd))
	must(t, g.MarkOutput(sum))

	if !g.HasReduction(sum) {
		t.Error("HasReduction(sum) = false")
	}
	if n := len(g.Updates(sum)); n != 1 {
		t.Errorf("len(Updates) = %d, want 1", n)
	}
	edges := g.EdgesBetween(in, sum)
	if len(edges) != 1 || edges[0].Def != 1 {
		t.Fatalf("edges from in = %+v, want one edge in update 1", edges)
	}
	self := g.SelfReads(sum)
	if len(self[1]) != 1 || self[1][0].String() != "sum(x)" {
		t.Errorf("SelfReads = %v", self)
	}

	// An update reading a downstream stage closes a cycle.
	loop, _ := g.AddFunc("loop", "float32", "x")
	must(t, g.Define(loop, g.Call(sum, x)))
	back := Definition{Args: []*term.Node{x}, Values: []*term.Node{g.Call(loop, x)}}
	if err := g.AddUpdate(sum, back); err == nil {
		t.Error("AddUpdate creating a cycle succeeded")
	}
	if n := len(g.Updates(sum)); n != 1 {
		t.Errorf("rejected update was kept: %d updates", n)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *Graph)
		want  string
	}{
		{
			name: "no output",
			build: func(g *Graph) {
				f, _ := g.AddFunc("f", "int32", "x")
				_ = g.Define(f, g.Var("x"))
			},
			want: "no output",
		},
		{
			name: "undefined func",
			build: func(g *Graph) {
				f, _ := g.AddFunc("f", "int32", "x")
				h, _ := g.AddFunc("h", "int32", "x")
				_ = g.Define(h, g.Call(f, g.Var("x")))
				_ = g.MarkOutput(h)
			},
			want: `"f" has no definition`,
		},
		{
			name: "arity",
			build: func(g *Graph) {
				in, _ := g.AddInput("in", "int32", "x", "y")
				h, _ := g.AddFunc("h", "int32", "x")
				_ = g.Define(h, g.Call(in, g.Var("x")))
				_ = g.MarkOutput(h)
			},
			want: "with 1 args, want 2",
		},
		{
			name: "float specialization",
			build: func(g *Graph) {
				_, _ = g.AddParam("alpha", "float32")
				h, _ := g.AddFunc("h", "int32", "x")
				_ = g.Define(h, g.Var("x"))
				_ = g.Specialize(h, "alpha")
				_ = g.MarkOutput(h)
			},
			want: "not an integer or bool param",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			tt.build(g)
			err := g.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestDeclarationErrors(t *testing.T) {
	g := NewGraph()
	if _, err := g.AddFunc("f", "int32", "x", "x"); err == nil {
		t.Error("repeated dim accepted")
	}
	if _, err := g.AddFunc("f", "complex64", "x"); err == nil {
		t.Error("unknown type accepted")
	}
	for _, dims := range [][]string{{"x", "x_o"}, {"x_i", "y", "x"}, {"x", "x_t"}, {"c_b", "c"}} {
		if _, err := g.AddFunc("f", "int32", dims...); err == nil || !strings.Contains(err.Error(), "clashes") {
			t.Errorf("dims %v: err = %v, want a clash", dims, err)
		}
	}
	if _, err := g.AddFunc("split", "int32", "x_o", "y"); err != nil {
		t.Errorf("a lone x_o dim: %v", err)
	}
	f, err := g.AddFunc("f", "", "x")
	if err != nil {
		t.Fatal(err)
	}
	if s := g.Stage(f); s.Type != "float32" || s.Bytes() != 4 {
		t.Errorf("default type = %q (%d bytes)", s.Type, s.Bytes())
	}
	if _, err := g.AddFunc("f", "int32", "x"); err == nil {
		t.Error("duplicate stage accepted")
	}
	if _, err := g.AddParam("f", "int32"); err == nil {
		t.Error("param shadowing a stage accepted")
	}
	if err := g.SetEstimate(f, "y", 0, 10); err == nil {
		t.Error("estimate of unknown dim accepted")
	}
	if err := g.SetEstimate(f, "x", 0, 0); err == nil {
		t.Error("empty estimate accepted")
	}
	if err := g.AddUpdate(f, Definition{}); err == nil {
		t.Error("update before pure definition accepted")
	}
	in, _ := g.AddInput("in", "uint8", "x")
	if err := g.Define(in, g.Var("x")); err == nil {
		t.Error("defining an input accepted")
	}
}

func TestParams(t *testing.T) {
	g := NewGraph()
	n, err := g.AddParam("width", "int32")
	must(t, err)
	if n.String() != "width" {
		t.Errorf("param term = %v", n)
	}
	_, _ = g.AddParam("alpha", "float32")
	must(t, g.SetParamDefault("width", 64))
	w, _ := g.Param("width")
	if r := w.Range(); r.Lo != 64 || r.Hi != 64 {
		t.Errorf("Range() without estimate = %v, want the default", r)
	}
	must(t, g.SetParamEstimate("width", 16, 1024))
	if r := w.Range(); r.Lo != 16 || r.Hi != 1024 {
		t.Errorf("Range() = %v", r)
	}
	if err := g.SetParamEstimate("width", 5, 1); err == nil {
		t.Error("empty estimate accepted")
	}
	var names []string
	for _, p := range g.Params() {
		names = append(names, p.Name)
	}
	if !slices.Equal(names, []string{"alpha", "width"}) {
		t.Errorf("Params() = %v", names)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
