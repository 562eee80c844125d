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
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-autosched/sched/term"
)

// File is the on-disk description of a pipeline. Stage bodies are Go
// expressions over the stage's dims, reduction variables, params, and calls
// to other stages by name.
type File struct {
	Params  []ParamSpec `yaml:"params"`
	Inputs  []StageSpec `yaml:"inputs"`
	Stages  []StageSpec `yaml:"stages"`
	Clones  []CloneSpec `yaml:"clones"`
	Outputs []string    `yaml:"outputs"`
}

// ParamSpec declares a scalar param. Estimate is either a single expected
// value or a [lo, hi] range.
type ParamSpec struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Estimate Values  `yaml:"estimate"`
	Default  float64 `yaml:"default"`
}

// StageSpec declares an input or a computed stage.
type StageSpec struct {
	Name       string             `yaml:"name"`
	Type       string             `yaml:"type"`
	Dims       []string           `yaml:"dims"`
	Value      Expr               `yaml:"value"`
	Values     []Expr             `yaml:"values"`
	Updates    []UpdateSpec       `yaml:"updates"`
	Estimates  map[string][]int64 `yaml:"estimates"`
	Boundary   map[string][]int64 `yaml:"boundary"`
	Specialize []string           `yaml:"specialize"`
}

// UpdateSpec declares an update definition.
type UpdateSpec struct {
	Args        []Expr     `yaml:"args"`
	Value       Expr       `yaml:"value"`
	Values      []Expr     `yaml:"values"`
	Domain      []RVarSpec `yaml:"domain"`
	Where       []Expr     `yaml:"where"`
	Associative bool       `yaml:"associative"`
}

// RVarSpec declares one reduction variable.
type RVarSpec struct {
	Name   string `yaml:"name"`
	Min    Expr   `yaml:"min"`
	Extent Expr   `yaml:"extent"`
}

// CloneSpec requests a clone of Source for the named consumers.
type CloneSpec struct {
	Source    string   `yaml:"source"`
	Consumers []string `yaml:"consumers"`
}

// Expr is a Go expression in source form. Any YAML scalar decodes into it,
// so `extent: 5` and `extent: "w / 2"` are both accepted.
type Expr string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Expr) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expression must be a scalar", value.Line)
	}
	*e = Expr(value.Value)
	return nil
}

// Values decodes either a single number or a sequence of numbers.
type Values []float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Values) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var f float64
		if err := value.Decode(&f); err != nil {
			return err
		}
		*v = Values{f}
		return nil
	}
	var fs []float64
	if err := value.Decode(&fs); err != nil {
		return err
	}
	*v = fs
	return nil
}

func (s StageSpec) exprs() []Expr {
	if s.Value != "" {
		return append([]Expr{s.Value}, s.Values...)
	}
	return s.Values
}

func (u UpdateSpec) exprs() []Expr {
	if u.Value != "" {
		return append([]Expr{u.Value}, u.Values...)
	}
	return u.Values
}

// LoadFile reads a pipeline description from path.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline %s", path)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading pipeline %s", path)
	}
	return g, nil
}

// Load reads a pipeline description from r.
func Load(r io.Reader) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading pipeline")
	}
	return Parse(data)
}

// Parse builds and validates a Graph from YAML.
func Parse(data []byte) (*Graph, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding pipeline")
	}
	return f.Build()
}

// Build constructs the Graph. Stages are declared first so bodies may call
// stages declared later in the file.
func (f *File) Build() (*Graph, error) {
	g := NewGraph()
	for _, p := range f.Params {
		if p.Type == "" {
			p.Type = "int32"
		}
		if _, err := g.AddParam(p.Name, p.Type); err != nil {
			return nil, err
		}
		if err := g.SetParamDefault(p.Name, p.Default); err != nil {
			return nil, err
		}
		switch len(p.Estimate) {
		case 0:
		case 1:
			if err := g.SetParamEstimate(p.Name, p.Estimate[0], p.Estimate[0]); err != nil {
				return nil, err
			}
		case 2:
			if err := g.SetParamEstimate(p.Name, p.Estimate[0], p.Estimate[1]); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("param %q: estimate must be a value or [lo, hi]", p.Name)
		}
	}
	for _, in := range f.Inputs {
		id, err := g.AddInput(in.Name, in.Type, in.Dims...)
		if err != nil {
			return nil, err
		}
		if err := applyBounds(g, id, in); err != nil {
			return nil, err
		}
	}
	ids := make([]StageID, len(f.Stages))
	for i, s := range f.Stages {
		id, err := g.AddFunc(s.Name, s.Type, s.Dims...)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		if err := applyBounds(g, id, s); err != nil {
			return nil, err
		}
	}
	for i, s := range f.Stages {
		if err := defineStage(g, ids[i], s); err != nil {
			return nil, errors.Wrapf(err, "stage %q", s.Name)
		}
	}
	for _, c := range f.Clones {
		src, ok := g.Lookup(c.Source)
		if !ok {
			return nil, errors.Errorf("clone: unknown source %q", c.Source)
		}
		consumers := make([]StageID, 0, len(c.Consumers))
		for _, name := range c.Consumers {
			cs, ok := g.Lookup(name)
			if !ok {
				return nil, errors.Errorf("clone of %q: unknown consumer %q", c.Source, name)
			}
			consumers = append(consumers, cs.ID)
		}
		if _, err := g.Clone(src.ID, consumers...); err != nil {
			return nil, err
		}
	}
	for _, name := range f.Outputs {
		s, ok := g.Lookup(name)
		if !ok {
			return nil, errors.Errorf("unknown output %q", name)
		}
		if err := g.MarkOutput(s.ID); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func applyBounds(g *Graph, id StageID, s StageSpec) error {
	for _, dim := range sortedKeys(s.Estimates) {
		b := s.Estimates[dim]
		if len(b) != 2 {
			return errors.Errorf("stage %q: estimate of %q must be [min, extent]", s.Name, dim)
		}
		if err := g.SetEstimate(id, dim, b[0], b[1]); err != nil {
			return err
		}
	}
	if len(s.Boundary) > 0 {
		domain := make([]Estimate, len(s.Dims))
		for d, dim := range s.Dims {
			b, ok := s.Boundary[dim]
			if !ok || len(b) != 2 {
				return errors.Errorf("stage %q: boundary of %q must be [min, extent]", s.Name, dim)
			}
			domain[d] = Estimate{Min: b[0], Extent: b[1]}
		}
		if err := g.SetBoundary(id, domain...); err != nil {
			return err
		}
	}
	return nil
}

func defineStage(g *Graph, id StageID, s StageSpec) error {
	ep := &exprParser{g: g, vars: lo.SliceToMap(s.Dims, func(d string) (string, bool) { return d, true })}
	values, err := ep.parseAll(s.exprs())
	if err != nil {
		return err
	}
	if err := g.Define(id, values...); err != nil {
		return err
	}
	for ui, u := range s.Updates {
		def, err := ep.parseUpdate(u)
		if err != nil {
			return errors.Wrapf(err, "update %d", ui+1)
		}
		if err := g.AddUpdate(id, def); err != nil {
			return err
		}
	}
	for _, p := range s.Specialize {
		if err := g.Specialize(id, p); err != nil {
			return err
		}
	}
	return nil
}

// exprParser turns Go expressions into terms of g's pool.
type exprParser struct {
	g     *Graph
	vars  map[string]bool
	rvars map[string]bool
}

func (ep *exprParser) parseUpdate(u UpdateSpec) (Definition, error) {
	def := Definition{Associative: u.Associative}
	ep.rvars = make(map[string]bool)
	defer func() { ep.rvars = nil }()
	if len(u.Domain) > 0 {
		dom := &ReductionDomain{}
		bounds := &exprParser{g: ep.g}
		for _, rv := range u.Domain {
			if rv.Name == "" {
				return def, errors.New("reduction variable without a name")
			}
			rmin, err := bounds.parse(rv.Min)
			if err != nil {
				return def, errors.Wrapf(err, "min of %s", rv.Name)
			}
			rext, err := bounds.parse(rv.Extent)
			if err != nil {
				return def, errors.Wrapf(err, "extent of %s", rv.Name)
			}
			dom.Vars = append(dom.Vars, RVar{Name: rv.Name, Min: rmin, Extent: rext})
			ep.rvars[rv.Name] = true
		}
		where, err := ep.parseAll(u.Where)
		if err != nil {
			return def, errors.Wrap(err, "where")
		}
		dom.Where = where
		def.Domain = dom
	} else if len(u.Where) > 0 {
		return def, errors.New("where predicates need a reduction domain")
	}
	var err error
	if def.Args, err = ep.parseAll(u.Args); err != nil {
		return def, errors.Wrap(err, "args")
	}
	if def.Values, err = ep.parseAll(u.exprs()); err != nil {
		return def, err
	}
	return def, nil
}

func (ep *exprParser) parseAll(srcs []Expr) ([]*term.Node, error) {
	out := make([]*term.Node, 0, len(srcs))
	for _, src := range srcs {
		n, err := ep.parse(src)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (ep *exprParser) parse(src Expr) (*term.Node, error) {
	if src == "" {
		return nil, errors.New("empty expression")
	}
	e, err := parser.ParseExpr(string(src))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q", src)
	}
	n, err := ep.build(e)
	if err != nil {
		return nil, errors.Wrapf(err, "in %q", src)
	}
	return n, nil
}

var intrinsics = map[string]int{
	"abs": 1, "sqrt": 1, "exp": 1, "log": 1, "sin": 1, "cos": 1,
	"floor": 1, "ceil": 1, "round": 1, "pow": 2,
}

func (ep *exprParser) build(e ast.Expr) (*term.Node, error) {
	p := ep.g.Terms
	switch e := e.(type) {
	case *ast.ParenExpr:
		return ep.build(e.X)
	case *ast.BasicLit:
		switch e.Kind {
		case token.INT:
			v, err := strconv.ParseInt(e.Value, 0, 64)
			if err != nil {
				return nil, err
			}
			return p.Int(v), nil
		case token.FLOAT:
			v, err := strconv.ParseFloat(e.Value, 64)
			if err != nil {
				return nil, err
			}
			return p.Flt(v), nil
		}
		return nil, errors.Errorf("unsupported literal %s", e.Value)
	case *ast.Ident:
		return ep.ident(e.Name)
	case *ast.SelectorExpr:
		x, ok := e.X.(*ast.Ident)
		if !ok {
			return nil, errors.New("unsupported selector")
		}
		return ep.ident(x.Name + "." + e.Sel.Name)
	case *ast.UnaryExpr:
		x, err := ep.build(e.X)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			if x.IsFloat() {
				return p.Sub(p.Flt(0), x), nil
			}
			return p.Sub(p.Int(0), x), nil
		case token.NOT:
			return p.Not(x), nil
		}
		return nil, errors.Errorf("unsupported unary operator %s", e.Op)
	case *ast.BinaryExpr:
		return ep.binary(e)
	case *ast.CallExpr:
		return ep.call(e)
	}
	return nil, errors.Errorf("unsupported expression %T", e)
}

func (ep *exprParser) ident(name string) (*term.Node, error) {
	p := ep.g.Terms
	switch {
	case ep.vars[name]:
		return p.Var(name), nil
	case ep.rvars[name]:
		return p.RVar(name), nil
	case name == "true":
		return p.Int(1), nil
	case name == "false":
		return p.Int(0), nil
	}
	if prm, ok := ep.g.Param(name); ok {
		return prm.Node, nil
	}
	return nil, errors.Errorf("undefined name %q", name)
}

func (ep *exprParser) binary(e *ast.BinaryExpr) (*term.Node, error) {
	x, err := ep.build(e.X)
	if err != nil {
		return nil, err
	}
	y, err := ep.build(e.Y)
	if err != nil {
		return nil, err
	}
	p := ep.g.Terms
	switch e.Op {
	case token.ADD:
		return p.Add(x, y), nil
	case token.SUB:
		return p.Sub(x, y), nil
	case token.MUL:
		return p.Mul(x, y), nil
	case token.QUO:
		return p.Div(x, y), nil
	case token.REM:
		return p.Mod(x, y), nil
	case token.LSS:
		return p.LT(x, y), nil
	case token.LEQ:
		return p.LE(x, y), nil
	case token.GTR:
		return p.LT(y, x), nil
	case token.GEQ:
		return p.LE(y, x), nil
	case token.EQL:
		return p.EQ(x, y), nil
	case token.NEQ:
		return p.NE(x, y), nil
	case token.LAND:
		return p.And(x, y), nil
	case token.LOR:
		return p.Or(x, y), nil
	}
	return nil, errors.Errorf("unsupported operator %s", e.Op)
}

func (ep *exprParser) call(e *ast.CallExpr) (*term.Node, error) {
	fn, ok := e.Fun.(*ast.Ident)
	if !ok {
		return nil, errors.New("call target must be a name")
	}
	args := make([]*term.Node, 0, len(e.Args))
	for _, a := range e.Args {
		n, err := ep.build(a)
		if err != nil {
			return nil, err
		}
		args = append(args, n)
	}
	want := func(n int) error {
		if len(args) != n {
			return errors.Errorf("%s takes %d arguments, got %d", fn.Name, n, len(args))
		}
		return nil
	}
	p := ep.g.Terms
	if s, ok := ep.g.Lookup(fn.Name); ok {
		return ep.g.Call(s.ID, args...), nil
	}
	switch fn.Name {
	case "min", "max":
		if err := want(2); err != nil {
			return nil, err
		}
		if fn.Name == "min" {
			return p.Min(args[0], args[1]), nil
		}
		return p.Max(args[0], args[1]), nil
	case "clamp":
		if err := want(3); err != nil {
			return nil, err
		}
		return p.Clamp(args[0], args[1], args[2]), nil
	case "select":
		if err := want(3); err != nil {
			return nil, err
		}
		return p.Select(args[0], args[1], args[2]), nil
	}
	if n, ok := intrinsics[fn.Name]; ok {
		if err := want(n); err != nil {
			return nil, err
		}
		return p.Intrinsic(fn.Name, args...), nil
	}
	if term.IsKnownType(fn.Name) {
		if err := want(1); err != nil {
			return nil, err
		}
		return p.Cast(fn.Name, args[0]), nil
	}
	return nil, errors.Errorf("unknown function or stage %q", fn.Name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
