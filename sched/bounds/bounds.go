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

// Package bounds computes the region of every stage that the pipeline
// outputs require.
//
// Regions are propagated from the outputs' estimates backwards in reverse
// topological order. Each call site maps the consumer's region to a box of
// the producer through its access function:
//
//   - affine accesses (shifts, strides, param offsets) are evaluated exactly
//     from their linear form;
//   - other accesses take the smallest interval derivable from the bounds of
//     their sub-expressions;
//   - accesses that stay unbounded (data-dependent indexing) are widened to
//     the producer's estimate, or fail with UnschedulableAccessError when
//     there is none.
package bounds

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-autosched/internal/logging"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/term"
)

// MissingBoundsError reports a stage reachable from an output whose region
// cannot be derived.
type MissingBoundsError struct {
	Stage string
	Dim   string
}

func (e *MissingBoundsError) Error() string {
	if e.Dim == "" {
		return fmt.Sprintf("bounds: no region can be derived for stage %q", e.Stage)
	}
	return fmt.Sprintf("bounds: no region can be derived for %s.%s: it needs an estimate", e.Stage, e.Dim)
}

// UnschedulableAccessError reports an access that cannot be bounded even
// conservatively: it is unbounded and the producer has no estimate for the
// dim.
type UnschedulableAccessError struct {
	Consumer string
	Producer string
	Dim      string
	Access   string
}

func (e *UnschedulableAccessError) Error() string {
	return fmt.Sprintf("bounds: %s reads %s.%s at %s, which is unbounded and has no estimate",
		e.Consumer, e.Producer, e.Dim, e.Access)
}

// DegradationKind says how an access was bounded when it could not be
// evaluated exactly.
type DegradationKind int

const (
	// Enclosing: the smallest interval derivable from sub-expression bounds.
	Enclosing DegradationKind = iota

	// Widened: the access was unbounded and widened to the producer's
	// estimate.
	Widened
)

func (k DegradationKind) String() string {
	if k == Widened {
		return "widened"
	}
	return "enclosing"
}

// Degradation records a non-fatal loss of precision.
type Degradation struct {
	Kind     DegradationKind
	Consumer pipeline.StageID
	Producer pipeline.StageID
	Dim      int
	Access   string
	Bound    term.Interval
}

// Option configures Analyze.
type Option func(*analyzer)

// WithLogger sets the logger for degradation warnings and debug traces.
func WithLogger(l *logging.Logger) Option {
	return func(a *analyzer) { a.log = l }
}

// WithParam pins a param to the given range, overriding its estimate.
func WithParam(name string, r term.Interval) Option {
	return func(a *analyzer) { a.pinned[name] = r }
}

// Result holds the required region of every reachable stage.
type Result struct {
	g        *pipeline.Graph
	regions  map[pipeline.StageID]Region
	order    []pipeline.StageID
	params   map[string]term.Interval
	Degraded []Degradation
}

type analyzer struct {
	g      *pipeline.Graph
	log    *logging.Logger
	pinned map[string]term.Interval
	params map[string]term.Interval

	// record is nil when propagating sub-regions, which must not add to the
	// result's degradations.
	record *[]Degradation

	// fallback is consulted when an access is unbounded before giving up.
	fallback map[pipeline.StageID]Region
}

// Analyze computes the region of every stage reachable from the outputs.
func Analyze(g *pipeline.Graph, opts ...Option) (*Result, error) {
	a := &analyzer{g: g, log: logging.Nop(), pinned: make(map[string]term.Interval)}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithPhase("bounds")
	a.params = a.paramRanges()

	order, err := g.TopoOrder()
	if err != nil {
		return nil, errors.Wrap(err, "bounds: ordering stages")
	}
	reach := g.Reachable()
	res := &Result{g: g, regions: make(map[pipeline.StageID]Region), params: a.params}
	a.record = &res.Degraded

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !reach[id] {
			continue
		}
		s := g.Stage(id)
		var region Region
		if s.Output {
			est, ok := FromEstimates(s)
			if !ok {
				return nil, &MissingBoundsError{Stage: s.Name, Dim: missingDim(s)}
			}
			region = est
		}
		for _, c := range g.Consumers(id) {
			creg, ok := res.regions[c]
			if !ok {
				continue
			}
			need, err := a.demand(c, creg, id)
			if err != nil {
				return nil, err
			}
			region = region.Union(need)
		}
		if region == nil {
			if est, ok := FromEstimates(s); ok {
				region = est
			} else {
				return nil, &MissingBoundsError{Stage: s.Name}
			}
		}
		if region, err = a.widenUpdates(id, region); err != nil {
			return nil, err
		}
		res.regions[id] = region
		res.order = append(res.order, id)
		a.log.Debug("region", "stage", s.Name, "region", region.String())
	}
	slices.Reverse(res.order)
	return res, nil
}

func missingDim(s *pipeline.Stage) string {
	for d, name := range s.Dims {
		if _, ok := s.Estimate(d); !ok {
			return name
		}
	}
	return ""
}

func (a *analyzer) paramRanges() map[string]term.Interval {
	ranges := make(map[string]term.Interval)
	for _, p := range a.g.Params() {
		if r, ok := a.pinned[p.Name]; ok {
			ranges[p.Name] = r
			continue
		}
		if !p.HasEstimate {
			a.log.Warn("param has no estimate, using its default", "param", p.Name, "default", p.Default)
		}
		ranges[p.Name] = p.Range()
	}
	return ranges
}

// env returns the evaluation environment of definition def of s over region.
// Boundary-condition stages clamp the region into their declared domain
// first.
func (a *analyzer) env(s *pipeline.Stage, def *pipeline.Definition, region Region) term.Env {
	vars := make(map[string]term.Interval, len(s.Dims))
	for d, name := range s.Dims {
		iv := region[d]
		if s.Boundary != nil {
			iv = clampInto(iv, s.Boundary[d].Interval())
		}
		vars[name] = iv
	}
	env := term.Env{Vars: vars, Params: a.params, Call: a.callRange}
	if def.Domain != nil {
		for _, rv := range def.Domain.Vars {
			lo := term.Eval(rv.Min, env)
			ext := term.Eval(rv.Extent, env)
			vars[rv.Name] = term.Interval{Lo: lo.Lo, Hi: lo.Hi + ext.Hi - 1}
		}
	}
	return env
}

func clampInto(iv, dom term.Interval) term.Interval {
	c := func(v float64) float64 { return math.Min(math.Max(v, dom.Lo), dom.Hi) }
	return term.Interval{Lo: c(iv.Lo), Hi: c(iv.Hi)}
}

// callRange bounds the value of a nested call. Narrow integer types are
// bounded by their value range; anything wider is unknown.
func (a *analyzer) callRange(n *term.Node) term.Interval {
	s := a.g.Stage(pipeline.StageID(n.Callee()))
	if s == nil || term.IsFloatType(s.Type) || s.Bytes() > 2 {
		return term.Everything()
	}
	r, _ := term.TypeRange(s.Type)
	return r
}

// access evaluates one access argument. exact is false when the bound only
// encloses the accessed values.
func access(arg *term.Node, env term.Env) (iv term.Interval, exact bool) {
	if f, ok := term.Linear(arg); ok {
		return f.Eval(env), true
	}
	return term.Eval(arg, env), false
}

// demand returns the region of producer that consumer reads while computing
// creg.
func (a *analyzer) demand(consumer pipeline.StageID, creg Region, producer pipeline.StageID) (Region, error) {
	g := a.g
	cs, ps := g.Stage(consumer), g.Stage(producer)
	defs := g.Definitions(consumer)
	var need Region
	for _, e := range g.EdgesBetween(producer, consumer) {
		env := a.env(cs, defs[e.Def], creg)
		box := make(Region, len(e.Args))
		for d, arg := range e.Args {
			iv, exact := access(arg, env)
			if !exact && iv.IsBounded() {
				a.degrade(Degradation{Kind: Enclosing, Consumer: consumer, Producer: producer, Dim: d, Access: arg.String(), Bound: iv})
			}
			if !iv.IsBounded() {
				w, err := a.widen(cs, ps, d, arg)
				if err != nil {
					return nil, err
				}
				iv = w
			}
			box[d] = iv
		}
		need = need.Union(box)
	}
	return need, nil
}

// widen bounds an unbounded access to producer dim d.
func (a *analyzer) widen(cs, ps *pipeline.Stage, d int, arg *term.Node) (term.Interval, error) {
	if est, ok := ps.Estimate(d); ok {
		iv := est.Interval()
		a.degrade(Degradation{Kind: Widened, Consumer: cs.ID, Producer: ps.ID, Dim: d, Access: arg.String(), Bound: iv})
		return iv, nil
	}
	if r, ok := a.fallback[ps.ID]; ok {
		return r[d], nil
	}
	return term.Interval{}, &UnschedulableAccessError{Consumer: cs.Name, Producer: ps.Name, Dim: ps.Dims[d], Access: arg.String()}
}

func (a *analyzer) degrade(d Degradation) {
	if a.record == nil {
		return
	}
	*a.record = append(*a.record, d)
	if d.Kind == Widened {
		a.log.Warn("unbounded access widened to estimate",
			"consumer", a.g.Stage(d.Consumer).Name, "producer", a.g.Stage(d.Producer).Name,
			"access", d.Access, "bound", d.Bound.String())
	}
}

// widenUpdates grows region to cover the values written by the update
// definitions of id.
func (a *analyzer) widenUpdates(id pipeline.StageID, region Region) (Region, error) {
	s := a.g.Stage(id)
	out := slices.Clone(region)
	for _, def := range a.g.Updates(id) {
		env := a.env(s, def, region)
		for d, arg := range def.Args {
			iv, _ := access(arg, env)
			if !iv.IsBounded() {
				w, err := a.widen(s, s, d, arg)
				if err != nil {
					return nil, err
				}
				iv = w
			}
			out[d] = out[d].Union(iv)
		}
	}
	return out, nil
}

// Region returns the required region of id.
func (r *Result) Region(id pipeline.StageID) (Region, bool) {
	reg, ok := r.regions[id]
	return reg, ok
}

// Order returns the stages with a region, producers first.
func (r *Result) Order() []pipeline.StageID { return slices.Clone(r.order) }

// Points returns the number of points in the region of id.
func (r *Result) Points(id pipeline.StageID) float64 {
	reg, ok := r.regions[id]
	if !ok {
		return 0
	}
	return reg.Points()
}

// Bytes returns the size of the region of id.
func (r *Result) Bytes(id pipeline.StageID) float64 {
	return r.Points(id) * float64(r.g.Stage(id).Bytes())
}

// Params returns the ranges params were evaluated over.
func (r *Result) Params() map[string]term.Interval { return r.params }

// Eval bounds a term that mentions only params and constants.
func (r *Result) Eval(n *term.Node) term.Interval {
	return term.Eval(n, term.Env{Params: r.params})
}

// RVarExtent returns the largest extent of a reduction variable, or 1 if it
// cannot be bounded.
func (r *Result) RVarExtent(rv pipeline.RVar) int64 {
	ext := r.Eval(rv.Extent)
	if !ext.IsBounded() || ext.Hi < 1 {
		return 1
	}
	return int64(ext.Hi)
}

// Propagate computes the regions required to produce region of root.
// Producers for which through returns true are followed upstream; all others
// are reported but not entered. The result includes root.
func (r *Result) Propagate(root pipeline.StageID, region Region, through func(pipeline.StageID) bool) map[pipeline.StageID]Region {
	g := r.g
	a := &analyzer{g: g, log: logging.Nop(), params: r.params, fallback: r.regions}
	out := map[pipeline.StageID]Region{root: region}
	expand := map[pipeline.StageID]bool{root: true}
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		reg, ok := out[id]
		if !ok || !expand[id] {
			continue
		}
		for _, p := range g.Producers(id) {
			need, err := a.demand(id, reg, p)
			if err != nil {
				need = r.regions[p]
			}
			if global, ok := r.regions[p]; ok {
				need = need.Intersect(global)
			}
			out[p] = out[p].Union(need)
			if through != nil && through(p) {
				expand[p] = true
			}
		}
	}
	return out
}
