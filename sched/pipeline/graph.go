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

// Package pipeline holds the stage graph the scheduler consumes: stages,
// their definitions and reduction domains, estimates, scalar params, and the
// clone registry. Stages live in an arena and are addressed by StageID.
package pipeline

import (
	"fmt"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ajroetker/go-autosched/sched/term"
)

// StageID identifies a stage in its Graph. IDs are dense arena indices.
type StageID int

// NoStage is the zero value for an absent stage reference.
const NoStage StageID = -1

// Suffixes naming the loops derived from a dim: the tile and intra-tile
// loops of a split dim, and the block and thread loops of a GPU dim.
const (
	OuterSuffix  = "_o"
	InnerSuffix  = "_i"
	BlockSuffix  = "_b"
	ThreadSuffix = "_t"
)

// StageKind distinguishes computed stages from pipeline inputs.
type StageKind int

const (
	// KindFunc is a computed stage with at least a pure definition.
	KindFunc StageKind = iota

	// KindInput is an externally supplied buffer. Inputs are never scheduled.
	KindInput
)

// String returns a human-readable name for the StageKind.
func (k StageKind) String() string {
	switch k {
	case KindFunc:
		return "Func"
	case KindInput:
		return "Input"
	default:
		return fmt.Sprintf("StageKind(%d)", k)
	}
}

// Estimate is an expected (min, extent) bound for one dimension.
type Estimate struct {
	Min    int64 `yaml:"min" json:"min"`
	Extent int64 `yaml:"extent" json:"extent"`
}

// Interval returns the closed interval covered by the estimate.
func (e Estimate) Interval() term.Interval { return term.Span(e.Min, e.Extent) }

// RVar is one dimension of a reduction domain. Min and Extent may mention
// params.
type RVar struct {
	Name   string
	Min    *term.Node
	Extent *term.Node
}

// ReductionDomain is the iteration space of an update definition.
type ReductionDomain struct {
	Vars []RVar

	// Where holds predicates restricting the domain. All must hold.
	Where []*term.Node
}

// Definition is the pure definition or one update of a stage.
type Definition struct {
	// Args is the left-hand side: the pure vars for the pure definition,
	// arbitrary terms for updates.
	Args []*term.Node

	// Values are the stored values, one per tuple element.
	Values []*term.Node

	// Domain is the reduction domain of an update, nil for pure updates and
	// the pure definition.
	Domain *ReductionDomain

	// Associative declares the update associative and commutative, which
	// allows its reduction variables to be marked parallel.
	Associative bool
}

// Roots returns every term of the definition: LHS args, values, domain
// bounds and predicates.
func (d *Definition) Roots() []*term.Node {
	roots := slices.Concat(d.Args, d.Values)
	if d.Domain != nil {
		for _, rv := range d.Domain.Vars {
			roots = append(roots, rv.Min, rv.Extent)
		}
		roots = append(roots, d.Domain.Where...)
	}
	return roots
}

// Param is a scalar runtime parameter.
type Param struct {
	Name string
	Type string
	Node *term.Node

	// Estimate is the expected value range, valid when HasEstimate is set.
	Estimate    term.Interval
	HasEstimate bool

	// Default is used in place of a missing estimate.
	Default float64
}

// Range returns the param's estimate, or the point interval of its default.
func (p *Param) Range() term.Interval {
	if p.HasEstimate {
		return p.Estimate
	}
	return term.Point(p.Default)
}

// Stage is a named node of the pipeline DAG.
type Stage struct {
	// ID is the stage's index in its Graph.
	ID StageID

	// Name is unique within the graph and used only for diagnostics.
	Name string

	Kind StageKind

	// Dims are the pure dimension names, innermost first.
	Dims []string

	// Type is the element type, e.g. "float32".
	Type string

	// Estimates holds an optional estimate per dim. Nil entries are unset.
	Estimates []*Estimate

	// Boundary is the declared domain of a boundary-condition stage: regions
	// are clamped to it before propagating upstream. Nil for ordinary stages.
	Boundary []Estimate

	// Specializations are boolean params selecting between two schedule
	// variants at run time.
	Specializations []string

	// Output marks a pipeline output.
	Output bool

	defs      []*Definition
	source    StageID
	consumers []StageID
	redirect  map[StageID]StageID
}

// IsClone reports whether the stage was created by the clone registry.
func (s *Stage) IsClone() bool { return s.source != NoStage }

// Source returns the stage a clone duplicates, or NoStage.
func (s *Stage) Source() StageID { return s.source }

// CloneConsumers returns the sorted consumer set a clone was created for.
func (s *Stage) CloneConsumers() []StageID { return slices.Clone(s.consumers) }

// Bytes returns the element size in bytes.
func (s *Stage) Bytes() int { return term.TypeBytes(s.Type) }

// Estimate returns the estimate for dim d, if set.
func (s *Stage) Estimate(d int) (Estimate, bool) {
	if d < 0 || d >= len(s.Estimates) || s.Estimates[d] == nil {
		return Estimate{}, false
	}
	return *s.Estimates[d], true
}

// DimIndex returns the index of the named dim, or -1.
func (s *Stage) DimIndex(name string) int { return slices.Index(s.Dims, name) }

// Edge is one call site: Consumer reads Producer at Args in definition Def
// (0 is the pure definition, i > 0 the i-th update).
type Edge struct {
	Producer StageID
	Consumer StageID
	Def      int
	Call     *term.Node
	Args     []*term.Node
}

// Graph is the arena of stages and params.
type Graph struct {
	// Terms is the pool every stage body is built in.
	Terms *term.Pool

	stages  []*Stage
	byName  map[string]StageID
	params  map[string]*Param
	clones  *CloneRegistry
	edges   []Edge
	edgesOK bool
}

// NewGraph creates an empty pipeline.
func NewGraph() *Graph {
	g := &Graph{
		Terms:  term.NewPool(),
		byName: make(map[string]StageID),
		params: make(map[string]*Param),
	}
	g.clones = newCloneRegistry(g)
	return g
}

func (g *Graph) addStage(name string, kind StageKind, typ string, dims []string) (StageID, error) {
	if name == "" {
		return NoStage, errors.New("pipeline: stage name is empty")
	}
	if _, dup := g.byName[name]; dup {
		return NoStage, errors.Errorf("pipeline: duplicate stage %q", name)
	}
	if _, dup := g.params[name]; dup {
		return NoStage, errors.Errorf("pipeline: stage %q shadows a param", name)
	}
	if typ == "" {
		typ = term.DefaultType
	}
	if !term.IsKnownType(typ) {
		return NoStage, errors.Errorf("pipeline: stage %q has unknown type %q", name, typ)
	}
	if len(lo.Uniq(dims)) != len(dims) {
		return NoStage, errors.Errorf("pipeline: stage %q repeats a dim in %v", name, dims)
	}
	for _, d := range dims {
		for _, suffix := range []string{OuterSuffix, InnerSuffix, BlockSuffix, ThreadSuffix} {
			if slices.Contains(dims, d+suffix) {
				return NoStage, errors.Errorf("pipeline: stage %q dim %q clashes with a loop of dim %q", name, d+suffix, d)
			}
		}
	}
	id := StageID(len(g.stages))
	g.stages = append(g.stages, &Stage{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Dims:      slices.Clone(dims),
		Type:      typ,
		Estimates: make([]*Estimate, len(dims)),
		source:    NoStage,
		redirect:  make(map[StageID]StageID),
	})
	g.byName[name] = id
	g.edgesOK = false
	return id, nil
}

// AddInput declares an input buffer.
func (g *Graph) AddInput(name, typ string, dims ...string) (StageID, error) {
	return g.addStage(name, KindInput, typ, dims)
}

// AddFunc declares a computed stage. It must be given a pure definition with
// Define before scheduling.
func (g *Graph) AddFunc(name, typ string, dims ...string) (StageID, error) {
	return g.addStage(name, KindFunc, typ, dims)
}

// AddParam declares a scalar param and returns its term.
func (g *Graph) AddParam(name, typ string) (*term.Node, error) {
	if _, dup := g.params[name]; dup {
		return nil, errors.Errorf("pipeline: duplicate param %q", name)
	}
	if _, dup := g.byName[name]; dup {
		return nil, errors.Errorf("pipeline: param %q shadows a stage", name)
	}
	if !term.IsKnownType(typ) {
		return nil, errors.Errorf("pipeline: param %q has unknown type %q", name, typ)
	}
	n := g.Terms.Param(name, typ)
	g.params[name] = &Param{Name: name, Type: typ, Node: n}
	return n, nil
}

// SetParamEstimate sets the expected value range of a param.
func (g *Graph) SetParamEstimate(name string, lo, hi float64) error {
	p, ok := g.params[name]
	if !ok {
		return errors.Errorf("pipeline: unknown param %q", name)
	}
	if lo > hi {
		return errors.Errorf("pipeline: param %q estimate [%g, %g] is empty", name, lo, hi)
	}
	p.Estimate = term.Interval{Lo: lo, Hi: hi}
	p.HasEstimate = true
	return nil
}

// SetParamDefault sets the value assumed for a param without an estimate.
func (g *Graph) SetParamDefault(name string, v float64) error {
	p, ok := g.params[name]
	if !ok {
		return errors.Errorf("pipeline: unknown param %q", name)
	}
	p.Default = v
	return nil
}

// Param returns the named param.
func (g *Graph) Param(name string) (*Param, bool) {
	p, ok := g.params[name]
	return p, ok
}

// Params returns all params sorted by name.
func (g *Graph) Params() []*Param {
	names := lo.Keys(g.params)
	sort.Strings(names)
	return lo.Map(names, func(n string, _ int) *Param { return g.params[n] })
}

// Var returns the pure variable term with the given name.
func (g *Graph) Var(name string) *term.Node { return g.Terms.Var(name) }

// Call builds a read of stage id at args.
func (g *Graph) Call(id StageID, args ...*term.Node) *term.Node {
	s := g.Stage(id)
	if s == nil {
		panic(fmt.Sprintf("pipeline: Call of unknown stage %d", id))
	}
	return g.Terms.Call(int(id), s.Name, term.IsFloatType(s.Type), args...)
}

// Define sets the pure definition of a stage: f(dims...) = values.
func (g *Graph) Define(id StageID, values ...*term.Node) error {
	s, err := g.funcStage(id)
	if err != nil {
		return err
	}
	if len(s.defs) > 0 {
		return errors.Errorf("pipeline: stage %q is already defined", s.Name)
	}
	if len(values) == 0 {
		return errors.Errorf("pipeline: stage %q defined with no values", s.Name)
	}
	args := lo.Map(s.Dims, func(d string, _ int) *term.Node { return g.Terms.Var(d) })
	s.defs = append(s.defs, &Definition{Args: args, Values: values})
	g.edgesOK = false
	return nil
}

// AddUpdate appends an update definition. Updates added to a stage that has
// clones are seen by the clones, whose bodies always read through their
// source.
func (g *Graph) AddUpdate(id StageID, def Definition) error {
	s, err := g.funcStage(id)
	if err != nil {
		return err
	}
	if len(s.defs) == 0 {
		return errors.Errorf("pipeline: update on %q before its pure definition", s.Name)
	}
	if len(def.Args) != len(s.Dims) {
		return errors.Errorf("pipeline: update on %q has %d args, want %d", s.Name, len(def.Args), len(s.Dims))
	}
	if len(def.Values) != len(s.defs[0].Values) {
		return errors.Errorf("pipeline: update on %q has %d values, want %d", s.Name, len(def.Values), len(s.defs[0].Values))
	}
	d := def
	s.defs = append(s.defs, &d)
	g.edgesOK = false
	if _, err := g.TopoOrder(); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		g.edgesOK = false
		return errors.Wrapf(err, "pipeline: update on %q", s.Name)
	}
	return nil
}

func (g *Graph) funcStage(id StageID) (*Stage, error) {
	s := g.Stage(id)
	if s == nil {
		return nil, errors.Errorf("pipeline: unknown stage %d", id)
	}
	if s.Kind != KindFunc {
		return nil, errors.Errorf("pipeline: stage %q is an input", s.Name)
	}
	if s.IsClone() {
		return nil, errors.Errorf("pipeline: clone %q is defined by its source", s.Name)
	}
	return s, nil
}

// SetEstimate sets the estimate of the named dim.
func (g *Graph) SetEstimate(id StageID, dim string, min, extent int64) error {
	s := g.Stage(id)
	if s == nil {
		return errors.Errorf("pipeline: unknown stage %d", id)
	}
	d := s.DimIndex(dim)
	if d < 0 {
		return errors.Errorf("pipeline: stage %q has no dim %q", s.Name, dim)
	}
	if extent <= 0 {
		return errors.Errorf("pipeline: estimate of %s.%s has extent %d", s.Name, dim, extent)
	}
	s.Estimates[d] = &Estimate{Min: min, Extent: extent}
	return nil
}

// SetBoundary declares s a boundary-condition stage with the given domain,
// one entry per dim.
func (g *Graph) SetBoundary(id StageID, domain ...Estimate) error {
	s := g.Stage(id)
	if s == nil {
		return errors.Errorf("pipeline: unknown stage %d", id)
	}
	if len(domain) != len(s.Dims) {
		return errors.Errorf("pipeline: boundary of %q has %d dims, want %d", s.Name, len(domain), len(s.Dims))
	}
	s.Boundary = slices.Clone(domain)
	return nil
}

// Specialize requests two schedule variants for s selected by a boolean param.
func (g *Graph) Specialize(id StageID, param string) error {
	s, err := g.funcStage(id)
	if err != nil {
		return err
	}
	if _, ok := g.params[param]; !ok {
		return errors.Errorf("pipeline: specialization of %q on unknown param %q", s.Name, param)
	}
	if !slices.Contains(s.Specializations, param) {
		s.Specializations = append(s.Specializations, param)
	}
	return nil
}

// MarkOutput marks s as a pipeline output.
func (g *Graph) MarkOutput(id StageID) error {
	s, err := g.funcStage(id)
	if err != nil {
		return err
	}
	s.Output = true
	return nil
}

// Stage returns the stage with the given ID, or nil.
func (g *Graph) Stage(id StageID) *Stage {
	if id < 0 || int(id) >= len(g.stages) {
		return nil
	}
	return g.stages[id]
}

// Lookup returns the stage with the given name.
func (g *Graph) Lookup(name string) (*Stage, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.stages[id], true
}

// Stages returns all stages in ID order.
func (g *Graph) Stages() []*Stage { return slices.Clone(g.stages) }

// Len returns the number of stages, clones included.
func (g *Graph) Len() int { return len(g.stages) }

// Outputs returns the output stages in ID order.
func (g *Graph) Outputs() []StageID {
	var out []StageID
	for _, s := range g.stages {
		if s.Output {
			out = append(out, s.ID)
		}
	}
	return out
}

// Clones returns the graph's clone registry.
func (g *Graph) Clones() *CloneRegistry { return g.clones }

// Clone is shorthand for Clones().Clone.
func (g *Graph) Clone(source StageID, consumers ...StageID) (StageID, error) {
	return g.clones.Clone(source, consumers...)
}

// Definitions returns the definitions of s. A clone reports its source's
// current definitions.
func (g *Graph) Definitions(id StageID) []*Definition {
	s := g.Stage(id)
	for s != nil && s.IsClone() {
		s = g.Stage(s.source)
	}
	if s == nil {
		return nil
	}
	return s.defs
}

// Updates returns the update definitions of s.
func (g *Graph) Updates(id StageID) []*Definition {
	defs := g.Definitions(id)
	if len(defs) <= 1 {
		return nil
	}
	return defs[1:]
}

// HasReduction reports whether any update of s has a reduction domain.
func (g *Graph) HasReduction(id StageID) bool {
	return lo.SomeBy(g.Updates(id), func(d *Definition) bool { return d.Domain != nil })
}

// Resolve returns the stage that a call to callee inside consumer's body
// actually reads, after clone redirection.
func (g *Graph) Resolve(consumer, callee StageID) StageID {
	c := g.Stage(consumer)
	if c == nil {
		return callee
	}
	target := callee
	if c.IsClone() {
		target = g.Resolve(c.source, callee)
		if cl, ok := g.clones.Lookup(target, c.consumers...); ok {
			target = cl
		}
	}
	// Follow the consumer's own redirections. Each hop moves to a newer
	// clone, so the chain is finite.
	for hops := 0; hops <= len(g.stages); hops++ {
		next, ok := c.redirect[target]
		if !ok {
			break
		}
		target = next
	}
	return target
}

// Edges returns every call site between distinct stages, after clone
// redirection, ordered by consumer, definition and visit order.
func (g *Graph) Edges() []Edge {
	if !g.edgesOK {
		g.edges = g.buildEdges()
		g.edgesOK = true
	}
	return g.edges
}

func (g *Graph) buildEdges() []Edge {
	var edges []Edge
	for _, s := range g.stages {
		for di, def := range g.Definitions(s.ID) {
			for _, call := range term.Calls(def.Roots()...) {
				p := g.Resolve(s.ID, StageID(call.Callee()))
				if p == s.ID {
					continue
				}
				edges = append(edges, Edge{Producer: p, Consumer: s.ID, Def: di, Call: call, Args: call.Args()})
			}
		}
	}
	return edges
}

// SelfReads returns the calls in update definitions of s that read s itself,
// keyed by update index (1-based, matching Edge.Def).
func (g *Graph) SelfReads(id StageID) map[int][]*term.Node {
	reads := make(map[int][]*term.Node)
	for di, def := range g.Definitions(id) {
		for _, call := range term.Calls(def.Roots()...) {
			if g.Resolve(id, StageID(call.Callee())) == id {
				reads[di] = append(reads[di], call)
			}
		}
	}
	return reads
}

// Producers returns the distinct stages s reads, sorted.
func (g *Graph) Producers(id StageID) []StageID {
	var ids []StageID
	for _, e := range g.Edges() {
		if e.Consumer == id {
			ids = append(ids, e.Producer)
		}
	}
	return sortedUnique(ids)
}

// Consumers returns the distinct stages reading s, sorted.
func (g *Graph) Consumers(id StageID) []StageID {
	var ids []StageID
	for _, e := range g.Edges() {
		if e.Producer == id {
			ids = append(ids, e.Consumer)
		}
	}
	return sortedUnique(ids)
}

// EdgesBetween returns the call sites where consumer reads producer.
func (g *Graph) EdgesBetween(producer, consumer StageID) []Edge {
	return lo.Filter(g.Edges(), func(e Edge, _ int) bool {
		return e.Producer == producer && e.Consumer == consumer
	})
}

// TopoOrder returns all stages with producers before consumers. Among ready
// stages the lowest ID comes first, so the order is deterministic. It fails
// if the graph has a cycle.
func (g *Graph) TopoOrder() ([]StageID, error) {
	order, stuck := g.topo()
	if len(stuck) > 0 {
		return nil, errors.Errorf("pipeline: cycle through %v", g.names(stuck))
	}
	return order, nil
}

// topo runs Kahn's algorithm. stuck lists the stages left on or behind a
// cycle.
func (g *Graph) topo() (order, stuck []StageID) {
	indeg := make([]int, len(g.stages))
	succ := make([][]StageID, len(g.stages))
	seen := make(map[[2]StageID]bool)
	for _, e := range g.Edges() {
		k := [2]StageID{e.Producer, e.Consumer}
		if seen[k] {
			continue
		}
		seen[k] = true
		succ[e.Producer] = append(succ[e.Producer], e.Consumer)
		indeg[e.Consumer]++
	}
	var ready []StageID
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, StageID(i))
		}
	}
	for len(ready) > 0 {
		slices.Sort(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, c := range succ[id] {
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	for i, d := range indeg {
		if d > 0 {
			stuck = append(stuck, StageID(i))
		}
	}
	return order, stuck
}

func (g *Graph) names(ids []StageID) []string {
	return lo.Map(ids, func(id StageID, _ int) string { return g.stages[id].Name })
}

// Reachable returns the stages the outputs depend on, outputs included.
func (g *Graph) Reachable() map[StageID]bool {
	reach := make(map[StageID]bool)
	work := g.Outputs()
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if reach[id] {
			continue
		}
		reach[id] = true
		work = append(work, g.Producers(id)...)
	}
	return reach
}

// Validate checks the graph is well formed: at least one output, every
// reachable func defined, call arity matching, and no cycles.
func (g *Graph) Validate() error {
	if len(g.Outputs()) == 0 {
		return errors.New("pipeline: no output stage")
	}
	for _, s := range g.stages {
		if s.Kind == KindFunc && len(g.Definitions(s.ID)) == 0 {
			return errors.Errorf("pipeline: stage %q has no definition", s.Name)
		}
		for di, def := range g.Definitions(s.ID) {
			for _, call := range term.Calls(def.Roots()...) {
				p := g.Stage(StageID(call.Callee()))
				if p == nil {
					return errors.Errorf("pipeline: %q calls unknown stage %d", s.Name, call.Callee())
				}
				if len(call.Args()) != len(p.Dims) {
					return errors.Errorf("pipeline: %q (definition %d) calls %q with %d args, want %d",
						s.Name, di, p.Name, len(call.Args()), len(p.Dims))
				}
			}
		}
		for _, name := range s.Specializations {
			if p := g.params[name]; p == nil || term.IsFloatType(p.Type) {
				return errors.Errorf("pipeline: stage %q specializes on %q, which is not an integer or bool param", s.Name, name)
			}
		}
	}
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}

func sortedUnique(ids []StageID) []StageID {
	ids = lo.Uniq(ids)
	slices.Sort(ids)
	return ids
}
