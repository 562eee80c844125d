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

// Package schedule holds the immutable schedule record handed to a code
// generator, the emitter that assembles it, and a loop-nest printer.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-autosched/sched/machine"
	"github.com/ajroetker/go-autosched/sched/pipeline"
)

// Entry is the schedule of one stage.
type Entry struct {
	Stage     pipeline.StageID
	Name      string
	Placement Placement

	// Plan is nil for inlined stages.
	Plan Plan
}

// IncompleteScheduleError reports stages scheduled zero or several times.
type IncompleteScheduleError struct {
	Missing   []string
	Duplicate []string
	Extra     []string
	NoPlan    []string
}

func (e *IncompleteScheduleError) Error() string {
	var parts []string
	add := func(what string, names []string) {
		if len(names) > 0 {
			parts = append(parts, fmt.Sprintf("%s %v", what, names))
		}
	}
	add("missing", e.Missing)
	add("scheduled twice", e.Duplicate)
	add("not schedulable", e.Extra)
	add("materialized without a plan", e.NoPlan)
	return "schedule: incomplete: " + strings.Join(parts, "; ")
}

func (e *IncompleteScheduleError) empty() bool {
	return len(e.Missing)+len(e.Duplicate)+len(e.Extra)+len(e.NoPlan) == 0
}

// Schedule is the complete schedule of a pipeline. It is immutable.
type Schedule struct {
	entries []Entry
	index   map[pipeline.StageID]int
	byName  map[string]int
	params  machine.Params
	target  machine.Target
}

// Emit assembles a schedule from one entry per stage reachable from the
// outputs. Entries may be given in any order; the schedule lists them
// producers first.
func Emit(g *pipeline.Graph, entries []Entry, params machine.Params, target machine.Target) (*Schedule, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	reach := g.Reachable()
	need := func(id pipeline.StageID) bool {
		s := g.Stage(id)
		return s != nil && s.Kind == pipeline.KindFunc && reach[id]
	}

	incomplete := &IncompleteScheduleError{}
	given := make(map[pipeline.StageID]Entry, len(entries))
	for _, e := range entries {
		name := fmt.Sprintf("stage %d", e.Stage)
		if s := g.Stage(e.Stage); s != nil {
			name = s.Name
		}
		if !need(e.Stage) {
			incomplete.Extra = append(incomplete.Extra, name)
			continue
		}
		if _, dup := given[e.Stage]; dup {
			incomplete.Duplicate = append(incomplete.Duplicate, name)
			continue
		}
		if e.Placement.Kind != Inline && e.Plan == nil {
			incomplete.NoPlan = append(incomplete.NoPlan, name)
		}
		e.Name = name
		given[e.Stage] = e
	}

	s := &Schedule{
		index:  make(map[pipeline.StageID]int),
		byName: make(map[string]int),
		params: params,
		target: target,
	}
	for _, id := range order {
		if !need(id) {
			continue
		}
		e, ok := given[id]
		if !ok {
			incomplete.Missing = append(incomplete.Missing, g.Stage(id).Name)
			continue
		}
		s.index[id] = len(s.entries)
		s.byName[e.Name] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	if !incomplete.empty() {
		return nil, incomplete
	}
	for _, e := range s.entries {
		if err := s.checkPlacement(g, e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schedule) checkPlacement(g *pipeline.Graph, e Entry) error {
	st := g.Stage(e.Stage)
	switch e.Placement.Kind {
	case Inline:
		if st.Output {
			return errors.Errorf("schedule: output %q cannot be inlined", e.Name)
		}
		if len(g.Updates(e.Stage)) > 0 {
			return errors.Errorf("schedule: %q has updates and cannot be inlined", e.Name)
		}
	case ComputeAt:
		parent, ok := s.Entry(e.Placement.At.Stage)
		if !ok || parent.Placement.Kind == Inline {
			return errors.Errorf("schedule: %q is computed at %s, which is not materialized", e.Name, e.Placement.At)
		}
		if e.Placement.At.Var != "" && !hasLoop(parent.Plan, e.Placement.At.Var) {
			return errors.Errorf("schedule: %q is computed at %s, which has no such loop", e.Name, e.Placement.At)
		}
	}
	return nil
}

func hasLoop(p Plan, v string) bool {
	switch p := p.(type) {
	case *Loops:
		for _, lp := range p.Nest() {
			if lp.Var == v {
				return true
			}
		}
	case *Branch:
		return hasLoop(p.Then, v) && hasLoop(p.Else, v)
	}
	return false
}

// Entries returns every entry, producers first.
func (s *Schedule) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of scheduled stages.
func (s *Schedule) Len() int { return len(s.entries) }

// Entry returns the entry of stage id.
func (s *Schedule) Entry(id pipeline.StageID) (Entry, bool) {
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Lookup returns the entry of the named stage.
func (s *Schedule) Lookup(name string) (Entry, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Params returns the machine params the schedule was computed for.
func (s *Schedule) Params() machine.Params { return s.params }

// Target returns the target the schedule was computed for.
func (s *Schedule) Target() machine.Target { return s.target }

// ComputedAt returns the stages computed inside id's loops, producers first.
func (s *Schedule) ComputedAt(id pipeline.StageID) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.Placement.Kind == ComputeAt && e.Placement.At.Stage == id {
			out = append(out, e)
		}
	}
	return out
}

// Document is the serialized form of a schedule.
type Document struct {
	Target string     `yaml:"target" json:"target"`
	Params string     `yaml:"machine_params" json:"machine_params"`
	Stages []StageDoc `yaml:"stages" json:"stages"`
}

// StageDoc is the serialized form of one entry.
type StageDoc struct {
	Name      string   `yaml:"name" json:"name"`
	Placement string   `yaml:"placement" json:"placement"`
	At        string   `yaml:"at,omitempty" json:"at,omitempty"`
	Plan      *PlanDoc `yaml:"plan,omitempty" json:"plan,omitempty"`
}

// PlanDoc is the serialized form of a plan: either Loops or a branch.
type PlanDoc struct {
	Loops     *Loops   `yaml:"loops,omitempty" json:"loops,omitempty"`
	Condition string   `yaml:"if,omitempty" json:"if,omitempty"`
	Then      *PlanDoc `yaml:"then,omitempty" json:"then,omitempty"`
	Else      *PlanDoc `yaml:"else,omitempty" json:"else,omitempty"`
}

func planDoc(p Plan) *PlanDoc {
	switch p := p.(type) {
	case *Loops:
		return &PlanDoc{Loops: p}
	case *Branch:
		return &PlanDoc{Condition: p.Condition, Then: planDoc(p.Then), Else: planDoc(p.Else)}
	}
	return nil
}

// Document returns the serializable form of the schedule.
func (s *Schedule) Document() Document {
	doc := Document{Target: s.target.Name, Params: s.params.String()}
	for _, e := range s.entries {
		sd := StageDoc{Name: e.Name, Placement: e.Placement.Kind.String(), Plan: planDoc(e.Plan)}
		if e.Placement.Kind == ComputeAt {
			sd.At = e.Placement.At.String()
		}
		doc.Stages = append(doc.Stages, sd)
	}
	return doc
}

// MarshalYAML implements yaml.Marshaler.
func (s *Schedule) MarshalYAML() (any, error) { return s.Document(), nil }

// MarshalJSON implements json.Marshaler.
func (s *Schedule) MarshalJSON() ([]byte, error) { return json.Marshal(s.Document()) }
