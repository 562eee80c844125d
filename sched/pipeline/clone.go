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
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// CloneCycleError reports a clone request whose consumer set contains the
// source, which would then read its own clone.
//
// It is the only cycle a clone can introduce. Every stage a call resolves to
// computes the callee, so each edge of the redirected graph maps to an edge
// of the stage's own definitions, and a new cycle would need one there too.
type CloneCycleError struct {
	Source    string
	Consumers []string
}

func (e *CloneCycleError) Error() string {
	return fmt.Sprintf("clone of %q for %v would create a cycle", e.Source, e.Consumers)
}

// cloneKey identifies a clone by its source and its consumer set. The set is
// stored sorted and de-duplicated, so request order does not matter.
type cloneKey struct {
	source    StageID
	consumers string
}

func makeCloneKey(source StageID, consumers []StageID) cloneKey {
	parts := lo.Map(consumers, func(id StageID, _ int) string { return fmt.Sprint(int(id)) })
	return cloneKey{source: source, consumers: strings.Join(parts, ",")}
}

// CloneRegistry creates and memoizes per-consumer-set duplicates of stages.
type CloneRegistry struct {
	g    *Graph
	memo map[cloneKey]StageID
}

func newCloneRegistry(g *Graph) *CloneRegistry {
	return &CloneRegistry{g: g, memo: make(map[cloneKey]StageID)}
}

// Len returns the number of clones created.
func (r *CloneRegistry) Len() int { return len(r.memo) }

// Lookup returns the clone of source registered for exactly the given
// consumer set.
func (r *CloneRegistry) Lookup(source StageID, consumers ...StageID) (StageID, bool) {
	id, ok := r.memo[makeCloneKey(source, sortedUnique(slices.Clone(consumers)))]
	return id, ok
}

// Clone returns the stage computing source that the given consumers read in
// place of source. Repeated requests for the same source and consumer set
// return the same stage.
//
// The clone has no body of its own. Its definitions are always those of its
// source, so updates added to the source afterwards are mirrored, and calls
// in that body resolve to clones registered for the same consumer set. Each
// consumer's calls to source, including those in updates added later, read
// the clone.
func (r *CloneRegistry) Clone(source StageID, consumers ...StageID) (StageID, error) {
	g := r.g
	src := g.Stage(source)
	if src == nil {
		return NoStage, errors.Errorf("pipeline: clone of unknown stage %d", source)
	}
	if src.Kind != KindFunc {
		return NoStage, errors.Errorf("pipeline: cannot clone input %q", src.Name)
	}
	if len(consumers) == 0 {
		return NoStage, errors.Errorf("pipeline: clone of %q requested for no consumers", src.Name)
	}
	set := sortedUnique(slices.Clone(consumers))
	for _, c := range set {
		cs := g.Stage(c)
		if cs == nil {
			return NoStage, errors.Errorf("pipeline: clone of %q for unknown consumer %d", src.Name, c)
		}
		if cs.Kind != KindFunc {
			return NoStage, errors.Errorf("pipeline: clone of %q for input %q", src.Name, cs.Name)
		}
	}
	key := makeCloneKey(source, set)
	if id, ok := r.memo[key]; ok {
		return id, nil
	}
	if slices.Contains(set, source) {
		return NoStage, &CloneCycleError{Source: src.Name, Consumers: g.names(set)}
	}

	id := StageID(len(g.stages))
	clone := &Stage{
		ID:              id,
		Name:            r.cloneName(src, set),
		Kind:            KindFunc,
		Dims:            slices.Clone(src.Dims),
		Type:            src.Type,
		Estimates:       make([]*Estimate, len(src.Estimates)),
		Boundary:        slices.Clone(src.Boundary),
		Specializations: slices.Clone(src.Specializations),
		source:          source,
		consumers:       set,
		redirect:        make(map[StageID]StageID),
	}
	for i, e := range src.Estimates {
		if e != nil {
			est := *e
			clone.Estimates[i] = &est
		}
	}
	g.stages = append(g.stages, clone)
	g.byName[clone.Name] = id

	for _, c := range set {
		g.stages[c].redirect[source] = id
	}
	r.memo[key] = id
	g.edgesOK = false
	return id, nil
}

func (r *CloneRegistry) cloneName(src *Stage, set []StageID) string {
	base := src.Name + "_clone_in_" + strings.Join(r.g.names(set), "_")
	name := base
	for i := 2; ; i++ {
		if _, taken := r.g.byName[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}
