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
	"math"
	"slices"
	"strings"

	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/term"
)

// Region is a box with one closed interval per dim, innermost first.
type Region []term.Interval

// FromEstimates builds a region from a stage's estimates. It reports false if
// any dim has no estimate.
func FromEstimates(s *pipeline.Stage) (Region, bool) {
	r := make(Region, len(s.Dims))
	for d := range s.Dims {
		e, ok := s.Estimate(d)
		if !ok {
			return nil, false
		}
		r[d] = e.Interval()
	}
	return r, true
}

// Extent returns the number of integer points of dim d.
func (r Region) Extent(d int) int64 {
	iv := r[d]
	if iv.IsEmpty() {
		return 0
	}
	if !iv.IsBounded() {
		return math.MaxInt64
	}
	return int64(iv.Hi-iv.Lo) + 1
}

// Extents returns the extent of every dim.
func (r Region) Extents() []int64 {
	ext := make([]int64, len(r))
	for d := range r {
		ext[d] = r.Extent(d)
	}
	return ext
}

// Points returns the number of points in the box. A zero-dim region has one.
func (r Region) Points() float64 {
	n := 1.0
	for d := range r {
		n *= float64(r.Extent(d))
	}
	return n
}

// IsBounded reports whether every dim is finite.
func (r Region) IsBounded() bool {
	for _, iv := range r {
		if !iv.IsBounded() {
			return false
		}
	}
	return true
}

// Union returns the bounding box of r and o. A nil region is the identity.
func (r Region) Union(o Region) Region {
	if r == nil {
		return slices.Clone(o)
	}
	if o == nil {
		return slices.Clone(r)
	}
	u := make(Region, len(r))
	for d := range r {
		u[d] = r[d].Union(o[d])
	}
	return u
}

// Intersect returns the per-dim intersection of r and o.
func (r Region) Intersect(o Region) Region {
	x := make(Region, len(r))
	for d := range r {
		x[d] = r[d].Intersect(o[d])
	}
	return x
}

// Tile returns the box of the given per-dim sizes anchored at r's minimum.
func (r Region) Tile(sizes []int64) Region {
	t := make(Region, len(r))
	for d := range r {
		t[d] = term.Span(int64(r[d].Lo), min(sizes[d], r.Extent(d)))
	}
	return t
}

// Equal reports whether both regions cover the same box.
func (r Region) Equal(o Region) bool { return slices.Equal(r, o) }

func (r Region) String() string {
	parts := make([]string, len(r))
	for d, iv := range r {
		parts[d] = iv.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}
