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
	"io"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PrintOptions controls Print.
type PrintOptions struct {
	// OutermostFirst lists each nest from its outermost loop inwards, with
	// every loop indented under its parent.
	OutermostFirst bool
}

type line struct {
	depth int
	text  string
}

type printer struct {
	s     *Schedule
	opts  PrintOptions
	lines []line
}

// Print writes the loop nest of s: a "produce" header per materialized stage
// followed by one line per loop with its stage, variable and extent, from
// the innermost loop outwards. A stage computed at a loop is listed just
// before that loop.
func Print(w io.Writer, s *Schedule, opts PrintOptions) error {
	p := &printer{s: s, opts: opts}
	for _, e := range s.entries {
		if e.Placement.Kind == Root {
			p.produce(e, 0)
		}
	}
	for _, l := range p.lines {
		if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", l.depth), l.text); err != nil {
			return errors.Wrap(err, "schedule: writing loop nest")
		}
	}
	return nil
}

// LoopNest returns the output of Print as a string.
func (s *Schedule) LoopNest(opts PrintOptions) string {
	var sb strings.Builder
	_ = Print(&sb, s, opts)
	return sb.String()
}

func (p *printer) add(depth int, format string, args ...any) {
	p.lines = append(p.lines, line{depth, fmt.Sprintf(format, args...)})
}

func (p *printer) produce(e Entry, depth int) {
	p.add(depth, "produce %s:", e.Name)
	p.plan(e, e.Plan, depth+1)
}

func (p *printer) plan(e Entry, plan Plan, depth int) {
	switch plan := plan.(type) {
	case *Branch:
		p.add(depth, "if %s:", plan.Condition)
		p.plan(e, plan.Then, depth+1)
		p.add(depth, "else:")
		p.plan(e, plan.Else, depth+1)
	case *Loops:
		p.loops(e, plan, depth)
	}
}

func (p *printer) loops(e Entry, l *Loops, depth int) {
	children := p.s.ComputedAt(e.Stage)
	at := func(v string, d int) {
		for _, c := range children {
			if c.Placement.At.Var == v {
				p.produce(c, d)
			}
		}
	}
	at("", depth)
	p.nest(e.Name, l.Nest(), depth, at)
	for i := range l.Updates {
		u := &l.Updates[i]
		p.add(depth, "update %s.%d:", e.Name, u.Def)
		p.nest(e.Name, u.Nest(), depth+1, nil)
	}
}

// nest prints the loops of one nest, given outermost first. at prints the
// stages computed inside a loop.
func (p *printer) nest(stage string, loops []Loop, depth int, at func(v string, d int)) {
	if p.opts.OutermostFirst {
		for i, lp := range loops {
			p.loop(stage, lp, depth+i)
			if at != nil {
				at(lp.Var, depth+i+1)
			}
		}
		return
	}
	for _, lp := range slices.Backward(loops) {
		if at != nil {
			at(lp.Var, depth)
		}
		p.loop(stage, lp, depth)
	}
}

func (p *printer) loop(stage string, lp Loop, depth int) {
	if lp.Factor > 0 {
		p.add(depth, "%s %s.%s: %d by %d", lp.Kind, stage, lp.Var, lp.Extent, lp.Factor)
		return
	}
	p.add(depth, "%s %s.%s: %d", lp.Kind, stage, lp.Var, lp.Extent)
}
