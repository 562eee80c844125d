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

package term

import (
	"math"
	"sort"
)

// LinearForm is c0 + Σ ci·vi over variable and param leaves.
type LinearForm struct {
	Const  int64
	Coeffs map[*Node]int64
}

// Leaves returns the leaves with a non-zero coefficient, ordered by node ID.
func (f LinearForm) Leaves() []*Node {
	leaves := make([]*Node, 0, len(f.Coeffs))
	for n, c := range f.Coeffs {
		if c != 0 {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].id < leaves[j].id })
	return leaves
}

// Coeff returns the coefficient of leaf, 0 if absent.
func (f LinearForm) Coeff(leaf *Node) int64 { return f.Coeffs[leaf] }

// IsIdentity reports whether the form is exactly the single leaf v.
func (f LinearForm) IsIdentity(v *Node) bool {
	leaves := f.Leaves()
	return f.Const == 0 && len(leaves) == 1 && leaves[0] == v && f.Coeffs[v] == 1
}

// Eval returns the exact image of the form when every leaf ranges
// independently over its interval in env.
func (f LinearForm) Eval(env Env) Interval {
	r := Point(float64(f.Const))
	for _, leaf := range f.Leaves() {
		c := float64(f.Coeffs[leaf])
		li := Eval(leaf, env)
		lo, hi := mulSafe(c, li.Lo), mulSafe(c, li.Hi)
		r.Lo += math.Min(lo, hi)
		r.Hi += math.Max(lo, hi)
	}
	return r
}

// Linear extracts the affine form of an integer term. It reports false if the
// term involves calls, floating-point values or non-linear operators.
func Linear(n *Node) (LinearForm, bool) {
	f := LinearForm{Coeffs: make(map[*Node]int64)}
	if !accumulate(n, 1, &f) {
		return LinearForm{}, false
	}
	for leaf, c := range f.Coeffs {
		if c == 0 {
			delete(f.Coeffs, leaf)
		}
	}
	return f, true
}

func accumulate(n *Node, scale int64, f *LinearForm) bool {
	if n.float {
		return false
	}
	switch n.kind {
	case KindConst:
		f.Const += scale * n.ival
		return true
	case KindVar, KindRVar, KindParam:
		f.Coeffs[n] += scale
		return true
	case KindAdd:
		return accumulate(n.args[0], scale, f) && accumulate(n.args[1], scale, f)
	case KindSub:
		return accumulate(n.args[0], scale, f) && accumulate(n.args[1], -scale, f)
	case KindMul:
		if n.args[1].kind == KindConst {
			return accumulate(n.args[0], scale*n.args[1].ival, f)
		}
		if n.args[0].kind == KindConst {
			return accumulate(n.args[1], scale*n.args[0].ival, f)
		}
		return false
	case KindCast:
		// Narrower integer casts wrap, so only int64 is exact.
		return n.name == "int64" && accumulate(n.args[0], scale, f)
	default:
		return false
	}
}
