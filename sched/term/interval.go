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
	"fmt"
	"math"
)

// Interval is a closed range [Lo, Hi]. Unbounded ends are ±Inf.
type Interval struct {
	Lo, Hi float64
}

// Point returns the single-value interval [v, v].
func Point(v float64) Interval { return Interval{v, v} }

// Everything returns the unbounded interval.
func Everything() Interval { return Interval{math.Inf(-1), math.Inf(1)} }

// Span returns the integer interval [lo, lo+extent-1].
func Span(lo, extent int64) Interval {
	return Interval{float64(lo), float64(lo + extent - 1)}
}

// IsBounded reports whether both ends are finite.
func (i Interval) IsBounded() bool {
	return !math.IsInf(i.Lo, 0) && !math.IsInf(i.Hi, 0)
}

// Union returns the smallest interval containing both.
func (i Interval) Union(o Interval) Interval {
	return Interval{math.Min(i.Lo, o.Lo), math.Max(i.Hi, o.Hi)}
}

// Intersect returns the overlap of both intervals. The result may be empty
// (Lo > Hi).
func (i Interval) Intersect(o Interval) Interval {
	return Interval{math.Max(i.Lo, o.Lo), math.Min(i.Hi, o.Hi)}
}

// IsEmpty reports whether the interval contains no value.
func (i Interval) IsEmpty() bool { return i.Lo > i.Hi }

// Contains reports whether o lies within i.
func (i Interval) Contains(o Interval) bool {
	return i.Lo <= o.Lo && o.Hi <= i.Hi
}

// String renders the interval.
func (i Interval) String() string {
	return fmt.Sprintf("[%g, %g]", i.Lo, i.Hi)
}

// Env supplies the intervals of the free leaves of a term.
type Env struct {
	// Vars maps pure and reduction variable names to their ranges.
	Vars map[string]Interval

	// Params maps parameter names to their ranges.
	Params map[string]Interval

	// Call returns the value range of a call. Nil means unbounded.
	Call func(n *Node) Interval
}

// Eval computes the smallest interval enclosing every value n can take under
// env, derived bottom-up from its sub-expression bounds.
func Eval(n *Node, env Env) Interval {
	memo := make(map[*Node]Interval)
	return eval(n, env, memo)
}

func eval(n *Node, env Env, memo map[*Node]Interval) Interval {
	if r, ok := memo[n]; ok {
		return r
	}
	r := evalNode(n, env, memo)
	if !n.float && n.kind != KindCall {
		// Integer terms take integer values: tighten to whole numbers.
		r = Interval{math.Ceil(r.Lo), math.Floor(r.Hi)}
	}
	memo[n] = r
	return r
}

func evalNode(n *Node, env Env, memo map[*Node]Interval) Interval {
	arg := func(i int) Interval { return eval(n.args[i], env, memo) }
	switch n.kind {
	case KindConst:
		return Point(float64(n.ival))
	case KindFloat:
		return Point(n.fval)
	case KindVar, KindRVar:
		if r, ok := env.Vars[n.name]; ok {
			return r
		}
		return Everything()
	case KindParam:
		if r, ok := env.Params[n.name]; ok {
			return r
		}
		return Everything()
	case KindAdd:
		a, b := arg(0), arg(1)
		return Interval{a.Lo + b.Lo, a.Hi + b.Hi}
	case KindSub:
		a, b := arg(0), arg(1)
		return Interval{a.Lo - b.Hi, a.Hi - b.Lo}
	case KindMul:
		a, b := arg(0), arg(1)
		return corners(a, b, mulSafe)
	case KindDiv:
		return evalDiv(n, arg(0), arg(1))
	case KindMod:
		return evalMod(n, arg(0), arg(1))
	case KindMin:
		a, b := arg(0), arg(1)
		return Interval{math.Min(a.Lo, b.Lo), math.Min(a.Hi, b.Hi)}
	case KindMax:
		a, b := arg(0), arg(1)
		return Interval{math.Max(a.Lo, b.Lo), math.Max(a.Hi, b.Hi)}
	case KindLT, KindLE, KindEQ, KindNE, KindAnd, KindOr, KindNot:
		return Interval{0, 1}
	case KindSelect:
		c := arg(0)
		if c.Lo == c.Hi {
			if c.Lo != 0 {
				return arg(1)
			}
			return arg(2)
		}
		return arg(1).Union(arg(2))
	case KindCast:
		r := arg(0)
		if !IsFloatType(n.name) {
			r = Interval{math.Trunc(r.Lo), math.Trunc(r.Hi)}
		}
		// Out-of-range integer values wrap, so any overflow may land
		// anywhere in the type.
		if tr, ok := TypeRange(n.name); ok && (r.Lo < tr.Lo || r.Hi > tr.Hi) {
			return tr
		}
		return r
	case KindCall:
		if env.Call != nil {
			return env.Call(n)
		}
		return Everything()
	case KindIntrinsic:
		return evalIntrinsic(n, arg)
	default:
		return Everything()
	}
}

func mulSafe(x, y float64) float64 {
	if x == 0 || y == 0 {
		return 0
	}
	return x * y
}

func corners(a, b Interval, op func(x, y float64) float64) Interval {
	vals := [4]float64{op(a.Lo, b.Lo), op(a.Lo, b.Hi), op(a.Hi, b.Lo), op(a.Hi, b.Hi)}
	r := Interval{vals[0], vals[0]}
	for _, v := range vals[1:] {
		r.Lo = math.Min(r.Lo, v)
		r.Hi = math.Max(r.Hi, v)
	}
	return r
}

func evalDiv(n *Node, a, b Interval) Interval {
	if b.Lo <= 0 && b.Hi >= 0 {
		return Everything()
	}
	r := corners(a, b, func(x, y float64) float64 {
		if math.IsInf(x, 0) && math.IsInf(y, 0) {
			return 0
		}
		return x / y
	})
	if !n.float {
		r = Interval{math.Floor(r.Lo), math.Floor(r.Hi)}
	}
	return r
}

func evalMod(n *Node, a, b Interval) Interval {
	if b.Lo <= 0 || math.IsInf(b.Hi, 1) {
		return Everything()
	}
	if n.float {
		return Interval{0, b.Hi}
	}
	if a.Lo >= 0 && a.Hi < b.Lo {
		return a
	}
	return Interval{0, b.Hi - 1}
}

func evalIntrinsic(n *Node, arg func(int) Interval) Interval {
	if len(n.args) == 0 {
		return Everything()
	}
	a := arg(0)
	switch n.name {
	case "abs":
		if a.Lo >= 0 {
			return a
		}
		if a.Hi <= 0 {
			return Interval{-a.Hi, -a.Lo}
		}
		return Interval{0, math.Max(-a.Lo, a.Hi)}
	case "sqrt":
		return Interval{math.Sqrt(math.Max(a.Lo, 0)), math.Sqrt(math.Max(a.Hi, 0))}
	case "exp":
		return Interval{math.Exp(a.Lo), math.Exp(a.Hi)}
	case "floor":
		return Interval{math.Floor(a.Lo), math.Floor(a.Hi)}
	case "ceil":
		return Interval{math.Ceil(a.Lo), math.Ceil(a.Hi)}
	case "round":
		return Interval{math.Round(a.Lo), math.Round(a.Hi)}
	case "sin", "cos":
		return Interval{-1, 1}
	default:
		return Everything()
	}
}
