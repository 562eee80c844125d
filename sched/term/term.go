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

// Package term provides the immutable expression graph used for stage bodies
// and access functions. Terms are hash-consed by a Pool: building a
// structurally equal term twice yields the same *Node, so identity comparison
// is structural comparison.
package term

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Kind categorizes term nodes.
type Kind int

const (
	// KindConst is an integer constant.
	KindConst Kind = iota

	// KindFloat is a floating-point constant.
	KindFloat

	// KindVar is a pure dimension variable of the enclosing stage.
	KindVar

	// KindRVar is a reduction variable ranging over a reduction domain.
	KindRVar

	// KindParam is a scalar runtime parameter.
	KindParam

	KindAdd
	KindSub
	KindMul

	// KindDiv is floor division for integer operands.
	KindDiv

	// KindMod is Euclidean modulus for integer operands.
	KindMod

	KindMin
	KindMax
	KindLT
	KindLE
	KindEQ
	KindNE
	KindAnd
	KindOr
	KindNot
	KindSelect

	// KindCast converts its operand to the element type stored in Name.
	KindCast

	// KindCall reads another stage (or input) at the point given by its args.
	KindCall

	// KindIntrinsic is a math function such as exp or sqrt.
	KindIntrinsic
)

// String returns a human-readable name for the Kind.
func (k Kind) String() string {
	switch k {
	case KindConst:
		return "Const"
	case KindFloat:
		return "Float"
	case KindVar:
		return "Var"
	case KindRVar:
		return "RVar"
	case KindParam:
		return "Param"
	case KindAdd:
		return "Add"
	case KindSub:
		return "Sub"
	case KindMul:
		return "Mul"
	case KindDiv:
		return "Div"
	case KindMod:
		return "Mod"
	case KindMin:
		return "Min"
	case KindMax:
		return "Max"
	case KindLT:
		return "LT"
	case KindLE:
		return "LE"
	case KindEQ:
		return "EQ"
	case KindNE:
		return "NE"
	case KindAnd:
		return "And"
	case KindOr:
		return "Or"
	case KindNot:
		return "Not"
	case KindSelect:
		return "Select"
	case KindCast:
		return "Cast"
	case KindCall:
		return "Call"
	case KindIntrinsic:
		return "Intrinsic"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// IsLeaf returns true for constants, variables and params.
func (k Kind) IsLeaf() bool {
	return k <= KindParam
}

// Node is a single immutable term. Nodes are only created through a Pool.
type Node struct {
	id     int
	kind   Kind
	ival   int64
	fval   float64
	name   string
	callee int
	args   []*Node
	float  bool
	hash   uint64
}

// ID is the node's index in its Pool. IDs are dense and allocation ordered.
func (n *Node) ID() int { return n.id }

// Kind returns the node's kind.
func (n *Node) Kind() Kind { return n.kind }

// Int returns the value of a KindConst node.
func (n *Node) Int() int64 { return n.ival }

// Float returns the value of a KindFloat node.
func (n *Node) Float() float64 { return n.fval }

// Name returns the variable, param, cast type, intrinsic or callee name.
func (n *Node) Name() string { return n.name }

// Callee returns the stage ID a KindCall node reads from.
func (n *Node) Callee() int { return n.callee }

// Args returns the operands. The returned slice must not be modified.
func (n *Node) Args() []*Node { return n.args }

// Arg returns the i-th operand.
func (n *Node) Arg(i int) *Node { return n.args[i] }

// IsFloat reports whether the term produces a floating-point value.
func (n *Node) IsFloat() bool { return n.float }

// Hash returns the structural hash of the node.
func (n *Node) Hash() uint64 { return n.hash }

// IsConst reports whether n is an integer constant equal to v.
func (n *Node) IsConst(v int64) bool {
	return n.kind == KindConst && n.ival == v
}

// Pool is an arena of hash-consed terms.
type Pool struct {
	nodes []*Node
	memo  map[uint64][]*Node
}

// NewPool creates an empty term arena.
func NewPool() *Pool {
	return &Pool{memo: make(map[uint64][]*Node)}
}

// Len returns the number of distinct terms in the pool.
func (p *Pool) Len() int { return len(p.nodes) }

// Node returns the term with the given ID, or nil.
func (p *Pool) Node(id int) *Node {
	if id < 0 || id >= len(p.nodes) {
		return nil
	}
	return p.nodes[id]
}

func (p *Pool) intern(n *Node) *Node {
	n.hash = structuralHash(n)
	for _, c := range p.memo[n.hash] {
		if sameStructure(c, n) {
			return c
		}
	}
	n.id = len(p.nodes)
	p.nodes = append(p.nodes, n)
	p.memo[n.hash] = append(p.memo[n.hash], n)
	return n
}

func structuralHash(n *Node) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	put(uint64(n.kind))
	put(uint64(n.ival))
	put(math.Float64bits(n.fval))
	put(uint64(n.callee))
	if n.float {
		put(1)
	} else {
		put(0)
	}
	h.Write([]byte(n.name))
	for _, a := range n.args {
		// Operands are interned already, so their IDs identify their structure.
		put(uint64(a.id))
	}
	return h.Sum64()
}

func sameStructure(a, b *Node) bool {
	if a.kind != b.kind || a.ival != b.ival || a.callee != b.callee ||
		a.float != b.float || a.name != b.name ||
		math.Float64bits(a.fval) != math.Float64bits(b.fval) ||
		len(a.args) != len(b.args) {
		return false
	}
	for i := range a.args {
		if a.args[i] != b.args[i] {
			return false
		}
	}
	return true
}

// Int returns an integer constant.
func (p *Pool) Int(v int64) *Node {
	return p.intern(&Node{kind: KindConst, ival: v})
}

// Flt returns a floating-point constant.
func (p *Pool) Flt(v float64) *Node {
	return p.intern(&Node{kind: KindFloat, fval: v, float: true})
}

// Var returns the pure variable with the given name.
func (p *Pool) Var(name string) *Node {
	return p.intern(&Node{kind: KindVar, name: name})
}

// RVar returns the reduction variable with the given name.
func (p *Pool) RVar(name string) *Node {
	return p.intern(&Node{kind: KindRVar, name: name})
}

// Param returns a scalar parameter. typ is the parameter's element type.
func (p *Pool) Param(name, typ string) *Node {
	return p.intern(&Node{kind: KindParam, name: name, float: IsFloatType(typ)})
}

func (p *Pool) binary(k Kind, a, b *Node) *Node {
	if folded, ok := fold(p, k, a, b); ok {
		return folded
	}
	float := a.float || b.float
	switch k {
	case KindLT, KindLE, KindEQ, KindNE, KindAnd, KindOr:
		float = false
	}
	return p.intern(&Node{kind: k, args: []*Node{a, b}, float: float})
}

// Add returns a + b.
func (p *Pool) Add(a, b *Node) *Node { return p.binary(KindAdd, a, b) }

// Sub returns a - b.
func (p *Pool) Sub(a, b *Node) *Node { return p.binary(KindSub, a, b) }

// Mul returns a * b.
func (p *Pool) Mul(a, b *Node) *Node { return p.binary(KindMul, a, b) }

// Div returns a / b.
func (p *Pool) Div(a, b *Node) *Node { return p.binary(KindDiv, a, b) }

// Mod returns a % b.
func (p *Pool) Mod(a, b *Node) *Node { return p.binary(KindMod, a, b) }

// Min returns min(a, b).
func (p *Pool) Min(a, b *Node) *Node { return p.binary(KindMin, a, b) }

// Max returns max(a, b).
func (p *Pool) Max(a, b *Node) *Node { return p.binary(KindMax, a, b) }

// LT returns a < b.
func (p *Pool) LT(a, b *Node) *Node { return p.binary(KindLT, a, b) }

// LE returns a <= b.
func (p *Pool) LE(a, b *Node) *Node { return p.binary(KindLE, a, b) }

// EQ returns a == b.
func (p *Pool) EQ(a, b *Node) *Node { return p.binary(KindEQ, a, b) }

// NE returns a != b.
func (p *Pool) NE(a, b *Node) *Node { return p.binary(KindNE, a, b) }

// And returns a && b.
func (p *Pool) And(a, b *Node) *Node { return p.binary(KindAnd, a, b) }

// Or returns a || b.
func (p *Pool) Or(a, b *Node) *Node { return p.binary(KindOr, a, b) }

// Not returns !a.
func (p *Pool) Not(a *Node) *Node {
	return p.intern(&Node{kind: KindNot, args: []*Node{a}})
}

// Clamp returns max(min(a, hi), lo).
func (p *Pool) Clamp(a, lo, hi *Node) *Node {
	return p.Max(p.Min(a, hi), lo)
}

// Select returns t where cond holds, f otherwise.
func (p *Pool) Select(cond, t, f *Node) *Node {
	if cond.kind == KindConst {
		if cond.ival != 0 {
			return t
		}
		return f
	}
	return p.intern(&Node{kind: KindSelect, args: []*Node{cond, t, f}, float: t.float || f.float})
}

// Cast converts a to the element type typ.
func (p *Pool) Cast(typ string, a *Node) *Node {
	return p.intern(&Node{kind: KindCast, name: typ, args: []*Node{a}, float: IsFloatType(typ)})
}

// Call reads stage callee at the given point. name is kept for printing only;
// identity is the callee ID.
func (p *Pool) Call(callee int, name string, float bool, args ...*Node) *Node {
	return p.intern(&Node{kind: KindCall, callee: callee, name: name, args: args, float: float})
}

// Intrinsic applies the named math function.
func (p *Pool) Intrinsic(name string, args ...*Node) *Node {
	return p.intern(&Node{kind: KindIntrinsic, name: name, args: args, float: true})
}

// fold performs constant folding and trivial identities on integer terms.
func fold(p *Pool, k Kind, a, b *Node) (*Node, bool) {
	if a.kind == KindConst && b.kind == KindConst {
		x, y := a.ival, b.ival
		switch k {
		case KindAdd:
			return p.Int(x + y), true
		case KindSub:
			return p.Int(x - y), true
		case KindMul:
			return p.Int(x * y), true
		case KindDiv:
			if y != 0 {
				return p.Int(floorDiv(x, y)), true
			}
		case KindMod:
			if y != 0 {
				return p.Int(euclidMod(x, y)), true
			}
		case KindMin:
			return p.Int(min(x, y)), true
		case KindMax:
			return p.Int(max(x, y)), true
		}
		return nil, false
	}
	switch k {
	case KindAdd:
		if b.IsConst(0) {
			return a, true
		}
		if a.IsConst(0) {
			return b, true
		}
	case KindSub:
		if b.IsConst(0) {
			return a, true
		}
	case KindMul:
		if b.IsConst(1) {
			return a, true
		}
		if a.IsConst(1) {
			return b, true
		}
	case KindDiv:
		if b.IsConst(1) {
			return a, true
		}
	}
	return nil, false
}

func floorDiv(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

func euclidMod(x, y int64) int64 {
	m := x % y
	if m < 0 {
		if y < 0 {
			m -= y
		} else {
			m += y
		}
	}
	return m
}

// Walk visits every distinct node reachable from roots in pre-order. If fn
// returns false the node's operands are skipped.
func Walk(fn func(*Node) bool, roots ...*Node) {
	seen := make(map[*Node]bool)
	var visit func(*Node)
	visit = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		if !fn(n) {
			return
		}
		for _, a := range n.args {
			visit(a)
		}
	}
	for _, r := range roots {
		visit(r)
	}
}

// Calls returns the call nodes reachable from roots, in visit order.
func Calls(roots ...*Node) []*Node {
	var calls []*Node
	Walk(func(n *Node) bool {
		if n.kind == KindCall {
			calls = append(calls, n)
		}
		return true
	}, roots...)
	return calls
}

// HasCall reports whether n reads any stage, i.e. whether its value is data dependent.
func HasCall(n *Node) bool {
	found := false
	Walk(func(m *Node) bool {
		if m.kind == KindCall {
			found = true
		}
		return !found
	}, n)
	return found
}

// Mentions reports whether the leaf occurs in n.
func Mentions(n, leaf *Node) bool {
	found := false
	Walk(func(m *Node) bool {
		if m == leaf {
			found = true
		}
		return !found
	}, n)
	return found
}

var binaryOps = map[Kind]string{
	KindAdd: "+", KindSub: "-", KindMul: "*", KindDiv: "/", KindMod: "%",
	KindLT: "<", KindLE: "<=", KindEQ: "==", KindNE: "!=", KindAnd: "&&", KindOr: "||",
}

// String renders the term in Go expression syntax.
func (n *Node) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *Node) write(sb *strings.Builder) {
	switch n.kind {
	case KindConst:
		fmt.Fprintf(sb, "%d", n.ival)
	case KindFloat:
		fmt.Fprintf(sb, "%g", n.fval)
	case KindVar, KindRVar, KindParam:
		sb.WriteString(n.name)
	case KindMin, KindMax:
		sb.WriteString(strings.ToLower(n.kind.String()))
		n.writeArgs(sb)
	case KindNot:
		sb.WriteString("!")
		n.args[0].write(sb)
	case KindSelect:
		sb.WriteString("select")
		n.writeArgs(sb)
	case KindCast, KindCall, KindIntrinsic:
		sb.WriteString(n.name)
		n.writeArgs(sb)
	default:
		sb.WriteString("(")
		n.args[0].write(sb)
		fmt.Fprintf(sb, " %s ", binaryOps[n.kind])
		n.args[1].write(sb)
		sb.WriteString(")")
	}
}

func (n *Node) writeArgs(sb *strings.Builder) {
	sb.WriteString("(")
	for i, a := range n.args {
		if i > 0 {
			sb.WriteString(", ")
		}
		a.write(sb)
	}
	sb.WriteString(")")
}
