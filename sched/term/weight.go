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

// intrinsicWeights are the arithmetic costs of math functions, in units of
// one integer add.
var intrinsicWeights = map[string]int{
	"abs":   8,
	"floor": 8,
	"ceil":  8,
	"round": 8,
	"sqrt":  10,
	"sin":   16,
	"cos":   16,
	"exp":   20,
	"log":   20,
	"pow":   20,
}

// Weight returns the arithmetic cost of evaluating n itself, excluding its
// operands. Leaves and calls cost nothing: loads are charged as memory traffic.
func Weight(n *Node) int {
	switch n.kind {
	case KindConst, KindFloat, KindVar, KindRVar, KindParam, KindCall:
		return 0
	case KindDiv, KindMod:
		return 4
	case KindIntrinsic:
		if w, ok := intrinsicWeights[n.name]; ok {
			return w
		}
		return 20
	default:
		return 1
	}
}

// OpCount sums Weight over every distinct node reachable from roots. Shared
// sub-terms are counted once.
func OpCount(roots ...*Node) int {
	total := 0
	Walk(func(n *Node) bool {
		total += Weight(n)
		return true
	}, roots...)
	return total
}
