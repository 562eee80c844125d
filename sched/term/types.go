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

import "math"

// DefaultType is the element type assumed when a stage does not declare one.
const DefaultType = "float32"

// IsFloatType returns true for floating-point element types.
func IsFloatType(typ string) bool {
	switch typ {
	case "float16", "bfloat16", "float32", "float64":
		return true
	default:
		return false
	}
}

// IsKnownType reports whether typ is a supported element type.
func IsKnownType(typ string) bool {
	return TypeBytes(typ) > 0
}

// TypeBytes returns the storage size of one element of typ, or 0 if unknown.
func TypeBytes(typ string) int {
	switch typ {
	case "bool", "int8", "uint8":
		return 1
	case "int16", "uint16", "float16", "bfloat16":
		return 2
	case "int32", "uint32", "float32":
		return 4
	case "int64", "uint64", "float64":
		return 8
	default:
		return 0
	}
}

// TypeRange returns the interval of values representable by an integer type.
// Floating-point types report ok == false.
func TypeRange(typ string) (Interval, bool) {
	switch typ {
	case "bool":
		return Interval{0, 1}, true
	case "int8":
		return Interval{math.MinInt8, math.MaxInt8}, true
	case "uint8":
		return Interval{0, math.MaxUint8}, true
	case "int16":
		return Interval{math.MinInt16, math.MaxInt16}, true
	case "uint16":
		return Interval{0, math.MaxUint16}, true
	case "int32":
		return Interval{math.MinInt32, math.MaxInt32}, true
	case "uint32":
		return Interval{0, math.MaxUint32}, true
	case "int64":
		return Interval{math.MinInt64, math.MaxInt64}, true
	case "uint64":
		return Interval{0, math.MaxUint64}, true
	default:
		return Everything(), false
	}
}
