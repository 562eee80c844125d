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

package machine

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ajroetker/go-autosched/sched/term"
)

// Target holds the capability flags that shape tiling: the vector width and
// whether the code runs on a massively parallel accelerator.
type Target struct {
	// Name is the lower-case target name, e.g. "avx2".
	Name string `yaml:"name" json:"name"`

	// VectorBytes is the SIMD register width in bytes.
	VectorBytes int `yaml:"vector_bytes" json:"vector_bytes"`

	// GPU selects block/thread tiling instead of tile/parallel/vectorize.
	GPU bool `yaml:"gpu,omitempty" json:"gpu,omitempty"`

	// Features lists detected CPU features, for diagnostics.
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`
}

// FallbackTarget is the portable target: 16-byte vectors.
func FallbackTarget() Target {
	return Target{Name: "fallback", VectorBytes: 16}
}

// SSE2Target is the x86-64 baseline (128-bit SIMD).
func SSE2Target() Target {
	return Target{Name: "sse2", VectorBytes: 16}
}

// AVX2Target is 256-bit SIMD.
func AVX2Target() Target {
	return Target{Name: "avx2", VectorBytes: 32}
}

// AVX512Target is 512-bit SIMD.
func AVX512Target() Target {
	return Target{Name: "avx512", VectorBytes: 64}
}

// NEONTarget is ARM 128-bit SIMD.
func NEONTarget() Target {
	return Target{Name: "neon", VectorBytes: 16}
}

// GPUTarget is a generic accelerator target.
func GPUTarget() Target {
	return Target{Name: "gpu", VectorBytes: 16, GPU: true}
}

// TargetByName returns the target with the given name. "host" detects the
// running machine.
func TargetByName(name string) (Target, error) {
	switch strings.ToLower(name) {
	case "avx2":
		return AVX2Target(), nil
	case "avx512":
		return AVX512Target(), nil
	case "sse2":
		return SSE2Target(), nil
	case "neon":
		return NEONTarget(), nil
	case "fallback", "":
		return FallbackTarget(), nil
	case "gpu":
		return GPUTarget(), nil
	case "host":
		return HostTarget(), nil
	default:
		return Target{}, errors.Errorf("unknown target: %s (valid: avx2, avx512, sse2, neon, fallback, gpu, host)", name)
	}
}

// HostTarget detects the vector capabilities of the running CPU. Setting
// AUTOSCHED_NO_SIMD forces the fallback target.
func HostTarget() Target {
	if NoSimdEnv() {
		return FallbackTarget()
	}
	return detectHost()
}

// NoSimdEnv checks if the AUTOSCHED_NO_SIMD environment variable is set.
func NoSimdEnv() bool {
	val := os.Getenv("AUTOSCHED_NO_SIMD")
	if val == "" {
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return true
}

// LanesFor returns the number of lanes for the given element type, at least 1.
func (t Target) LanesFor(elemType string) int {
	size := term.TypeBytes(elemType)
	if size == 0 || t.VectorBytes < size {
		return 1
	}
	return t.VectorBytes / size
}

// String returns the target name.
func (t Target) String() string { return t.Name }
