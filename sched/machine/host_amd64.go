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

//go:build amd64

package machine

import "golang.org/x/sys/cpu"

func detectHost() Target {
	var t Target
	switch {
	case cpu.X86.HasAVX512F:
		t = AVX512Target()
	case cpu.X86.HasAVX2:
		t = AVX2Target()
	default:
		// SSE2 is part of the amd64 baseline.
		t = SSE2Target()
	}
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"sse2", cpu.X86.HasSSE2},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512f", cpu.X86.HasAVX512F},
		{"avx512bf16", cpu.X86.HasAVX512BF16},
	} {
		if f.ok {
			t.Features = append(t.Features, f.name)
		}
	}
	return t
}
