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

//go:build arm64

package machine

import "golang.org/x/sys/cpu"

func detectHost() Target {
	// ASIMD is part of the ARMv8-A base architecture; the check keeps odd
	// emulators on the fallback path.
	if !cpu.ARM64.HasASIMD {
		return FallbackTarget()
	}
	t := NEONTarget()
	t.Features = append(t.Features, "asimd")
	if cpu.ARM64.HasASIMDHP {
		t.Features = append(t.Features, "asimdhp")
	}
	// SVE vector length is implementation defined; tiling still assumes 128 bits.
	if cpu.ARM64.HasSVE {
		t.Features = append(t.Features, "sve")
	}
	return t
}
