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


package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/ajroetker/go-autosched/sched/machine"
)

// execute runs the CLI with args in dir and returns its stdout and stderr.
func execute(t *testing.T, dir string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Chdir(dir)
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

// TestGolden runs each testdata/*.txtar archive. The first comment line
// holds the arguments; the files are written to a scratch directory. An
// archive either has a "stdout" file compared verbatim or an "error" file
// the error must contain.
func TestGolden(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.txtar"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".txtar")
		t.Run(name, func(t *testing.T) {
			ar, err := txtar.ParseFile(path)
			require.NoError(t, err)
			args := strings.Fields(strings.SplitN(string(ar.Comment), "\n", 2)[0])

			dir := t.TempDir()
			var wantOut, wantErr *string
			for _, f := range ar.Files {
				data := string(f.Data)
				switch f.Name {
				case "stdout":
					wantOut = &data
				case "error":
					data = strings.TrimSpace(data)
					wantErr = &data
				default:
					require.NoError(t, os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644))
				}
			}

			stdout, stderr, err := execute(t, dir, args...)
			if wantErr != nil {
				require.Error(t, err)
				assert.Contains(t, err.Error(), *wantErr)
				return
			}
			require.NoError(t, err, "stderr:\n%s", stderr)
			if wantOut != nil {
				if diff := cmp.Diff(*wantOut, stdout); diff != "" {
					t.Errorf("stdout mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestCommands(t *testing.T) {
	var names []string
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"schedule", "loopnest", "host"})
}

const camera = `
inputs:
  - name: in
    type: uint8
    dims: [x, y]
stages:
  - name: clamped
    dims: [x, y]
    value: "float32(in(clamp(x, 0, 639), clamp(y, 0, 479)))"
  - name: blur
    dims: [x, y]
    value: "(clamped(x-1, y) + clamped(x, y) + clamped(x+1, y)) / 3.0"
    estimates: {x: [0, 640], y: [0, 480]}
outputs: [blur]
`

func TestExplain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte(camera), 0o644))
	stdout, _, err := execute(t, dir, "schedule", "-t", "avx2", "--explain", "camera.yaml")
	require.NoError(t, err)

	assert.Contains(t, stdout, "blur: root\n")
	assert.Contains(t, stdout, "candidates (total cost ")
	assert.Contains(t, stdout, "* blur root: compute=")
	assert.Contains(t, stdout, "clamped inline: compute=")
	assert.Contains(t, stdout, "approximated accesses:")
	assert.Equal(t, 1, strings.Count(stdout, "* clamped "), "exactly one chosen candidate per stage")
}

func TestYAMLOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte(camera), 0o644))
	stdout, _, err := execute(t, dir, "schedule", "-t", "neon", "-o", "yaml", "camera.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "target: neon\n"), stdout)
	assert.Contains(t, stdout, "- name: blur\n")
	assert.Contains(t, stdout, "placement: root\n")
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte(camera), 0o644))
	t.Setenv("AUTOSCHED_OUTPUT_FORMAT", "json")
	stdout, _, err := execute(t, dir, "schedule", "-t", "avx2", "camera.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "{\n"), stdout)
}

func TestPartialFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte(camera), 0o644))
	stdout, stderr, err := execute(t, dir, "loopnest", "-t", "avx2", "missing.yaml", "camera.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
	assert.NotContains(t, stdout, "== missing.yaml ==")
	assert.Contains(t, stdout, "== camera.yaml ==\nproduce ")
	assert.Contains(t, stdout, "produce blur:\n")
	assert.Contains(t, stderr, "missing.yaml")
}

func TestHost(t *testing.T) {
	stdout, _, err := execute(t, t.TempDir(), "host", "-p", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "name: "+machine.HostTarget().Name)
	assert.Contains(t, stdout, "configured_params:\n  parallelism: 3\n")
}

func TestInvalidTarget(t *testing.T) {
	_, _, err := execute(t, t.TempDir(), "host", "--target", "vax")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target: unknown target (got: vax)")
}
