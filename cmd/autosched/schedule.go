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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-autosched/internal/workerpool"
	"github.com/ajroetker/go-autosched/sched"
	"github.com/ajroetker/go-autosched/sched/pipeline"
	"github.com/ajroetker/go-autosched/sched/schedule"
)

func newScheduleCmd(a *app) *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "schedule FILE...",
		Short: "Schedule pipelines and print the result",
		Long: `Schedule every pipeline file and print its schedule.

The text format lists the placement of every stage followed by the loop
nest. The yaml and json formats print the full schedule document.

Examples:
  # Schedule for the machine running the command
  autosched schedule blur.yaml

  # Schedule for 8 workers on NEON, as JSON
  autosched schedule -p 8 -t neon -o json blur.yaml

  # Show every candidate placement and its cost
  autosched schedule --explain blur.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			return a.each(cmd.Context(), cmd.OutOrStdout(), files, func(w io.Writer, r *sched.Report) error {
				if err := writeSchedule(w, r.Schedule, a.cfg.Output.Format, a.printOptions()); err != nil {
					return err
				}
				if explain {
					writeExplanation(w, r)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("format", "o", "", "output format (text/yaml/json)")
	cmd.Flags().BoolVar(&explain, "explain", false, "list every candidate placement with its cost")
	bindFlags(a.v, cmd.Flags(), map[string]string{"output.format": "format"})
	return cmd
}

func newLoopNestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loopnest FILE...",
		Short: "Print the loop nest of scheduled pipelines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			return a.each(cmd.Context(), cmd.OutOrStdout(), files, func(w io.Writer, r *sched.Report) error {
				return schedule.Print(w, r.Schedule, a.printOptions())
			})
		},
	}
	cmd.Flags().Bool("outermost-first", false, "print each nest from its outermost loop inwards")
	bindFlags(a.v, cmd.Flags(), map[string]string{"output.outermost_first": "outermost-first"})
	return cmd
}

func (a *app) printOptions() schedule.PrintOptions {
	return schedule.PrintOptions{OutermostFirst: a.cfg.Output.OutermostFirst}
}

// each schedules files concurrently and writes their output in order. With
// more than one file every output is preceded by a header line. All files
// are attempted; the first failure is returned.
func (a *app) each(ctx context.Context, w io.Writer, files []string, write func(io.Writer, *sched.Report) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	outs := make([]bytes.Buffer, len(files))
	pool := workerpool.New(a.cfg.Workers)
	defer pool.Close()
	errs := pool.Run(ctx, len(files), func(_ context.Context, i int) error {
		log := a.log.With("file", files[i])
		g, err := pipeline.LoadFile(files[i])
		if err != nil {
			return err
		}
		r, err := sched.Run(g, a.cfg.MachineParams(), sched.WithTarget(a.target), sched.WithLogger(log))
		if err != nil {
			return errors.Wrapf(err, "scheduling %s", files[i])
		}
		return write(&outs[i], r)
	})

	for i := range files {
		if errs[i] != nil {
			a.log.Error("failed", "file", files[i], "error", errs[i])
			continue
		}
		if len(files) > 1 {
			fmt.Fprintf(w, "== %s ==\n", files[i])
		}
		if _, err := outs[i].WriteTo(w); err != nil {
			return errors.Wrap(err, "writing output")
		}
	}
	return workerpool.FirstError(errs)
}

func writeSchedule(w io.Writer, s *schedule.Schedule, format string, opts schedule.PrintOptions) error {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding schedule")
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return errors.Wrap(err, "encoding schedule")
		}
		return enc.Close()
	}
	for _, e := range s.Entries() {
		fmt.Fprintf(w, "%s: %s\n", e.Name, e.Placement)
	}
	fmt.Fprintln(w)
	return schedule.Print(w, s, opts)
}

// writeExplanation lists the priced candidates of every stage. The chosen
// one is marked with '*'.
func writeExplanation(w io.Writer, r *sched.Report) {
	fmt.Fprintf(w, "\ncandidates (total cost %.6g):\n", r.Cost)
	for _, d := range r.Decisions {
		mark := " "
		if d.Chosen {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s %s: compute=%.6g memory=%.6g tasks=%.6g total=%.6g\n",
			mark, d.Name, d.Placement, d.Cost.Compute, d.Cost.Memory, d.Cost.Tasks, d.Cost.Total)
	}
	if len(r.Degraded) == 0 {
		return
	}
	fmt.Fprintln(w, "\napproximated accesses:")
	for _, d := range r.Degraded {
		fmt.Fprintf(w, "  %s: %s\n", d.Kind, d.Access)
	}
}
