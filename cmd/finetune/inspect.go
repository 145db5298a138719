// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/techthiyanes/finetune/pkg/finetune"
	"github.com/techthiyanes/finetune/pkg/weights"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"
)

func newInspectCmd() *cobra.Command {
	var (
		summary, vars bool
		scope         string
	)
	cmd := &cobra.Command{
		Use:   "inspect <model_dir>",
		Short: "Report the configuration and the weights of a saved model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !summary && !vars {
				summary = true
			}
			return inspect(cmd.OutOrStdout(), args[0], scope, summary, vars)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Summary of the model: head, run and sizes. The default.")
	cmd.Flags().BoolVar(&vars, "vars", false, "List the variables under --scope with their statistics.")
	cmd.Flags().StringVar(&scope, "scope", "/"+finetune.ModelScope, "Only variables under this scope are reported.")
	return cmd
}

// modelHeader is the part of the saved model file reported by inspect.
type modelHeader struct {
	Kind    string         `yaml:"kind"`
	Trained bool           `yaml:"trained"`
	RunID   string         `yaml:"run_id"`
	Config  map[string]any `yaml:"config"`
}

func inspect(w io.Writer, modelDir, scope string, summary, vars bool) error {
	// Tables written to files or pipes are plain text, NO_COLOR is honored.
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	blob, err := os.ReadFile(filepath.Join(modelDir, finetune.ModelFile))
	if err != nil {
		return errors.Wrapf(err, "reading model %q", modelDir)
	}
	var header modelHeader
	if err = yaml.Unmarshal(blob, &header); err != nil {
		return errors.Wrapf(err, "parsing model %q", modelDir)
	}
	store, err := weights.New(weights.WithExclusions())
	if err != nil {
		return err
	}
	if err = store.Load(filepath.Join(modelDir, finetune.WeightsDir)); err != nil {
		return err
	}
	var names []string
	for _, name := range store.Names() {
		if scope == "" || strings.HasPrefix(name, scope) {
			names = append(names, name)
		}
	}

	if summary {
		fmt.Fprintln(w, titleStyle.Render("Summary"))
		table := newPlainTable(lipgloss.Right, lipgloss.Left)
		table.Row("model", modelDir)
		table.Row("head", header.Kind)
		table.Row("trained", fmt.Sprint(header.Trained))
		table.Row("run", header.RunID)
		for _, key := range []string{"base_model", "max_length", "n_epochs", "batch_size", "lr"} {
			if value, found := header.Config[key]; found {
				table.Row(key, fmt.Sprint(value))
			}
		}
		var size int
		var memory uintptr
		for _, name := range names {
			t, _ := store.Get(name)
			size += t.Shape().Size()
			memory += t.Shape().Memory()
		}
		table.Row("scope", scope)
		table.Row("# variables", humanize.Comma(int64(len(names))))
		table.Row("# parameters", humanize.Comma(int64(size)))
		table.Row("# bytes", humanize.Bytes(uint64(memory)))
		fmt.Fprintln(w, table.Render())
	}

	if vars {
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", scope)))
		table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
		table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
		for _, name := range names {
			t, _ := store.Get(name)
			shape := t.Shape()
			stats, err := variableStats(t)
			if err != nil {
				return errors.WithMessagef(err, "variable %q", name)
			}
			table.Row(append([]string{
				name, shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
			}, stats...)...)
		}
		fmt.Fprintln(w, table.Render())
	}
	return nil
}

// variableStats returns the value of scalars, or the mean absolute value, the root mean square
// and the max absolute value of float tensors.
func variableStats(t *tensors.Tensor) ([]string, error) {
	stats := []string{"", "", ""}
	if t.Shape().Size() == 1 {
		stats[0] = fmt.Sprintf("%8v", t.Value())
		if t.Rank() > 0 {
			// Value of a single element tensor is a nested slice.
			stats[0] = strings.Trim(stats[0], "[]")
		}
		return stats, nil
	}
	var values []float64
	err := exceptions.TryCatch[error](func() {
		switch t.DType() {
		case dtypes.Float32:
			for _, v := range tensors.MustCopyFlatData[float32](t) {
				values = append(values, float64(v))
			}
		case dtypes.Float64:
			values = tensors.MustCopyFlatData[float64](t)
		}
	})
	if err != nil || len(values) == 0 {
		return stats, err
	}
	n := float64(len(values))
	stats[0] = fmt.Sprintf("%.3g", floats.Norm(values, 1)/n)
	stats[1] = fmt.Sprintf("%.3g", floats.Norm(values, 2)/math.Sqrt(n))
	stats[2] = fmt.Sprintf("%.3g", floats.Norm(values, math.Inf(1)))
	return stats, nil
}
