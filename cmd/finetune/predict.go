// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/techthiyanes/finetune/pkg/finetune"
	"github.com/techthiyanes/finetune/pkg/targets"
)

func newPredictCmd() *cobra.Command {
	var (
		settings settingsFlags
		modelDir string
		texts    []string
		probas   bool
		generate int
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a saved model over the given texts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides, err := settings.overrides()
			if err != nil {
				return err
			}
			m, err := finetune.Load(modelDir, overrides)
			if err != nil {
				return err
			}
			defer m.Close()
			out := cmd.OutOrStdout()

			if generate > 0 || m.Kind() == targets.LanguageModel {
				for _, text := range texts {
					generated, err := m.GenerateText(text, generate, text == "")
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s%s\n", text, generated)
				}
				return nil
			}

			X := make([][]string, len(texts))
			for i, text := range texts {
				// Multiple fields, e.g. the choices of multiple choice, are separated by "|".
				X[i] = strings.Split(text, "|")
			}
			var predictions []finetune.Prediction
			if probas {
				predictions, err = m.PredictProba(X)
			} else {
				predictions, err = m.Predict(X)
			}
			if err != nil {
				return err
			}
			for i, p := range predictions {
				fmt.Fprintf(out, "%s\t%s\n", texts[i], formatPrediction(p))
			}
			return nil
		},
	}
	settings.register(cmd)
	cmd.Flags().StringVar(&modelDir, "model", "", "Directory of a model saved by train.")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "Input text. May be repeated.")
	cmd.Flags().BoolVar(&probas, "probas", false, "Print the class probabilities.")
	cmd.Flags().IntVar(&generate, "generate", 0, "Continue each text with up to this many tokens.")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// formatPrediction renders p on one line.
func formatPrediction(p finetune.Prediction) string {
	var parts []string
	switch {
	case p.Label != "":
		parts = append(parts, p.Label)
	case len(p.Labels) > 0:
		parts = append(parts, strings.Join(p.Labels, ","))
	case len(p.Values) > 0:
		parts = append(parts, fmt.Sprint(p.Values))
	}
	for _, a := range p.Annotations {
		parts = append(parts, fmt.Sprintf("[%d:%d %s %q]", a.Start, a.End, a.Label, a.Text))
	}
	for _, class := range slices.Sorted(maps.Keys(p.Probas)) {
		parts = append(parts, fmt.Sprintf("%s=%.3f", class, p.Probas[class]))
	}
	return strings.Join(parts, " ")
}
