// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/techthiyanes/finetune/pkg/finetune"
	"github.com/techthiyanes/finetune/pkg/targets"
	"k8s.io/klog/v2"
)

func newTrainCmd() *cobra.Command {
	var (
		settings settingsFlags
		task     string
		dataPath string
		outDir   string
		baseOut  string
		plotPath string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a model on a YAML or CSV data file and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := targets.ParseKind(task)
			if err != nil {
				return err
			}
			overrides, err := settings.overrides()
			if err != nil {
				return err
			}
			X, Y, aux, err := loadData(dataPath, kind)
			if err != nil {
				return err
			}

			m, err := finetune.New(kind, overrides)
			if err != nil {
				return err
			}
			defer m.Close()
			var opts []finetune.TrainOption
			if aux != nil {
				opts = append(opts, finetune.WithAuxContext(aux))
			}
			if plotPath != "" {
				opts = append(opts, finetune.WithHooks(newLossCurveHook(plotPath)))
			}
			start := time.Now()
			if err = m.Finetune(X, Y, opts...); err != nil {
				return errors.WithMessagef(err, "training %s", kind)
			}
			klog.Infof("trained %s on %s examples in %s", kind, humanize.Comma(int64(len(X))), time.Since(start).Round(time.Second))

			if err = m.Save(outDir); err != nil {
				return err
			}
			klog.Infof("model saved to %q (%s of weights)", outDir, humanize.Bytes(uint64(m.Store().Memory())))
			if baseOut != "" {
				if _, err = m.CreateBaseModel(baseOut, false); err != nil {
					return err
				}
			}
			return nil
		},
	}
	settings.register(cmd)
	cmd.Flags().StringVar(&task, "task", targets.Classifier.String(), "Target head, e.g. classifier, regressor, sequence_labeler.")
	cmd.Flags().StringVar(&dataPath, "data", "", "YAML or CSV file with the training examples. CSV files have a header, a \"label\" column and text columns.")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory where the trained model is saved.")
	cmd.Flags().StringVar(&baseOut, "base_model_out", "", "If set, the trained featurizer is also saved as a base model there.")
	cmd.Flags().StringVar(&plotPath, "plot", "", "If set, the training loss curve is saved there: .svg, .png or .pdf.")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
