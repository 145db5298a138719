// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// finetune trains, runs and inspects fine-tuned models from the command line.
//
//	finetune train --task classifier --data reviews.yaml --out ./sentiment
//	finetune predict --model ./sentiment --text "great movie"
//	finetune inspect ./sentiment --summary --vars
package main

import (
	"flag"
	"os"
	"strings"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	root := newRootCmd()
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// settingsFlags are the configuration overrides shared by the commands that build a model.
type settingsFlags struct {
	file string
	set  []string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "config", "", "YAML file with configuration overrides.")
	cmd.Flags().StringArrayVar(&f.set, "set", nil,
		"Configuration override as key=value, e.g. --set n_epochs=2. Values are parsed as YAML. May be repeated.")
}

// overrides merges the --config file and the --set values, the latter taking precedence.
func (f *settingsFlags) overrides() (map[string]any, error) {
	overrides := map[string]any{}
	if f.file != "" {
		blob, err := os.ReadFile(f.file)
		if err != nil {
			return nil, errors.Wrapf(err, "reading overrides %q", f.file)
		}
		if err = yaml.Unmarshal(blob, &overrides); err != nil {
			return nil, errors.Wrapf(err, "parsing overrides %q", f.file)
		}
	}
	for _, kv := range f.set {
		key, value, err := parseSetting(kv)
		if err != nil {
			return nil, err
		}
		overrides[key] = value
	}
	return overrides, nil
}

// parseSetting splits "key=value", decoding value as YAML so numbers, booleans and lists keep
// their type.
func parseSetting(kv string) (string, any, error) {
	key, raw, found := strings.Cut(kv, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", nil, errors.Errorf("invalid setting %q, expected key=value", kv)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return "", nil, errors.Wrapf(err, "invalid value for %q", key)
	}
	return key, value, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "finetune",
		Short:         "Fine-tune pretrained transformers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newPredictCmd(), newInspectCmd())
	return root
}
