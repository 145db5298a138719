// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// EnvPrefix is the prefix of the environment variables read by FromEnv, e.g. FINETUNE_VISIBLE_GPUS.
const EnvPrefix = "FINETUNE"

// Environment holds process-wide defaults, read from environment variables. Empty values
// leave the package defaults untouched.
type Environment struct {
	BaseModelDir      string `envconfig:"BASE_MODEL_DIR"`
	TensorboardFolder string `envconfig:"TENSORBOARD_FOLDER"`
	VisibleGPUs       []int  `envconfig:"VISIBLE_GPUS"`
	HFToken           string `envconfig:"HF_TOKEN"`
	LowMemoryMode     bool   `envconfig:"LOW_MEMORY_MODE" default:"false"`
	ShowProgress      bool   `envconfig:"SHOW_PROGRESS" default:"false"`
}

// FromEnv reads the Environment.
func FromEnv() (*Environment, error) {
	env := &Environment{}
	if err := envconfig.Process(EnvPrefix, env); err != nil {
		return nil, ferrors.Configurationf("reading %s_* environment variables: %v", EnvPrefix, err)
	}
	return env, nil
}

// ApplyTo overwrites the settings of cfg that are set in the environment.
func (env *Environment) ApplyTo(cfg *Config) {
	if env.BaseModelDir != "" {
		cfg.BaseModelDir = env.BaseModelDir
	}
	if env.TensorboardFolder != "" {
		cfg.TensorboardFolder = env.TensorboardFolder
	}
	if len(env.VisibleGPUs) > 0 {
		cfg.VisibleGPUs = env.VisibleGPUs
	}
	if env.HFToken != "" {
		cfg.HFToken = env.HFToken
	}
	cfg.LowMemoryMode = cfg.LowMemoryMode || env.LowMemoryMode
	cfg.ShowProgress = cfg.ShowProgress || env.ShowProgress
}
