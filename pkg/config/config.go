// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the hyperparameters and runtime settings of a fine-tuning run.
//
// A Config is resolved once per model: package defaults, then process-wide environment
// settings (see Environment), then per-task defaults and finally the caller's overrides.
// Graph-building code doesn't read Config directly: ApplyToContext copies the
// hyperparameters into a context.Context, and layers read them with context.GetParamOr.
package config

import (
	"bytes"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// TaskSplit configures validation of one task in multi-task mode.
type TaskSplit struct {
	ValSize     float64 `yaml:"val_size"`
	ValInterval int     `yaml:"val_interval"`
}

// Config for a fine-tuning run. Field names follow the yaml keys used in saved models and
// in override maps.
type Config struct {
	// Base model.
	BaseModel     string `yaml:"base_model"`
	BaseModelDir  string `yaml:"base_model_dir"`
	BaseModelRepo string `yaml:"base_model_repo"`
	HFToken       string `yaml:"hf_token"`
	Encoder       string `yaml:"encoder"`

	// Architecture.
	NEmbed    int    `yaml:"n_embed"`
	NHeads    int    `yaml:"n_heads"`
	NLayer    int    `yaml:"n_layer"`
	MaxLength int    `yaml:"max_length"`
	VocabSize int    `yaml:"vocab_size"`
	ActFn     string `yaml:"act_fn"`

	// Training.
	BatchSize        int     `yaml:"batch_size"`
	NEpochs          int     `yaml:"n_epochs"`
	LR               float64 `yaml:"lr"`
	WeightStddev     float64 `yaml:"weight_stddev"`
	Seed             int64   `yaml:"seed"`
	EmbedPDrop       float64 `yaml:"embed_p_drop"`
	AttnPDrop        float64 `yaml:"attn_p_drop"`
	ResidPDrop       float64 `yaml:"resid_p_drop"`
	ClfPDrop         float64 `yaml:"clf_p_drop"`
	LMLossCoef       float64 `yaml:"lm_loss_coef"`
	NumLayersTrained int     `yaml:"num_layers_trained"`
	TrainEmbeddings  bool    `yaml:"train_embeddings"`
	SaveAdamVars     bool    `yaml:"save_adam_vars"`
	SaveDType        string  `yaml:"save_dtype"`

	// Validation and early stopping.
	ValSize            float64 `yaml:"val_size"`
	ValInterval        int     `yaml:"val_interval"`
	KeepBestModel      bool    `yaml:"keep_best_model"`
	EarlyStoppingSteps int     `yaml:"early_stopping_steps"`
	CacheWeightsToFile bool    `yaml:"cache_weights_to_file"`
	EvalAcc            bool    `yaml:"eval_acc"`

	// Runtime.
	TensorboardFolder           string  `yaml:"tensorboard_folder"`
	VisibleGPUs                 []int   `yaml:"visible_gpus,omitempty"`
	DistributionStrategy        string  `yaml:"distribution_strategy"`
	PerProcessGPUMemoryFraction float64 `yaml:"per_process_gpu_memory_fraction"`
	LowMemoryMode               bool    `yaml:"low_memory_mode"`
	ShowProgress                bool    `yaml:"show_progress"`

	// Long sequences.
	ChunkLongSequences bool `yaml:"chunk_long_sequences"`
	ChunkContext       int  `yaml:"chunk_context"`
	AddEOSBOSToChunk   bool `yaml:"add_eos_bos_to_chunk"`

	// Target heads.
	CRFSequenceLabeling     bool               `yaml:"crf_sequence_labeling"`
	ClassWeights            map[string]float64 `yaml:"class_weights,omitempty"`
	RegressionLoss          string             `yaml:"regression_loss"`
	MultiLabelSequences     bool               `yaml:"multi_label_sequences"`
	SeqNumHeads             int                `yaml:"seq_num_heads"`
	PadToken                string             `yaml:"pad_token"`
	RelationHiddenSize      int                `yaml:"relation_hidden_size"`
	TokenRelationHiddenSize int                `yaml:"token_relation_hidden_size"`
	TokenRelationLossWeight float64            `yaml:"token_relation_loss_weight"`
	AssociationTypes        []string           `yaml:"association_types,omitempty"`
	AssociationLossWeight   float64            `yaml:"association_loss_weight"`
	SharedThresholdWeights  bool               `yaml:"shared_threshold_weights"`

	// Prefit and auxiliary context.
	PrefitInit              bool `yaml:"prefit_init"`
	UseAuxiliaryInfo        bool `yaml:"use_auxiliary_info"`
	ContextDim              int  `yaml:"context_dim"`
	NContextEmbedPerChannel int  `yaml:"n_context_embed_per_channel"`

	// Generation.
	MaxGenerationLength int     `yaml:"max_generation_length"`
	SampleTemperature   float64 `yaml:"sample_temperature"`

	// Multi-task: task name to its validation split.
	Tasks map[string]TaskSplit `yaml:"tasks,omitempty"`
}

// Default returns the package defaults, before environment and overrides.
func Default() *Config {
	return &Config{
		BaseModel: "gpt_small",
		Encoder:   "char",

		NEmbed:    64,
		NHeads:    4,
		NLayer:    2,
		MaxLength: 64,
		ActFn:     "gelu",

		BatchSize:        8,
		NEpochs:          3,
		LR:               6.25e-4,
		WeightStddev:     0.02,
		Seed:             42,
		EmbedPDrop:       0.1,
		AttnPDrop:        0.1,
		ResidPDrop:       0.1,
		ClfPDrop:         0.1,
		LMLossCoef:       0.0,
		NumLayersTrained: 2,
		TrainEmbeddings:  true,
		SaveDType:        "float32",

		ValSize:            -1,
		ValInterval:        250,
		EarlyStoppingSteps: math.MaxInt32,

		ChunkContext:     16,
		AddEOSBOSToChunk: true,

		CRFSequenceLabeling:     true,
		RegressionLoss:          "L2",
		SeqNumHeads:             4,
		PadToken:                "<PAD>",
		RelationHiddenSize:      128,
		TokenRelationHiddenSize: 256,
		TokenRelationLossWeight: 100,
		AssociationLossWeight:   100,

		NContextEmbedPerChannel: 32,
		SampleTemperature:       1.0,
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.VisibleGPUs = slices.Clone(c.VisibleGPUs)
	cp.AssociationTypes = slices.Clone(c.AssociationTypes)
	if c.ClassWeights != nil {
		cp.ClassWeights = make(map[string]float64, len(c.ClassWeights))
		for k, v := range c.ClassWeights {
			cp.ClassWeights[k] = v
		}
	}
	if c.Tasks != nil {
		cp.Tasks = make(map[string]TaskSplit, len(c.Tasks))
		for k, v := range c.Tasks {
			cp.Tasks[k] = v
		}
	}
	return &cp
}

// Override applies key/value settings on top of the configuration. Keys are the yaml names
// of the fields; an unknown key is a configuration error.
func (c *Config) Override(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	blob, err := yaml.Marshal(overrides)
	if err != nil {
		return ferrors.Configurationf("invalid overrides %v: %v", overrides, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return ferrors.Configurationf("invalid overrides: %v", err)
	}
	return nil
}

// Resolve builds the configuration of a model: package defaults, environment, the
// task's own defaults and then the caller's overrides, in that order.
func Resolve(taskDefaults, overrides map[string]any) (*Config, error) {
	cfg := Default()
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	env.ApplyTo(cfg)
	if err := cfg.Override(taskDefaults); err != nil {
		return nil, errors.WithMessage(err, "task defaults")
	}
	if err := cfg.Override(overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks mutually exclusive settings. Set partialFreeze if the base model is
// unidirectional, in which case any number of trained layers between 0 and NLayer is valid.
func (c *Config) Validate(partialFreeze bool) error {
	switch {
	case c.BatchSize < 1:
		return ferrors.Configurationf("batch_size must be >= 1, got %d", c.BatchSize)
	case c.MaxLength < 8:
		return ferrors.Configurationf("max_length must be >= 8, got %d", c.MaxLength)
	case c.NHeads < 1 || c.NEmbed%c.NHeads != 0:
		return ferrors.Configurationf("n_heads (%d) must divide n_embed (%d)", c.NHeads, c.NEmbed)
	case c.SeqNumHeads < 1 || c.NEmbed%c.SeqNumHeads != 0:
		return ferrors.Configurationf("seq_num_heads (%d) must divide n_embed (%d)", c.SeqNumHeads, c.NEmbed)
	}
	if partialFreeze {
		if c.NumLayersTrained < 0 || c.NumLayersTrained > c.NLayer {
			return ferrors.Configurationf("num_layers_trained (%d) must be in [0, n_layer=%d]",
				c.NumLayersTrained, c.NLayer)
		}
	} else if c.NumLayersTrained != 0 && c.NumLayersTrained != c.NLayer {
		return ferrors.Configurationf(
			"num_layers_trained must be either 0 or n_layer=%d for bidirectional base model %q, got %d",
			c.NLayer, c.BaseModel, c.NumLayersTrained)
	}
	if c.NumLayersTrained != c.NLayer && c.TrainEmbeddings {
		return ferrors.Configurationf(
			"when finetuning a subset of the layers (num_layers_trained=%d, n_layer=%d) train_embeddings must be false",
			c.NumLayersTrained, c.NLayer)
	}
	if c.RegressionLoss != "L1" && c.RegressionLoss != "L2" {
		return ferrors.Configurationf("regression_loss must be L1 or L2, got %q", c.RegressionLoss)
	}
	switch c.DistributionStrategy {
	case "", "mirrored", "central_storage":
	default:
		return ferrors.Unsupportedf("distribution_strategy %q is not supported, use mirrored or central_storage",
			c.DistributionStrategy)
	}
	switch c.SaveDType {
	case "float32", "float16":
	default:
		return ferrors.Configurationf("save_dtype must be float32 or float16, got %q", c.SaveDType)
	}
	if c.ChunkLongSequences && c.ChunkContext >= c.MaxLength-2 {
		return ferrors.Configurationf("chunk_context (%d) must be smaller than max_length-2 (%d)",
			c.ChunkContext, c.MaxLength-2)
	}
	if c.UseAuxiliaryInfo && c.ContextDim <= 0 {
		return ferrors.Configurationf("use_auxiliary_info requires context_dim > 0")
	}
	return nil
}

// legacyDefaults are the values assumed for settings absent from configs saved by older
// versions. Settings not listed here take the current Default.
var legacyDefaults = map[string]any{
	"add_eos_bos_to_chunk": false,
}

// FillLegacyDefaults completes a configuration decoded from a saved model: present holds the
// yaml keys found in the saved file. Missing settings get a backward-compatible default, with
// a warning.
func FillLegacyDefaults(cfg *Config, present map[string]bool) error {
	defaults := map[string]any{}
	blob, err := yaml.Marshal(Default())
	if err != nil {
		return errors.Wrap(err, "marshaling defaults")
	}
	if err := yaml.Unmarshal(blob, &defaults); err != nil {
		return errors.Wrap(err, "unmarshaling defaults")
	}
	missing := map[string]any{}
	for key, value := range defaults {
		if present[key] {
			continue
		}
		if legacy, found := legacyDefaults[key]; found {
			value = legacy
		}
		klog.Warningf("Saved config has no value for %q: using %v", key, value)
		missing[key] = value
	}
	return cfg.Override(missing)
}

// LoadFile reads a configuration saved with SaveFile, injecting legacy defaults for missing
// settings.
func LoadFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	return Parse(blob)
}

// Parse decodes a yaml configuration, injecting legacy defaults for missing settings.
func Parse(blob []byte) (*Config, error) {
	present := map[string]any{}
	if err := yaml.Unmarshal(blob, &present); err != nil {
		return nil, ferrors.Configurationf("invalid config: %v", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(blob, cfg); err != nil {
		return nil, ferrors.Configurationf("invalid config: %v", err)
	}
	keys := make(map[string]bool, len(present))
	for k := range present {
		keys[k] = true
	}
	if err := FillLegacyDefaults(cfg, keys); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveFile writes the configuration as yaml to path.
func (c *Config) SaveFile(path string) error {
	blob, err := c.Marshal()
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, blob, 0o644); err != nil {
		return errors.Wrapf(err, "writing config %q", path)
	}
	return nil
}

// Marshal encodes the configuration as yaml.
func (c *Config) Marshal() ([]byte, error) {
	blob, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling config")
	}
	return blob, nil
}
