// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

func TestResolve(t *testing.T) {
	t.Setenv("FINETUNE_VISIBLE_GPUS", "0,1")
	t.Setenv("FINETUNE_TENSORBOARD_FOLDER", "/tmp/tb")
	cfg, err := Resolve(
		map[string]any{"n_epochs": 5, "crf_sequence_labeling": true},
		map[string]any{"n_epochs": 7, "class_weights": map[string]float64{"a": 2}})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.NEpochs)
	assert.True(t, cfg.CRFSequenceLabeling)
	assert.Equal(t, []int{0, 1}, cfg.VisibleGPUs)
	assert.Equal(t, "/tmp/tb", cfg.TensorboardFolder)
	assert.Equal(t, 2.0, cfg.ClassWeights["a"])
	// Untouched defaults.
	assert.Equal(t, 100.0, cfg.TokenRelationLossWeight)
	assert.Equal(t, 256, cfg.TokenRelationHiddenSize)
}

func TestOverrideUnknownKey(t *testing.T) {
	cfg := Default()
	err := cfg.Override(map[string]any{"no_such_setting": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ferrors.ErrConfiguration))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate(false))

	// Partial freeze only for unidirectional models.
	cfg.NumLayersTrained = 1
	cfg.TrainEmbeddings = false
	require.NoError(t, cfg.Validate(true))
	err := cfg.Validate(false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ferrors.ErrConfiguration))

	// Training embeddings while freezing layers.
	cfg.TrainEmbeddings = true
	require.Error(t, cfg.Validate(true))

	cfg = Default()
	cfg.RegressionLoss = "Huber"
	require.Error(t, cfg.Validate(false))

	cfg = Default()
	cfg.DistributionStrategy = "parameter_server"
	err = cfg.Validate(false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ferrors.ErrUnsupportedOperation))
}

func TestSaveLoadLegacy(t *testing.T) {
	cfg := Default()
	cfg.NEpochs = 11
	cfg.AssociationTypes = []string{"has", "is"}
	blob, err := cfg.Marshal()
	require.NoError(t, err)
	loaded, err := Parse(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Configs saved before add_eos_bos_to_chunk existed assume false.
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("n_epochs: 4\nbase_model: gpt\n"), 0o644))
	legacy, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, legacy.NEpochs)
	assert.Equal(t, "gpt", legacy.BaseModel)
	assert.False(t, legacy.AddEOSBOSToChunk)
	assert.Equal(t, Default().BatchSize, legacy.BatchSize)
}

func TestApplyToContext(t *testing.T) {
	cfg := Default()
	cfg.TokenRelationLossWeight = 3
	ctx := context.New()
	cfg.ApplyToContext(ctx)
	assert.Equal(t, 3.0, context.GetParamOr(ctx.In("model").In("target"), ParamTokenRelationLossWeight, 100.0))
	assert.Equal(t, cfg.NEmbed, context.GetParamOr(ctx, ParamNEmbed, 0))
}

func TestSaveFile(t *testing.T) {
	cfg := Default()
	cfg.NEpochs = 7
	cfg.VisibleGPUs = []int{1}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.SaveFile(path))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch after save and load (-want +got):\n%s", diff)
	}
}
