// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameter keys set by ApplyToContext and read by the graph-building code.
const (
	ParamBaseModel        = "base_model"
	ParamNEmbed           = "n_embed"
	ParamNHeads           = "n_heads"
	ParamNLayer           = "n_layer"
	ParamMaxLength        = "max_length"
	ParamVocabSize        = "vocab_size"
	ParamActFn            = "act_fn"
	ParamWeightStddev     = "weight_stddev"
	ParamEmbedPDrop       = "embed_p_drop"
	ParamAttnPDrop        = "attn_p_drop"
	ParamResidPDrop       = "resid_p_drop"
	ParamClfPDrop         = "clf_p_drop"
	ParamLMLossCoef       = "lm_loss_coef"
	ParamNumLayersTrained = "num_layers_trained"
	ParamTrainEmbeddings  = "train_embeddings"

	ParamCRFSequenceLabeling     = "crf_sequence_labeling"
	ParamRegressionLoss          = "regression_loss"
	ParamMultiLabelSequences     = "multi_label_sequences"
	ParamSeqNumHeads             = "seq_num_heads"
	ParamRelationHiddenSize      = "relation_hidden_size"
	ParamTokenRelationHiddenSize = "token_relation_hidden_size"
	ParamTokenRelationLossWeight = "token_relation_loss_weight"
	ParamAssociationLossWeight   = "association_loss_weight"
	ParamNumAssociationTypes     = "num_association_types"
	ParamSharedThresholdWeights  = "shared_threshold_weights"

	ParamUseAuxiliaryInfo        = "use_auxiliary_info"
	ParamContextDim              = "context_dim"
	ParamNContextEmbedPerChannel = "n_context_embed_per_channel"
	ParamSampleTemperature       = "sample_temperature"
)

// ApplyToContext copies the hyperparameters into ctx, so graph functions can read them with
// context.GetParamOr.
func (c *Config) ApplyToContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamBaseModel:        c.BaseModel,
		ParamNEmbed:           c.NEmbed,
		ParamNHeads:           c.NHeads,
		ParamNLayer:           c.NLayer,
		ParamMaxLength:        c.MaxLength,
		ParamVocabSize:        c.VocabSize,
		ParamActFn:            c.ActFn,
		ParamWeightStddev:     c.WeightStddev,
		ParamEmbedPDrop:       c.EmbedPDrop,
		ParamAttnPDrop:        c.AttnPDrop,
		ParamResidPDrop:       c.ResidPDrop,
		ParamClfPDrop:         c.ClfPDrop,
		ParamLMLossCoef:       c.LMLossCoef,
		ParamNumLayersTrained: c.NumLayersTrained,
		ParamTrainEmbeddings:  c.TrainEmbeddings,

		ParamCRFSequenceLabeling:     c.CRFSequenceLabeling,
		ParamRegressionLoss:          c.RegressionLoss,
		ParamMultiLabelSequences:     c.MultiLabelSequences,
		ParamSeqNumHeads:             c.SeqNumHeads,
		ParamRelationHiddenSize:      c.RelationHiddenSize,
		ParamTokenRelationHiddenSize: c.TokenRelationHiddenSize,
		ParamTokenRelationLossWeight: c.TokenRelationLossWeight,
		ParamAssociationLossWeight:   c.AssociationLossWeight,
		ParamNumAssociationTypes:     len(c.AssociationTypes),
		ParamSharedThresholdWeights:  c.SharedThresholdWeights,

		ParamUseAuxiliaryInfo:        c.UseAuxiliaryInfo,
		ParamContextDim:              c.ContextDim,
		ParamNContextEmbedPerChannel: c.NContextEmbedPerChannel,
		ParamSampleTemperature:       c.SampleTemperature,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: c.LR,
	})
}
