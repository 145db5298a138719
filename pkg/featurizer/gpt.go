// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package featurizer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/techthiyanes/finetune/pkg/config"
)

// GPT is a causal transformer with learned position embeddings. Its pooled features are the
// sequence features at the classification (clf) token.
//
// Any number of layers can be frozen: the bottom n_layer-num_layers_trained layers receive no
// gradient.
func GPT(ctx *context.Context, in Inputs) State {
	g := in.Tokens.Graph()
	seqLen := in.Tokens.Shape().Dim(1)
	nEmbed := context.GetParamOr(ctx, config.ParamNEmbed, 64)
	maxLength := max(context.GetParamOr(ctx, config.ParamMaxLength, seqLen), seqLen)
	numLayers := context.GetParamOr(ctx, config.ParamNLayer, 2)
	numTrained := context.GetParamOr(ctx, config.ParamNumLayersTrained, numLayers)

	table, x := embedTokens(ctx, in.Tokens, vocabSize(ctx, in.Encoder), nEmbed)
	x = Add(x, BroadcastToDims(positionEmbeddings(ctx, g, maxLength, 0, seqLen, nEmbed), x.Shape().Dimensions...))
	x = dropout(ctx, x, config.ParamEmbedPDrop)

	mask := in.Mask
	if mask == nil {
		mask = OnesLike(ConvertDType(in.Tokens, dtypes.Float32))
	}
	keyMask := GreaterThan(mask, ZerosLike(mask))
	frozen := numLayers - numTrained
	if frozen > 0 {
		x = StopGradient(x)
	}
	x, attention := encoderStack(ctx, x, keyMask, true, in.WithAttention, frozen)

	clf := Scalar(g, dtypes.Int32, float64(in.Encoder.Clf()))
	tokens := ConvertDType(in.Tokens, dtypes.Int32)
	eosIdx := positionsOf(Equal(tokens, BroadcastToDims(clf, tokens.Shape().Dimensions...)))
	lengths := ConvertDType(ReduceSum(mask, -1), dtypes.Int32)
	return State{
		EmbedWeights:     table,
		Features:         gatherPositions(x, eosIdx),
		SequenceFeatures: x,
		Lengths:          lengths,
		EOSIdx:           eosIdx,
		Attention:        attention,
	}
}
