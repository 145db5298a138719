// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package featurizer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/encoding"
)

// dtype of the featurizer variables.
var dtype = dtypes.Float32

func vocabSize(ctx *context.Context, enc encoding.TextEncoder) int {
	if size := context.GetParamOr(ctx, config.ParamVocabSize, 0); size > 0 {
		return size
	}
	return enc.VocabSize()
}

func dropout(ctx *context.Context, x *Node, rateParam string) *Node {
	rate := context.GetParamOr(ctx, rateParam, 0.0)
	if rate <= 0 {
		return x
	}
	return layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), rate), true)
}

func initializer(ctx *context.Context) *context.Context {
	return ctx.WithInitializer(initializers.RandomNormalFn(ctx, context.GetParamOr(ctx, config.ParamWeightStddev, 0.02)))
}

// embedTokens returns the token embedding table [vocab, n_embed] and the embedded tokens
// [batch, seq, n_embed]. The table is frozen if train_embeddings is false.
func embedTokens(ctx *context.Context, tokens *Node, vocab, nEmbed int) (table, embedded *Node) {
	g := tokens.Graph()
	table = initializer(ctx).In("token_embed").
		VariableWithShape("embeddings", shapes.Make(dtype, vocab, nEmbed)).ValueGraph(g)
	if !context.GetParamOr(ctx, config.ParamTrainEmbeddings, true) {
		table = StopGradient(table)
	}
	embedded = Gather(table, InsertAxes(ConvertDType(tokens, dtypes.Int32), -1))
	return table, embedded
}

// positionEmbeddings returns the learned position embeddings for positions [offset, offset+seqLen),
// shaped [1, seqLen, n_embed].
func positionEmbeddings(ctx *context.Context, g *Graph, maxPositions, offset, seqLen, nEmbed int) *Node {
	table := initializer(ctx).In("pos_embed").
		VariableWithShape("embeddings", shapes.Make(dtype, maxPositions+offset, nEmbed)).ValueGraph(g)
	if !context.GetParamOr(ctx, config.ParamTrainEmbeddings, true) {
		table = StopGradient(table)
	}
	return ExpandDims(Slice(table, AxisRange(offset, offset+seqLen)), 0)
}

// transformerBlock is a post-norm transformer layer: attention and a 2 layer MLP, each with a
// residual connection followed by layer normalization.
//
// keyMask is [batch, seq] bool. If withCoefficients is set it also returns the attention
// coefficients, [batch, heads, seq, seq].
func transformerBlock(ctx *context.Context, x, keyMask *Node, causal, withCoefficients bool) (output, coefficients *Node) {
	nEmbed := x.Shape().Dim(-1)
	numHeads := context.GetParamOr(ctx, config.ParamNHeads, 4)
	mha := attention.MultiHeadAttention(initializer(ctx).In("attn"), x, x, x, numHeads, nEmbed/numHeads).
		WithKeyMask(keyMask).
		WithDropout(Scalar(x.Graph(), x.DType(), context.GetParamOr(ctx, config.ParamAttnPDrop, 0.0)))
	if causal {
		mha = mha.WithCausalMask(true)
	}
	var attn *Node
	if withCoefficients {
		attn, coefficients = mha.DoneWithCoefficients()
		coefficients = TransposeAllAxes(coefficients, 0, 2, 1, 3)
	} else {
		attn = mha.Done()
	}
	attn = dropout(ctx, attn, config.ParamResidPDrop)
	x = layers.LayerNormalization(ctx.In("ln_1"), Add(x, attn), -1).Done()

	act := activations.FromName(context.GetParamOr(ctx, config.ParamActFn, "gelu"))
	hidden := activations.Apply(act, layers.Dense(initializer(ctx).In("mlp_fc"), x, true, 4*nEmbed))
	hidden = layers.Dense(initializer(ctx).In("mlp_proj"), hidden, true, nEmbed)
	hidden = dropout(ctx, hidden, config.ParamResidPDrop)
	output = layers.LayerNormalization(ctx.In("ln_2"), Add(x, hidden), -1).Done()
	return output, coefficients
}

// encoderStack applies n_layer transformer blocks. The first frozenLayers blocks receive no
// gradient. It returns the attention coefficients of the last block if withAttention is set.
func encoderStack(ctx *context.Context, x, keyMask *Node, causal, withAttention bool, frozenLayers int) (output, lastAttention *Node) {
	numLayers := context.GetParamOr(ctx, config.ParamNLayer, 2)
	for layer := range numLayers {
		last := layer == numLayers-1
		var coefficients *Node
		x, coefficients = transformerBlock(ctx.Inf("h%d", layer), x, keyMask, causal, withAttention && last)
		if last {
			lastAttention = coefficients
		}
		if layer < frozenLayers {
			x = StopGradient(x)
		}
	}
	return x, lastAttention
}

// gatherPositions returns x[b, positions[b], :] for x [batch, seq, d] and positions [batch].
func gatherPositions(x, positions *Node) *Node {
	oneHot := OneHot(ConvertDType(positions, dtypes.Int32), x.Shape().Dim(1), x.DType()) // [b, s]
	return ReduceSum(Mul(x, BroadcastToDims(InsertAxes(oneHot, -1), x.Shape().Dimensions...)), 1)
}

// positionsOf returns the last position where marks [batch, seq] (bool) is set, or 0 if none.
func positionsOf(marks *Node) *Node {
	g := marks.Graph()
	positions := Iota(g, shapes.Make(dtypes.Int32, marks.Shape().Dimensions...), 1)
	return ReduceMax(Where(marks, positions, ZerosLike(positions)), -1)
}
