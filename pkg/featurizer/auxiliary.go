// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package featurizer

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/techthiyanes/finetune/pkg/config"
)

// Timescales of the sinusoidal embedding of each auxiliary channel.
const (
	contextMinTimescale = math.Pi / 2 / 2500
	contextMaxTimescale = 25 * math.Pi / 2500
)

// ContextEmbedding returns the sinusoidal embedding of the auxiliary information context
// [batch, seq, context_dim]: each of the context_dim values is embedded into
// n_context_embed_per_channel sin/cos features. The result is [batch, seq, channels], with
// channels = n_context_embed_per_channel * context_dim, scaled down by channels/32.
func ContextEmbedding(ctx *context.Context, contextValues *Node) *Node {
	g := contextValues.Graph()
	if contextValues.Rank() != 3 {
		exceptions.Panicf("auxiliary context must be shaped [batch, seq, context_dim], got %s", contextValues.Shape())
	}
	batchSize, seqLen, numDims := contextValues.Shape().Dim(0), contextValues.Shape().Dim(1), contextValues.Shape().Dim(2)
	perChannel := context.GetParamOr(ctx, config.ParamNContextEmbedPerChannel, 0)
	if perChannel < 2 {
		exceptions.Panicf("%s must be >= 2 to embed auxiliary information, got %d", config.ParamNContextEmbedPerChannel, perChannel)
	}
	channels := perChannel * numDims
	numTimescales := channels / (numDims * 2)

	invTimescales := make([]float32, numTimescales)
	increment := 0.0
	if numTimescales > 1 {
		increment = math.Log(contextMaxTimescale/contextMinTimescale) / float64(numTimescales-1)
	}
	for i := range invTimescales {
		invTimescales[i] = float32(contextMinTimescale * math.Exp(float64(i)*increment))
	}
	inv := Reshape(Const(g, invTimescales), 1, 1, numTimescales)

	values := ConvertDType(contextValues, dtype)
	parts := make([]*Node, 0, numDims+1)
	for dim := range numDims {
		position := Slice(values, AxisRange(), AxisRange(), AxisElem(dim)) // [b, s, 1]
		scaled := Mul(BroadcastToDims(position, batchSize, seqLen, numTimescales), BroadcastToDims(inv, batchSize, seqLen, numTimescales))
		parts = append(parts, Sin(scaled), Cos(scaled))
	}
	if rest := channels - numDims*2*numTimescales; rest > 0 {
		parts = append(parts, Zeros(g, shapes.Make(dtype, batchSize, seqLen, rest)))
	}
	embedding := Concatenate(parts, -1)
	return DivScalar(embedding, float64(channels)/32)
}

// FuseContext concatenates the auxiliary context embedding to the sequence features and projects
// them back to n_embed.
func FuseContext(ctx *context.Context, sequenceFeatures, contextValues *Node) *Node {
	if contextValues.Shape().Dim(0) != sequenceFeatures.Shape().Dim(0) ||
		contextValues.Shape().Dim(1) != sequenceFeatures.Shape().Dim(1) {
		exceptions.Panicf("auxiliary context %s doesn't match the sequence features %s",
			contextValues.Shape(), sequenceFeatures.Shape())
	}
	embedded := ContextEmbedding(ctx, contextValues)
	fused := Concatenate([]*Node{sequenceFeatures, embedded}, -1)
	return layers.Dense(initializer(ctx).In("seq_feats_proj"), fused, true, sequenceFeatures.Shape().Dim(-1))
}

// ContextShare returns, per token, the share of the fused features that comes from the auxiliary
// context, in [0, 1]: |Wc·c| / (|Ws·s| + |Wc·c|), where Ws and Wc are the blocks of the fused
// projection applied to the sequence features s and to the context embedding c. The result is
// [batch, seq].
//
// It reuses the variables of FuseContext, so it must be called after it with the same ctx.
func ContextShare(ctx *context.Context, sequenceFeatures, contextValues *Node) *Node {
	ctx = initializer(ctx.Reuse()).In("seq_feats_proj")
	embedded := ContextEmbedding(ctx, contextValues)
	width := sequenceFeatures.Shape().Dim(-1)
	project := func(s, c *Node) *Node {
		return layers.Dense(ctx, Concatenate([]*Node{s, c}, -1), true, width)
	}
	norm := func(x *Node) *Node { return Sqrt(ReduceSum(Square(x), -1)) }
	bias := project(ZerosLike(sequenceFeatures), ZerosLike(embedded))
	fromSequence := norm(Sub(project(sequenceFeatures, ZerosLike(embedded)), bias))
	fromContext := norm(Sub(project(ZerosLike(sequenceFeatures), embedded), bias))
	total := Add(fromSequence, fromContext)
	return Div(fromContext, Max(total, Scalar(total.Graph(), total.DType(), 1e-9)))
}
