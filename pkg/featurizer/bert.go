// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package featurizer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/techthiyanes/finetune/pkg/config"
)

// robertaPositionOffset is the index of the first position embedding used by RoBERTa.
const robertaPositionOffset = 2

// BERT is a bidirectional encoder. Segments are separated by the delimiter token and the text ends
// with the clf token; both count as delimiters:
//
//   - token types are the exclusive cumulative sum of the delimiters;
//   - the end of the sequence is the last delimiter, and lengths = eos_idx + 1;
//   - attention only sees keys within the lengths.
//
// The pooled features are a tanh dense layer over the first position.
func BERT(ctx *context.Context, in Inputs) State {
	return bidirectionalEncoder(ctx, in, true, 0)
}

// RoBERTa is BERT without token types, and with position ids offset by 2.
func RoBERTa(ctx *context.Context, in Inputs) State {
	return bidirectionalEncoder(ctx, in, false, robertaPositionOffset)
}

func bidirectionalEncoder(ctx *context.Context, in Inputs, useTokenTypes bool, positionOffset int) State {
	g := in.Tokens.Graph()
	seqLen := in.Tokens.Shape().Dim(1)
	nEmbed := context.GetParamOr(ctx, config.ParamNEmbed, 64)
	maxLength := max(context.GetParamOr(ctx, config.ParamMaxLength, seqLen), seqLen)
	tokens := ConvertDType(in.Tokens, dtypes.Int32)

	isToken := func(id int32) *Node {
		return Equal(tokens, BroadcastToDims(Scalar(g, dtypes.Int32, float64(id)), tokens.Shape().Dimensions...))
	}
	delimiters := LogicalOr(isToken(in.Encoder.Delimiter()), isToken(in.Encoder.Clf()))
	eosIdx := positionsOf(delimiters)
	lengths := AddScalar(eosIdx, int32(1))
	positions := Iota(g, tokens.Shape(), 1)
	keyMask := LessThan(positions, BroadcastToDims(InsertAxes(lengths, -1), tokens.Shape().Dimensions...))

	table, x := embedTokens(ctx, tokens, vocabSize(ctx, in.Encoder), nEmbed)
	x = Add(x, BroadcastToDims(positionEmbeddings(ctx, g, maxLength, positionOffset, seqLen, nEmbed), x.Shape().Dimensions...))
	if useTokenTypes {
		delimitersI := ConvertDType(delimiters, dtypes.Int32)
		tokenTypes := Sub(CumSum(delimitersI, 1), delimitersI)
		tokenTypes = MinScalar(tokenTypes, int32(1)) // 2 token types.
		typeTable := initializer(ctx).In("token_type_embed").
			VariableWithShape("embeddings", shapes.Make(dtype, 2, nEmbed)).ValueGraph(g)
		x = Add(x, Gather(typeTable, InsertAxes(tokenTypes, -1)))
	}
	x = layers.LayerNormalization(ctx.In("embed_ln"), x, -1).Done()
	x = dropout(ctx, x, config.ParamEmbedPDrop)

	x, _ = encoderStack(ctx, x, keyMask, false, false, 0)

	first := Squeeze(Slice(x, AxisRange(), AxisElem(0), AxisRange()), 1)
	pooled := Tanh(layers.Dense(initializer(ctx).In("pooler"), first, true, nEmbed))
	return State{
		EmbedWeights:     table,
		Features:         pooled,
		SequenceFeatures: x,
		Lengths:          lengths,
		EOSIdx:           eosIdx,
	}
}
