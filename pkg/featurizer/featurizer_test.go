// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package featurizer

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/encoding"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.NEmbed = 8
	cfg.NHeads = 2
	cfg.NLayer = 2
	cfg.MaxLength = 8
	cfg.NContextEmbedPerChannel = 4
	return cfg
}

// frame returns a batch of framed inputs, one per example, each a list of fields.
func frame(enc encoding.TextEncoder, maxLength int, examples ...[]string) (tokens [][]int32, mask [][]float32) {
	for _, fields := range examples {
		ids := make([][]int32, len(fields))
		for i, f := range fields {
			for _, b := range []byte(f) {
				ids[i] = append(ids[i], int32(b))
			}
		}
		framed := encoding.Frame(enc, ids, maxLength, true)
		tokens = append(tokens, framed.Tokens)
		mask = append(mask, framed.Mask)
	}
	return
}

type featurized struct {
	features, sequence, lengths, eos, attention *tensors.Tensor
}

func runFamily(t *testing.T, name string, cfg *config.Config, withAttention bool, tokens, mask any) featurized {
	t.Helper()
	family, err := Lookup(name)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	cfg.ApplyToContext(ctx)
	enc := encoding.NewCharEncoder()
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() {
		outputs = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, tokens, mask *Node) []*Node {
			state := Featurize(ctx.In("model"), family, Inputs{Tokens: tokens, Mask: mask, Encoder: enc, WithAttention: withAttention})
			nodes := []*Node{state.Features, state.SequenceFeatures, state.Lengths, state.EOSIdx}
			if state.Attention != nil {
				nodes = append(nodes, state.Attention)
			}
			return nodes
		}, tokens, mask)
	})
	f := featurized{features: outputs[0], sequence: outputs[1], lengths: outputs[2], eos: outputs[3]}
	if len(outputs) > 4 {
		f.attention = outputs[4]
	}
	return f
}

func TestLookup(t *testing.T) {
	assert.Equal(t, []string{"bert", "gpt", "gpt_small", "roberta"}, Names())
	gpt, err := Lookup("gpt")
	require.NoError(t, err)
	assert.True(t, gpt.PartialFreeze())
	bert, err := Lookup("bert")
	require.NoError(t, err)
	assert.False(t, bert.PartialFreeze())
	_, err = Lookup("xlnet")
	require.ErrorIs(t, err, ferrors.ErrConfiguration)
}

func TestGPT(t *testing.T) {
	cfg := smallConfig()
	tokens, mask := frame(encoding.NewCharEncoder(), 6, []string{"ab"}, []string{"abcd"})
	f := runFamily(t, "gpt_small", cfg, true, tokens, mask)
	assert.Equal(t, []int{2, 8}, f.features.Shape().Dimensions)
	assert.Equal(t, []int{2, 6, 8}, f.sequence.Shape().Dimensions)
	assert.Equal(t, []int32{4, 6}, tensors.MustCopyFlatData[int32](f.lengths))
	assert.Equal(t, []int32{3, 5}, tensors.MustCopyFlatData[int32](f.eos))
	require.NotNil(t, f.attention)
	assert.Equal(t, []int{2, 2, 6, 6}, f.attention.Shape().Dimensions)

	// Pooled features are the sequence features at the clf token.
	features := tensors.MustCopyFlatData[float32](f.features)
	sequence := f.sequence.Value().([][][]float32)
	assert.InDeltaSlice(t, sequence[0][3], features[:8], 1e-5)
	assert.InDeltaSlice(t, sequence[1][5], features[8:], 1e-5)

	// Causal: no attention to future positions.
	attention := f.attention.Value().([][][][]float32)
	for q := range 6 {
		for k := q + 1; k < 6; k++ {
			assert.InDelta(t, 0, attention[1][0][q][k], 1e-6)
		}
	}
}

func TestGPTCausal(t *testing.T) {
	cfg := smallConfig()
	enc := encoding.NewCharEncoder()
	tokensA, mask := frame(enc, 6, []string{"abcd"})
	tokensB, _ := frame(enc, 6, []string{"abxy"})
	family, err := Lookup("gpt_small")
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(7))
	cfg.ApplyToContext(ctx)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens, mask *Node) *Node {
		return Featurize(ctx.In("model"), family, Inputs{Tokens: tokens, Mask: mask, Encoder: enc}).SequenceFeatures
	})
	a := exec.MustExec(tokensA, mask)[0].Value().([][][]float32)
	b := exec.MustExec(tokensB, mask)[0].Value().([][][]float32)
	for pos := range 3 { // start, "a", "b"
		assert.InDeltaSlicef(t, a[0][pos], b[0][pos], 1e-5, "position %d", pos)
	}
	assert.NotEqual(t, a[0][3], b[0][3])
}

func TestBERT(t *testing.T) {
	cfg := smallConfig()
	tokens, mask := frame(encoding.NewCharEncoder(), 8, []string{"a", "bc"}, []string{"abc"})
	for _, name := range []string{"bert", "roberta"} {
		t.Run(name, func(t *testing.T) {
			f := runFamily(t, name, cfg, false, tokens, mask)
			assert.Equal(t, []int{2, 8}, f.features.Shape().Dimensions)
			assert.Equal(t, []int{2, 8, 8}, f.sequence.Shape().Dimensions)
			// [start] a [delim] b c [clf] and [start] a b c [clf].
			assert.Equal(t, []int32{5, 4}, tensors.MustCopyFlatData[int32](f.eos))
			assert.Equal(t, []int32{6, 5}, tensors.MustCopyFlatData[int32](f.lengths))
			assert.Nil(t, f.attention)
			for _, v := range tensors.MustCopyFlatData[float32](f.features) {
				assert.LessOrEqual(t, math.Abs(float64(v)), 1.0)
			}
		})
	}

	family, err := Lookup("bert")
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg.ApplyToContext(ctx)
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
			return Featurize(ctx, family, Inputs{Tokens: tokens, Encoder: encoding.NewCharEncoder(), WithAttention: true}).Features
		}, tokens)
	})
}

func TestPositions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(marks, x *Node) []*Node {
		positions := positionsOf(marks)
		return []*Node{positions, gatherPositions(x, positions)}
	}, [][]bool{{false, true, false, true}, {false, false, false, false}},
		[][][]float32{{{0}, {1}, {2}, {3}}, {{4}, {5}, {6}, {7}}})
	assert.Equal(t, []int32{3, 0}, tensors.MustCopyFlatData[int32](outputs[0]))
	assert.Equal(t, []float32{3, 4}, tensors.MustCopyFlatData[float32](outputs[1]))
}

func TestContextEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	smallConfig().ApplyToContext(ctx)
	// 2 channels with 4 features per channel: 8 channels.
	embedded := context.MustExecOnce(backend, ctx, func(ctx *context.Context, values *Node) *Node {
		return ContextEmbedding(ctx, values)
	}, [][][]float32{{{0, 0}, {1, 50}}})
	assert.Equal(t, []int{1, 2, 8}, embedded.Shape().Dimensions)
	got := embedded.Value().([][][]float32)
	scale := float32(8.0 / 32)
	// sin(0) = 0, cos(0) = 1.
	assert.InDeltaSlice(t, []float32{0, 0, 1 / scale, 1 / scale, 0, 0, 1 / scale, 1 / scale}, got[0][0], 1e-5)
	wantSin := float32(math.Sin(50*25*math.Pi/2500)) / scale
	assert.InDelta(t, wantSin, got[0][1][5], 1e-3)

	// Fused features keep the n_embed width.
	cfg := smallConfig()
	cfg.UseAuxiliaryInfo = true
	cfg.ContextDim = 2
	family, err := Lookup("gpt_small")
	require.NoError(t, err)
	ctx = context.New()
	cfg.ApplyToContext(ctx)
	tokens, mask := frame(encoding.NewCharEncoder(), 4, []string{"ab"})
	fused := context.MustExecOnce(backend, ctx, func(ctx *context.Context, tokens, mask, values *Node) *Node {
		return Featurize(ctx, family, Inputs{Tokens: tokens, Mask: mask, Context: values, Encoder: encoding.NewCharEncoder()}).SequenceFeatures
	}, tokens, mask, [][][]float32{{{0, 0}, {1, 2}, {3, 4}, {0, 0}}})
	assert.Equal(t, []int{1, 4, 8}, fused.Shape().Dimensions)

	share := context.MustExecOnce(backend, ctx, func(ctx *context.Context, tokens, mask, values *Node) *Node {
		return Featurize(ctx, family, Inputs{Tokens: tokens, Mask: mask, Context: values, Encoder: encoding.NewCharEncoder(),
			WithContextShare: true}).ContextShare
	}, tokens, mask, [][][]float32{{{0, 0}, {1, 2}, {3, 4}, {0, 0}}})
	assert.Equal(t, []int{1, 4}, share.Shape().Dimensions)
	for _, v := range share.Value().([][]float32)[0] {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}
