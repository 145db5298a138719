// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LanguageModelHead predicts the next token with the output projection tied to the token embedding
// table.
//
// Logits: [batch, seq, vocab]. The loss is the cross-entropy of logits[:, :-1] against
// tokens[:, 1:], over the positions within the lengths. It also outputs the per-example
// perplexity [batch] under KeyPerplexity. The loss is built whenever Tokens is set, since the
// targets are the inputs themselves.
func LanguageModelHead(_ *context.Context, in Inputs) Output {
	if in.EmbedWeights == nil || in.Tokens == nil {
		exceptions.Panicf("language model head requires the embedding table and the input tokens")
	}
	seqLen := in.Hidden.Shape().Dim(1)
	embed := ConvertDType(in.EmbedWeights, in.Hidden.DType())
	logits := ConvertDType(Einsum("bsd,vd->bsv", in.Hidden, embed), dtypes.Float32)
	out := Output{Logits: map[string]*Node{KeyLogits: logits}}
	if seqLen < 2 {
		return out
	}

	lengths := lengthsOrFull(in)
	mask := Slice(sequenceMask(lengths, seqLen, dtypes.Float32), AxisRange(), AxisRange(1))
	predicted := Slice(logits, AxisRange(), AxisRange(0, seqLen-1), AxisRange())
	next := Slice(ConvertDType(in.Tokens, dtypes.Int32), AxisRange(), AxisRange(1))
	losses := sparseCrossEntropy(predicted, next) // [b, s-1]

	out.Logits[KeyPerplexity] = divNoNan(ReduceSum(Mul(Exp(losses), mask), -1), ReduceSum(mask, -1))
	out.Losses = sumByNonzeroWeights(losses, mask)
	return out
}
