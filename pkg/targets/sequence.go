// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/techthiyanes/finetune/pkg/config"
)

// lengthsOrFull returns in.Lengths, or the full sequence length for every example.
func lengthsOrFull(in Inputs) *Node {
	if in.Lengths != nil {
		return ConvertDType(in.Lengths, dtypes.Int32)
	}
	g := in.Hidden.Graph()
	return BroadcastToDims(Scalar(g, dtypes.Int32, in.Hidden.Shape().Dim(1)), in.Hidden.Shape().Dim(0))
}

// bidirectionalContext adds a non-causal self-attention block with a residual connection on top of
// the features of a unidirectional featurizer, so tags can depend on tokens to the right.
func bidirectionalContext(ctx *context.Context, hidden, lengths *Node) *Node {
	numHeads := context.GetParamOr(ctx, config.ParamSeqNumHeads, 4)
	embedDim := hidden.Shape().Dim(-1)
	keyMask := ConvertDType(sequenceMask(lengths, hidden.Shape().Dim(1), dtypes.Float32), dtypes.Bool)
	attn := attention.MultiHeadAttention(ctx.In("seq_label_attn"), hidden, hidden, hidden, numHeads, embedDim/numHeads).
		WithKeyMask(keyMask).
		WithDropout(Scalar(hidden.Graph(), hidden.DType(), context.GetParamOr(ctx, config.ParamAttnPDrop, 0.0))).
		Done()
	attn = dropout(ctx, attn, config.ParamResidPDrop)
	return layers.LayerNormalization(ctx.In("seq_label_residual"), Add(attn, hidden), -1).Done()
}

// useCRF reads the crf_sequence_labeling hyperparameter.
func useCRF(ctx *context.Context) bool {
	return context.GetParamOr(ctx, config.ParamCRFSequenceLabeling, true)
}

// SequenceLabelerHead tags each token.
//
// For unidirectional featurizers an extra non-causal attention block is applied first. The loss is
// the CRF negative log-likelihood, or when crf_sequence_labeling is false a length-normalized
// per-token cross-entropy.
//
// Single-label mode (default): targets [batch, seq] tag ids, logits [batch, seq, n], and a [n, n]
// transition matrix.
//
// Multi-label mode (multi_label_sequences): targets [batch, seq, n] binary. Every class is an
// independent 2-tag CRF against PadID: logits [batch, seq, n, 2] and transitions [n, 2, 2].
func SequenceLabelerHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("sequence_labeler")
	lengths := lengthsOrFull(in)
	if context.GetParamOr(ctx, config.ParamMultiLabelSequences, false) {
		return multiLabelSequence(ctx, in, lengths)
	}
	return singleLabelSequence(ctx, in, lengths, in.targetOrNil(0))
}

func (in Inputs) targetOrNil(i int) *Node {
	if !in.HasTargets() || i >= len(in.Targets) {
		return nil
	}
	return in.Targets[i]
}

// tagLogits are the per-token scores of the sequence labeler.
func tagLogits(ctx *context.Context, in Inputs, lengths *Node) *Node {
	hidden := in.Hidden
	if !in.Bidirectional {
		hidden = bidirectionalContext(ctx, hidden, lengths)
	}
	return ConvertDType(layers.Dense(ctx.In("seq_lab_dense"), hidden, true, in.NTargets), dtypes.Float32)
}

// singleLabelSequence builds the single-label tagger; tags may be nil.
func singleLabelSequence(ctx *context.Context, in Inputs, lengths, tags *Node) Output {
	g := in.Hidden.Graph()
	logits := tagLogits(ctx, in, lengths)
	if tags != nil {
		tags = ConvertDType(tags, dtypes.Int32)
		if in.ClassWeights != nil {
			logits = ClassReweightedGradient(logits, perTokenClassWeights(tags, in.ClassWeights, in.NTargets))
		}
	}
	transitions := transitionMatrix(ctx, g, "transition_matrix", in.NTargets)
	out := Output{
		Logits:        map[string]*Node{KeyLogits: logits},
		PredictParams: map[string]*Node{KeyTransitions: transitions, KeyLengths: lengths},
	}
	if tags != nil {
		if useCRF(ctx) {
			out.Losses = sequenceNLL(logits, tags, lengths, transitions)
		} else {
			out.Losses = maskedSequenceCE(logits, tags, lengths)
		}
	}
	return out
}

func multiLabelSequence(ctx *context.Context, in Inputs, lengths *Node) Output {
	g := in.Hidden.Graph()
	logits := tagLogits(ctx, in, lengths)
	n, pad := in.NTargets, in.PadID
	if pad < 0 || pad >= n {
		exceptions.Panicf("multi-label sequence labeling requires a valid pad id, got %d for %d classes", pad, n)
	}
	var targets *Node
	if in.HasTargets() {
		targets = ConvertDType(in.Targets[0], dtypes.Int32) // [b, s, n]
	}
	classLogit := func(i int) *Node {
		return Slice(logits, AxisRange(), AxisRange(), AxisElem(i))
	}
	crf := useCRF(ctx)
	perClass := make([]*Node, n)
	transitions := make([]*Node, n)
	var loss *Node
	for i := range n {
		transitions[i] = transitionMatrix(ctx, g, fmt.Sprintf("transition_matrix_%d", i), 2)
		pair := Concatenate([]*Node{classLogit(pad), classLogit(i)}, -1) // [b, s, 2]
		perClass[i] = pair
		if targets == nil || i == pad {
			continue
		}
		classTags := Squeeze(Slice(targets, AxisRange(), AxisRange(), AxisElem(i)), -1) // [b, s]
		if in.ClassWeights != nil {
			isPos := ConvertDType(classTags, dtypes.Float32)
			posW := Slice(in.ClassWeights, AxisElem(i))
			padW := Slice(in.ClassWeights, AxisElem(pad))
			w := Add(Mul(isPos, BroadcastToDims(posW, isPos.Shape().Dimensions...)),
				Mul(OneMinus(isPos), BroadcastToDims(padW, isPos.Shape().Dimensions...)))
			pair = ClassReweightedGradient(pair, InsertAxes(w, -1))
		}
		var classLoss *Node
		if crf {
			classLoss = sequenceNLL(pair, classTags, lengths, transitions[i])
		} else {
			classLoss = maskedSequenceCE(pair, classTags, lengths)
		}
		if loss == nil {
			loss = classLoss
		} else {
			loss = Add(loss, classLoss)
		}
	}
	out := Output{
		Logits: map[string]*Node{KeyLogits: Stack(perClass, 2)}, // [b, s, n, 2]
		PredictParams: map[string]*Node{
			KeyTransitions: Stack(transitions, 0), // [n, 2, 2]
			KeyLengths:     lengths,
		},
	}
	if targets != nil {
		if loss == nil {
			loss = ScalarZero(g, dtypes.Float32)
		}
		out.Losses = loss
	}
	return out
}

// MultiCRFGroupLabelerHead learns two taggers over the same features: one over the n tags and one
// over 3 group tags (begin/inside/outside of a group). Their losses are summed.
//
// Targets: [batch, 2, seq] with the tags in row 0 and the group tags in row 1.
func MultiCRFGroupLabelerHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("multi_crf_group")
	g := in.Hidden.Graph()
	lengths := lengthsOrFull(in)
	logits := ConvertDType(layers.Dense(ctx.In("seq_lab_dense"), in.Hidden, true, in.NTargets), dtypes.Float32)
	groupLogits := ConvertDType(layers.Dense(ctx.In("group_seq_lab_dense"), in.Hidden, true, 3), dtypes.Float32)

	var tags, groupTags *Node
	if in.HasTargets() {
		targets := ConvertDType(in.Targets[0], dtypes.Int32)
		tags = Squeeze(Slice(targets, AxisRange(), AxisElem(0), AxisRange()), 1)
		groupTags = Squeeze(Slice(targets, AxisRange(), AxisElem(1), AxisRange()), 1)
		if in.ClassWeights != nil {
			logits = ClassReweightedGradient(logits, perTokenClassWeights(tags, in.ClassWeights, in.NTargets))
		}
	}
	transitions := transitionMatrix(ctx, g, "transition_matrix", in.NTargets)
	groupTransitions := transitionMatrix(ctx, g, "group_transition_matrix", 3)
	out := Output{
		Logits: map[string]*Node{KeyLogits: logits, KeyGroupLogits: groupLogits},
		PredictParams: map[string]*Node{
			KeyTransitions:      transitions,
			KeyGroupTransitions: groupTransitions,
			KeyLengths:          lengths,
		},
	}
	if tags != nil {
		if useCRF(ctx) {
			out.Losses = Add(sequenceNLL(logits, tags, lengths, transitions),
				sequenceNLL(groupLogits, groupTags, lengths, groupTransitions))
		} else {
			out.Losses = Add(maskedSequenceCE(logits, tags, lengths), maskedSequenceCE(groupLogits, groupTags, lengths))
		}
	}
	return out
}

// MultiLogitGroupLabelerHead factorizes the n tags as n/3 entity types times 3 group prefixes: the
// logits are the outer product of per-type and per-prefix logits, and a single tagger runs over the
// product space.
//
// Tags must be laid out grouped by type with the prefixes always in the same order:
// [A-TAG1, B-TAG1, C-TAG1, A-TAG2, ...]. Targets: [batch, seq].
func MultiLogitGroupLabelerHead(ctx *context.Context, in Inputs) Output {
	if in.NTargets%3 != 0 {
		exceptions.Panicf("multi logit group labeler requires the number of classes to be divisible by 3, got %d",
			in.NTargets)
	}
	ctx = ctx.In("multi_logit_group")
	g := in.Hidden.Graph()
	lengths := lengthsOrFull(in)
	batchSize, seqLen := in.Hidden.Shape().Dim(0), in.Hidden.Shape().Dim(1)
	nerLogits := ConvertDType(layers.Dense(ctx.In("seq_lab_dense"), in.Hidden, true, in.NTargets/3), dtypes.Float32)
	groupLogits := ConvertDType(layers.Dense(ctx.In("group_seq_lab_dense"), in.Hidden, true, 3), dtypes.Float32)
	dims := []int{batchSize, seqLen, in.NTargets / 3, 3}
	logits := Mul(BroadcastToDims(InsertAxes(nerLogits, -1), dims...), BroadcastToDims(InsertAxes(groupLogits, 2), dims...))
	logits = Reshape(logits, batchSize, seqLen, in.NTargets)

	var tags *Node
	if in.HasTargets() {
		tags = ConvertDType(in.Targets[0], dtypes.Int32)
		if in.ClassWeights != nil {
			logits = ClassReweightedGradient(logits, perTokenClassWeights(tags, in.ClassWeights, in.NTargets))
		}
	}
	transitions := transitionMatrix(ctx, g, "transition_matrix", in.NTargets)
	out := Output{
		Logits:        map[string]*Node{KeyLogits: logits},
		PredictParams: map[string]*Node{KeyTransitions: transitions, KeyLengths: lengths},
	}
	if tags != nil {
		if useCRF(ctx) {
			out.Losses = sequenceNLL(logits, tags, lengths, transitions)
		} else {
			out.Losses = maskedSequenceCE(logits, tags, lengths)
		}
	}
	return out
}
