// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/techthiyanes/finetune/pkg/config"
)

// Additional logits keys of the joint heads.
const (
	KeyTagLogits      = "ner_logits"
	KeyRelationLogits = "relation_logits"
)

// rowOf returns targets[:, i, ...] with the row axis removed.
func rowOf(targets *Node, i int) *Node {
	axes := make([]SliceAxisSpec, targets.Rank())
	for ii := range axes {
		axes[ii] = AxisRange()
	}
	axes[1] = AxisElem(i)
	return Squeeze(Slice(targets, axes...), 1)
}

// rowsFrom returns targets[:, from:, ...].
func rowsFrom(targets *Node, from int) *Node {
	axes := make([]SliceAxisSpec, targets.Rank())
	for ii := range axes {
		axes[ii] = AxisRange()
	}
	axes[1] = AxisRange(from)
	return Slice(targets, axes...)
}

// BrosDecoderHead links tokens into entities: each token is classified as an entity start or not
// (start logits [batch, seq, 2]), and points to its next token in the entity (next logits
// [batch, seq, seq+1]). Index 0 of the next-token axis is a learned "no next token" sentinel, so
// token j of the sequence is at index j+1.
//
// Targets: [batch, 2, seq], with row 0 the start flags and row 1 the next token index (0 for none).
func BrosDecoderHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("bros_decoder")
	return brosDecoder(ctx, in, lengthsOrFull(in), in.targetOrNil(0))
}

func brosDecoder(ctx *context.Context, in Inputs, lengths, targets *Node) Output {
	g := in.Hidden.Graph()
	batchSize := in.Hidden.Shape().Dim(0)
	hiddenSize := context.GetParamOr(ctx, config.ParamRelationHiddenSize, 128)

	startLogits := ConvertDType(layers.Dense(ctx.In("start_token_logits"), in.Hidden, true, 2), dtypes.Float32)
	startHidden := ConvertDType(layers.Dense(ctx.In("start_token_hidden"), in.Hidden, true, hiddenSize), dtypes.Float32)
	nextCtx := ctx.In("next_token_hidden")
	nextHidden := ConvertDType(layers.Dense(nextCtx, in.Hidden, true, hiddenSize), dtypes.Float32)
	noNext := nextCtx.VariableWithShape("no_next_hidden", shapes.Make(dtypes.Float32, hiddenSize)).ValueGraph(g)
	noNext = BroadcastToDims(Reshape(noNext, 1, 1, hiddenSize), batchSize, 1, hiddenSize)
	nextHidden = Concatenate([]*Node{noNext, nextHidden}, 1) // [b, s+1, h]
	nextLogits := Einsum("bsh,bth->bst", startHidden, nextHidden)

	out := Output{
		Logits:        map[string]*Node{KeyStartLogits: startLogits, KeyNextLogits: nextLogits},
		PredictParams: map[string]*Node{KeyLengths: lengths},
	}
	if targets != nil {
		targets = ConvertDType(targets, dtypes.Int32)
		weights := lengthNormalizedWeights(lengths, in.Hidden.Shape().Dim(1))
		startLoss := sumByNonzeroWeights(sparseCrossEntropy(startLogits, rowOf(targets, 0)), weights)
		nextLoss := sumByNonzeroWeights(sparseCrossEntropy(nextLogits, rowOf(targets, 1)), weights)
		out.Losses = Add(startLoss, nextLoss)
	}
	return out
}

// JointBrosHead is a sequence labeler and a BROS decoder sharing the features. Losses are summed.
//
// Targets: [batch, 3, seq], with row 0 the tags and rows 1 and 2 the BROS targets.
func JointBrosHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("joint_bros")
	lengths := lengthsOrFull(in)
	var seqTags, brosTargets *Node
	if targets := in.targetOrNil(0); targets != nil {
		seqTags = rowOf(targets, 0)
		brosTargets = rowsFrom(targets, 1)
	}
	bros := brosDecoder(ctx.In("bros_decoder"), in, lengths, brosTargets)
	seq := singleLabelSequence(ctx.In("sequence_labeler"), in, lengths, seqTags)
	out := Output{
		Logits: map[string]*Node{
			KeyTagLogits:   seq.Logits[KeyLogits],
			KeyStartLogits: bros.Logits[KeyStartLogits],
			KeyNextLogits:  bros.Logits[KeyNextLogits],
		},
		PredictParams: seq.PredictParams,
	}
	if seq.Losses != nil {
		out.Losses = Add(bros.Losses, seq.Losses)
	}
	return out
}

// TokenRelationDecoderHead scores every pair of tokens as related or not with the dot product of a
// projection of their features: logits [batch, seq, seq].
//
// Targets: [batch, 2, seq, seq], with row 0 the mask of pairs to score and row 1 the binary labels.
// The loss is the mean of the pairwise sigmoid cross-entropy over all pairs, with the logits and
// labels of the masked pairs zeroed.
func TokenRelationDecoderHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("token_relation_decoder")
	return tokenRelation(ctx, in, lengthsOrFull(in), in.targetOrNil(0))
}

func tokenRelation(ctx *context.Context, in Inputs, lengths, targets *Node) Output {
	hiddenSize := context.GetParamOr(ctx, config.ParamTokenRelationHiddenSize, 256)
	tokenHidden := ConvertDType(layers.Dense(ctx.In("token_hidden"), in.Hidden, true, hiddenSize), dtypes.Float32)
	logits := Einsum("bsh,bth->bst", tokenHidden, tokenHidden)
	out := Output{
		Logits:        map[string]*Node{KeyLogits: logits},
		PredictParams: map[string]*Node{KeyLengths: lengths},
	}
	if targets != nil {
		targets = ConvertDType(targets, dtypes.Float32)
		mask, labels := rowOf(targets, 0), rowOf(targets, 1)
		// Masked pairs have a zero logit and target, so they count as log(2) in the mean.
		out.Losses = ReduceAllMean(sigmoidCrossEntropy(Mul(logits, mask), Mul(labels, mask)))
	}
	return out
}

// JointTokenRelationHead is a sequence labeler plus a token relation decoder. The loss is
// token_relation_loss_weight * relation loss + tagging loss.
//
// Targets: [batch, 3, seq, seq]. Row 0 holds the tags in its first line (targets[:, 0, 0, :]), rows
// 1 and 2 are the token relation mask and labels.
func JointTokenRelationHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("joint_token_relation")
	lengths := lengthsOrFull(in)
	var seqTags, relationTargets *Node
	if targets := in.targetOrNil(0); targets != nil {
		relationTargets = rowsFrom(targets, 1)
		seqTags = Squeeze(Slice(targets, AxisRange(), AxisElem(0), AxisElem(0), AxisRange()), 1, 2)
	}
	relation := tokenRelation(ctx.In("token_relation_decoder"), in, lengths, relationTargets)
	seq := singleLabelSequence(ctx.In("sequence_labeler"), in, lengths, seqTags)
	out := Output{
		Logits: map[string]*Node{
			KeyTagLogits:      seq.Logits[KeyLogits],
			KeyRelationLogits: relation.Logits[KeyLogits],
		},
		PredictParams: seq.PredictParams,
	}
	if seq.Losses != nil {
		weight := context.GetParamOr(ctx, config.ParamTokenRelationLossWeight, 100.0)
		out.Losses = Add(MulScalar(relation.Losses, weight), seq.Losses)
	}
	return out
}

// AssociationHead is a sequence labeler with an extra classifier of the association type between
// every pair of tokens, with num_association_types+1 classes (class 0 is "no association").
//
// Logits: tags [batch, seq, n] under KeyLogits and associations [batch, seq, seq, n_assoc] under
// KeyAssociation. Targets: tags [batch, seq] and association classes [batch, seq, seq].
// Loss: CRF negative log-likelihood + association_loss_weight * masked association cross-entropy.
func AssociationHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("association")
	g := in.Hidden.Graph()
	lengths := lengthsOrFull(in)
	batchSize, seqLen, nEmbed := in.Hidden.Shape().Dim(0), in.Hidden.Shape().Dim(1), in.Hidden.Shape().Dim(2)
	numAssociations := context.GetParamOr(ctx, config.ParamNumAssociationTypes, 0) + 1

	hidden := bidirectionalContext(ctx, in.Hidden, lengths)
	logits := ConvertDType(layers.Dense(ctx.In("seq_lab_dense"), hidden, true, in.NTargets), dtypes.Float32)
	assocHead := layers.Dense(ctx.In("association_head"), hidden, true, nEmbed)
	pairDims := []int{batchSize, seqLen, seqLen, nEmbed}
	a := BroadcastToDims(InsertAxes(assocHead, 1), pairDims...)
	b := BroadcastToDims(InsertAxes(assocHead, 2), pairDims...)
	features := Concatenate([]*Node{Sub(a, b), Mul(a, b), a, b}, -1)
	associations := ConvertDType(layers.Dense(ctx.In("association_dense"), features, true, numAssociations), dtypes.Float32)

	var tags *Node
	if in.HasTargets() {
		tags = ConvertDType(in.Targets[0], dtypes.Int32)
		if in.ClassWeights != nil {
			logits = ClassReweightedGradient(logits, perTokenClassWeights(tags, in.ClassWeights, in.NTargets))
		}
	}
	transitions := transitionMatrix(ctx, g, "transition_matrix", in.NTargets)
	out := Output{
		Logits:        map[string]*Node{KeyLogits: logits, KeyAssociation: associations},
		PredictParams: map[string]*Node{KeyTransitions: transitions, KeyLengths: lengths},
	}
	if tags != nil && len(in.Targets) > 1 && in.Targets[1] != nil {
		ll := ReduceAllMean(CRFLogLikelihood(logits, tags, lengths, transitions))
		seqMask := sequenceMask(lengths, seqLen, dtypes.Float32)
		pairMask := Mul(
			BroadcastToDims(InsertAxes(seqMask, 1), batchSize, seqLen, seqLen),
			BroadcastToDims(InsertAxes(seqMask, 2), batchSize, seqLen, seqLen))
		assocLoss := sumByNonzeroWeights(
			sparseCrossEntropy(associations, ConvertDType(in.Targets[1], dtypes.Int32)), pairMask)
		weight := context.GetParamOr(ctx, config.ParamAssociationLossWeight, 100.0)
		out.Losses = Add(Neg(ll), MulScalar(assocLoss, weight))
	}
	return out
}
