// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// divNoNan returns x/y, or 0 where y == 0.
func divNoNan(x, y *Node) *Node {
	isZero := Equal(y, ZerosLike(y))
	safeY := Where(isZero, OnesLike(y), y)
	result := Div(x, safeY)
	if isZero.Shape().Equal(result.Shape()) {
		return Where(isZero, ZerosLike(result), result)
	}
	return Where(BroadcastToDims(isZero, result.Shape().Dimensions...), ZerosLike(result), result)
}

// logSumExp reduces axis with a numerically stable log(sum(exp(x))).
func logSumExp(x *Node, axis int) *Node {
	if axis < 0 {
		axis += x.Rank()
	}
	maxX := StopGradient(ReduceAndKeep(x, ReduceMax, axis))
	shifted := Sub(x, BroadcastToDims(maxX, x.Shape().Dimensions...))
	return Add(Log(ReduceSum(Exp(shifted), axis)), Squeeze(maxX, axis))
}

// sparseCrossEntropy returns -log(softmax(logits)[labels]), shaped like labels.
// labels must be an integer tensor with the shape of logits without its last axis.
func sparseCrossEntropy(logits, labels *Node) *Node {
	numClasses := logits.Shape().Dim(-1)
	oneHot := OneHot(labels, numClasses, logits.DType())
	return Neg(ReduceSum(Mul(StopGradient(oneHot), LogSoftmax(logits, -1)), -1))
}

// softmaxCrossEntropy takes dense (e.g. one-hot) labels with the shape of logits.
func softmaxCrossEntropy(logits, labels *Node) *Node {
	return Neg(ReduceSum(Mul(StopGradient(labels), LogSoftmax(logits, -1)), -1))
}

// sigmoidCrossEntropy is the element-wise binary cross-entropy from logits,
// max(x, 0) - x*z + log(1 + exp(-|x|)).
func sigmoidCrossEntropy(logits, labels *Node) *Node {
	labels = StopGradient(labels)
	return Add(
		Sub(Max(logits, ZerosLike(logits)), Mul(logits, labels)),
		Log1p(Exp(Neg(Abs(logits)))))
}

// sumByNonzeroWeights computes sum(losses * weights) / count(weights != 0), returning a scalar.
func sumByNonzeroWeights(losses, weights *Node) *Node {
	weighted := ReduceAllSum(Mul(losses, weights))
	nonZero := ReduceAllSum(ConvertDType(NotEqual(weights, ZerosLike(weights)), weighted.DType()))
	return divNoNan(weighted, nonZero)
}

// sequenceMask returns a [batch, maxLen] mask with 1 for positions < lengths.
func sequenceMask(lengths *Node, maxLen int, dtype dtypes.DType) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, maxLen), 1)
	lengthsB := BroadcastToDims(InsertAxes(ConvertDType(lengths, dtypes.Int32), -1), batchSize, maxLen)
	return ConvertDType(LessThan(positions, lengthsB), dtype)
}

// lengthNormalizedWeights are the per-token weights of the masked cross-entropy:
// sequenceMask(lengths) / lengths.
func lengthNormalizedWeights(lengths *Node, maxLen int) *Node {
	mask := sequenceMask(lengths, maxLen, dtypes.Float32)
	lengthsF := BroadcastToDims(InsertAxes(ConvertDType(lengths, dtypes.Float32), -1), mask.Shape().Dimensions...)
	return divNoNan(mask, lengthsF)
}

// normalizeWeights scales weights so that their mean is 1: w * size(w) / sum(w).
func normalizeWeights(weights *Node) *Node {
	size := Scalar(weights.Graph(), weights.DType(), float64(weights.Shape().Size()))
	return Mul(weights, divNoNan(size, ReduceAllSum(weights)))
}

// applyClassWeight scales per-example losses [batch] by the weight of the true class, taken from
// the dense targets [batch, n]. Weights are normalized to preserve the mean loss.
func applyClassWeight(losses, targets, classWeights *Node) *Node {
	if classWeights == nil {
		return losses
	}
	weights := ReduceSum(Mul(BroadcastToDims(InsertAxes(classWeights, 0), targets.Shape().Dimensions...), targets), -1)
	return Mul(losses, normalizeWeights(weights))
}

// applyMultilabelClassWeight scales element-wise losses [batch, n] by the class weight for positive
// targets and by 1 for negative ones, normalized to preserve the mean loss.
func applyMultilabelClassWeight(losses, targets, classWeights *Node) *Node {
	if classWeights == nil {
		return losses
	}
	w := BroadcastToDims(InsertAxes(classWeights, 0), targets.Shape().Dimensions...)
	weights := Add(Mul(w, targets), OneMinus(targets))
	return Mul(losses, normalizeWeights(weights))
}

// ClassReweightedGradient is the identity in the forward pass. In the backward pass the incoming
// gradient g is multiplied by weights, and the result g' is rescaled by ‖g‖/‖g'‖, so only the
// direction of the gradient changes, not its norm.
//
// weights must be broadcastable to x: either the same shape or with size 1 axes.
func ClassReweightedGradient(x, weights *Node) *Node {
	weights = StopGradient(weights)
	return IdentityWithCustomGradient(x, func(_, g *Node) *Node {
		w := weights
		if !w.Shape().Equal(g.Shape()) {
			w = BroadcastToDims(w, g.Shape().Dimensions...)
		}
		newG := Mul(g, ConvertDType(w, g.DType()))
		ratio := divNoNan(l2NormAll(g), l2NormAll(newG))
		return Mul(newG, ratio)
	})
}

func l2NormAll(x *Node) *Node {
	return Sqrt(ReduceAllSum(Square(x)))
}

// perTokenClassWeights returns [batch, seq, 1] weights of the true tag of each token.
func perTokenClassWeights(tags *Node, classWeights *Node, numClasses int) *Node {
	oneHot := OneHot(tags, numClasses, classWeights.DType())
	w := BroadcastToDims(Reshape(classWeights, 1, 1, numClasses), oneHot.Shape().Dimensions...)
	return ReduceAndKeep(Mul(oneHot, w), ReduceSum, -1)
}
