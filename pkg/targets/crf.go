// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// transitionMatrix returns the CRF transition variable with the given name, shaped [n, n].
// The score of moving from tag i to tag j is transitions[i, j].
func transitionMatrix(ctx *context.Context, g *Graph, name string, n int) *Node {
	return ctx.VariableWithShape(name, shapes.Make(dtypes.Float32, n, n)).ValueGraph(g)
}

// CRFLogLikelihood returns the log-likelihood [batch] of the tag sequences under a linear-chain CRF.
//
//   - logits: [batch, seq, n] unary scores.
//   - tags: [batch, seq] integer tags.
//   - lengths: [batch] number of valid positions; positions past the length are ignored.
//   - transitions: [n, n].
//
// The normalizer is computed with the forward algorithm, unrolled over the static sequence length.
// Examples with length 0 have log-likelihood 0.
func CRFLogLikelihood(logits, tags, lengths, transitions *Node) *Node {
	if logits.Rank() != 3 {
		exceptions.Panicf("CRFLogLikelihood expects logits shaped [batch, seq, n], got %s", logits.Shape())
	}
	logits = ConvertDType(logits, dtypes.Float32)
	batchSize, seqLen, n := logits.Shape().Dim(0), logits.Shape().Dim(1), logits.Shape().Dim(2)
	lengths = ConvertDType(lengths, dtypes.Int32)
	tags = ConvertDType(tags, dtypes.Int32)
	mask := sequenceMask(lengths, seqLen, dtypes.Float32) // [b, s]

	// Score of the gold path.
	oneHot := OneHot(tags, n, dtypes.Float32) // [b, s, n]
	unary := ReduceSum(Mul(ReduceSum(Mul(oneHot, logits), -1), mask), -1)
	score := unary
	if seqLen > 1 {
		prev := Slice(oneHot, AxisRange(), AxisRange(0, seqLen-1), AxisRange())
		next := Slice(oneHot, AxisRange(), AxisRange(1, seqLen), AxisRange())
		pairScores := ReduceSum(Mul(Einsum("bti,ij->btj", prev, transitions), next), -1) // [b, s-1]
		pairMask := Slice(mask, AxisRange(), AxisRange(1, seqLen))
		score = Add(score, ReduceSum(Mul(pairScores, pairMask), -1))
	}

	logNorm := crfLogNorm(logits, lengths, transitions, batchSize, seqLen, n)
	ll := Sub(score, logNorm)
	return Where(GreaterThan(lengths, ZerosLike(lengths)), ll, ZerosLike(ll))
}

// crfLogNorm runs the forward algorithm and returns log(Z) [batch].
func crfLogNorm(logits, lengths, transitions *Node, batchSize, seqLen, n int) *Node {
	g := logits.Graph()
	alpha := Squeeze(Slice(logits, AxisRange(), AxisElem(0), AxisRange()), 1) // [b, n]
	transB := BroadcastToDims(InsertAxes(transitions, 0), batchSize, n, n)
	for t := 1; t < seqLen; t++ {
		emit := Squeeze(Slice(logits, AxisRange(), AxisElem(t), AxisRange()), 1) // [b, n]
		// alpha[b, i] + trans[i, j], reduced over i.
		scores := Add(BroadcastToDims(InsertAxes(alpha, -1), batchSize, n, n), transB)
		next := Add(logSumExp(scores, 1), emit)
		active := GreaterThan(lengths, Scalar(g, dtypes.Int32, t)) // [b]
		alpha = Where(BroadcastToDims(InsertAxes(active, -1), batchSize, n), next, alpha)
	}
	return logSumExp(alpha, -1)
}

// sequenceNLL returns the mean negative log-likelihood of a CRF over the batch.
func sequenceNLL(logits, tags, lengths, transitions *Node) *Node {
	return Neg(ReduceAllMean(CRFLogLikelihood(logits, tags, lengths, transitions)))
}

// maskedSequenceCE is the no-CRF alternative: per-token cross-entropy, each token weighted by
// 1/length and averaged over the tokens with non-zero weight.
func maskedSequenceCE(logits, tags, lengths *Node) *Node {
	weights := lengthNormalizedWeights(lengths, logits.Shape().Dim(1))
	return sumByNonzeroWeights(sparseCrossEntropy(logits, ConvertDType(tags, dtypes.Int32)), weights)
}

// Viterbi returns the highest scoring tag sequence for a single example.
//
// scores is [seq][n], transitions is [n][n] and only the first length positions are decoded. It also
// returns the score of the best path. Mismatched shapes return an ErrInputMismatch.
func Viterbi(scores [][]float32, transitions [][]float32, length int) (tags []int, best float32, err error) {
	length = min(length, len(scores))
	if length <= 0 {
		return []int{}, 0, nil
	}
	n := len(scores[0])
	if n == 0 || len(transitions) != n {
		return nil, 0, ferrors.InputMismatchf("viterbi: %d tags in the scores and %d rows of transitions", n, len(transitions))
	}
	for i, row := range transitions {
		if len(row) != n {
			return nil, 0, ferrors.InputMismatchf("viterbi: transitions row %d has %d entries, expected %d", i, len(row), n)
		}
	}
	for t, row := range scores[:length] {
		if len(row) != n {
			return nil, 0, ferrors.InputMismatchf("viterbi: scores at position %d have %d entries, expected %d", t, len(row), n)
		}
	}
	trellis := make([]float32, n)
	copy(trellis, scores[0])
	backPointers := make([][]int, length)
	next := make([]float32, n)
	for t := 1; t < length; t++ {
		backPointers[t] = make([]int, n)
		for j := range n {
			bestScore, bestFrom := float32(math.Inf(-1)), 0
			for i := range n {
				if s := trellis[i] + transitions[i][j]; s > bestScore {
					bestScore, bestFrom = s, i
				}
			}
			next[j] = bestScore + scores[t][j]
			backPointers[t][j] = bestFrom
		}
		trellis, next = next, trellis
	}

	last := 0
	for j := 1; j < n; j++ {
		if trellis[j] > trellis[last] {
			last = j
		}
	}
	tags = make([]int, length)
	tags[length-1] = last
	for t := length - 1; t > 0; t-- {
		tags[t-1] = backPointers[t][tags[t]]
	}
	return tags, trellis[last], nil
}
