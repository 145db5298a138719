// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"math"
	"math/rand"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

func TestParseKind(t *testing.T) {
	for k := LanguageModel; k <= Association; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
		_, err = Head(k)
		require.NoErrorf(t, err, "no head registered for %s", k)
	}
	parsed, err := ParseKind("Sequence-Labeler")
	require.NoError(t, err)
	assert.Equal(t, SequenceLabeler, parsed)
	_, err = ParseKind("nope")
	require.Error(t, err)
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

// bruteForceCRF enumerates every path to compute the log-likelihood of tags.
func bruteForceCRF(scores [][]float64, transitions [][]float64, tags []int) float64 {
	seqLen, n := len(scores), len(scores[0])
	pathScore := func(path []int) float64 {
		s := scores[0][path[0]]
		for t := 1; t < seqLen; t++ {
			s += transitions[path[t-1]][path[t]] + scores[t][path[t]]
		}
		return s
	}
	var logZ float64 = math.Inf(-1)
	path := make([]int, seqLen)
	var enumerate func(pos int)
	enumerate = func(pos int) {
		if pos == seqLen {
			s := pathScore(path)
			m := math.Max(logZ, s)
			logZ = m + math.Log(math.Exp(logZ-m)+math.Exp(s-m))
			return
		}
		for tag := range n {
			path[pos] = tag
			enumerate(pos + 1)
		}
	}
	enumerate(0)
	return pathScore(tags) - logZ
}

func TestCRFLogLikelihood(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	scores := [][]float64{{0.5, -1, 2}, {1, 0.2, -0.3}, {-0.7, 1.5, 0.1}, {3, 3, 3}}
	transitions := [][]float64{{0.1, -0.5, 1}, {0.3, 0.2, -1}, {-0.2, 0.4, 0}}
	tags := []int{2, 0, 1, 0}

	// Second example shares the scores, but only the first 3 positions are valid.
	logits := [][][]float32{toF32(scores), toF32(scores)}
	tagsBatch := [][]int32{{2, 0, 1, 0}, {2, 0, 1, 2}}
	lengths := []int32{4, 3}
	got := MustExecOnce(backend, func(logits, tags, lengths, transitions *Node) *Node {
		return CRFLogLikelihood(logits, tags, lengths, transitions)
	}, logits, tagsBatch, lengths, toF32(transitions))
	ll := tensors.MustCopyFlatData[float32](got)

	require.Len(t, ll, 2)
	assert.InDelta(t, bruteForceCRF(scores, transitions, tags), float64(ll[0]), 1e-4)
	assert.InDelta(t, bruteForceCRF(scores[:3], transitions, tags[:3]), float64(ll[1]), 1e-4)
	assert.Less(t, ll[0], float32(0))
}

func TestCRFLogLikelihoodZeroLength(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(logits, tags, lengths, transitions *Node) *Node {
		return CRFLogLikelihood(logits, tags, lengths, transitions)
	}, [][][]float32{{{1, 2}, {3, 4}}}, [][]int32{{0, 1}}, []int32{0}, [][]float32{{0, 1}, {1, 0}})
	assert.Equal(t, []float32{0}, tensors.MustCopyFlatData[float32](got))
}

func TestViterbi(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 20 {
		seqLen, n := 1+rng.Intn(4), 2+rng.Intn(2)
		scores := make([][]float64, seqLen)
		for i := range scores {
			scores[i] = make([]float64, n)
			for j := range n {
				scores[i][j] = rng.NormFloat64()
			}
		}
		transitions := make([][]float64, n)
		for i := range transitions {
			transitions[i] = make([]float64, n)
			for j := range n {
				transitions[i][j] = rng.NormFloat64()
			}
		}
		tags, best, err := Viterbi(toF32(scores), toF32(transitions), seqLen)
		require.NoError(t, err)
		require.Len(t, tags, seqLen)

		// The best path has the highest likelihood, and its score matches.
		bestLL := bruteForceCRF(scores, transitions, tags)
		path := make([]int, seqLen)
		var check func(pos int)
		check = func(pos int) {
			if pos == seqLen {
				assert.LessOrEqual(t, bruteForceCRF(scores, transitions, path), bestLL+1e-6)
				return
			}
			for tag := range n {
				path[pos] = tag
				check(pos + 1)
			}
		}
		check(0)
		s := scores[0][tags[0]]
		for i := 1; i < seqLen; i++ {
			s += transitions[tags[i-1]][tags[i]] + scores[i][tags[i]]
		}
		assert.InDelta(t, s, float64(best), 1e-4)
	}

	tags, _, err := Viterbi([][]float32{{0, 1}, {1, 0}}, [][]float32{{0, 0}, {0, 0}}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, tags)
	tags, _, err = Viterbi([][]float32{{0, 1}}, [][]float32{{0, 0}, {0, 0}}, 0)
	require.NoError(t, err)
	assert.Empty(t, tags)

	_, _, err = Viterbi([][]float32{{0, 1}, {1, 0}}, [][]float32{{0, 0, 0}, {0, 0, 0}}, 2)
	assert.ErrorIs(t, err, ferrors.ErrInputMismatch)
	_, _, err = Viterbi([][]float32{{0, 1}, {1}}, [][]float32{{0, 0}, {0, 0}}, 2)
	assert.ErrorIs(t, err, ferrors.ErrInputMismatch)
}

func TestClassReweightedGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(x, w *Node) []*Node {
		y := ClassReweightedGradient(x, w)
		loss := ReduceAllSum(y)
		return []*Node{y, Gradient(loss, x)[0]}
	}, [][]float32{{1, 2}, {3, 4}}, [][]float32{{1, 3}, {1, 3}})

	// Forward pass is the identity.
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, outputs[0].Value())

	// Incoming gradient is all ones (norm 2); reweighted it is [[1, 3], [1, 3]] (norm sqrt(20)).
	ratio := 2 / math.Sqrt(20)
	grad := tensors.MustCopyFlatData[float32](outputs[1])
	want := []float64{ratio, 3 * ratio, ratio, 3 * ratio}
	for i := range want {
		assert.InDelta(t, want[i], float64(grad[i]), 1e-5)
	}
}

func TestMaskedSequenceCE(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Uniform logits: each valid token contributes log(2)/length, averaged over the valid tokens.
	got := MustExecOnce(backend, func(logits, tags, lengths *Node) *Node {
		return maskedSequenceCE(logits, tags, lengths)
	}, [][][]float32{{{0, 0}, {0, 0}, {5, -5}}}, [][]int32{{0, 1, 0}}, []int32{2})
	assert.InDelta(t, math.Log(2)/2, float64(tensors.MustCopyFlatData[float32](got)[0]), 1e-5)
}

// runHead builds the head in a fresh context and returns the logits under key and the loss.
func runHead(t *testing.T, kind Kind, cfg *config.Config, key string, hidden any, targets ...any) (logits, loss *tensors.Tensor) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg.ApplyToContext(ctx)
	reg := MustHead(kind)
	args := append([]any{hidden}, targets...)
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() {
		outputs = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			in := Inputs{Hidden: inputs[0], Targets: inputs[1:], NTargets: 3, Bidirectional: true}
			if kind == Association {
				in.NTargets = 2
			}
			out := reg.Fn(ctx.In("model").In("target"), in)
			return []*Node{out.Logits[key], out.Losses}
		}, args...)
	})
	require.Len(t, outputs, 2)
	require.Equal(t, 0, outputs[1].Shape().Rank(), "loss of %s must be a scalar", kind)
	return outputs[0], outputs[1]
}

func TestHeads(t *testing.T) {
	cfg := config.Default()
	cfg.RelationHiddenSize = 4
	cfg.TokenRelationHiddenSize = 4
	cfg.AssociationTypes = []string{"a", "b"}
	cfg.SeqNumHeads = 2
	pooled := [][]float32{{0.1, 0.2, 0.3, 0.4}, {-0.1, 0, 0.5, 1}}
	sequence := [][][]float32{
		{{0.1, 0.2, 0.3, 0.4}, {0, 1, 0, 1}, {1, 0, 0, 0}},
		{{-0.1, 0, 0.5, 1}, {0.3, 0.3, 0.3, 0.3}, {0, 0, 1, 1}}}

	t.Run("Classifier", func(t *testing.T) {
		logits, loss := runHead(t, Classifier, cfg, KeyLogits, pooled, [][]float32{{1, 0, 0}, {0, 0, 1}})
		assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
		assert.Greater(t, tensors.MustCopyFlatData[float32](loss)[0], float32(0))
	})
	t.Run("MultiClassifier", func(t *testing.T) {
		logits, _ := runHead(t, MultiClassifier, cfg, KeyLogits, pooled, [][]float32{{1, 0, 1}, {0, 0, 1}})
		assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
	})
	t.Run("Regressor", func(t *testing.T) {
		logits, loss := runHead(t, Regressor, cfg, KeyLogits, pooled, [][]float32{{1, 2, 3}, {0, 0, 1}})
		assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
		assert.Greater(t, tensors.MustCopyFlatData[float32](loss)[0], float32(0))
	})
	t.Run("OrdinalRegressor", func(t *testing.T) {
		cfg := cfg.Clone()
		cfg.SharedThresholdWeights = true
		logits, _ := runHead(t, OrdinalRegressor, cfg, KeyLogits, pooled, [][]float32{{1, 1, 0}, {1, 0, 0}})
		assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
	})
	t.Run("SequenceLabeler", func(t *testing.T) {
		logits, loss := runHead(t, SequenceLabeler, cfg, KeyLogits, sequence, [][]float32{{0, 1, 2}, {2, 2, 0}})
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
		assert.Greater(t, tensors.MustCopyFlatData[float32](loss)[0], float32(0))
	})
	t.Run("SequenceLabelerNoCRF", func(t *testing.T) {
		cfg := cfg.Clone()
		cfg.CRFSequenceLabeling = false
		_, loss := runHead(t, SequenceLabeler, cfg, KeyLogits, sequence, [][]float32{{0, 1, 2}, {2, 2, 0}})
		assert.Greater(t, tensors.MustCopyFlatData[float32](loss)[0], float32(0))
	})
	t.Run("MultiLabelSequence", func(t *testing.T) {
		cfg := cfg.Clone()
		cfg.MultiLabelSequences = true
		targets := [][][]float32{
			{{1, 0, 0}, {0, 1, 1}, {1, 0, 0}},
			{{0, 0, 1}, {1, 0, 0}, {1, 0, 0}}}
		logits, _ := runHead(t, SequenceLabeler, cfg, KeyLogits, sequence, targets)
		assert.Equal(t, []int{2, 3, 3, 2}, logits.Shape().Dimensions)
	})
	t.Run("MultiCRFGroupLabeler", func(t *testing.T) {
		targets := [][][]float32{{{0, 1, 2}, {0, 1, 1}}, {{2, 2, 0}, {0, 1, 2}}}
		logits, _ := runHead(t, MultiCRFGroupLabeler, cfg, KeyGroupLogits, sequence, targets)
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
	})
	t.Run("MultiLogitGroupLabeler", func(t *testing.T) {
		logits, _ := runHead(t, MultiLogitGroupLabeler, cfg, KeyLogits, sequence, [][]float32{{0, 1, 2}, {2, 2, 0}})
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
	})
	t.Run("BrosDecoder", func(t *testing.T) {
		targets := [][][]float32{{{1, 0, 0}, {2, 0, 0}}, {{0, 1, 0}, {0, 3, 0}}}
		logits, _ := runHead(t, BrosDecoder, cfg, KeyNextLogits, sequence, targets)
		assert.Equal(t, []int{2, 3, 4}, logits.Shape().Dimensions)
	})
	t.Run("JointBros", func(t *testing.T) {
		targets := [][][]float32{{{0, 1, 2}, {1, 0, 0}, {2, 0, 0}}, {{2, 2, 0}, {0, 1, 0}, {0, 3, 0}}}
		logits, _ := runHead(t, JointBros, cfg, KeyTagLogits, sequence, targets)
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
	})
	tokenRelationTargets := func(rows int) [][][][]float32 {
		targets := make([][][][]float32, 2)
		for b := range targets {
			targets[b] = make([][][]float32, rows)
			for r := range rows {
				targets[b][r] = [][]float32{{1, 1, 0}, {1, 1, 0}, {0, 0, float32(r % 2)}}
			}
		}
		return targets
	}
	t.Run("TokenRelationDecoder", func(t *testing.T) {
		logits, _ := runHead(t, TokenRelationDecoder, cfg, KeyLogits, sequence, tokenRelationTargets(2))
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
	})
	t.Run("TokenRelationMaskedLoss", func(t *testing.T) {
		// With every pair masked out, each pair contributes log(2) to the mean.
		targets := make([][][][]float32, 2)
		for b := range targets {
			targets[b] = [][][]float32{make([][]float32, 3), make([][]float32, 3)}
			for r := range targets[b] {
				for i := range targets[b][r] {
					targets[b][r][i] = make([]float32, 3)
				}
			}
		}
		_, loss := runHead(t, TokenRelationDecoder, cfg, KeyLogits, sequence, targets)
		assert.InDelta(t, math.Ln2, float64(tensors.MustCopyFlatData[float32](loss)[0]), 1e-5)
	})
	t.Run("JointTokenRelation", func(t *testing.T) {
		logits, _ := runHead(t, JointTokenRelation, cfg, KeyRelationLogits, sequence, tokenRelationTargets(3))
		assert.Equal(t, []int{2, 3, 3}, logits.Shape().Dimensions)
	})
	t.Run("Association", func(t *testing.T) {
		associations := [][][]float32{
			{{0, 1, 0}, {1, 0, 0}, {0, 0, 2}},
			{{0, 0, 0}, {0, 0, 1}, {0, 2, 0}}}
		logits, _ := runHead(t, Association, cfg, KeyAssociation, sequence,
			[][]float32{{0, 1, 1}, {1, 0, 0}}, associations)
		assert.Equal(t, []int{2, 3, 3, 3}, logits.Shape().Dimensions)
	})
}

func TestTokenRelationLossWeight(t *testing.T) {
	// The joint loss is linear in the relation loss weight.
	sequence := [][][]float32{{{0.1, 0.2, 0.3, 0.4}, {0, 1, 0, 1}}}
	targets := [][][][]float32{{{{0, 1}, {0, 0}}, {{1, 1}, {1, 1}}, {{0, 1}, {1, 0}}}}
	lossFor := func(weight float64) float64 {
		cfg := config.Default()
		cfg.TokenRelationHiddenSize = 4
		cfg.TokenRelationLossWeight = weight
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		cfg.ApplyToContext(ctx)
		require.NoError(t, ctx.SetRNGStateFromSeed(42))
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, hidden, targets *Node) *Node {
			in := Inputs{Hidden: hidden, Targets: []*Node{targets}, NTargets: 2, Bidirectional: true}
			return JointTokenRelationHead(ctx, in).Losses
		}, sequence, targets)
		return float64(tensors.MustCopyFlatData[float32](got)[0])
	}
	// Same seed, so the variables match.
	l0, l1, l100 := lossFor(0), lossFor(1), lossFor(100)
	assert.InDelta(t, 100*(l1-l0), l100-l0, 1e-2)
}

func TestDecode(t *testing.T) {
	t.Run("Classifier", func(t *testing.T) {
		d, err := Decode(Classifier, map[string]Row{PredProbas: {Data: []float32{0.2, 0.7, 0.1}, Dims: []int{3}}}, false, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Class)
	})
	t.Run("Ordinal", func(t *testing.T) {
		d, err := Decode(OrdinalRegressor, map[string]Row{PredProbas: {Data: []float32{0.9, 0.6, 0.2, 0.8}, Dims: []int{4}}}, false, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, d.Rank)
	})
	t.Run("SequenceLabeler", func(t *testing.T) {
		rows := map[string]Row{
			PredTagScores:  {Data: []float32{0, 5, 5, 0, 1, 0}, Dims: []int{3, 2}},
			KeyLengths:     {Data: []float32{2}, Dims: nil},
			KeyTransitions: {Data: []float32{0, 0, 0, 0}, Dims: []int{2, 2}},
		}
		d, err := Decode(SequenceLabeler, rows, false, 0)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 0}, d.Tags)

		rows[KeyTransitions] = Row{Data: []float32{0, 0, 0}, Dims: []int{1, 3}}
		_, err = Decode(SequenceLabeler, rows, false, 0)
		assert.ErrorIs(t, err, ferrors.ErrInputMismatch)
	})
	t.Run("MultiLabelSequence", func(t *testing.T) {
		// 2 tokens, 2 classes (class 0 is pad), scores [seq, class, 2].
		rows := map[string]Row{
			PredTagScores:  {Data: []float32{0, 0, 0, 3, 0, 0, 3, 0}, Dims: []int{2, 2, 2}},
			KeyLengths:     {Data: []float32{2}},
			KeyTransitions: {Data: make([]float32, 8), Dims: []int{2, 2, 2}},
		}
		d, err := Decode(SequenceLabeler, rows, true, 0)
		require.NoError(t, err)
		assert.Equal(t, [][]bool{{false, true}, {false, false}}, d.MultiTags)
	})
	t.Run("Bros", func(t *testing.T) {
		rows := map[string]Row{
			PredStarts: {Data: []float32{1, 0, 0}, Dims: []int{3}},
			PredNext:   {Data: []float32{2, 0, 0}, Dims: []int{3}},
			KeyLengths: {Data: []float32{3}},
		}
		d, err := Decode(BrosDecoder, rows, false, 0)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false, false}, d.Starts)
		assert.Equal(t, []int{1, -1, -1}, d.Next)
	})
	t.Run("Missing", func(t *testing.T) {
		_, err := Decode(Regressor, map[string]Row{}, false, 0)
		require.Error(t, err)
	})
}

func TestPredictionOutputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(logits *Node) []*Node {
		out := Output{Logits: map[string]*Node{KeyLogits: logits}}
		preds := PredictionOutputs(Classifier, out)
		require.Len(t, preds, 1)
		return []*Node{preds[0].Node, ConvertDType(ReduceAllSum(preds[0].Node), dtypes.Float32)}
	}, [][]float32{{1, 2, 3}})
	assert.InDelta(t, 1.0, float64(tensors.MustCopyFlatData[float32](outputs[1])[0]), 1e-5)
}

func toF32(values [][]float64) [][]float32 {
	out := make([][]float32, len(values))
	for i, row := range values {
		out[i] = make([]float32, len(row))
		for j, v := range row {
			out[i][j] = float32(v)
		}
	}
	return out
}
