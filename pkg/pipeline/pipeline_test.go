// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"io"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/encoding"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/targets"
)

func newPipeline(t *testing.T, kind targets.Kind, setup func(cfg *config.Config)) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.MaxLength = 12
	if setup != nil {
		setup(cfg)
	}
	p, err := New(graphtest.BuildTestBackend(), cfg, kind)
	require.NoError(t, err)
	return p
}

func TestValidationSize(t *testing.T) {
	assert.Equal(t, 0, ValidationSize(-1, 49))
	assert.Equal(t, 5, ValidationSize(-1, 60))
	assert.Equal(t, 50, ValidationSize(-1, 1000))
	assert.Equal(t, 100, ValidationSize(-1, 10_000))
	assert.Equal(t, 3, ValidationSize(0.25, 10))
	assert.Equal(t, 7, ValidationSize(7, 10))
	assert.Equal(t, 9, ValidationSize(20, 10), "at least one training example remains")
	assert.Equal(t, 0, ValidationSize(0, 10))
}

func TestLabelEncoders(t *testing.T) {
	t.Run("OneHot", func(t *testing.T) {
		e := NewOneHotLabels()
		require.NoError(t, e.Fit([]any{"b", "a", "b", "c"}, nil))
		assert.Equal(t, []string{"b", "a", "c"}, e.Classes())
		arrays, err := e.Encode([]any{"a", "c"}, nil)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{0, 1, 0}, {0, 0, 1}}, arrays[0])
		assert.Equal(t, "c", e.Inverse(2))
		_, err = e.Encode([]any{"d"}, nil)
		require.ErrorIs(t, err, ferrors.ErrInputMismatch)

		restored := NewOneHotLabels()
		require.NoError(t, restored.Restore(e.State()))
		assert.Equal(t, e.Classes(), restored.Classes())
	})

	t.Run("Multi", func(t *testing.T) {
		e := NewMultiLabels()
		require.NoError(t, e.Fit([]any{[]string{"x", "y"}, []string{"z"}}, nil))
		arrays, err := e.Encode([]any{[]string{"z", "x"}, []string{}}, nil)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1, 0, 1}, {0, 0, 0}}, arrays[0])
		assert.Equal(t, []string{"x", "z"}, e.Inverse([]bool{true, false, true}))
	})

	t.Run("Regression", func(t *testing.T) {
		e := &RegressionLabels{}
		require.NoError(t, e.Fit([]any{1.5, 2.0}, nil))
		assert.Equal(t, 1, e.TargetDim())
		arrays, err := e.Encode([]any{1.5, -1.0}, nil)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1.5}, {-1}}, arrays[0])
		require.ErrorIs(t, e.Fit([]any{1.0, []float64{1, 2}}, nil), ferrors.ErrInputMismatch)
	})

	t.Run("Ordinal", func(t *testing.T) {
		e := NewOrdinalLabels()
		require.NoError(t, e.Fit([]any{"10", "2", "1", "2"}, nil))
		assert.Equal(t, []string{"1", "2", "10"}, e.Classes())
		assert.Equal(t, 2, e.TargetDim())
		arrays, err := e.Encode([]any{"1", "2", "10"}, nil)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{0, 0}, {1, 0}, {1, 1}}, arrays[0])
		assert.Equal(t, "10", e.Inverse(5))
	})

	t.Run("Choice", func(t *testing.T) {
		p := newPipeline(t, targets.MultipleChoice, nil)
		X := [][]string{{"q?", "yes", "no"}, {"r?", "up", "down"}}
		e := p.LabelEncoder()
		require.NoError(t, e.Fit([]any{0, "down"}, X))
		assert.Equal(t, 2, e.TargetDim())
		examples, err := p.Encode(X, nil)
		require.NoError(t, err)
		require.Len(t, examples[0].Choices, 2)
		arrays, err := e.Encode([]any{0, "down"}, examples)
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 1}, arrays[0])
		_, err = e.Encode([]any{"maybe", 0}, examples)
		require.ErrorIs(t, err, ferrors.ErrInputMismatch)
	})

	t.Run("ClassWeights", func(t *testing.T) {
		e := NewOneHotLabels()
		require.NoError(t, e.Fit([]any{"a", "b", "c"}, nil))
		w, err := ClassWeights(e, map[string]float64{"b": 3})
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 3, 1}, w)
		_, err = ClassWeights(e, map[string]float64{"d": 3})
		require.ErrorIs(t, err, ferrors.ErrConfiguration)
		w, err = ClassWeights(e, nil)
		require.NoError(t, err)
		assert.Nil(t, w)
	})
}

// document is "ab cd ef": with max_length 12 its bytes are at positions 1 to 8, after the start
// token, followed by clf at 9 and padding.
var document = Document{
	Annotations: []Annotation{
		{Start: 0, End: 2, Label: "X"},
		{Start: 3, End: 5, Label: "Y", Group: 1},
		{Start: 6, End: 8, Label: "X", Text: "ef", Group: 1},
	},
	Relations: []Relation{{From: 1, To: 2, Type: "owns"}},
}

func encodeDocument(t *testing.T, kind targets.Kind, setup func(cfg *config.Config)) (*Pipeline, *Example, []any) {
	t.Helper()
	p := newPipeline(t, kind, setup)
	examples, err := p.Encode([][]string{{"ab cd ef"}}, nil)
	require.NoError(t, err)
	require.NoError(t, p.LabelEncoder().Fit([]any{document}, nil))
	arrays, err := p.LabelEncoder().Encode([]any{document}, examples)
	require.NoError(t, err)
	return p, examples[0], arrays
}

func TestSequenceLabels(t *testing.T) {
	tags := []int32{0, 1, 1, 0, 2, 2, 0, 1, 1, 0, 0, 0}

	t.Run("Single", func(t *testing.T) {
		p, ex, arrays := encodeDocument(t, targets.SequenceLabeler, nil)
		e := p.LabelEncoder().(*SequenceLabels)
		assert.Equal(t, []string{"<PAD>", "X", "Y"}, e.Classes())
		assert.Equal(t, [][]int32{tags}, arrays[0])

		predicted := make([]int, len(tags))
		for i, tag := range tags {
			predicted[i] = int(tag)
		}
		want := []Annotation{
			{Start: 0, End: 2, Label: "X", Text: "ab"},
			{Start: 3, End: 5, Label: "Y", Text: "cd"},
			{Start: 6, End: 8, Label: "X", Text: "ef"},
		}
		if diff := cmp.Diff(want, e.InverseTransform(ex, predicted)); diff != "" {
			t.Errorf("InverseTransform mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, encoding.Span{Start: 3, End: 4}, Spans(ex)[4])
	})

	t.Run("MultiLabel", func(t *testing.T) {
		p, ex, arrays := encodeDocument(t, targets.SequenceLabeler, func(cfg *config.Config) {
			cfg.MultiLabelSequences = true
		})
		m := arrays[0].([][][]int32)[0]
		assert.Equal(t, []int32{1, 0, 0}, m[0])
		assert.Equal(t, []int32{0, 1, 0}, m[1])
		assert.Equal(t, []int32{0, 0, 1}, m[4])

		flags := make([][]bool, len(m))
		for p, row := range m {
			flags[p] = make([]bool, len(row))
			for c, v := range row {
				flags[p][c] = v > 0 && c > 0
			}
		}
		got := p.LabelEncoder().(*SequenceLabels).InverseMultiLabel(ex, flags)
		assert.Equal(t, []string{"ab", "cd", "ef"}, []string{got[0].Text, got[1].Text, got[2].Text})
	})

	t.Run("Groups", func(t *testing.T) {
		_, _, arrays := encodeDocument(t, targets.MultiCRFGroupLabeler, nil)
		assert.Equal(t, [][][]int32{{tags, {0, 0, 0, 0, 1, 2, 0, 2, 2, 0, 0, 0}}}, arrays[0])

		p, ex, arrays := encodeDocument(t, targets.MultiLogitGroupLabeler, nil)
		grouped := []int32{0, 3, 3, 0, 7, 8, 0, 5, 5, 0, 0, 0}
		assert.Equal(t, [][]int32{grouped}, arrays[0])
		assert.Equal(t, 9, p.TargetDim())
		predicted := make([]int, len(grouped))
		for i, tag := range grouped {
			predicted[i] = int(tag)
		}
		got := p.LabelEncoder().(*SequenceLabels).InverseTransform(ex, predicted)
		want := []Annotation{
			{Start: 0, End: 2, Label: "X", Text: "ab"},
			{Start: 3, End: 5, Label: "Y", Text: "cd", Group: 1},
			{Start: 6, End: 8, Label: "X", Text: "ef", Group: 1},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("grouped InverseTransform mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Bros", func(t *testing.T) {
		_, _, arrays := encodeDocument(t, targets.JointBros, nil)
		rows := arrays[0].([][][]int32)[0]
		require.Len(t, rows, 3)
		assert.Equal(t, tags, rows[0])
		assert.Equal(t, []int32{0, 1, 0, 0, 1, 0, 0, 1, 0, 0, 0, 0}, rows[1])
		assert.Equal(t, []int32{0, 3, 0, 0, 6, 0, 0, 9, 0, 0, 0, 0}, rows[2])
	})

	t.Run("TokenRelation", func(t *testing.T) {
		_, _, arrays := encodeDocument(t, targets.JointTokenRelation, nil)
		m := arrays[0].([][][][]int32)[0]
		require.Len(t, m, 3)
		assert.Equal(t, tags, m[0][0])
		assert.Equal(t, int32(1), m[1][0][9], "start and clf are real tokens")
		assert.Equal(t, int32(0), m[1][0][10], "padding is masked")
		assert.Equal(t, int32(1), m[2][4][7])
		assert.Equal(t, int32(1), m[2][5][8])
		assert.Equal(t, int32(0), m[2][7][4])
	})

	t.Run("Association", func(t *testing.T) {
		_, _, arrays := encodeDocument(t, targets.Association, func(cfg *config.Config) {
			cfg.AssociationTypes = []string{"other", "owns"}
		})
		require.Len(t, arrays, 2)
		assert.Equal(t, [][]int32{tags}, arrays[0])
		m := arrays[1].([][][]int32)[0]
		assert.Equal(t, int32(2), m[4][8])
		assert.Equal(t, int32(0), m[1][2])

		p := newPipeline(t, targets.Association, nil)
		examples, err := p.Encode([][]string{{"ab cd ef"}}, nil)
		require.NoError(t, err)
		require.NoError(t, p.LabelEncoder().Fit([]any{document}, nil))
		_, err = p.LabelEncoder().Encode([]any{document}, examples)
		require.ErrorIs(t, err, ferrors.ErrInputMismatch)
	})

	t.Run("TextMismatch", func(t *testing.T) {
		p := newPipeline(t, targets.SequenceLabeler, nil)
		examples, err := p.Encode([][]string{{"ab cd ef"}}, nil)
		require.NoError(t, err)
		bad := []Annotation{{Start: 0, End: 2, Label: "X", Text: "zz"}}
		require.NoError(t, p.LabelEncoder().Fit([]any{bad}, nil))
		_, err = p.LabelEncoder().Encode([]any{bad}, examples)
		require.ErrorIs(t, err, ferrors.ErrInputMismatch)

		outOfBounds := []Annotation{{Start: 5, End: 20, Label: "X"}}
		_, err = p.LabelEncoder().Encode([]any{outOfBounds}, examples)
		require.ErrorIs(t, err, ferrors.ErrInputMismatch)
	})
}

func TestAuxiliaryContext(t *testing.T) {
	p := newPipeline(t, targets.SequenceLabeler, func(cfg *config.Config) {
		cfg.UseAuxiliaryInfo = true
		cfg.ContextDim = 2
	})
	aux := [][]ContextSpan{{{Start: 3, End: 5, Values: []float32{1, 2}}}}
	examples, err := p.Encode([][]string{{"ab cd ef"}}, aux)
	require.NoError(t, err)
	context := examples[0].Context
	require.Len(t, context, 12)
	assert.Equal(t, []float32{0, 0}, context[1])
	assert.Equal(t, []float32{1, 2}, context[4])
	assert.Equal(t, []float32{1, 2}, context[5])
	assert.Equal(t, []float32{0, 0}, context[9])
	assert.Len(t, p.Arrays(examples), 3)

	_, err = p.Encode([][]string{{"ab"}}, [][]ContextSpan{{{Start: 0, End: 1, Values: []float32{1}}}})
	require.ErrorIs(t, err, ferrors.ErrInputMismatch)
}

func TestEncodeChunks(t *testing.T) {
	p := newPipeline(t, targets.SequenceLabeler, func(cfg *config.Config) {
		cfg.MaxLength = 8
		cfg.ChunkLongSequences = true
		cfg.ChunkContext = 2
	})
	require.True(t, p.Chunked())
	examples, err := p.EncodeChunks([][]string{{"abcdefghijkl"}, {"xy"}}, nil)
	require.NoError(t, err)
	require.Len(t, examples, 4)
	var spans []encoding.Span
	for _, ex := range examples[:3] {
		assert.Equal(t, 0, ex.DocIndex)
		spans = append(spans, ex.Span)
	}
	assert.Equal(t, []encoding.Span{{Start: 0, End: 6}, {Start: 4, End: 10}, {Start: 8, End: 12}}, spans)
	assert.Equal(t, []bool{true, false, false}, []bool{examples[0].First, examples[1].First, examples[2].First})
	assert.Equal(t, []bool{false, false, true}, []bool{examples[0].Last, examples[1].Last, examples[2].Last})
	assert.True(t, examples[3].First && examples[3].Last)
	assert.Equal(t, 1, examples[3].DocIndex)

	// Annotation offsets are relative to the document, whatever the chunk.
	doc := []Annotation{{Start: 8, End: 10, Label: "X", Text: "ij"}}
	require.NoError(t, p.LabelEncoder().Fit([]any{doc}, nil))
	arrays, err := p.LabelEncoder().Encode([]any{doc, doc}, examples[1:3])
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0, 0, 0, 0, 0, 1, 1, 0}, {0, 1, 1, 0, 0, 0, 0, 0}}, arrays[0])

	_, err = p.EncodeChunks([][]string{{"a", "b"}}, nil)
	require.ErrorIs(t, err, ferrors.ErrUnsupportedOperation)
}

func countExamples(t *testing.T, ds train.Dataset) int {
	t.Helper()
	n := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n += inputs[0].Shape().Dim(0)
	}
}

func TestTrainInputs(t *testing.T) {
	p := newPipeline(t, targets.Classifier, nil)
	X := make([][]string, 60)
	Y := make([]any, 60)
	for i := range X {
		X[i] = []string{fmt.Sprintf("example %d", i)}
		Y[i] = []string{"even", "odd"}[i%2]
	}
	sets, err := p.TrainInputs(X, Y, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, 55, sets.Size)
	require.Len(t, sets.Validations, 1)
	assert.Equal(t, 5, sets.Validations[0].Size)
	assert.Equal(t, 250, sets.Validations[0].Interval)
	assert.Nil(t, sets.Validations[0].TrainSubset)
	assert.Equal(t, 5, countExamples(t, sets.Validations[0].Held))
	assert.Equal(t, 2, p.TargetDim())

	// The training set never ends.
	for range 20 {
		_, inputs, labels, err := sets.Train.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, p.NumInputs()+1)
		assert.Empty(t, labels)
		assert.Equal(t, 12, inputs[0].Shape().Dim(1))
		assert.Equal(t, []int{inputs[0].Shape().Dim(0), 2}, inputs[2].Shape().Dimensions)
	}

	_, err = p.TrainInputs(X, Y[:10], nil, 4)
	require.ErrorIs(t, err, ferrors.ErrInputMismatch)

	// Few examples: no validation.
	sets, err = p.TrainInputs(X[:20], Y[:20], nil, 4)
	require.NoError(t, err)
	assert.Empty(t, sets.Validations)
	assert.Equal(t, 20, sets.Size)
}

func TestTrainInputsMultiTask(t *testing.T) {
	p := newPipeline(t, targets.Classifier, func(cfg *config.Config) {
		cfg.Tasks = map[string]config.TaskSplit{
			"t1": {ValSize: 2},
			"t2": {ValSize: 0.5, ValInterval: 7},
		}
	})
	var (
		X [][]string
		Y []any
	)
	for _, task := range []string{"t1", "t2"} {
		for i := range 10 {
			X = append(X, []string{task, fmt.Sprintf("%s text %d", task, i)})
			Y = append(Y, []string{"a", "b"}[i%2])
		}
	}
	sets, err := p.TrainInputs(X, Y, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 13, sets.Size)
	require.Len(t, sets.Validations, 2)
	assert.Equal(t, "t1", sets.Validations[0].Task)
	assert.Equal(t, 2, sets.Validations[0].Size)
	assert.Equal(t, 250, sets.Validations[0].Interval)
	assert.Equal(t, "t2", sets.Validations[1].Task)
	assert.Equal(t, 5, sets.Validations[1].Size)
	assert.Equal(t, 7, sets.Validations[1].Interval)
	for _, v := range sets.Validations {
		assert.Equal(t, v.Size, countExamples(t, v.Held))
		assert.Equal(t, v.Size, countExamples(t, v.TrainSubset))
	}

	examples, err := p.Encode(X[:1], nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", examples[0].Task)
	assert.Equal(t, "t1 text 0", examples[0].Text)
}

func TestPredictionQueue(t *testing.T) {
	q := NewPredictionQueue()
	q.Push(QueuedExample{Fields: []string{"a", "b"}}, QueuedExample{Fields: []string{"c", "d"}})
	assert.Equal(t, 2, q.Len())

	ex, padding := q.Next()
	assert.False(t, padding)
	assert.Equal(t, []string{"a", "b"}, ex.Fields)
	_, _ = q.Next()
	ex, padding = q.Next()
	assert.True(t, padding)
	assert.Equal(t, []string{"", ""}, ex.Fields, "padding matches the arity of the real examples")
	_, _ = q.Next()
	assert.Equal(t, 2, q.ToPull())
	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, 0, q.ToPull())

	q.Push(QueuedExample{Fields: []string{"e", "f"}})
	q.Close()
	assert.True(t, q.Closed())
	assert.Equal(t, 0, q.Len())
}

func TestCachedSource(t *testing.T) {
	p := newPipeline(t, targets.Classifier, nil)
	q := NewPredictionQueue()
	source := p.CachedSource(q, 3)
	q.Push(QueuedExample{Fields: []string{"hello"}})

	_, inputs, labels, err := source.Yield()
	require.NoError(t, err)
	assert.Nil(t, labels)
	assert.Equal(t, []int{3, 12}, inputs[0].Shape().Dimensions)
	last := source.Last()
	require.Len(t, last, 3)
	assert.Equal(t, []bool{false, true, true}, []bool{last[0].Padding, last[1].Padding, last[2].Padding})
	assert.Equal(t, "hello", last[0].Text)
	assert.Equal(t, 2, q.Drain())

	q.Close()
	_, _, _, err = source.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestCachedSourceEncodeError(t *testing.T) {
	p := newPipeline(t, targets.Classifier, nil)
	q := NewPredictionQueue()
	source := p.CachedSource(q, 4)
	q.Push(QueuedExample{Fields: []string{}}, QueuedExample{Fields: []string{"stale one"}},
		QueuedExample{Fields: []string{"stale two"}})
	_, _, _, err := source.Yield()
	require.ErrorIs(t, err, ferrors.ErrInputMismatch)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Drain())

	// The next batch starts with the next pushed example.
	q.Push(QueuedExample{Fields: []string{"fresh"}})
	_, _, _, err = source.Yield()
	require.NoError(t, err)
	last := source.Last()
	assert.Equal(t, "fresh", last[0].Text)
	assert.False(t, last[0].Padding)
	for _, ex := range last[1:] {
		assert.True(t, ex.Padding)
	}
	assert.Equal(t, 3, q.Drain())
}

func TestPredictionQueueReset(t *testing.T) {
	q := NewPredictionQueue()
	q.Push(QueuedExample{Fields: []string{"a"}})
	_, _ = q.Next()
	_, _ = q.Next()
	q.Push(QueuedExample{Fields: []string{"b"}})
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.ToPull())
	assert.False(t, q.Closed())
}
