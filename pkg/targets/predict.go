// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// Names of the prediction outputs.
const (
	PredProbas       = "probas"
	PredValues       = "values"
	PredTagScores    = "tag_scores"
	PredTagProbas    = "tag_probas"
	PredGroupScores  = "group_scores"
	PredStarts       = "starts"
	PredNext         = "next"
	PredRelations    = "relations"
	PredAssociations = "associations"
	PredTokens       = "tokens"
)

// PredictionOutput is one named output of the prediction graph.
type PredictionOutput struct {
	Name string
	Node *Node

	// Shared outputs (the transition matrices) have no batch axis.
	Shared bool
}

// PredictionOutputs returns the graph outputs needed to decode the predictions of the head kind.
// Everything that can be computed in the graph (softmax, sigmoid thresholds, argmax) is; CRF
// decoding is left to Decode, on the host. All outputs are float32.
func PredictionOutputs(kind Kind, out Output) []PredictionOutput {
	f32 := func(x *Node) *Node { return ConvertDType(x, dtypes.Float32) }
	logits := out.Logits[KeyLogits]
	lengths := func() PredictionOutput {
		return PredictionOutput{Name: KeyLengths, Node: f32(out.PredictParams[KeyLengths])}
	}
	transitions := func(key string) PredictionOutput {
		return PredictionOutput{Name: key, Node: f32(out.PredictParams[key]), Shared: true}
	}
	tagOutputs := func(tagLogits *Node) []PredictionOutput {
		return []PredictionOutput{
			{Name: PredTagScores, Node: f32(tagLogits)},
			{Name: PredTagProbas, Node: Softmax(f32(tagLogits), -1)},
			lengths(),
			transitions(KeyTransitions),
		}
	}
	argMax := func(x *Node) *Node { return f32(ArgMax(x, -1, dtypes.Int32)) }

	switch kind {
	case LanguageModel:
		return []PredictionOutput{{Name: PredTokens, Node: argMax(logits)}}
	case Classifier, MultipleChoice:
		return []PredictionOutput{{Name: PredProbas, Node: Softmax(logits, -1)}}
	case MultiClassifier, OrdinalRegressor:
		return []PredictionOutput{{Name: PredProbas, Node: Sigmoid(logits)}}
	case Regressor:
		return []PredictionOutput{{Name: PredValues, Node: f32(logits)}}
	case SequenceLabeler, MultiLogitGroupLabeler:
		return tagOutputs(logits)
	case MultiCRFGroupLabeler:
		return append(tagOutputs(logits),
			PredictionOutput{Name: PredGroupScores, Node: f32(out.Logits[KeyGroupLogits])},
			transitions(KeyGroupTransitions))
	case BrosDecoder:
		return []PredictionOutput{
			{Name: PredStarts, Node: argMax(out.Logits[KeyStartLogits])},
			{Name: PredNext, Node: argMax(out.Logits[KeyNextLogits])},
			lengths(),
		}
	case JointBros:
		return append(tagOutputs(out.Logits[KeyTagLogits]),
			PredictionOutput{Name: PredStarts, Node: argMax(out.Logits[KeyStartLogits])},
			PredictionOutput{Name: PredNext, Node: argMax(out.Logits[KeyNextLogits])})
	case TokenRelationDecoder:
		return []PredictionOutput{
			{Name: PredRelations, Node: f32(GreaterThan(logits, ZerosLike(logits)))},
			lengths(),
		}
	case JointTokenRelation:
		relationLogits := out.Logits[KeyRelationLogits]
		return append(tagOutputs(out.Logits[KeyTagLogits]),
			PredictionOutput{Name: PredRelations, Node: f32(GreaterThan(relationLogits, ZerosLike(relationLogits)))})
	case Association:
		return append(tagOutputs(logits),
			PredictionOutput{Name: PredAssociations, Node: argMax(out.Logits[KeyAssociation])})
	}
	return nil
}

// Row is the slice of one prediction output for a single example (or a shared output), as a flat
// row-major array and its dimensions.
type Row struct {
	Data []float32
	Dims []int
}

// Matrix returns a rank-2 row as [Dims[0]][Dims[1]] slices, sharing the underlying data.
func (r Row) Matrix() [][]float32 {
	if len(r.Dims) != 2 {
		return nil
	}
	m := make([][]float32, r.Dims[0])
	for i := range m {
		m[i] = r.Data[i*r.Dims[1] : (i+1)*r.Dims[1]]
	}
	return m
}

// Sub returns the i-th element of the leading axis.
func (r Row) Sub(i int) Row {
	size := 1
	for _, d := range r.Dims[1:] {
		size *= d
	}
	return Row{Data: r.Data[i*size : (i+1)*size], Dims: r.Dims[1:]}
}

// Decoded is the prediction of a single example. Only the fields of the head kind are set.
type Decoded struct {
	// Class is the argmax class, for classifiers and multiple choice.
	Class int

	// Probas holds the class probabilities; for multi-label and ordinal heads, per-class sigmoid
	// probabilities.
	Probas []float32

	// Labels marks the active classes of a multi-label classifier.
	Labels []bool

	// Values of a regressor.
	Values []float32

	// Rank of an ordinal regressor: the number of consecutive thresholds passed.
	Rank int

	// Tags holds one tag per valid token, and TagProbas its per-token softmax probabilities.
	Tags      []int
	TagProbas [][]float32

	// MultiTags holds, for multi-label sequences, [token][class] flags.
	MultiTags [][]bool

	// GroupTags holds one group tag (0, 1 or 2) per valid token.
	GroupTags []int

	// Starts and Next are the BROS decoding. Next[i] is the index of the token following token i,
	// or -1 for none.
	Starts []bool
	Next   []int

	// Relations[i][j] is set if tokens i and j are related.
	Relations [][]bool

	// Associations[i][j] is the association class between tokens i and j (0 for none).
	Associations [][]int
}

// Decode converts the prediction outputs of one example into a Decoded. rows holds the
// per-example outputs and the shared ones, keyed by PredictionOutput.Name. multiLabel selects the
// multi-label sequence decoding, and padID is that mode's pad class.
func Decode(kind Kind, rows map[string]Row, multiLabel bool, padID int) (Decoded, error) {
	var d Decoded
	get := func(name string) (Row, error) {
		r, found := rows[name]
		if !found {
			return Row{}, errors.Wrapf(ferrors.ErrInputMismatch, "missing prediction output %q for %s", name, kind)
		}
		return r, nil
	}
	length := func(seqLen int) int {
		if r, found := rows[KeyLengths]; found && len(r.Data) > 0 {
			return min(int(r.Data[0]), seqLen)
		}
		return seqLen
	}

	switch kind {
	case LanguageModel:
		r, err := get(PredTokens)
		if err != nil {
			return d, err
		}
		d.Tags = toInts(r.Data)
		return d, nil

	case Classifier, MultipleChoice:
		r, err := get(PredProbas)
		if err != nil {
			return d, err
		}
		d.Probas = r.Data
		d.Class = argMaxF32(r.Data)
		return d, nil

	case MultiClassifier:
		r, err := get(PredProbas)
		if err != nil {
			return d, err
		}
		d.Probas = r.Data
		d.Labels = make([]bool, len(r.Data))
		for i, p := range r.Data {
			d.Labels[i] = p > 0.5
		}
		return d, nil

	case OrdinalRegressor:
		r, err := get(PredProbas)
		if err != nil {
			return d, err
		}
		d.Probas = r.Data
		for _, p := range r.Data {
			if p <= 0.5 {
				break
			}
			d.Rank++
		}
		return d, nil

	case Regressor:
		r, err := get(PredValues)
		if err != nil {
			return d, err
		}
		d.Values = r.Data
		return d, nil
	}

	// Token level heads.
	if kind != BrosDecoder && kind != TokenRelationDecoder {
		if err := decodeTags(&d, rows, multiLabel, padID, length); err != nil {
			return d, err
		}
	}
	switch kind {
	case MultiCRFGroupLabeler:
		scores, err := get(PredGroupScores)
		if err != nil {
			return d, err
		}
		transitions, err := get(KeyGroupTransitions)
		if err != nil {
			return d, err
		}
		if d.GroupTags, _, err = Viterbi(scores.Matrix(), transitions.Matrix(), length(scores.Dims[0])); err != nil {
			return d, errors.WithMessage(err, "decoding group tags")
		}

	case BrosDecoder, JointBros:
		starts, err := get(PredStarts)
		if err != nil {
			return d, err
		}
		next, err := get(PredNext)
		if err != nil {
			return d, err
		}
		n := length(len(starts.Data))
		d.Starts = make([]bool, n)
		d.Next = make([]int, n)
		for i := range n {
			d.Starts[i] = starts.Data[i] > 0
			d.Next[i] = int(next.Data[i]) - 1
			if d.Next[i] >= n {
				d.Next[i] = -1
			}
		}

	case TokenRelationDecoder, JointTokenRelation:
		relations, err := get(PredRelations)
		if err != nil {
			return d, err
		}
		m := relations.Matrix()
		n := length(len(m))
		d.Relations = make([][]bool, n)
		for i := range n {
			d.Relations[i] = make([]bool, n)
			for j := range n {
				d.Relations[i][j] = m[i][j] > 0
			}
		}

	case Association:
		associations, err := get(PredAssociations)
		if err != nil {
			return d, err
		}
		m := associations.Matrix()
		n := length(len(m))
		d.Associations = make([][]int, n)
		for i := range n {
			d.Associations[i] = toInts(m[i][:n])
		}
	}
	return d, nil
}

// decodeTags runs the (host side) Viterbi decoding of the tag scores.
func decodeTags(d *Decoded, rows map[string]Row, multiLabel bool, padID int, length func(int) int) error {
	scores, found := rows[PredTagScores]
	transitions, foundT := rows[KeyTransitions]
	if !found || !foundT {
		return errors.Wrapf(ferrors.ErrInputMismatch, "missing tag scores or transition matrix")
	}
	if probas, found := rows[PredTagProbas]; found {
		if m := probas.Matrix(); m != nil {
			d.TagProbas = m[:length(len(m))]
		}
	}
	n := length(scores.Dims[0])
	if !multiLabel || len(scores.Dims) != 3 {
		var err error
		d.Tags, _, err = Viterbi(scores.Matrix(), transitions.Matrix(), n)
		return errors.WithMessage(err, "decoding tags")
	}

	// Multi-label: scores [seq, classes, 2] and transitions [classes, 2, 2].
	numClasses := scores.Dims[1]
	d.MultiTags = make([][]bool, n)
	for t := range n {
		d.MultiTags[t] = make([]bool, numClasses)
	}
	classScores := make([][]float32, scores.Dims[0])
	for class := range numClasses {
		if class == padID {
			continue
		}
		for t := range classScores {
			classScores[t] = scores.Sub(t).Sub(class).Data
		}
		tags, _, err := Viterbi(classScores, transitions.Sub(class).Matrix(), n)
		if err != nil {
			return errors.WithMessagef(err, "decoding tags of class %d", class)
		}
		for t, tag := range tags {
			d.MultiTags[t][class] = tag == 1
		}
	}
	return nil
}

func toInts(values []float32) []int {
	ints := make([]int, len(values))
	for i, v := range values {
		ints[i] = int(v)
	}
	return ints
}

func argMaxF32(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
