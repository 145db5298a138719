// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/targets"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// LabelEncoder converts the targets given by the user to the arrays fed to a head, and back.
type LabelEncoder interface {
	// Fit learns the classes from the training targets. examples are the matching inputs.
	Fit(labels []any, examples [][]string) error

	// Encode returns one array per target tensor of the head, with the examples in the leading
	// axis.
	Encode(labels []any, examples []*Example) ([]any, error)

	// TargetDim is the number of targets of the head.
	TargetDim() int

	// Classes in target index order. Empty for regressors.
	Classes() []string

	State() LabelState
	Restore(state LabelState) error
}

// LabelState is the serializable state of a LabelEncoder, saved with the model.
type LabelState struct {
	Classes []string `yaml:"classes,omitempty"`
	Dim     int      `yaml:"dim,omitempty"`
}

// NewLabelEncoder returns the label encoder for the head kind, or nil for the language model,
// which has no targets.
func NewLabelEncoder(kind targets.Kind, padToken string, multiLabel bool, associationTypes []string) LabelEncoder {
	switch kind {
	case targets.LanguageModel:
		return nil
	case targets.Classifier:
		return NewOneHotLabels()
	case targets.MultiClassifier:
		return NewMultiLabels()
	case targets.MultipleChoice:
		return &ChoiceLabels{}
	case targets.Regressor:
		return &RegressionLabels{}
	case targets.OrdinalRegressor:
		return NewOrdinalLabels()
	}
	return NewSequenceLabels(kind, padToken, multiLabel, associationTypes)
}

// labelString formats a scalar label as a class name.
func labelString(label any) string {
	switch l := label.(type) {
	case string:
		return l
	case fmt.Stringer:
		return l.String()
	}
	return fmt.Sprint(label)
}

// classIndex keeps classes in insertion order.
type classIndex struct {
	m *orderedmap.OrderedMap[string, int]
}

func newClassIndex() classIndex {
	return classIndex{m: orderedmap.New[string, int]()}
}

func (c classIndex) add(name string) {
	if _, found := c.m.Get(name); !found {
		c.m.Set(name, c.m.Len())
	}
}

func (c classIndex) index(name string) (int, bool) {
	return c.m.Get(name)
}

func (c classIndex) names() []string {
	names := make([]string, 0, c.m.Len())
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (c classIndex) len() int { return c.m.Len() }

func (c *classIndex) reset(names []string) {
	c.m = orderedmap.New[string, int]()
	for _, name := range names {
		c.add(name)
	}
}

// OneHotLabels encodes a single class per example as a one-hot vector.
type OneHotLabels struct {
	classes classIndex
}

// NewOneHotLabels creates an empty encoder.
func NewOneHotLabels() *OneHotLabels {
	return &OneHotLabels{classes: newClassIndex()}
}

func (e *OneHotLabels) Fit(labels []any, _ [][]string) error {
	for _, l := range labels {
		e.classes.add(labelString(l))
	}
	if e.classes.len() < 2 {
		return ferrors.InputMismatchf("a classifier needs at least 2 classes, got %d", e.classes.len())
	}
	return nil
}

func (e *OneHotLabels) Encode(labels []any, _ []*Example) ([]any, error) {
	n := e.classes.len()
	out := make([][]float32, len(labels))
	for i, l := range labels {
		idx, found := e.classes.index(labelString(l))
		if !found {
			return nil, ferrors.InputMismatchf("unknown class %q in example %d", labelString(l), i)
		}
		out[i] = make([]float32, n)
		out[i][idx] = 1
	}
	return []any{out}, nil
}

func (e *OneHotLabels) TargetDim() int    { return e.classes.len() }
func (e *OneHotLabels) Classes() []string { return e.classes.names() }
func (e *OneHotLabels) State() LabelState { return LabelState{Classes: e.Classes()} }

func (e *OneHotLabels) Restore(state LabelState) error {
	e.classes.reset(state.Classes)
	return nil
}

// Inverse returns the name of class idx.
func (e *OneHotLabels) Inverse(idx int) string {
	names := e.classes.names()
	if idx < 0 || idx >= len(names) {
		return ""
	}
	return names[idx]
}

// MultiLabels encodes any number of classes per example, given as []string, as a multi-hot
// vector.
type MultiLabels struct {
	classes classIndex
}

// NewMultiLabels creates an empty encoder.
func NewMultiLabels() *MultiLabels {
	return &MultiLabels{classes: newClassIndex()}
}

func multiLabelNames(label any) ([]string, error) {
	switch l := label.(type) {
	case []string:
		return l, nil
	case string:
		return []string{l}, nil
	case nil:
		return nil, nil
	case []any:
		names := make([]string, len(l))
		for i, v := range l {
			names[i] = labelString(v)
		}
		return names, nil
	}
	return nil, ferrors.InputMismatchf("multi-label targets must be []string, got %T", label)
}

func (e *MultiLabels) Fit(labels []any, _ [][]string) error {
	for _, l := range labels {
		names, err := multiLabelNames(l)
		if err != nil {
			return err
		}
		for _, name := range names {
			e.classes.add(name)
		}
	}
	if e.classes.len() == 0 {
		return ferrors.InputMismatchf("no labels given to the multi-label classifier")
	}
	return nil
}

func (e *MultiLabels) Encode(labels []any, _ []*Example) ([]any, error) {
	out := make([][]float32, len(labels))
	for i, l := range labels {
		names, err := multiLabelNames(l)
		if err != nil {
			return nil, err
		}
		out[i] = make([]float32, e.classes.len())
		for _, name := range names {
			idx, found := e.classes.index(name)
			if !found {
				return nil, ferrors.InputMismatchf("unknown class %q in example %d", name, i)
			}
			out[i][idx] = 1
		}
	}
	return []any{out}, nil
}

func (e *MultiLabels) TargetDim() int    { return e.classes.len() }
func (e *MultiLabels) Classes() []string { return e.classes.names() }
func (e *MultiLabels) State() LabelState { return LabelState{Classes: e.Classes()} }

func (e *MultiLabels) Restore(state LabelState) error {
	e.classes.reset(state.Classes)
	return nil
}

// Inverse returns the names of the active classes.
func (e *MultiLabels) Inverse(active []bool) []string {
	var names []string
	for i, name := range e.classes.names() {
		if i < len(active) && active[i] {
			names = append(names, name)
		}
	}
	return names
}

// RegressionLabels passes through real valued targets: float64 or []float64 per example.
type RegressionLabels struct {
	dim int
}

func regressionValues(label any) ([]float32, error) {
	switch l := label.(type) {
	case float64:
		return []float32{float32(l)}, nil
	case float32:
		return []float32{l}, nil
	case int:
		return []float32{float32(l)}, nil
	case []float64:
		values := make([]float32, len(l))
		for i, v := range l {
			values[i] = float32(v)
		}
		return values, nil
	case []float32:
		return l, nil
	case []any:
		values := make([]float32, len(l))
		for i, v := range l {
			single, err := regressionValues(v)
			if err != nil || len(single) != 1 {
				return nil, ferrors.InputMismatchf("invalid regression target %v", label)
			}
			values[i] = single[0]
		}
		return values, nil
	}
	return nil, ferrors.InputMismatchf("regression targets must be float64 or []float64, got %T", label)
}

func (e *RegressionLabels) Fit(labels []any, _ [][]string) error {
	e.dim = 0
	for i, l := range labels {
		values, err := regressionValues(l)
		if err != nil {
			return err
		}
		if e.dim == 0 {
			e.dim = len(values)
		} else if len(values) != e.dim {
			return ferrors.InputMismatchf("example %d has %d regression targets, expected %d", i, len(values), e.dim)
		}
	}
	if e.dim == 0 {
		return ferrors.InputMismatchf("no regression targets given")
	}
	return nil
}

func (e *RegressionLabels) Encode(labels []any, _ []*Example) ([]any, error) {
	out := make([][]float32, len(labels))
	for i, l := range labels {
		values, err := regressionValues(l)
		if err != nil {
			return nil, err
		}
		if len(values) != e.dim {
			return nil, ferrors.InputMismatchf("example %d has %d regression targets, expected %d", i, len(values), e.dim)
		}
		out[i] = values
	}
	return []any{out}, nil
}

func (e *RegressionLabels) TargetDim() int    { return e.dim }
func (e *RegressionLabels) Classes() []string { return nil }
func (e *RegressionLabels) State() LabelState { return LabelState{Dim: e.dim} }

func (e *RegressionLabels) Restore(state LabelState) error {
	if state.Dim <= 0 {
		return errors.Errorf("invalid regression label state, dim=%d", state.Dim)
	}
	e.dim = state.Dim
	return nil
}

// OrdinalLabels encodes ordered classes with a cumulative binary encoding: class k of n sets
// the first k of the n-1 thresholds. Classes are sorted numerically if they all parse as numbers,
// and lexicographically otherwise.
type OrdinalLabels struct {
	classes classIndex
}

// NewOrdinalLabels creates an empty encoder.
func NewOrdinalLabels() *OrdinalLabels {
	return &OrdinalLabels{classes: newClassIndex()}
}

func (e *OrdinalLabels) Fit(labels []any, _ [][]string) error {
	seen := newClassIndex()
	for _, l := range labels {
		seen.add(labelString(l))
	}
	names := seen.names()
	if len(names) < 2 {
		return ferrors.InputMismatchf("ordinal regression needs at least 2 classes, got %d", len(names))
	}
	numeric := true
	values := make(map[string]float64, len(names))
	for _, name := range names {
		v, err := strconv.ParseFloat(name, 64)
		if err != nil {
			numeric = false
			break
		}
		values[name] = v
	}
	if numeric {
		slices.SortFunc(names, func(a, b string) int {
			switch {
			case values[a] < values[b]:
				return -1
			case values[a] > values[b]:
				return 1
			}
			return 0
		})
	} else {
		slices.Sort(names)
	}
	e.classes.reset(names)
	return nil
}

func (e *OrdinalLabels) Encode(labels []any, _ []*Example) ([]any, error) {
	out := make([][]float32, len(labels))
	for i, l := range labels {
		rank, found := e.classes.index(labelString(l))
		if !found {
			return nil, ferrors.InputMismatchf("unknown ordinal class %q in example %d", labelString(l), i)
		}
		out[i] = make([]float32, e.TargetDim())
		for j := range rank {
			out[i][j] = 1
		}
	}
	return []any{out}, nil
}

func (e *OrdinalLabels) TargetDim() int    { return max(e.classes.len()-1, 0) }
func (e *OrdinalLabels) Classes() []string { return e.classes.names() }
func (e *OrdinalLabels) State() LabelState { return LabelState{Classes: e.Classes()} }

func (e *OrdinalLabels) Restore(state LabelState) error {
	e.classes.reset(state.Classes)
	return nil
}

// Inverse returns the class at rank.
func (e *OrdinalLabels) Inverse(rank int) string {
	names := e.classes.names()
	if len(names) == 0 {
		return ""
	}
	return names[min(max(rank, 0), len(names)-1)]
}

// ChoiceLabels encodes the answer of a multiple choice example: the index of the right choice
// (an int), or its text, which must equal one of the choice fields.
type ChoiceLabels struct {
	numChoices int
}

func (e *ChoiceLabels) Fit(_ []any, examples [][]string) error {
	e.numChoices = 0
	for i, ex := range examples {
		choices := len(ex) - 1
		if e.numChoices == 0 {
			e.numChoices = choices
		} else if choices != e.numChoices {
			return ferrors.InputMismatchf("example %d has %d choices, expected %d", i, choices, e.numChoices)
		}
	}
	if e.numChoices < 2 {
		return ferrors.InputMismatchf("multiple choice examples need a question and at least 2 choices")
	}
	return nil
}

func (e *ChoiceLabels) Encode(labels []any, examples []*Example) ([]any, error) {
	out := make([]int32, len(labels))
	for i, l := range labels {
		switch answer := l.(type) {
		case int:
			if answer < 0 || answer >= e.numChoices {
				return nil, ferrors.InputMismatchf("answer %d of example %d out of range [0, %d)", answer, i, e.numChoices)
			}
			out[i] = int32(answer)
		case string:
			idx := -1
			if i < len(examples) {
				idx = slices.Index(examples[i].Fields[1:], answer)
			}
			if idx < 0 {
				return nil, ferrors.InputMismatchf("answer %q of example %d is not one of its choices", answer, i)
			}
			out[i] = int32(idx)
		default:
			return nil, ferrors.InputMismatchf("multiple choice answers must be an int or a string, got %T", l)
		}
	}
	return []any{out}, nil
}

func (e *ChoiceLabels) TargetDim() int    { return e.numChoices }
func (e *ChoiceLabels) Classes() []string { return nil }
func (e *ChoiceLabels) State() LabelState { return LabelState{Dim: e.numChoices} }

func (e *ChoiceLabels) Restore(state LabelState) error {
	e.numChoices = state.Dim
	return nil
}

// ClassWeights returns the per-class weight vector for the classes of enc. Classes not in
// weights get 1. It returns nil if weights is empty.
func ClassWeights(enc LabelEncoder, weights map[string]float64) ([]float32, error) {
	if len(weights) == 0 || enc == nil {
		return nil, nil
	}
	classes := enc.Classes()
	if len(classes) == 0 {
		return nil, ferrors.Configurationf("class_weights are not supported by this target")
	}
	vector := make([]float32, enc.TargetDim())
	for i := range vector {
		vector[i] = 1
	}
	for name, w := range weights {
		idx := slices.Index(classes, name)
		if idx < 0 || idx >= len(vector) {
			return nil, ferrors.Configurationf("class_weights has unknown class %q", name)
		}
		vector[idx] = float32(w)
	}
	return vector, nil
}
