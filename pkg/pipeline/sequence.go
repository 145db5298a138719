// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/encoding"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/targets"
)

// Annotation labels the [Start, End) byte range of a document.
type Annotation struct {
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
	Label string `yaml:"label"`

	// Text, if set, must equal the document text at [Start, End).
	Text string `yaml:"text,omitempty"`

	// Group links annotations into one group, 0 for none.
	Group int `yaml:"group,omitempty"`
}

// Relation links the annotations at indices From and To of a Document.
type Relation struct {
	From int    `yaml:"from"`
	To   int    `yaml:"to"`
	Type string `yaml:"type,omitempty"`
}

// Document is the target of a token-level head. []Annotation is also accepted as target when
// there are no relations.
type Document struct {
	Annotations []Annotation `yaml:"annotations"`
	Relations   []Relation   `yaml:"relations,omitempty"`
}

func toDocument(label any) (Document, error) {
	switch l := label.(type) {
	case nil:
		return Document{}, nil
	case Document:
		return l, nil
	case *Document:
		return *l, nil
	case []Annotation:
		return Document{Annotations: l}, nil
	}
	return Document{}, ferrors.InputMismatchf("token level targets must be []Annotation or Document, got %T", label)
}

// Group prefixes of the grouped tags.
const (
	groupOutside = iota
	groupBegin
	groupInside
)

var groupSuffixes = []string{"", "/group-begin", "/group-inside"}

// SequenceLabels encodes annotations as per-token targets of the token-level heads. Tokens are
// aligned to the annotations by their character offsets: a token gets the label of the first
// annotation it overlaps, or the pad label.
//
// The pad label is always class 0.
type SequenceLabels struct {
	kind             targets.Kind
	padToken         string
	multiLabel       bool
	associationTypes []string

	// labels excludes the group prefixes of the MultiLogitGroupLabeler.
	labels classIndex
}

// NewSequenceLabels creates the encoder for a token-level head kind.
func NewSequenceLabels(kind targets.Kind, padToken string, multiLabel bool, associationTypes []string) *SequenceLabels {
	e := &SequenceLabels{
		kind:             kind,
		padToken:         padToken,
		multiLabel:       multiLabel && kind == targets.SequenceLabeler,
		associationTypes: associationTypes,
		labels:           newClassIndex(),
	}
	e.labels.add(padToken)
	return e
}

// PadID is the class of tokens without annotation.
func (e *SequenceLabels) PadID() int { return 0 }

// MultiLabel reports whether tokens may have several labels.
func (e *SequenceLabels) MultiLabel() bool { return e.multiLabel }

func (e *SequenceLabels) grouped() bool { return e.kind == targets.MultiLogitGroupLabeler }

func (e *SequenceLabels) Fit(labels []any, _ [][]string) error {
	for _, l := range labels {
		doc, err := toDocument(l)
		if err != nil {
			return err
		}
		for _, a := range doc.Annotations {
			e.labels.add(a.Label)
		}
	}
	return nil
}

func (e *SequenceLabels) TargetDim() int {
	if e.grouped() {
		return 3 * e.labels.len()
	}
	return e.labels.len()
}

// Classes returns the tag names. For the MultiLogitGroupLabeler every label has 3 tags, for the
// tokens outside a group, at the beginning of a group and inside a group.
func (e *SequenceLabels) Classes() []string {
	names := e.labels.names()
	if !e.grouped() {
		return names
	}
	tags := make([]string, 0, 3*len(names))
	for _, name := range names {
		for _, suffix := range groupSuffixes {
			tags = append(tags, name+suffix)
		}
	}
	return tags
}

func (e *SequenceLabels) State() LabelState { return LabelState{Classes: e.labels.names()} }

func (e *SequenceLabels) Restore(state LabelState) error {
	if len(state.Classes) == 0 || state.Classes[0] != e.padToken {
		return ferrors.Configurationf("saved sequence labels don't start with the pad token %q", e.padToken)
	}
	e.labels.reset(state.Classes)
	return nil
}

// alignment maps each framed position to the annotations its token overlaps.
type alignment struct {
	// tokenAnnotations[p] lists indices into the document annotations.
	tokenAnnotations [][]int
	// positions[a] lists the framed positions of the tokens of annotation a, in order.
	positions [][]int
}

func align(doc Document, ex *Example) (alignment, error) {
	text := ex.Text
	for i, a := range doc.Annotations {
		if a.Start < 0 || a.End < a.Start || a.End > len(text) {
			return alignment{}, ferrors.InputMismatchf("annotation %d [%d, %d) is out of the document bounds [0, %d)",
				i, a.Start, a.End, len(text))
		}
		if a.Text != "" && text[a.Start:a.End] != a.Text {
			return alignment{}, ferrors.InputMismatchf("annotation %d text %q doesn't match the document text %q at [%d, %d)",
				i, a.Text, text[a.Start:a.End], a.Start, a.End)
		}
	}
	al := alignment{
		tokenAnnotations: make([][]int, len(ex.Framed.Tokens)),
		positions:        make([][]int, len(doc.Annotations)),
	}
	for p, src := range ex.Framed.Source {
		if src < 0 {
			continue
		}
		loc := ex.Encoded.CharLocs[src]
		for i, a := range doc.Annotations {
			if loc.Start < a.End && loc.End > a.Start {
				al.tokenAnnotations[p] = append(al.tokenAnnotations[p], i)
				al.positions[i] = append(al.positions[i], p)
			}
		}
	}
	return al, nil
}

func (e *SequenceLabels) labelOf(a Annotation) (int, error) {
	idx, found := e.labels.index(a.Label)
	if !found {
		return 0, ferrors.InputMismatchf("unknown sequence label %q", a.Label)
	}
	return idx, nil
}

// tags returns the single-label tags of the framed positions.
func (e *SequenceLabels) tags(doc Document, al alignment) ([]int32, error) {
	tags := make([]int32, len(al.tokenAnnotations))
	for p, anns := range al.tokenAnnotations {
		if len(anns) == 0 {
			continue
		}
		idx, err := e.labelOf(doc.Annotations[anns[0]])
		if err != nil {
			return nil, err
		}
		tags[p] = int32(idx)
	}
	return tags, nil
}

// groupTags returns, for every framed position, whether it is outside, at the begin or inside
// of a group of annotations.
func groupTags(doc Document, al alignment) []int32 {
	tags := make([]int32, len(al.tokenAnnotations))
	started := map[int]bool{}
	for p, anns := range al.tokenAnnotations {
		for _, i := range anns {
			group := doc.Annotations[i].Group
			if group == 0 {
				continue
			}
			if started[group] {
				tags[p] = groupInside
			} else {
				tags[p] = groupBegin
				started[group] = true
			}
			break
		}
	}
	return tags
}

// bros returns the start flags and the next token index (position+1, 0 for none).
func bros(al alignment) (starts, next []int32) {
	starts = make([]int32, len(al.tokenAnnotations))
	next = make([]int32, len(al.tokenAnnotations))
	for _, positions := range al.positions {
		for i, p := range positions {
			if i == 0 {
				starts[p] = 1
			}
			if i+1 < len(positions) {
				next[p] = int32(positions[i+1] + 1)
			}
		}
	}
	return
}

// pairs returns the [s, s] matrix with value(relation) for every pair of tokens of related
// annotations.
func pairs(doc Document, al alignment, value func(r Relation) (int32, error)) ([][]int32, error) {
	s := len(al.tokenAnnotations)
	m := make([][]int32, s)
	for i := range m {
		m[i] = make([]int32, s)
	}
	for i, r := range doc.Relations {
		if r.From < 0 || r.From >= len(al.positions) || r.To < 0 || r.To >= len(al.positions) {
			return nil, ferrors.InputMismatchf("relation %d links unknown annotations %d and %d", i, r.From, r.To)
		}
		v, err := value(r)
		if err != nil {
			return nil, err
		}
		for _, p := range al.positions[r.From] {
			for _, q := range al.positions[r.To] {
				m[p][q] = v
			}
		}
	}
	return m, nil
}

// pairMask is 1 for every pair of real tokens.
func pairMask(ex *Example) [][]int32 {
	s := len(ex.Framed.Tokens)
	m := make([][]int32, s)
	for i := range m {
		m[i] = make([]int32, s)
		if ex.Framed.Mask[i] == 0 {
			continue
		}
		for j := range s {
			if ex.Framed.Mask[j] > 0 {
				m[i][j] = 1
			}
		}
	}
	return m
}

func (e *SequenceLabels) Encode(labels []any, examples []*Example) ([]any, error) {
	if len(labels) != len(examples) {
		return nil, ferrors.InputMismatchf("%d targets for %d examples", len(labels), len(examples))
	}
	var (
		single  [][]int32
		multi   [][][]int32
		rows    [][][]int32
		matrix  [][][][]int32
		assoc   [][][]int32
		numTags = e.labels.len()
	)
	for i, l := range labels {
		doc, err := toDocument(l)
		if err != nil {
			return nil, err
		}
		ex := examples[i]
		al, err := align(doc, ex)
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		if e.multiLabel {
			m := make([][]int32, len(al.tokenAnnotations))
			for p, anns := range al.tokenAnnotations {
				m[p] = make([]int32, numTags)
				if len(anns) == 0 {
					m[p][e.PadID()] = 1
				}
				for _, a := range anns {
					idx, err := e.labelOf(doc.Annotations[a])
					if err != nil {
						return nil, err
					}
					m[p][idx] = 1
				}
			}
			multi = append(multi, m)
			continue
		}
		tags, err := e.tags(doc, al)
		if err != nil {
			return nil, err
		}
		switch e.kind {
		case targets.SequenceLabeler:
			single = append(single, tags)

		case targets.MultiLogitGroupLabeler:
			group := groupTags(doc, al)
			for p := range tags {
				tags[p] = 3*tags[p] + group[p]
			}
			single = append(single, tags)

		case targets.MultiCRFGroupLabeler:
			rows = append(rows, [][]int32{tags, groupTags(doc, al)})

		case targets.BrosDecoder:
			starts, next := bros(al)
			rows = append(rows, [][]int32{starts, next})

		case targets.JointBros:
			starts, next := bros(al)
			rows = append(rows, [][]int32{tags, starts, next})

		case targets.TokenRelationDecoder, targets.JointTokenRelation:
			related, err := pairs(doc, al, func(Relation) (int32, error) { return 1, nil })
			if err != nil {
				return nil, err
			}
			m := [][][]int32{pairMask(ex), related}
			if e.kind == targets.JointTokenRelation {
				tagRow := make([][]int32, len(tags))
				tagRow[0] = tags
				for p := 1; p < len(tagRow); p++ {
					tagRow[p] = make([]int32, len(tags))
				}
				m = append([][][]int32{tagRow}, m...)
			}
			matrix = append(matrix, m)

		case targets.Association:
			associations, err := pairs(doc, al, func(r Relation) (int32, error) {
				idx := slices.Index(e.associationTypes, r.Type)
				if idx < 0 {
					return 0, ferrors.InputMismatchf("unknown association type %q, configured types are %v",
						r.Type, e.associationTypes)
				}
				return int32(idx + 1), nil
			})
			if err != nil {
				return nil, err
			}
			single = append(single, tags)
			assoc = append(assoc, associations)

		default:
			return nil, ferrors.Unsupportedf("no sequence targets for head %s", e.kind)
		}
	}
	switch {
	case e.multiLabel:
		return []any{multi}, nil
	case e.kind == targets.Association:
		return []any{single, assoc}, nil
	case single != nil:
		return []any{single}, nil
	case rows != nil:
		return []any{rows}, nil
	}
	return []any{matrix}, nil
}

// InverseTransform groups the predicted tags of an example back into annotations: consecutive
// tokens with the same non-pad tag form one annotation. tags are indexed by framed position.
func (e *SequenceLabels) InverseTransform(ex *Example, tags []int) []Annotation {
	names := e.labels.names()
	var (
		out   []Annotation
		group int
	)
	lastPos := -2
	for p, tag := range tags {
		if p >= len(ex.Framed.Source) || ex.Framed.Source[p] < 0 {
			continue
		}
		label, prefix := tag, groupOutside
		if e.grouped() {
			label, prefix = tag/3, tag%3
		}
		if label <= 0 || label >= len(names) {
			lastPos = -2
			continue
		}
		loc := ex.Encoded.CharLocs[ex.Framed.Source[p]]
		if prefix == groupBegin {
			group++
		}
		annGroup := 0
		if prefix != groupOutside {
			annGroup = max(group, 1)
		}
		if n := len(out); n > 0 && lastPos == p-1 && out[n-1].Label == names[label] && out[n-1].Group == annGroup &&
			prefix != groupBegin {
			out[n-1].End = loc.End
		} else {
			out = append(out, Annotation{Start: loc.Start, End: loc.End, Label: names[label], Group: annGroup})
		}
		lastPos = p
	}
	for i := range out {
		out[i].Text = ex.Text[out[i].Start:out[i].End]
	}
	return out
}

// InverseMultiLabel is InverseTransform for multi-label tags, given as [position][class] flags.
// Each class yields its own runs of consecutive tokens.
func (e *SequenceLabels) InverseMultiLabel(ex *Example, tags [][]bool) []Annotation {
	names := e.labels.names()
	var out []Annotation
	for class := 1; class < len(names); class++ {
		open := -1
		for p := 0; p <= len(tags); p++ {
			active := p < len(tags) && class < len(tags[p]) && tags[p][class] &&
				p < len(ex.Framed.Source) && ex.Framed.Source[p] >= 0
			if active && open < 0 {
				open = p
			}
			if !active && open >= 0 {
				first := ex.Encoded.CharLocs[ex.Framed.Source[open]]
				last := ex.Encoded.CharLocs[ex.Framed.Source[p-1]]
				out = append(out, Annotation{Start: first.Start, End: last.End, Label: names[class],
					Text: ex.Text[first.Start:last.End]})
				open = -1
			}
		}
	}
	slices.SortStableFunc(out, func(a, b Annotation) int { return a.Start - b.Start })
	return out
}

// Spans returns the character spans of the framed positions of ex, with an empty span for
// special tokens and padding.
func Spans(ex *Example) []encoding.Span {
	spans := make([]encoding.Span, len(ex.Framed.Source))
	for p, src := range ex.Framed.Source {
		if src >= 0 {
			spans[p] = ex.Encoded.CharLocs[src]
		}
	}
	return spans
}
