// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/targets"
	"k8s.io/klog/v2"
)

// generatorSource is the dataset of the generation loop: a single example, the running sequence,
// yielded on demand until finish is called.
type generatorSource struct {
	width      int
	pad        int32
	contextDim int // 0 if the model takes no context.

	tokens   []int32
	finished bool
}

func (s *generatorSource) Name() string { return "generate" }
func (s *generatorSource) Reset()       {}

// Yield returns the running sequence, padded to the graph width, or io.EOF once finished.
func (s *generatorSource) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if s.finished {
		return nil, nil, nil, io.EOF
	}
	tokens := make([]int32, s.width)
	mask := make([]float32, s.width)
	for i := range tokens {
		if i < len(s.tokens) {
			tokens[i], mask[i] = s.tokens[i], 1
		} else {
			tokens[i] = s.pad
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(tokens, 1, s.width),
		tensors.FromFlatDataAndDimensions(mask, 1, s.width),
	}
	if s.contextDim > 0 {
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(make([]float32, s.width*s.contextDim), 1, s.width, s.contextDim))
	}
	return nil, inputs, nil, nil
}

// finish ends the source. It must be called exactly once.
func (s *generatorSource) finish() error {
	if s.finished {
		return errors.New("generation source finished twice")
	}
	s.finished = true
	return nil
}

// GenerateText continues seed with the language model, one token at a time, until the end token
// is generated or the sequence reaches maxLength tokens. If maxLength <= 0,
// max_generation_length is used, or max_length if that is unset. useStartToken prefixes the sequence with the start token.
//
// It requires a unidirectional base model.
func (m *Model) GenerateText(seed string, maxLength int, useStartToken bool) (string, error) {
	if m.family.Bidirectional {
		return "", ferrors.Unsupportedf("base model %s can't generate text", m.family.Name)
	}
	if m.kind == targets.MultipleChoice {
		return "", ferrors.Unsupportedf("text generation is not available for %s", m.kind)
	}
	if err := m.checkTrained(); err != nil {
		return "", err
	}
	if maxLength <= 0 {
		maxLength = m.cfg.MaxGenerationLength
	}
	if maxLength <= 0 {
		maxLength = m.cfg.MaxLength
	}
	if maxLength > m.cfg.MaxLength {
		klog.Warningf("generation length %d capped to max_length=%d", maxLength, m.cfg.MaxLength)
		maxLength = m.cfg.MaxLength
	}
	enc := m.pipeline.TextEncoder()
	encoded, err := enc.Encode(seed)
	if err != nil {
		return "", err
	}
	var tokens []int32
	if useStartToken {
		tokens = append(tokens, enc.Start())
	}
	tokens = append(tokens, encoded.TokenIDs...)
	if len(tokens) == 0 {
		return "", ferrors.InputMismatchf("an empty seed requires the start token")
	}

	src := &generatorSource{width: m.cfg.MaxLength, pad: enc.Pad(), tokens: tokens}
	if m.pipeline.NumInputs() > 2 {
		src.contextDim = m.cfg.ContextDim
	}
	p, err := m.newPredictor(viewGenerate)
	if err != nil {
		return "", err
	}
	defer p.Finalize()

	for len(src.tokens) < maxLength {
		_, inputs, _, err := src.Yield()
		if err != nil {
			return "", err
		}
		rows, err := p.run(inputs)
		if err != nil {
			return "", err
		}
		next := int32(rows[0][targets.PredTokens].Data[len(src.tokens)-1])
		src.tokens = append(src.tokens, next)
		if next == enc.Clf() {
			break
		}
	}
	if err = src.finish(); err != nil {
		return "", err
	}

	text := src.tokens
	if useStartToken {
		text = text[1:]
	}
	if n := len(text); n > 0 && text[n-1] == enc.Clf() {
		text = text[:n-1]
	}
	return enc.Decode(text)
}
