// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package encoding converts raw text to token ids and back, keeping track of the byte offsets
// of each token in the source text.
//
// Two encoders are provided: CharEncoder, a byte level encoder with no external data, and
// TiktokenEncoder, a BPE encoder backed by github.com/tiktoken-go/tokenizer.
package encoding

import (
	"github.com/pkg/errors"
)

// Span is a [Start, End) range of byte offsets in a text.
type Span struct {
	Start, End int
}

// Len of the span.
func (s Span) Len() int { return s.End - s.Start }

// EncodedOutput is the encoding of one text. It is immutable once produced.
type EncodedOutput struct {
	TokenIDs []int32
	// CharLocs holds the span of each token in the source text.
	CharLocs []Span
	// Mask is 1 for real tokens and 0 for padding.
	Mask []float32
}

// TextEncoder is the contract the rest of the library requires from a tokenizer.
type TextEncoder interface {
	Encode(text string) (EncodedOutput, error)
	Decode(ids []int32) (string, error)
	VocabSize() int

	// Special tokens.
	Start() int32
	Delimiter() int32
	Clf() int32
	Pad() int32
}

// New returns the encoder with the given name: "char" or "tiktoken".
func New(name string) (TextEncoder, error) {
	switch name {
	case "", "char":
		return NewCharEncoder(), nil
	case "tiktoken":
		return NewTiktokenEncoder()
	}
	return nil, errors.Errorf("unknown text encoder %q, valid values are \"char\" and \"tiktoken\"", name)
}

// Framed is a fixed length model input built from one or more encoded fields.
type Framed struct {
	Tokens []int32
	Mask   []float32
	// Source maps each position to the index of the token in field 0 it came from, or -1 for
	// special tokens, other fields and padding.
	Source []int
}

// Frame builds a model input of exactly maxLength tokens: [start] field0 [delimiter] field1 ... [clf],
// followed by padding. Fields are truncated, longest first, until they fit.
// If addSpecial is false the fields are concatenated without special tokens.
func Frame(enc TextEncoder, fields [][]int32, maxLength int, addSpecial bool) Framed {
	budget := maxLength
	if addSpecial {
		budget -= len(fields) + 1
	}
	lengths := make([]int, len(fields))
	total := 0
	for i, f := range fields {
		lengths[i] = len(f)
		total += len(f)
	}
	for total > budget {
		longest := 0
		for i := range lengths {
			if lengths[i] > lengths[longest] {
				longest = i
			}
		}
		lengths[longest]--
		total--
	}

	framed := Framed{
		Tokens: make([]int32, maxLength),
		Mask:   make([]float32, maxLength),
		Source: make([]int, maxLength),
	}
	pos := 0
	put := func(id int32, source int) {
		framed.Tokens[pos] = id
		framed.Mask[pos] = 1
		framed.Source[pos] = source
		pos++
	}
	if addSpecial {
		put(enc.Start(), -1)
	}
	for i, f := range fields {
		if addSpecial && i > 0 {
			put(enc.Delimiter(), -1)
		}
		for j, id := range f[:lengths[i]] {
			source := -1
			if i == 0 {
				source = j
			}
			put(id, source)
		}
	}
	if addSpecial {
		put(enc.Clf(), -1)
	}
	for ; pos < maxLength; pos++ {
		framed.Tokens[pos] = enc.Pad()
		framed.Source[pos] = -1
	}
	return framed
}
