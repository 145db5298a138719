// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package encoding

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// tiktokenBaseVocab is the size of the cl100k_base vocabulary, including its own special
// tokens. Our special tokens are appended after it.
const tiktokenBaseVocab = 100277

// TiktokenEncoder is a BPE encoder using the cl100k_base vocabulary.
type TiktokenEncoder struct {
	codec tokenizer.Codec
}

var _ TextEncoder = (*TiktokenEncoder)(nil)

// NewTiktokenEncoder loads the cl100k_base codec.
func NewTiktokenEncoder() (*TiktokenEncoder, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "loading cl100k_base tokenizer")
	}
	return &TiktokenEncoder{codec: codec}, nil
}

// Encode implements TextEncoder. Token offsets are reconstructed from the byte length of
// each token's text, which concatenate back to the input.
func (e *TiktokenEncoder) Encode(text string) (EncodedOutput, error) {
	ids, tokens, err := e.codec.Encode(text)
	if err != nil {
		return EncodedOutput{}, errors.Wrapf(err, "encoding %d bytes of text", len(text))
	}
	out := EncodedOutput{
		TokenIDs: make([]int32, len(ids)),
		CharLocs: make([]Span, len(ids)),
		Mask:     make([]float32, len(ids)),
	}
	pos := 0
	for i, id := range ids {
		out.TokenIDs[i] = int32(id)
		end := pos
		if i < len(tokens) {
			end = min(pos+len(tokens[i]), len(text))
		}
		out.CharLocs[i] = Span{pos, end}
		out.Mask[i] = 1
		pos = end
	}
	return out, nil
}

// Decode implements TextEncoder. Special tokens are dropped.
func (e *TiktokenEncoder) Decode(ids []int32) (string, error) {
	regular := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < tiktokenBaseVocab {
			regular = append(regular, uint(id))
		}
	}
	text, err := e.codec.Decode(regular)
	if err != nil {
		return "", errors.Wrap(err, "decoding tokens")
	}
	return text, nil
}

func (e *TiktokenEncoder) VocabSize() int { return tiktokenBaseVocab + 4 }
func (e *TiktokenEncoder) Start() int32 { return tiktokenBaseVocab }
func (e *TiktokenEncoder) Delimiter() int32 { return tiktokenBaseVocab + 1 }
func (e *TiktokenEncoder) Clf() int32 { return tiktokenBaseVocab + 2 }
func (e *TiktokenEncoder) Pad() int32 { return tiktokenBaseVocab + 3 }
