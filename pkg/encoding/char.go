// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package encoding

// CharEncoder encodes text byte by byte. Ids 0-255 are bytes, followed by the special tokens.
type CharEncoder struct{}

var _ TextEncoder = CharEncoder{}

const (
	charStart = 256 + iota
	charDelimiter
	charClf
	charPad
	charVocabSize
)

// NewCharEncoder returns a byte level encoder.
func NewCharEncoder() CharEncoder { return CharEncoder{} }

// Encode implements TextEncoder.
func (CharEncoder) Encode(text string) (EncodedOutput, error) {
	out := EncodedOutput{
		TokenIDs: make([]int32, len(text)),
		CharLocs: make([]Span, len(text)),
		Mask:     make([]float32, len(text)),
	}
	for i := 0; i < len(text); i++ {
		out.TokenIDs[i] = int32(text[i])
		out.CharLocs[i] = Span{i, i + 1}
		out.Mask[i] = 1
	}
	return out, nil
}

// Decode implements TextEncoder. Special tokens are dropped.
func (CharEncoder) Decode(ids []int32) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			buf = append(buf, byte(id))
		}
	}
	return string(buf), nil
}

func (CharEncoder) VocabSize() int { return charVocabSize }
func (CharEncoder) Start() int32 { return charStart }
func (CharEncoder) Delimiter() int32 { return charDelimiter }
func (CharEncoder) Clf() int32 { return charClf }
func (CharEncoder) Pad() int32 { return charPad }
