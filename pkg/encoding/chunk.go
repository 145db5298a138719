// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package encoding

import (
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// Chunk is a fixed maximum length window over the tokens of one document.
type Chunk struct {
	Encoded EncodedOutput
	// Span of the document covered by the chunk, from its first to its last token.
	Span     Span
	DocIndex int
	// First and Last are set for the chunks at the document boundaries.
	First, Last bool
	// AddSpecial tells whether the chunk should be framed with start and clf tokens.
	AddSpecial bool
}

// ChunkWindow returns the number of document tokens that fit in one chunk.
func ChunkWindow(maxLength int, addEOSBOS bool) int {
	if addEOSBOS {
		return maxLength - 2
	}
	return maxLength
}

// TextToIDs encodes documents and splits each into overlapping chunks of at most
// ChunkWindow(maxLength, addEOSBOS) tokens. Consecutive chunks of a document overlap by
// chunkContext tokens. Every document yields at least one chunk, even if empty.
//
// Documents that fit in one window yield a single chunk framed with special tokens
// regardless of addEOSBOS.
func TextToIDs(enc TextEncoder, docs []string, maxLength, chunkContext int, addEOSBOS bool) ([]Chunk, error) {
	window := ChunkWindow(maxLength, addEOSBOS)
	if chunkContext < 0 || chunkContext >= window {
		return nil, ferrors.Configurationf("chunk context %d must be in [0, %d) for max_length=%d",
			chunkContext, window, maxLength)
	}
	stride := window - chunkContext
	var chunks []Chunk
	for docIdx, doc := range docs {
		encoded, err := enc.Encode(doc)
		if err != nil {
			return nil, err
		}
		n := len(encoded.TokenIDs)
		if n <= maxLength-2 {
			chunks = append(chunks, Chunk{
				Encoded: encoded, Span: Span{0, len(doc)},
				DocIndex: docIdx, First: true, Last: true, AddSpecial: true,
			})
			continue
		}
		for start := 0; ; start += stride {
			end := min(start+window, n)
			sub := EncodedOutput{
				TokenIDs: encoded.TokenIDs[start:end],
				CharLocs: encoded.CharLocs[start:end],
				Mask:     encoded.Mask[start:end],
			}
			chunk := Chunk{
				Encoded:    sub,
				Span:       Span{sub.CharLocs[0].Start, sub.CharLocs[len(sub.CharLocs)-1].End},
				DocIndex:   docIdx,
				First:      start == 0,
				Last:       end == n,
				AddSpecial: addEOSBOS,
			}
			if chunk.First {
				chunk.Span.Start = 0
			}
			if chunk.Last {
				chunk.Span.End = len(doc)
			}
			chunks = append(chunks, chunk)
			if end == n {
				break
			}
		}
	}
	return chunks, nil
}
