// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/encoding"
)

// ChunkResult is the prediction of one chunk of a document.
type ChunkResult struct {
	// Span of the document covered by the chunk.
	Span     encoding.Span
	DocIndex int

	// First and Last mark the chunks at the document boundaries.
	First, Last bool

	// Labels is the decoded prediction of the chunk alone.
	Labels Prediction

	// Probas are the class probabilities of example level heads, or the per-token tag
	// probabilities, flattened, of token level heads. Nil unless requested.
	Probas []float32
}

// ProcessLongSequence splits each document of X into overlapping chunks of max_length tokens,
// runs the prediction of every chunk and returns them in document order. Merging the chunks of a
// document is left to the caller.
func (m *Model) ProcessLongSequence(X [][]string, probas bool, opts ...PredictOption) ([]ChunkResult, error) {
	if err := m.checkTrained(); err != nil {
		return nil, err
	}
	o := predictOpts(opts)
	chunks, err := m.encode(X, o.aux, true)
	if err != nil {
		return nil, err
	}
	rows, err := m.infer(chunks, viewPredict)
	if err != nil {
		return nil, err
	}
	results := make([]ChunkResult, len(chunks))
	for i, ex := range chunks {
		pred, err := m.decode(ex, rows[i], probas)
		if err != nil {
			return nil, errors.WithMessagef(err, "chunk %d of document %d", i, ex.DocIndex)
		}
		results[i] = ChunkResult{Span: ex.Span, DocIndex: ex.DocIndex, First: ex.First, Last: ex.Last, Labels: pred}
		if probas {
			results[i].Probas = chunkProbas(pred)
		}
	}
	return results, nil
}

func chunkProbas(pred Prediction) []float32 {
	if pred.Raw.Probas != nil {
		return pred.Raw.Probas
	}
	var flat []float32
	for _, token := range pred.Raw.TagProbas {
		flat = append(flat, token...)
	}
	return flat
}
