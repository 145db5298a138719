// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"io"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// QueuedExample is an example waiting for a cached prediction.
type QueuedExample struct {
	Fields  []string
	Context []ContextSpan
}

// PredictionQueue feeds the examples of successive predict calls to one long-lived prediction
// stream that consumes fixed size batches.
//
// When the stream asks for more examples than queued, Next returns a padding example and counts
// it. The results of those padding examples are still produced by the stream: the consumer must
// discard exactly Drain() results before serving the results of the next call.
//
// It is not safe for concurrent use.
type PredictionQueue struct {
	examples *arraylist.List[QueuedExample]
	cached   QueuedExample
	hasCache bool
	toPull   int
	closed   bool
}

// NewPredictionQueue creates an empty queue.
func NewPredictionQueue() *PredictionQueue {
	return &PredictionQueue{examples: arraylist.New[QueuedExample]()}
}

// Push appends examples to the queue.
func (q *PredictionQueue) Push(examples ...QueuedExample) {
	q.examples.Add(examples...)
}

// Next pops the next queued example. If the queue is empty it returns the padding example, a
// zero value with the arity of the last real example, and padding=true.
func (q *PredictionQueue) Next() (example QueuedExample, padding bool) {
	if ex, ok := q.examples.Get(0); ok {
		q.examples.Remove(0)
		q.cached = QueuedExample{Fields: make([]string, len(ex.Fields))}
		q.hasCache = true
		return ex, false
	}
	q.toPull++
	if !q.hasCache {
		q.cached = QueuedExample{Fields: []string{""}}
		q.hasCache = true
	}
	return q.cached, true
}

// Len is the number of queued real examples.
func (q *PredictionQueue) Len() int { return q.examples.Size() }

// ToPull is the number of padding examples served since the last Drain.
func (q *PredictionQueue) ToPull() int { return q.toPull }

// Drain returns the number of padding results the consumer must discard, and resets the count.
func (q *PredictionQueue) Drain() int {
	n := q.toPull
	q.toPull = 0
	return n
}

// Reset drops the queued examples and the padding count. The queue stays open.
func (q *PredictionQueue) Reset() {
	q.examples.Clear()
	q.toPull = 0
}

// Close empties the queue: the stream reading from it ends.
func (q *PredictionQueue) Close() {
	q.closed = true
	q.examples.Clear()
	q.toPull = 0
}

// Closed reports whether Close was called.
func (q *PredictionQueue) Closed() bool { return q.closed }

// CachedSource is the train.Dataset of the cached prediction stream: every Yield pulls a full
// batch from the queue.
type CachedSource struct {
	p         *Pipeline
	queue     *PredictionQueue
	batchSize int
	last      []*Example
}

// CachedSource creates the dataset reading from queue, in batches of batchSize.
func (p *Pipeline) CachedSource(queue *PredictionQueue, batchSize int) *CachedSource {
	return &CachedSource{p: p, queue: queue, batchSize: batchSize}
}

// Name implements train.Dataset.
func (s *CachedSource) Name() string { return "cached_predict" }

// Reset implements train.Dataset. The stream can't be rewound: it is a no-op.
func (s *CachedSource) Reset() {}

// Yield implements train.Dataset. It returns io.EOF once the queue is closed. If an example fails
// to encode, the queue is reset: the rest of the batch is dropped with it.
func (s *CachedSource) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if s.queue.Closed() {
		return nil, nil, nil, io.EOF
	}
	batch := make([]*Example, s.batchSize)
	for i := range batch {
		queued, padding := s.queue.Next()
		var examples []*Example
		examples, err = s.p.Encode([][]string{queued.Fields}, [][]ContextSpan{queued.Context})
		if err != nil {
			s.queue.Reset()
			return nil, nil, nil, errors.WithMessage(err, "cached prediction")
		}
		batch[i] = examples[0]
		batch[i].Padding = padding
	}
	s.last = batch
	for _, array := range s.p.Arrays(batch) {
		inputs = append(inputs, tensors.FromAnyValue(array))
	}
	return nil, inputs, nil, nil
}

// Last returns the examples of the last batch yielded, padding included.
func (s *CachedSource) Last() []*Example { return s.last }
