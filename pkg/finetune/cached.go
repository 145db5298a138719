// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/emirpasic/gods/v2/lists/arraylist"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
	"k8s.io/klog/v2"
)

// CachedPredictor reuses one inference graph over successive predict calls. The graph consumes
// fixed size batches: calls with fewer examples are completed with padding examples, whose
// results are discarded at the start of the next call.
//
// It must be closed before changing the model, e.g. training it again. Long documents are not
// chunked: they are truncated to max_length.
type CachedPredictor struct {
	m         *Model
	predictor *predictor
	queue     *pipeline.PredictionQueue
	source    *pipeline.CachedSource

	// results produced by the graph and not yet served.
	results *arraylist.List[cachedResult]
	closed  bool
}

type cachedResult struct {
	example *pipeline.Example
	rows    map[string]targets.Row
}

// CachedPredict starts a cached prediction scope. Closing the model closes it too.
func (m *Model) CachedPredict() (*CachedPredictor, error) {
	if err := m.checkTrained(); err != nil {
		return nil, err
	}
	if m.cached != nil {
		return nil, ferrors.Unsupportedf("a cached prediction scope is already open")
	}
	if _, err := m.ResolveStrategy(); err != nil {
		return nil, err
	}
	p, err := m.newPredictor(viewPredict)
	if err != nil {
		return nil, err
	}
	queue := pipeline.NewPredictionQueue()
	c := &CachedPredictor{
		m:         m,
		predictor: p,
		queue:     queue,
		source:    m.pipeline.CachedSource(queue, m.cfg.BatchSize*m.numDevices()),
		results:   arraylist.New[cachedResult](),
	}
	m.cached = c
	return c, nil
}

// Predict is Model.Predict over the cached graph.
func (c *CachedPredictor) Predict(X [][]string, opts ...PredictOption) ([]Prediction, error) {
	return c.predict(X, predictOpts(opts), false)
}

// PredictProba is Model.PredictProba over the cached graph.
func (c *CachedPredictor) PredictProba(X [][]string, opts ...PredictOption) ([]Prediction, error) {
	return c.predict(X, predictOpts(opts), true)
}

func (c *CachedPredictor) predict(X [][]string, o predictOptions, probas bool) ([]Prediction, error) {
	results, err := c.pull(X, o.aux)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, len(results))
	for i, r := range results {
		if predictions[i], err = c.m.decode(r.example, r.rows, probas); err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
	}
	return predictions, nil
}

// pull queues X and returns exactly its results, in order. X is encoded before anything is
// queued; if the stream still fails, the queue and the pending results are dropped so the next
// call starts aligned.
func (c *CachedPredictor) pull(X [][]string, aux [][]pipeline.ContextSpan) ([]cachedResult, error) {
	if c.closed {
		return nil, errors.New("cached prediction scope is closed")
	}
	if aux != nil && len(aux) != len(X) {
		return nil, ferrors.InputMismatchf("%d inputs and %d auxiliary contexts given", len(X), len(aux))
	}
	if _, err := c.m.pipeline.Encode(X, aux); err != nil {
		return nil, err
	}
	results, err := c.stream(X, aux)
	if err != nil {
		klog.V(1).Infof("cached prediction failed, dropping %d queued examples and %d pending results",
			c.queue.Len(), c.results.Size())
		c.queue.Reset()
		c.results.Clear()
		return nil, err
	}
	return results, nil
}

func (c *CachedPredictor) stream(X [][]string, aux [][]pipeline.ContextSpan) ([]cachedResult, error) {
	// Realign the stream: the padding served to complete the last batch of the previous call
	// left its results at the front.
	for range c.queue.Drain() {
		c.results.Remove(0)
	}
	if c.results.Size() != 0 {
		return nil, errors.Errorf("cached prediction stream out of sync: %d stale results", c.results.Size())
	}

	for i, fields := range X {
		queued := pipeline.QueuedExample{Fields: fields}
		if aux != nil {
			queued.Context = aux[i]
		}
		c.queue.Push(queued)
	}
	for c.results.Size() < len(X) {
		_, inputs, _, err := c.source.Yield()
		if err != nil {
			return nil, errors.WithMessage(err, "cached prediction stream")
		}
		rows, err := c.predictor.run(inputs)
		if err != nil {
			return nil, err
		}
		for i, ex := range c.source.Last() {
			c.results.Add(cachedResult{example: ex, rows: rows[i]})
		}
	}

	out := make([]cachedResult, len(X))
	for i := range out {
		r, _ := c.results.Get(0)
		c.results.Remove(0)
		if r.example.Padding {
			return nil, errors.Errorf("cached prediction %d came from a padding example", i)
		}
		out[i] = r
	}
	return out, nil
}

// Pending is the number of results of padding examples waiting to be discarded.
func (c *CachedPredictor) Pending() int { return c.results.Size() }

// Close ends the scope: the queue is emptied and the graph released. It is safe to call more
// than once.
func (c *CachedPredictor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	klog.V(2).Infof("closing cached prediction scope, discarding %d pending results", c.results.Size())
	c.queue.Close()
	c.results.Clear()
	c.predictor.Finalize()
	if c.m.cached == c {
		c.m.cached = nil
	}
}
