// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline turns raw examples and targets into the datasets consumed by the trainer and
// the prediction executors.
//
// An example is a []string with one string per input field. Field 0 is the document: it is the
// field token-level targets and chunking refer to. In multi-task mode field 0 holds the task
// name instead, and the document is field 1.
//
// Model inputs are, in order: tokens [batch, max_length] int32, mask [batch, max_length]
// float32 and, with use_auxiliary_info, context [batch, max_length, context_dim] float32.
// Multiple choice inputs have an extra choices axis after the batch axis.
//
// Training and validation datasets yield the encoded targets right after the model inputs, and no
// labels: the target heads build their own losses from them.
package pipeline

import (
	"math"
	"math/rand"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/encoding"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/targets"
	"k8s.io/klog/v2"
	"maps"
)

// MinExamplesForValidation is the number of examples under which no validation split is taken
// when val_size is not set.
const MinExamplesForValidation = 50

// ContextSpan holds auxiliary values for the tokens overlapping [Start, End) of the document.
type ContextSpan struct {
	Start  int       `yaml:"start"`
	End    int       `yaml:"end"`
	Values []float32 `yaml:"values"`
}

// Example is one framed model input.
type Example struct {
	Fields []string
	Task   string

	// Text of the document, and Encoded the tokens of the document framed in this example,
	// with offsets into Text.
	Text    string
	Encoded encoding.EncodedOutput
	Framed  encoding.Framed

	// Choices of a multiple choice example, each framed with the question.
	Choices []encoding.Framed

	// Context is [max_length][context_dim], or nil.
	Context [][]float32

	// Chunk bookkeeping: the document index, the span of the document covered and whether this
	// is its first and last chunk. Unchunked examples cover their whole document.
	DocIndex    int
	Span        encoding.Span
	First, Last bool

	// Padding is set for the synthetic examples that fill a batch.
	Padding bool
}

// Validation is one validation split.
type Validation struct {
	// Task is empty for single task training.
	Task     string
	Size     int
	Interval int

	// Held are the held-out examples.
	Held train.Dataset

	// TrainSubset, in multi-task mode, is a subset of the training examples of the task of the
	// same size as Held.
	TrainSubset train.Dataset
}

// TrainSets are the datasets of a training run.
type TrainSets struct {
	// Train repeats indefinitely.
	Train       train.Dataset
	Validations []Validation

	// Size is the number of training examples, after chunking.
	Size int
}

// Pipeline binds a text encoder and a label encoder to a configuration.
type Pipeline struct {
	backend backends.Backend
	cfg     *config.Config
	kind    targets.Kind
	encoder encoding.TextEncoder
	labels  LabelEncoder
}

// New creates the pipeline of a head kind.
func New(backend backends.Backend, cfg *config.Config, kind targets.Kind) (*Pipeline, error) {
	enc, err := encoding.New(cfg.Encoder)
	if err != nil {
		return nil, ferrors.Configurationf("%v", err)
	}
	return &Pipeline{
		backend: backend,
		cfg:     cfg,
		kind:    kind,
		encoder: enc,
		labels:  NewLabelEncoder(kind, cfg.PadToken, cfg.MultiLabelSequences, cfg.AssociationTypes),
	}, nil
}

// Rebind points the pipeline to a new configuration, keeping the label encoder state.
func (p *Pipeline) Rebind(cfg *config.Config) { p.cfg = cfg }

// TextEncoder used to tokenize the inputs.
func (p *Pipeline) TextEncoder() encoding.TextEncoder { return p.encoder }

// LabelEncoder of the head, nil for the language model.
func (p *Pipeline) LabelEncoder() LabelEncoder { return p.labels }

// TargetDim is the number of targets of the head. For the language model it is the vocabulary
// size.
func (p *Pipeline) TargetDim() int {
	if p.labels == nil {
		return p.encoder.VocabSize()
	}
	return p.labels.TargetDim()
}

// MultiTask reports whether examples carry a task name in field 0.
func (p *Pipeline) MultiTask() bool { return len(p.cfg.Tasks) > 0 }

// Chunked reports whether long documents are split into several examples.
func (p *Pipeline) Chunked() bool {
	return p.cfg.ChunkLongSequences && targets.MustHead(p.kind).Sequence && p.kind != targets.LanguageModel
}

func (p *Pipeline) docField() int {
	if p.MultiTask() {
		return 1
	}
	return 0
}

// frame builds the Example of fields, with doc the encoding of the document field.
func (p *Pipeline) frame(fields []string, doc encoding.EncodedOutput, addSpecial bool, aux []ContextSpan) (*Example, error) {
	docField := p.docField()
	if len(fields) <= docField {
		return nil, ferrors.InputMismatchf("example has %d fields, at least %d required", len(fields), docField+1)
	}
	ex := &Example{Fields: fields, Text: fields[docField], Encoded: doc}
	if p.MultiTask() {
		ex.Task = fields[0]
	}

	// The document goes first, so Framed.Source refers to its tokens.
	ids := [][]int32{doc.TokenIDs}
	for i, field := range fields {
		if i == docField {
			continue
		}
		encoded, err := p.encoder.Encode(field)
		if err != nil {
			return nil, err
		}
		ids = append(ids, encoded.TokenIDs)
	}
	if p.kind == targets.MultipleChoice {
		if len(ids) < 3 {
			return nil, ferrors.InputMismatchf("multiple choice examples need a question and at least 2 choices")
		}
		for _, choice := range ids[1:] {
			ex.Choices = append(ex.Choices, encoding.Frame(p.encoder, [][]int32{ids[0], choice}, p.cfg.MaxLength, true))
		}
		ex.Framed = ex.Choices[0]
	} else {
		ex.Framed = encoding.Frame(p.encoder, ids, p.cfg.MaxLength, addSpecial)
	}
	ex.Span = encoding.Span{End: len(ex.Text)}
	ex.First, ex.Last = true, true
	if p.cfg.UseAuxiliaryInfo {
		context, err := p.contextOf(ex, aux)
		if err != nil {
			return nil, err
		}
		ex.Context = context
	}
	return ex, nil
}

// contextOf aligns the auxiliary spans to the framed tokens. Tokens not covered by any span,
// and special tokens, get zeros.
func (p *Pipeline) contextOf(ex *Example, aux []ContextSpan) ([][]float32, error) {
	dim := p.cfg.ContextDim
	context := make([][]float32, len(ex.Framed.Tokens))
	for pos := range context {
		context[pos] = make([]float32, dim)
	}
	for i, span := range aux {
		if len(span.Values) != dim {
			return nil, ferrors.InputMismatchf("context span %d has %d values, context_dim is %d", i, len(span.Values), dim)
		}
	}
	for pos, src := range ex.Framed.Source {
		if src < 0 {
			continue
		}
		loc := ex.Encoded.CharLocs[src]
		for _, span := range aux {
			if loc.Start < span.End && loc.End > span.Start {
				copy(context[pos], span.Values)
				break
			}
		}
	}
	return context, nil
}

func auxOf(aux [][]ContextSpan, i int) []ContextSpan {
	if i < len(aux) {
		return aux[i]
	}
	return nil
}

// Encode frames the examples, truncating fields that don't fit in max_length. aux, if not nil,
// holds the auxiliary context of each example.
func (p *Pipeline) Encode(X [][]string, aux [][]ContextSpan) ([]*Example, error) {
	if aux != nil && len(aux) != len(X) {
		return nil, ferrors.InputMismatchf("%d context entries for %d examples", len(aux), len(X))
	}
	examples := make([]*Example, len(X))
	for i, fields := range X {
		if i > 0 && len(fields) != len(X[0]) {
			return nil, ferrors.InputMismatchf("example %d has %d fields, example 0 has %d", i, len(fields), len(X[0]))
		}
		if len(fields) <= p.docField() {
			return nil, ferrors.InputMismatchf("example %d has %d fields, at least %d required",
				i, len(fields), p.docField()+1)
		}
		doc, err := p.encoder.Encode(fields[p.docField()])
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding example %d", i)
		}
		ex, err := p.frame(fields, doc, true, auxOf(aux, i))
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		ex.DocIndex = i
		examples[i] = ex
	}
	return examples, nil
}

// EncodeChunks splits each document into overlapping chunks of at most max_length tokens. Only
// single document examples (plus the task field in multi-task mode) can be chunked.
func (p *Pipeline) EncodeChunks(X [][]string, aux [][]ContextSpan) ([]*Example, error) {
	docField := p.docField()
	docs := make([]string, len(X))
	for i, fields := range X {
		if len(fields) != docField+1 {
			return nil, ferrors.Unsupportedf("chunking requires single document examples, example %d has %d fields",
				i, len(fields))
		}
		docs[i] = fields[docField]
	}
	chunks, err := encoding.TextToIDs(p.encoder, docs, p.cfg.MaxLength, p.cfg.ChunkContext, p.cfg.AddEOSBOSToChunk)
	if err != nil {
		return nil, err
	}
	examples := make([]*Example, len(chunks))
	for i, chunk := range chunks {
		ex, err := p.frame(X[chunk.DocIndex], chunk.Encoded, chunk.AddSpecial, auxOf(aux, chunk.DocIndex))
		if err != nil {
			return nil, errors.WithMessagef(err, "document %d", chunk.DocIndex)
		}
		ex.DocIndex, ex.Span, ex.First, ex.Last = chunk.DocIndex, chunk.Span, chunk.First, chunk.Last
		examples[i] = ex
	}
	return examples, nil
}

// PaddingExample returns a synthetic example of the given arity, used to fill batches.
func (p *Pipeline) PaddingExample(arity int) (*Example, error) {
	fields := make([]string, max(arity, p.docField()+1))
	doc, err := p.encoder.Encode("")
	if err != nil {
		return nil, err
	}
	ex, err := p.frame(fields, doc, true, nil)
	if err != nil {
		return nil, err
	}
	ex.Padding = true
	return ex, nil
}

// Arrays returns the model inputs of examples, with the examples in the leading axis.
func (p *Pipeline) Arrays(examples []*Example) []any {
	if p.kind == targets.MultipleChoice {
		tokens := make([][][]int32, len(examples))
		mask := make([][][]float32, len(examples))
		for i, ex := range examples {
			for _, c := range ex.Choices {
				tokens[i] = append(tokens[i], c.Tokens)
				mask[i] = append(mask[i], c.Mask)
			}
		}
		return []any{tokens, mask}
	}
	tokens := make([][]int32, len(examples))
	mask := make([][]float32, len(examples))
	for i, ex := range examples {
		tokens[i] = ex.Framed.Tokens
		mask[i] = ex.Framed.Mask
	}
	inputs := []any{tokens, mask}
	if p.cfg.UseAuxiliaryInfo {
		context := make([][][]float32, len(examples))
		for i, ex := range examples {
			context[i] = ex.Context
		}
		inputs = append(inputs, context)
	}
	return inputs
}

// NumInputs is the number of model inputs yielded before the targets.
func (p *Pipeline) NumInputs() int {
	if p.cfg.UseAuxiliaryInfo && p.kind != targets.MultipleChoice {
		return 3
	}
	return 2
}

// Dataset creates an in-memory dataset over examples, batched. labels may be nil.
func (p *Pipeline) Dataset(name string, examples []*Example, labels []any, batchSize int) (*datasets.InMemoryDataset, error) {
	if len(examples) == 0 {
		return nil, ferrors.InputMismatchf("no examples for dataset %q", name)
	}
	var targetArrays []any
	if labels != nil && p.labels != nil {
		var err error
		targetArrays, err = p.labels.Encode(labels, examples)
		if err != nil {
			return nil, err
		}
	}
	ds, err := datasets.InMemoryFromData(p.backend, name, append(p.Arrays(examples), targetArrays...), nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	return ds.BatchSize(batchSize, false), nil
}

// PredictInputs creates the streaming prediction dataset of X, and returns the examples in the
// order of the predictions. Long documents are chunked when chunk_long_sequences is set.
func (p *Pipeline) PredictInputs(X [][]string, aux [][]ContextSpan, batchSize int) (train.Dataset, []*Example, error) {
	var (
		examples []*Example
		err      error
	)
	if p.Chunked() {
		examples, err = p.EncodeChunks(X, aux)
	} else {
		examples, err = p.Encode(X, aux)
	}
	if err != nil {
		return nil, nil, err
	}
	ds, err := p.Dataset("predict", examples, nil, batchSize)
	if err != nil {
		return nil, nil, err
	}
	return ds, examples, nil
}

// ValidationSize returns the number of examples held out of n for validation. valSize is a
// fraction of n if below 1, an absolute count otherwise, and unset if negative. At least one
// example is always left for training.
func ValidationSize(valSize float64, n int) int {
	var size int
	switch {
	case valSize < 0:
		if n < MinExamplesForValidation {
			return 0
		}
		size = int(max(5, min(100, 0.05*float64(n))))
	case valSize < 1:
		size = int(math.Ceil(valSize * float64(n)))
	default:
		size = int(valSize)
	}
	return max(0, min(size, n-1))
}

// TrainInputs splits X, Y into training and validation datasets. Y may be nil to train only the
// language model. aux, if not nil, holds the auxiliary context of each example.
func (p *Pipeline) TrainInputs(X [][]string, Y []any, aux [][]ContextSpan, batchSize int) (*TrainSets, error) {
	if Y != nil && len(X) != len(Y) {
		return nil, ferrors.InputMismatchf("%d inputs and %d targets given", len(X), len(Y))
	}
	if len(X) == 0 {
		return nil, ferrors.InputMismatchf("no training examples given")
	}
	if Y == nil && p.kind != targets.LanguageModel {
		klog.V(1).Infof("no targets given: training the language model only")
	}
	if Y != nil && p.labels != nil {
		if err := p.labels.Fit(Y, X); err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewSource(p.cfg.Seed))
	order := rng.Perm(len(X))

	sets := &TrainSets{}
	var trainIdx []int
	if !p.MultiTask() {
		size := ValidationSize(p.cfg.ValSize, len(X))
		trainIdx = order[size:]
		if size > 0 {
			held, _, err := p.subset("validation", X, Y, aux, order[:size], batchSize)
			if err != nil {
				return nil, err
			}
			sets.Validations = append(sets.Validations, Validation{Size: size, Interval: p.cfg.ValInterval, Held: held})
		}
	} else {
		byTask := map[string][]int{}
		for _, i := range order {
			if len(X[i]) == 0 {
				return nil, ferrors.InputMismatchf("multi-task example %d has no task field", i)
			}
			byTask[X[i][0]] = append(byTask[X[i][0]], i)
		}
		tasks := slices.Sorted(maps.Keys(byTask))
		for _, task := range tasks {
			indices := byTask[task]
			split, found := p.cfg.Tasks[task]
			valSize, interval := -1.0, p.cfg.ValInterval
			if found {
				valSize = split.ValSize
				if split.ValInterval > 0 {
					interval = split.ValInterval
				}
			} else {
				klog.Warningf("task %q is not configured in tasks, using the default validation split", task)
			}
			size := ValidationSize(valSize, len(indices))
			taskTrain := indices[size:]
			trainIdx = append(trainIdx, taskTrain...)
			if size == 0 {
				continue
			}
			held, _, err := p.subset("validation_"+task, X, Y, aux, indices[:size], batchSize)
			if err != nil {
				return nil, err
			}
			subset, _, err := p.subset("train_subset_"+task, X, Y, aux, taskTrain[:min(size, len(taskTrain))], batchSize)
			if err != nil {
				return nil, err
			}
			sets.Validations = append(sets.Validations, Validation{
				Task: task, Size: size, Interval: interval, Held: held, TrainSubset: subset,
			})
		}
	}

	trainDS, n, err := p.subset("train", X, Y, aux, trainIdx, batchSize)
	if err != nil {
		return nil, err
	}
	sets.Train = trainDS.Shuffle().WithRand(rng).Infinite(true)
	sets.Size = n
	klog.V(1).Infof("%d training examples, %d validation splits", n, len(sets.Validations))
	return sets, nil
}

// subset creates a dataset from the examples at indices. It returns the dataset and its number
// of examples after chunking.
func (p *Pipeline) subset(name string, X [][]string, Y []any, aux [][]ContextSpan, indices []int, batchSize int) (*datasets.InMemoryDataset, int, error) {
	subX := make([][]string, len(indices))
	var subY []any
	if Y != nil {
		subY = make([]any, len(indices))
	}
	var subAux [][]ContextSpan
	if aux != nil {
		subAux = make([][]ContextSpan, len(indices))
	}
	for j, i := range indices {
		subX[j] = X[i]
		if Y != nil {
			subY[j] = Y[i]
		}
		if aux != nil {
			subAux[j] = aux[i]
		}
	}
	var (
		examples []*Example
		err      error
	)
	if p.Chunked() {
		examples, err = p.EncodeChunks(subX, subAux)
	} else {
		examples, err = p.Encode(subX, subAux)
	}
	if err != nil {
		return nil, 0, err
	}
	var labels []any
	if subY != nil {
		labels = make([]any, len(examples))
		for j, ex := range examples {
			labels[j] = subY[ex.DocIndex]
		}
	}
	ds, err := p.Dataset(name, examples, labels, batchSize)
	if err != nil {
		return nil, 0, err
	}
	return ds, len(examples), nil
}
