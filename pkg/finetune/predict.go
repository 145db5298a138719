// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"io"
	"slices"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
)

// view selects the outputs of the inference graph.
type view int

const (
	viewPredict view = iota
	viewFeatures
	viewSequenceFeatures
	viewAttention
	viewContextShare
	viewGenerate
)

// Names of the outputs of the non-prediction views.
const (
	OutFeatures         = "features"
	OutSequenceFeatures = "sequence_features"
	OutAttention        = "attention"
	OutContextShare     = "context_share"
)

// viewOutputs returns the graph outputs of view v.
func (m *Model) viewOutputs(g modelGraph, v view) []targets.PredictionOutput {
	lengths := targets.PredictionOutput{Name: targets.KeyLengths, Node: ConvertDType(g.state.Lengths, dtypes.Float32)}
	switch v {
	case viewFeatures:
		return []targets.PredictionOutput{{Name: OutFeatures, Node: g.state.Features}}
	case viewSequenceFeatures:
		return []targets.PredictionOutput{{Name: OutSequenceFeatures, Node: g.state.SequenceFeatures}, lengths}
	case viewAttention:
		return []targets.PredictionOutput{{Name: OutAttention, Node: g.state.Attention}, lengths}
	case viewContextShare:
		return []targets.PredictionOutput{{Name: OutContextShare, Node: g.state.ContextShare}, lengths}
	case viewGenerate:
		lm := g.head
		if m.kind != targets.LanguageModel {
			lm = targets.LanguageModelHead(nil, targets.Inputs{
				Hidden:       g.state.SequenceFeatures,
				EmbedWeights: g.state.EmbedWeights,
				Tokens:       g.tokens,
				Lengths:      g.state.Lengths,
			})
		}
		return targets.PredictionOutputs(targets.LanguageModel, lm)
	}
	return targets.PredictionOutputs(m.kind, g.head)
}

// predictor runs the inference graph of one view over batches of model inputs.
type predictor struct {
	m    *Model
	v    view
	exec *context.Exec

	// outputs describes the graph outputs. It is set when the first graph is built and is
	// the same for every batch shape.
	outputs []targets.PredictionOutput
}

func (m *Model) newPredictor(v view) (*predictor, error) {
	p := &predictor{m: m, v: v}
	opts := graphOptions{
		predict:          true,
		withAttention:    v == viewAttention,
		withContextShare: v == viewContextShare,
	}
	exec, err := context.NewExec(m.backend, m.newContext(), func(ctx *context.Context, inputs []*Node) []*Node {
		g := m.build(ctx, inputs[:m.pipeline.NumInputs()], opts)
		outputs := m.viewOutputs(g, v)
		p.outputs = make([]targets.PredictionOutput, len(outputs))
		nodes := make([]*Node, len(outputs))
		for i, o := range outputs {
			if o.Node == nil {
				exceptions.Panicf("output %q is not available for %s over %s", o.Name, m.kind, m.family.Name)
			}
			nodes[i] = ConvertDType(o.Node, dtypes.Float32)
			p.outputs[i] = targets.PredictionOutput{Name: o.Name, Shared: o.Shared}
		}
		return nodes
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating the inference graph")
	}
	p.exec = exec
	return p, nil
}

// run executes one batch and returns the outputs of each example, keyed by output name. Shared
// outputs are given to every example.
func (p *predictor) run(inputs []*tensors.Tensor) ([]map[string]targets.Row, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no model inputs")
	}
	args := make([]any, len(inputs))
	for i, input := range inputs {
		args[i] = input
	}
	batchSize := inputs[0].Shape().Dim(0)
	var rows []map[string]targets.Row
	err := exceptions.TryCatch[error](func() {
		outputs, _, err := p.exec.ExecWithGraph(args...)
		if err != nil {
			panic(err)
		}
		rows = make([]map[string]targets.Row, batchSize)
		for i := range rows {
			rows[i] = make(map[string]targets.Row, len(outputs))
		}
		for j, output := range outputs {
			full := targets.Row{Data: tensors.MustCopyFlatData[float32](output), Dims: output.Shape().Dimensions}
			meta := p.outputs[j]
			for i := range rows {
				if meta.Shared {
					rows[i][meta.Name] = full
				} else {
					rows[i][meta.Name] = full.Sub(i)
				}
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "running inference")
	}
	return rows, nil
}

// runDataset runs every batch of ds, in order.
func (p *predictor) runDataset(ds train.Dataset) ([]map[string]targets.Row, error) {
	var all []map[string]targets.Row
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, errors.WithMessage(err, "reading inference inputs")
		}
		rows, err := p.run(inputs)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
}

func (p *predictor) Finalize() {
	if p.exec != nil {
		p.exec.Finalize()
	}
}

// checkTrained returns ErrNotTrained if the model was never fit nor loaded.
func (m *Model) checkTrained() error {
	if !m.trained {
		return ferrors.NotTrainedf("%s model must be fit or loaded before inference", m.kind)
	}
	return nil
}

// infer runs view v over examples, one row map per example.
func (m *Model) infer(examples []*pipeline.Example, v view) ([]map[string]targets.Row, error) {
	if err := m.checkTrained(); err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, nil
	}
	if _, err := m.ResolveStrategy(); err != nil {
		return nil, err
	}
	ds, err := m.pipeline.Dataset("predict", examples, nil, m.cfg.BatchSize*m.numDevices())
	if err != nil {
		return nil, err
	}
	p, err := m.newPredictor(v)
	if err != nil {
		return nil, err
	}
	defer p.Finalize()
	return p.runDataset(ds)
}

// encode frames X for inference, chunking long documents when chunk is set.
func (m *Model) encode(X [][]string, aux [][]pipeline.ContextSpan, chunk bool) ([]*pipeline.Example, error) {
	if aux != nil && len(aux) != len(X) {
		return nil, ferrors.InputMismatchf("%d inputs and %d auxiliary contexts given", len(X), len(aux))
	}
	if chunk {
		return m.pipeline.EncodeChunks(X, aux)
	}
	return m.pipeline.Encode(X, aux)
}

// PredictOption configures an inference call.
type PredictOption func(o *predictOptions)

type predictOptions struct {
	aux [][]pipeline.ContextSpan
}

// WithContext gives the auxiliary context of each example, used when use_auxiliary_info is set.
func WithContext(aux [][]pipeline.ContextSpan) PredictOption {
	return func(o *predictOptions) { o.aux = aux }
}

func predictOpts(opts []PredictOption) predictOptions {
	var o predictOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Prediction of one example. The fields set depend on the head kind.
type Prediction struct {
	// Label is the predicted class of classifiers and ordinal regressors, the chosen answer of
	// multiple choice, or the generated continuation of the language model.
	Label string `yaml:"label,omitempty"`

	// Labels are the active classes of multi-label classifiers.
	Labels []string `yaml:"labels,omitempty"`

	// Values of regressors.
	Values []float32 `yaml:"values,omitempty"`

	// Annotations of token level heads.
	Annotations []pipeline.Annotation `yaml:"annotations,omitempty"`

	// Probas maps each class to its probability. Only set by PredictProba.
	Probas map[string]float32 `yaml:"probas,omitempty"`

	// Raw is the decoded output of the head.
	Raw targets.Decoded `yaml:"-"`
}

// Predict returns the prediction of each example of X. With chunk_long_sequences, long documents
// are predicted chunk by chunk and the results merged per document: example level outputs are
// averaged, annotations concatenated.
func (m *Model) Predict(X [][]string, opts ...PredictOption) ([]Prediction, error) {
	return m.predict(X, predictOpts(opts), false)
}

// PredictProba is Predict with the class probabilities.
func (m *Model) PredictProba(X [][]string, opts ...PredictOption) ([]Prediction, error) {
	return m.predict(X, predictOpts(opts), true)
}

func (m *Model) predict(X [][]string, o predictOptions, probas bool) ([]Prediction, error) {
	if err := m.checkTrained(); err != nil {
		return nil, err
	}
	chunked := m.chunkPredictions(X)
	examples, err := m.encode(X, o.aux, chunked)
	if err != nil {
		return nil, err
	}
	rows, err := m.infer(examples, viewPredict)
	if err != nil {
		return nil, err
	}
	if !chunked {
		return m.decodeAll(examples, rows, probas)
	}
	return m.mergeChunks(len(X), examples, rows, probas)
}

func (m *Model) decodeAll(examples []*pipeline.Example, rows []map[string]targets.Row, probas bool) ([]Prediction, error) {
	predictions := make([]Prediction, len(examples))
	for i, ex := range examples {
		var err error
		if predictions[i], err = m.decode(ex, rows[i], probas); err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
	}
	return predictions, nil
}

// decode converts the outputs of one example to a Prediction.
func (m *Model) decode(ex *pipeline.Example, rows map[string]targets.Row, probas bool) (Prediction, error) {
	multiLabel, padID := false, 0
	seqLabels, _ := m.pipeline.LabelEncoder().(*pipeline.SequenceLabels)
	if seqLabels != nil {
		multiLabel, padID = seqLabels.MultiLabel(), seqLabels.PadID()
	}
	decoded, err := targets.Decode(m.kind, rows, multiLabel, padID)
	if err != nil {
		return Prediction{}, err
	}
	pred := Prediction{Raw: decoded}
	switch enc := m.pipeline.LabelEncoder().(type) {
	case nil:
		if decoded.Tags != nil {
			length := len(decoded.Tags)
			if r, found := rows[targets.KeyLengths]; found && len(r.Data) > 0 {
				length = min(length, int(r.Data[0]))
			}
			ids := make([]int32, length)
			for i := range ids {
				ids[i] = int32(decoded.Tags[i])
			}
			if pred.Label, err = m.pipeline.TextEncoder().Decode(ids); err != nil {
				return Prediction{}, err
			}
		}
	case *pipeline.OneHotLabels:
		pred.Label = enc.Inverse(decoded.Class)
	case *pipeline.MultiLabels:
		pred.Labels = enc.Inverse(decoded.Labels)
	case *pipeline.OrdinalLabels:
		pred.Label = enc.Inverse(decoded.Rank)
	case *pipeline.RegressionLabels:
		pred.Values = decoded.Values
	case *pipeline.ChoiceLabels:
		if decoded.Class+1 < len(ex.Fields) {
			pred.Label = ex.Fields[decoded.Class+1]
		}
	case *pipeline.SequenceLabels:
		switch {
		case decoded.MultiTags != nil:
			pred.Annotations = enc.InverseMultiLabel(ex, decoded.MultiTags)
		case decoded.Tags != nil:
			pred.Annotations = enc.InverseTransform(ex, decoded.Tags)
		}
	}
	if probas {
		pred.Probas = m.classProbas(decoded)
	}
	return pred, nil
}

// classProbas formats the probabilities of the example level heads by class name.
func (m *Model) classProbas(decoded targets.Decoded) map[string]float32 {
	if decoded.Probas == nil {
		return nil
	}
	enc := m.pipeline.LabelEncoder()
	var classes []string
	if enc != nil {
		classes = enc.Classes()
	}
	if m.kind == targets.OrdinalRegressor {
		// The probabilities are per threshold: the first class has none.
		if len(classes) > 0 {
			classes = classes[1:]
		}
	}
	out := make(map[string]float32, len(decoded.Probas))
	for i, p := range decoded.Probas {
		name := choiceName(i)
		if i < len(classes) {
			name = classes[i]
		}
		out[name] = p
	}
	return out
}

func choiceName(i int) string {
	return "choice_" + strconv.Itoa(i)
}

// chunkPredictions reports whether the predictions of X are made chunk by chunk: with
// chunk_long_sequences, for the heads that can merge chunks and single document examples.
func (m *Model) chunkPredictions(X [][]string) bool {
	if !m.cfg.ChunkLongSequences || m.kind == targets.LanguageModel || m.kind == targets.MultipleChoice {
		return false
	}
	if m.pipeline.Chunked() {
		return true
	}
	fields := 1
	if m.pipeline.MultiTask() {
		fields = 2
	}
	for _, ex := range X {
		if len(ex) != fields {
			return false
		}
	}
	return true
}

// exampleLevel reports whether kind predicts one output per example, rather than per token.
func exampleLevel(kind targets.Kind) bool {
	switch kind {
	case targets.Classifier, targets.MultiClassifier, targets.Regressor, targets.OrdinalRegressor, targets.MultipleChoice:
		return true
	}
	return false
}

// mergeChunks assembles the predictions of the chunks of numDocs documents. Example level
// outputs are averaged over the chunks of each document; annotations are concatenated, and
// those overlapping in the chunk context are merged.
func (m *Model) mergeChunks(numDocs int, chunks []*pipeline.Example, rows []map[string]targets.Row, probas bool) ([]Prediction, error) {
	byDoc := make([][]int, numDocs)
	for i, ex := range chunks {
		byDoc[ex.DocIndex] = append(byDoc[ex.DocIndex], i)
	}
	predictions := make([]Prediction, numDocs)
	for doc, indices := range byDoc {
		if len(indices) == 0 {
			continue
		}
		first := chunks[indices[0]]
		if exampleLevel(m.kind) {
			pred, err := m.decode(first, averageRows(rows, indices), probas)
			if err != nil {
				return nil, errors.WithMessagef(err, "document %d", doc)
			}
			predictions[doc] = pred
			continue
		}
		var merged Prediction
		for _, i := range indices {
			pred, err := m.decode(chunks[i], rows[i], probas)
			if err != nil {
				return nil, errors.WithMessagef(err, "document %d", doc)
			}
			merged.Annotations = append(merged.Annotations, pred.Annotations...)
			if i == indices[0] {
				merged.Raw = pred.Raw
			}
		}
		merged.Annotations = mergeAnnotations(first.Text, merged.Annotations)
		predictions[doc] = merged
	}
	return predictions, nil
}

// averageRows averages the per-example outputs at indices.
func averageRows(rows []map[string]targets.Row, indices []int) map[string]targets.Row {
	out := make(map[string]targets.Row, len(rows[indices[0]]))
	for name, r := range rows[indices[0]] {
		sum := make([]float32, len(r.Data))
		for _, i := range indices {
			for j, v := range rows[i][name].Data {
				sum[j] += v
			}
		}
		for j := range sum {
			sum[j] /= float32(len(indices))
		}
		out[name] = targets.Row{Data: sum, Dims: r.Dims}
	}
	return out
}

// mergeAnnotations sorts annotations and merges the overlapping ones with the same label.
func mergeAnnotations(text string, annotations []pipeline.Annotation) []pipeline.Annotation {
	if len(annotations) == 0 {
		return nil
	}
	slices.SortStableFunc(annotations, func(a, b pipeline.Annotation) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	out := annotations[:1]
	for _, a := range annotations[1:] {
		last := &out[len(out)-1]
		if a.Label == last.Label && a.Start < last.End {
			last.End = max(last.End, a.End)
			continue
		}
		out = append(out, a)
	}
	for i := range out {
		if out[i].End <= len(text) {
			out[i].Text = text[out[i].Start:out[i].End]
		}
	}
	return out
}

// Featurize returns the pooled features [n_embed] of each example.
func (m *Model) Featurize(X [][]string, opts ...PredictOption) ([][]float32, error) {
	rows, err := m.inferView(X, predictOpts(opts), viewFeatures)
	if err != nil {
		return nil, err
	}
	features := make([][]float32, len(rows))
	for i, r := range rows {
		features[i] = r[OutFeatures].Data
	}
	return features, nil
}

// Transform is Featurize.
func (m *Model) Transform(X [][]string, opts ...PredictOption) ([][]float32, error) {
	return m.Featurize(X, opts...)
}

// FeaturizeSequence returns the features [length][n_embed] of every token of each example,
// special tokens included.
func (m *Model) FeaturizeSequence(X [][]string, opts ...PredictOption) ([][][]float32, error) {
	if m.kind == targets.MultipleChoice {
		return nil, ferrors.Unsupportedf("sequence features are not available for %s", m.kind)
	}
	rows, err := m.inferView(X, predictOpts(opts), viewSequenceFeatures)
	if err != nil {
		return nil, err
	}
	features := make([][][]float32, len(rows))
	for i, r := range rows {
		features[i] = r[OutSequenceFeatures].Matrix()[:rowLength(r)]
	}
	return features, nil
}

// AttentionWeights returns the attention coefficients [heads, seq, seq] of the last layer for
// each example. Only base models that expose their attention support it.
func (m *Model) AttentionWeights(X [][]string, opts ...PredictOption) ([]targets.Row, error) {
	if !m.family.ExposesAttention {
		return nil, ferrors.Unsupportedf("attention weights are not available for base model %s", m.family.Name)
	}
	if m.kind == targets.MultipleChoice {
		return nil, ferrors.Unsupportedf("attention weights are not available for %s", m.kind)
	}
	rows, err := m.inferView(X, predictOpts(opts), viewAttention)
	if err != nil {
		return nil, err
	}
	weights := make([]targets.Row, len(rows))
	for i, r := range rows {
		weights[i] = r[OutAttention]
	}
	return weights, nil
}

// ContextAttentionWeights returns, for every token of each example, the share in [0, 1] of its
// features coming from the auxiliary context. The context must be given.
func (m *Model) ContextAttentionWeights(X [][]string, aux [][]pipeline.ContextSpan) ([][]float32, error) {
	if aux == nil {
		return nil, ferrors.InputMismatchf("context attention weights require the auxiliary context")
	}
	if !m.cfg.UseAuxiliaryInfo || m.kind == targets.MultipleChoice {
		return nil, ferrors.Unsupportedf("context attention weights require use_auxiliary_info")
	}
	rows, err := m.inferView(X, predictOptions{aux: aux}, viewContextShare)
	if err != nil {
		return nil, err
	}
	shares := make([][]float32, len(rows))
	for i, r := range rows {
		shares[i] = r[OutContextShare].Data[:rowLength(r)]
	}
	return shares, nil
}

func (m *Model) inferView(X [][]string, o predictOptions, v view) ([]map[string]targets.Row, error) {
	if err := m.checkTrained(); err != nil {
		return nil, err
	}
	examples, err := m.encode(X, o.aux, false)
	if err != nil {
		return nil, err
	}
	return m.infer(examples, v)
}

// rowLength is the number of real positions of an example.
func rowLength(rows map[string]targets.Row) int {
	r, found := rows[targets.KeyLengths]
	if !found || len(r.Data) == 0 {
		return 0
	}
	return int(r.Data[0])
}
