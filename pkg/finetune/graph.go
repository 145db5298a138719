// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/featurizer"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
)

// graphOptions select what the model graph builds.
type graphOptions struct {
	// lmOnly trains the language model objective only: the head is built, so its variables
	// exist, but its loss is not used.
	lmOnly bool

	// predict builds no loss.
	predict bool

	withAttention    bool
	withContextShare bool

	// classWeights per target, nil for uniform weights. Resolved before the graph is built.
	classWeights []float32
}

// modelGraph is the result of building the model.
type modelGraph struct {
	state  featurizer.State
	head   targets.Output
	tokens *Node

	// loss is the total training loss, nil if there are no targets.
	loss *Node
}

// build creates the featurizer and the head under the model scope. inputs are the model inputs
// followed, while training, by the target tensors of the head.
func (m *Model) build(ctx *context.Context, inputs []*Node, opts graphOptions) modelGraph {
	numInputs := m.pipeline.NumInputs()
	if len(inputs) < numInputs {
		exceptions.Panicf("model requires %d inputs, got %d", numInputs, len(inputs))
	}
	reg := targets.MustHead(m.kind)
	tokens, mask := inputs[0], inputs[1]
	var contextValues *Node
	if numInputs > 2 {
		contextValues = inputs[2]
	}
	headTargets := inputs[numInputs:]
	if len(headTargets) > 0 && len(headTargets) != reg.NumTargetTensors {
		exceptions.Panicf("%s head requires %d target tensors, got %d", m.kind, reg.NumTargetTensors, len(headTargets))
	}

	// Multiple choice examples are featurized one choice at a time.
	var numChoices int
	if m.kind == targets.MultipleChoice {
		numChoices = tokens.Shape().Dim(1)
		seqLen := tokens.Shape().Dim(2)
		tokens = Reshape(tokens, -1, seqLen)
		mask = Reshape(mask, -1, seqLen)
	}

	ctx = ctx.In(ModelScope)
	state := featurizer.Featurize(ctx, m.family, featurizer.Inputs{
		Tokens:           tokens,
		Mask:             mask,
		Context:          contextValues,
		Encoder:          m.pipeline.TextEncoder(),
		WithAttention:    opts.withAttention,
		WithContextShare: opts.withContextShare,
	})

	if numChoices > 0 {
		state.Features = Reshape(state.Features, -1, numChoices, state.Features.Shape().Dim(-1))
	}

	headInputs := targets.Inputs{
		EmbedWeights:  state.EmbedWeights,
		Tokens:        tokens,
		Lengths:       state.Lengths,
		NTargets:      m.pipeline.TargetDim(),
		Bidirectional: m.family.Bidirectional,
	}
	if reg.Sequence {
		headInputs.Hidden = state.SequenceFeatures
	} else {
		headInputs.Hidden = state.Features
	}
	if labels, ok := m.pipeline.LabelEncoder().(*pipeline.SequenceLabels); ok {
		headInputs.PadID = labels.PadID()
	}
	if opts.classWeights != nil {
		headInputs.ClassWeights = Const(tokens.Graph(), opts.classWeights)
	}
	if !opts.lmOnly {
		headInputs.Targets = headTargets
	}
	head := reg.Fn(ctx.In(targets.Scope), headInputs)
	g := modelGraph{state: state, head: head, tokens: tokens}
	if opts.predict {
		return g
	}

	// Language model loss, mixed in with lm_loss_coef, or alone when there are no targets.
	if m.kind == targets.LanguageModel {
		g.loss = head.Losses
		return g
	}
	lmCoef := context.GetParamOr(ctx, config.ParamLMLossCoef, 0.0)
	taskLoss := head.Losses
	if len(headTargets) == 0 || opts.lmOnly {
		taskLoss = nil
		lmCoef = 1
	}
	if lmCoef > 0 {
		lm := targets.LanguageModelHead(ctx, targets.Inputs{
			Hidden:       state.SequenceFeatures,
			EmbedWeights: state.EmbedWeights,
			Tokens:       tokens,
			Lengths:      state.Lengths,
		})
		if lm.Losses != nil {
			lmLoss := MulScalar(lm.Losses, lmCoef)
			if taskLoss == nil {
				taskLoss = lmLoss
			} else {
				taskLoss = Add(taskLoss, lmLoss)
			}
		}
	}
	g.loss = taskLoss
	return g
}

// classWeights returns the configured class weights per target, or nil if none are set.
func (m *Model) classWeights() ([]float32, error) {
	if len(m.cfg.ClassWeights) == 0 || m.pipeline.LabelEncoder() == nil {
		return nil, nil
	}
	return pipeline.ClassWeights(m.pipeline.LabelEncoder(), m.cfg.ClassWeights)
}

// trainModelFn is the train.ModelFn of the model: the loss is added to the context, so the
// trainer is created without a loss function. The output is the scalar loss, zero if there is
// nothing to optimize.
func (m *Model) trainModelFn(opts graphOptions) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		g := m.build(ctx, inputs, opts)
		if g.loss == nil {
			zero := Scalar(inputs[0].Graph(), dtypes.Float32, 0)
			train.AddLoss(ctx, zero)
			return []*Node{zero}
		}
		train.AddLoss(ctx, g.loss)
		return []*Node{g.loss}
	}
}
