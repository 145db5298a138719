// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package featurizer maps token ids to dense representations with a pretrained transformer.
//
// Every base model family exposes the same State, so target heads don't depend on which family
// is used. Variables are created under the "featurizer" scope of the context given to Featurize,
// which the model function sets to "/model".
package featurizer

import (
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/encoding"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// Scope of the featurizer variables, relative to the model scope.
const Scope = "featurizer"

// State is the output of a featurizer.
type State struct {
	// EmbedWeights is the token embedding table [vocab, n_embed].
	EmbedWeights *Node

	// Features are the pooled features [batch, n_embed].
	Features *Node

	// SequenceFeatures are the per-token features [batch, seq, n_embed].
	SequenceFeatures *Node

	// Lengths [batch] int32 is the number of tokens up to and including the end token.
	Lengths *Node

	// EOSIdx [batch] int32 is the position of the end (classification) token.
	EOSIdx *Node

	// Attention holds the attention coefficients of the last layer, [batch, heads, seq, seq], if
	// requested and supported by the family. Otherwise nil.
	Attention *Node

	// ContextShare [batch, seq] is the share of the fused features coming from the auxiliary
	// context, if requested. See ContextShare.
	ContextShare *Node
}

// Inputs of a featurizer.
type Inputs struct {
	// Tokens [batch, seq] int32.
	Tokens *Node

	// Mask [batch, seq] float32, 1 for real tokens.
	Mask *Node

	// Context is the optional auxiliary information [batch, seq, context_dim], or nil.
	Context *Node

	// Encoder provides the special token ids.
	Encoder encoding.TextEncoder

	// WithAttention requests the attention coefficients of the last layer.
	WithAttention bool

	// WithContextShare requests State.ContextShare. It requires Context.
	WithContextShare bool
}

// Fn builds the featurizer of a family. ctx is already scoped under Scope.
type Fn func(ctx *context.Context, in Inputs) State

// Family describes a base model family.
type Family struct {
	Name string
	Fn   Fn

	// Bidirectional families attend to the whole sequence; the others are causal.
	Bidirectional bool

	// ExposesAttention families can return their attention coefficients.
	ExposesAttention bool

	// Settings are the architecture defaults of the family, as config overrides.
	Settings map[string]any
}

// PartialFreeze reports whether any number of layers can be frozen; bidirectional families only
// support freezing all or none.
func (f Family) PartialFreeze() bool { return !f.Bidirectional }

var families = map[string]Family{}

// Register a family, replacing any previous one with the same name.
func Register(f Family) {
	families[f.Name] = f
}

// Lookup returns the family registered under name.
func Lookup(name string) (Family, error) {
	f, found := families[name]
	if !found {
		return Family{}, errors.Wrapf(ferrors.ErrConfiguration, "unknown base model %q, known base models: %v",
			name, Names())
	}
	return f, nil
}

// Names of the registered families, sorted.
func Names() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Featurize builds the featurizer of family under the "featurizer" scope of ctx.
//
// The hyperparameters are read from ctx (see config.ApplyToContext). If num_layers_trained is 0,
// no gradient flows back into the featurizer.
func Featurize(ctx *context.Context, family Family, in Inputs) State {
	if in.Tokens.Rank() != 2 {
		exceptions.Panicf("featurizer expects tokens shaped [batch, seq], got %s", in.Tokens.Shape())
	}
	if in.WithAttention && !family.ExposesAttention {
		exceptions.Panicf("base model %q doesn't expose its attention weights", family.Name)
	}
	state := family.Fn(ctx.In(Scope), in)
	if in.Context != nil && context.GetParamOr(ctx, config.ParamUseAuxiliaryInfo, false) {
		contextCtx := ctx.In(Scope).In("context")
		fused := FuseContext(contextCtx, state.SequenceFeatures, in.Context)
		if in.WithContextShare {
			state.ContextShare = ContextShare(contextCtx, state.SequenceFeatures, in.Context)
		}
		state.SequenceFeatures = fused
	} else if in.WithContextShare {
		exceptions.Panicf("the context share requires the auxiliary context and %s", config.ParamUseAuxiliaryInfo)
	}
	if context.GetParamOr(ctx, config.ParamNumLayersTrained, 1) == 0 {
		state = state.stopGradient()
	}
	return state
}

func (s State) stopGradient() State {
	stop := func(x *Node) *Node {
		if x == nil {
			return nil
		}
		return StopGradient(x)
	}
	return State{
		EmbedWeights:     stop(s.EmbedWeights),
		Features:         stop(s.Features),
		SequenceFeatures: stop(s.SequenceFeatures),
		Lengths:          s.Lengths,
		EOSIdx:           s.EOSIdx,
		Attention:        stop(s.Attention),
		ContextShare:     stop(s.ContextShare),
	}
}

func init() {
	Register(Family{
		Name: "gpt", Fn: GPT, ExposesAttention: true,
		Settings: map[string]any{"n_embed": 768, "n_heads": 12, "n_layer": 12, "max_length": 512, "num_layers_trained": 12},
	})
	Register(Family{
		Name: "gpt_small", Fn: GPT, ExposesAttention: true,
		Settings: map[string]any{"n_embed": 64, "n_heads": 4, "n_layer": 2, "num_layers_trained": 2},
	})
	Register(Family{
		Name: "bert", Fn: BERT, Bidirectional: true,
		Settings: map[string]any{"n_embed": 768, "n_heads": 12, "n_layer": 12, "max_length": 512, "num_layers_trained": 12},
	})
	Register(Family{
		Name: "roberta", Fn: RoBERTa, Bidirectional: true,
		Settings: map[string]any{"n_embed": 768, "n_heads": 12, "n_layer": 12, "max_length": 512, "num_layers_trained": 12},
	})
}
