// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package targets implements the task heads ("target models") that sit on top of a featurizer.
//
// Each head is a pure graph function of the featurizer outputs and, when training, the targets.
// It returns an Output with the logits, the loss and any constants needed to decode predictions
// (e.g. the CRF transition matrix). Heads are selected by Kind and looked up in a registry, so new
// heads are added with Register instead of by modifying the callers.
//
// Graph-building functions follow the gomlx convention and panic on errors.
package targets

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

// Kind enumerates the available task heads.
type Kind int

const (
	LanguageModel Kind = iota
	Classifier
	MultiClassifier
	MultipleChoice
	Regressor
	OrdinalRegressor
	SequenceLabeler
	MultiCRFGroupLabeler
	MultiLogitGroupLabeler
	BrosDecoder
	JointBros
	TokenRelationDecoder
	JointTokenRelation
	Association
)

var kindNames = []string{
	LanguageModel:          "language_model",
	Classifier:             "classifier",
	MultiClassifier:        "multi_classifier",
	MultipleChoice:         "multiple_choice",
	Regressor:              "regressor",
	OrdinalRegressor:       "ordinal_regressor",
	SequenceLabeler:        "sequence_labeler",
	MultiCRFGroupLabeler:   "multi_crf_group_labeler",
	MultiLogitGroupLabeler: "multi_logit_group_labeler",
	BrosDecoder:            "bros_decoder",
	JointBros:              "joint_bros",
	TokenRelationDecoder:   "token_relation_decoder",
	JointTokenRelation:     "joint_token_relation",
	Association:            "association",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind converts a snake-case name (as returned by Kind.String) to a Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, ferrors.Configurationf("unknown target head %q", name)
}

// MarshalText implements encoding.TextMarshaler, used when saving the kind in yaml.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Keys of Output.Logits and Output.PredictParams.
const (
	KeyLogits      = "logits"
	KeyPerplexity  = "perplexity"
	KeyGroupLogits = "group_logits"
	KeyStartLogits = "start_token_logits"
	KeyNextLogits  = "next_token_logits"
	KeyAssociation = "association"

	KeyTransitions      = "transition_matrix"
	KeyGroupTransitions = "group_transition_matrix"
	KeyLengths          = "sequence_length"
)

// Inputs of a head. Hidden is always set; the other fields are set as the head requires.
type Inputs struct {
	// Hidden holds the pooled features, shaped [batch, n_embed], for example-level heads, or the
	// sequence features, shaped [batch, seq, n_embed], for token-level heads.
	Hidden *Node

	// EmbedWeights is the token embedding table [vocab, n_embed], used by the tied language model.
	EmbedWeights *Node

	// Tokens [batch, seq] int32, used by the language model.
	Tokens *Node

	// Lengths [batch] int32 of the number of real tokens per example.
	Lengths *Node

	// Targets are nil when building a prediction-only graph.
	Targets []*Node

	NTargets int
	PadID    int

	// ClassWeights [n_targets] float32, or nil.
	ClassWeights *Node

	// Bidirectional is set if the featurizer can attend to the future.
	Bidirectional bool
}

// HasTargets reports whether losses should be built.
func (in Inputs) HasTargets() bool { return len(in.Targets) > 0 && in.Targets[0] != nil }

// Output of a head.
type Output struct {
	Logits map[string]*Node

	// Losses is a scalar, the mean loss over the batch. It is nil when there are no targets.
	Losses *Node

	PredictParams map[string]*Node
}

// Scope of the head variables, relative to the model scope.
const Scope = "target"

// HeadFn builds a head in ctx. ctx is already scoped under Scope.
type HeadFn func(ctx *context.Context, in Inputs) Output

// Registration describes a head.
type Registration struct {
	Fn HeadFn

	// Sequence heads take the per-token features, others the pooled ones.
	Sequence bool

	// NumTargetTensors is the number of target tensors fed to the head while training.
	NumTargetTensors int

	// Viterbi is set if predictions require host-side CRF decoding.
	Viterbi bool
}

var registry = map[Kind]Registration{}

// Register a head for kind, replacing any previous registration.
func Register(kind Kind, reg Registration) {
	registry[kind] = reg
}

// Head returns the registration of kind.
func Head(kind Kind) (Registration, error) {
	reg, found := registry[kind]
	if !found {
		return Registration{}, errors.Wrapf(ferrors.ErrConfiguration, "no target head registered for %s", kind)
	}
	return reg, nil
}

// MustHead is like Head, but panics on error. Used inside graph-building functions.
func MustHead(kind Kind) Registration {
	reg, err := Head(kind)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return reg
}

func init() {
	Register(LanguageModel, Registration{Fn: LanguageModelHead, Sequence: true})
	Register(Classifier, Registration{Fn: ClassifierHead, NumTargetTensors: 1})
	Register(MultiClassifier, Registration{Fn: MultiClassifierHead, NumTargetTensors: 1})
	Register(MultipleChoice, Registration{Fn: MultipleChoiceHead, NumTargetTensors: 1})
	Register(Regressor, Registration{Fn: RegressorHead, NumTargetTensors: 1})
	Register(OrdinalRegressor, Registration{Fn: OrdinalRegressorHead, NumTargetTensors: 1})
	Register(SequenceLabeler, Registration{Fn: SequenceLabelerHead, Sequence: true, NumTargetTensors: 1, Viterbi: true})
	Register(MultiCRFGroupLabeler, Registration{Fn: MultiCRFGroupLabelerHead, Sequence: true, NumTargetTensors: 1, Viterbi: true})
	Register(MultiLogitGroupLabeler, Registration{Fn: MultiLogitGroupLabelerHead, Sequence: true, NumTargetTensors: 1, Viterbi: true})
	Register(BrosDecoder, Registration{Fn: BrosDecoderHead, Sequence: true, NumTargetTensors: 1})
	Register(JointBros, Registration{Fn: JointBrosHead, Sequence: true, NumTargetTensors: 1, Viterbi: true})
	Register(TokenRelationDecoder, Registration{Fn: TokenRelationDecoderHead, Sequence: true, NumTargetTensors: 1})
	Register(JointTokenRelation, Registration{Fn: JointTokenRelationHead, Sequence: true, NumTargetTensors: 1, Viterbi: true})
	Register(Association, Registration{Fn: AssociationHead, Sequence: true, NumTargetTensors: 2, Viterbi: true})
}
