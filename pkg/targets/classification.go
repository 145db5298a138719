// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package targets

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/techthiyanes/finetune/pkg/config"
)

// Perceptron is a linear layer x·w + b, with w initialized from N(0, weight_stddev²) and b with zeros.
// Variables are created under the "perceptron" scope of ctx.
func Perceptron(ctx *context.Context, x *Node, outputDim int) *Node {
	ctx = ctx.In("perceptron")
	g := x.Graph()
	stddev := context.GetParamOr(ctx, config.ParamWeightStddev, 0.02)
	inputDim := x.Shape().Dim(-1)
	w := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
		VariableWithShape("w", shapes.Make(x.DType(), inputDim, outputDim)).ValueGraph(g)
	b := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("b", shapes.Make(x.DType(), outputDim)).ValueGraph(g)
	out := MatMul(x, w)
	return Add(out, BroadcastToDims(ExpandLeftToRank(b, out.Rank()), out.Shape().Dimensions...))
}

// dropout with the rate read from the given hyperparameter. It is a no-op when not training.
func dropout(ctx *context.Context, x *Node, rateParam string) *Node {
	rate := context.GetParamOr(ctx, rateParam, 0.0)
	if rate <= 0 {
		return x
	}
	return layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), rate), true)
}

// ClassifierHead is a linear classifier over the pooled features.
//
// Targets: one-hot [batch, n_targets]. Logits: [batch, n_targets].
func ClassifierHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("classifier")
	hidden := dropout(ctx, in.Hidden, config.ParamClfPDrop)
	logits := Perceptron(ctx, hidden, in.NTargets)
	out := Output{Logits: map[string]*Node{KeyLogits: logits}}
	if in.HasTargets() {
		targets := ConvertDType(in.Targets[0], logits.DType())
		losses := softmaxCrossEntropy(logits, targets)
		losses = applyClassWeight(losses, targets, in.ClassWeights)
		out.Losses = ReduceAllMean(losses)
	}
	return out
}

// MultiClassifierHead is a multi-label classifier: one independent sigmoid per class.
//
// Targets: multi-hot [batch, n_targets]. Logits: [batch, n_targets].
func MultiClassifierHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("multi_classifier")
	hidden := dropout(ctx, in.Hidden, config.ParamClfPDrop)
	logits := Perceptron(ctx, hidden, in.NTargets)
	out := Output{Logits: map[string]*Node{KeyLogits: logits}}
	if in.HasTargets() {
		targets := ConvertDType(in.Targets[0], logits.DType())
		losses := sigmoidCrossEntropy(logits, targets)
		losses = applyMultilabelClassWeight(losses, targets, in.ClassWeights)
		out.Losses = ReduceAllMean(losses)
	}
	return out
}

// MultipleChoiceHead scores each of the n_targets choices with a shared perceptron.
//
// Hidden: [batch, n_targets, n_embed]. Targets: index of the right answer [batch]. Logits: [batch, n_targets].
func MultipleChoiceHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("multiple_choice")
	if in.Hidden.Rank() != 3 {
		exceptions.Panicf("multiple choice head expects features shaped [batch, choices, n_embed], got %s",
			in.Hidden.Shape())
	}
	hidden := dropout(ctx, in.Hidden, config.ParamClfPDrop)
	logits := Squeeze(Perceptron(ctx, hidden, 1), -1)
	out := Output{Logits: map[string]*Node{KeyLogits: logits}}
	if in.HasTargets() {
		answers := ConvertDType(in.Targets[0], dtypes.Int32)
		losses := sparseCrossEntropy(logits, answers)
		losses = applyClassWeight(losses, OneHot(answers, logits.Shape().Dim(-1), logits.DType()), in.ClassWeights)
		out.Losses = ReduceAllMean(losses)
	}
	return out
}

// RegressorHead is a linear regressor.
//
// Targets: [batch, n_targets]. With regression_loss "L2" the per-example loss is sum(diff²)/2,
// with "L1" it is sum(|diff|).
func RegressorHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("regressor")
	hidden := dropout(ctx, in.Hidden, config.ParamClfPDrop)
	outputs := Perceptron(ctx, hidden, in.NTargets)
	out := Output{Logits: map[string]*Node{KeyLogits: outputs}}
	if !in.HasTargets() {
		return out
	}
	diff := Sub(outputs, ConvertDType(in.Targets[0], outputs.DType()))
	switch lossName := strings.ToUpper(context.GetParamOr(ctx, config.ParamRegressionLoss, "L2")); lossName {
	case "L2":
		out.Losses = ReduceAllMean(DivScalar(ReduceSum(Square(diff), -1), 2))
	case "L1":
		out.Losses = ReduceAllMean(ReduceSum(Abs(diff), -1))
	default:
		exceptions.Panicf("regression_loss needs to be either L1 or L2, got %q", lossName)
	}
	return out
}

// OrdinalRegressorHead uses the all-threshold loss: each of the n_targets thresholds is a binary
// classifier of "value > threshold".
//
// With shared_threshold_weights the thresholds share a single projection and differ only by their
// bias. Targets: cumulative binary encoding [batch, n_targets].
func OrdinalRegressorHead(ctx *context.Context, in Inputs) Output {
	ctx = ctx.In("ordinal_regressor")
	g := in.Hidden.Graph()
	hidden := dropout(ctx, in.Hidden, config.ParamClfPDrop)
	var logits *Node
	if context.GetParamOr(ctx, config.ParamSharedThresholdWeights, false) {
		stddev := context.GetParamOr(ctx, config.ParamWeightStddev, 0.02)
		w := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
			VariableWithShape("w", shapes.Make(hidden.DType(), hidden.Shape().Dim(-1), 1)).ValueGraph(g)
		b := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
			VariableWithShape("b", shapes.Make(hidden.DType(), in.NTargets)).ValueGraph(g)
		projected := MatMul(hidden, w) // [batch, 1]
		batchSize := hidden.Shape().Dim(0)
		logits = Add(BroadcastToDims(projected, batchSize, in.NTargets),
			BroadcastToDims(InsertAxes(b, 0), batchSize, in.NTargets))
	} else {
		logits = Perceptron(ctx, hidden, in.NTargets)
	}
	out := Output{Logits: map[string]*Node{KeyLogits: logits}}
	if in.HasTargets() {
		out.Losses = ReduceAllMean(sigmoidCrossEntropy(logits, ConvertDType(in.Targets[0], logits.DType())))
	}
	return out
}
