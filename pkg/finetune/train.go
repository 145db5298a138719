// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
	"github.com/techthiyanes/finetune/pkg/weights"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Hook attaches extra hooks to the training loop, e.g. custom logging or checkpoints.
type Hook func(loop *train.Loop) error

// TrainOption configures one Finetune call.
type TrainOption func(o *trainOptions)

type trainOptions struct {
	batchSize int
	aux       [][]pipeline.ContextSpan
	hooks     []Hook
}

// WithBatchSize overrides the per device batch_size of the configuration.
func WithBatchSize(batchSize int) TrainOption {
	return func(o *trainOptions) { o.batchSize = batchSize }
}

// WithAuxContext gives the auxiliary context of each example, used when use_auxiliary_info is
// set.
func WithAuxContext(aux [][]pipeline.ContextSpan) TrainOption {
	return func(o *trainOptions) { o.aux = aux }
}

// WithHooks adds hooks to the training loop.
func WithHooks(hooks ...Hook) TrainOption {
	return func(o *trainOptions) { o.hooks = append(o.hooks, hooks...) }
}

// minValidationSize below which the validation loss is too noisy to be useful.
const minValidationSize = 10

// ValidationHookPriority of the validation hooks, which run before the best weights hook.
const ValidationHookPriority train.Priority = 100

// StepsPerEpoch is the number of optimizer steps to go once over n examples, with batchSize
// examples per device.
func StepsPerEpoch(n, batchSize, numDevices int) int {
	global := max(1, batchSize*max(1, numDevices))
	return max(1, (n+global-1)/global)
}

// Fit is Finetune with the default options.
func (m *Model) Fit(X [][]string, Y []any) error {
	return m.Finetune(X, Y)
}

// Finetune trains the model on the examples X, each a list of text fields, and their targets Y.
// Y may be nil: only the language model objective is trained then.
//
// Validation examples are held out per val_size, and the validation loss drives early stopping
// and the selection of the best weights. Calling Finetune again continues from the current
// weights.
func (m *Model) Finetune(X [][]string, Y []any, opts ...TrainOption) error {
	if Y != nil && len(X) != len(Y) {
		return ferrors.InputMismatchf("%d inputs and %d targets given", len(X), len(Y))
	}
	var o trainOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = m.cfg.BatchSize
	}
	if o.aux != nil && len(o.aux) != len(X) {
		return ferrors.InputMismatchf("%d inputs and %d auxiliary contexts given", len(X), len(o.aux))
	}
	if m.cached != nil {
		m.cached.Close()
	}
	if _, err := m.ResolveStrategy(); err != nil {
		return err
	}
	devices := m.numDevices()
	sets, err := m.pipeline.TrainInputs(X, Y, o.aux, o.batchSize*devices)
	if err != nil {
		return err
	}
	classWeights, err := m.classWeights()
	if err != nil {
		return err
	}
	steps := StepsPerEpoch(sets.Size, o.batchSize, devices) * max(1, m.cfg.NEpochs)
	klog.Infof("training %s for %d steps: %d examples, batch %d on %d device(s)",
		m.kind, steps, sets.Size, o.batchSize, devices)
	m.warnValidation(sets)

	if m.cfg.PrefitInit && Y != nil && m.kind != targets.LanguageModel {
		if err = m.prefit(sets, steps); err != nil {
			return errors.WithMessage(err, "prefit")
		}
	}
	if err = m.runTraining(sets, steps, graphOptions{classWeights: classWeights}, o.hooks, true); err != nil {
		return err
	}
	m.trained = true
	return nil
}

func (m *Model) warnValidation(sets *pipeline.TrainSets) {
	for _, v := range sets.Validations {
		if v.Size <= minValidationSize {
			klog.Warningf("validation set of %d examples%s: the validation loss will be noisy", v.Size, taskSuffix(v.Task))
		}
	}
	if m.cfg.KeepBestModel && m.pipeline.MultiTask() {
		klog.Warningf("keep_best_model is ignored in multi-task training: the final weights are kept")
	}
	if m.cfg.KeepBestModel && len(sets.Validations) == 0 {
		klog.Warningf("keep_best_model is set without validation examples: the final weights are kept")
	}
}

func taskSuffix(task string) string {
	if task == "" {
		return ""
	}
	return " for task " + task
}

// runTraining builds a trainer over a fresh context and runs steps training steps. The learned
// weights are captured in the store at the end.
func (m *Model) runTraining(sets *pipeline.TrainSets, steps int, opts graphOptions, hooks []Hook, validate bool) error {
	var err error
	if caught := exceptions.TryCatch[error](func() { err = m.runLoop(sets, steps, opts, hooks, validate) }); caught != nil {
		return errors.WithMessage(caught, "training")
	}
	return err
}

func (m *Model) runLoop(sets *pipeline.TrainSets, steps int, opts graphOptions, hooks []Hook, validate bool) error {
	ctx := m.newContext()
	trainer := train.NewTrainer(m.backend, ctx, m.trainModelFn(opts), nil, optimizers.FromContext(ctx), nil, nil)
	loop := train.NewLoop(trainer)
	if m.cfg.ShowProgress {
		commandline.AttachProgressBar(loop)
	}

	hookCfg := weights.HookConfig{
		EvalFrequency:      math.MaxInt32,
		EarlyStoppingSteps: m.cfg.EarlyStoppingSteps,
		KeepBestModel:      m.cfg.KeepBestModel && !m.pipeline.MultiTask(),
	}
	if m.cfg.CacheWeightsToFile {
		hookCfg.CacheDir = filepath.Join(m.workDir, "best_weights")
	}
	eval := func(*train.Loop) (float64, error) { return math.Inf(1), nil }
	if validate && len(sets.Validations) > 0 {
		v := newValidator(trainer, sets.Validations)
		v.attach(loop)
		if !m.pipeline.MultiTask() && sets.Validations[0].Interval > 0 {
			hookCfg.EvalFrequency = sets.Validations[0].Interval
			eval = v.lastLoss
		}
	}
	weights.NewBestWeightsHook(loop, m.store, hookCfg, eval)
	for _, hook := range hooks {
		if err := hook(loop); err != nil {
			return errors.WithMessage(err, "attaching hook")
		}
	}
	if _, err := loop.RunSteps(sets.Train, steps); err != nil {
		return err
	}
	return nil
}

// validator computes the losses of the validation splits every interval steps.
type validator struct {
	trainer     *train.Trainer
	validations []pipeline.Validation

	// Loss of the first split and the step it was computed at.
	loss     float64
	lossStep int
}

func newValidator(trainer *train.Trainer, validations []pipeline.Validation) *validator {
	return &validator{trainer: trainer, validations: validations, lossStep: -1}
}

func (v *validator) attach(loop *train.Loop) {
	for i := range v.validations {
		split := v.validations[i]
		name := "validation" + taskSuffix(split.Task)
		loop.OnStep(name, ValidationHookPriority, func(loop *train.Loop, _ []*tensors.Tensor) error {
			step := loop.LoopStep + 1
			if split.Interval <= 0 || step%split.Interval != 0 {
				return nil
			}
			loss, err := evalLoss(v.trainer, split.Held)
			if err != nil {
				return errors.WithMessagef(err, "%s at step %d", name, step)
			}
			if i == 0 {
				v.loss, v.lossStep = loss, step
			}
			if split.TrainSubset == nil {
				klog.V(1).Infof("step %d: %s loss %.5g", step, name, loss)
				return nil
			}
			trainLoss, err := evalLoss(v.trainer, split.TrainSubset)
			if err != nil {
				return errors.WithMessagef(err, "train subset%s at step %d", taskSuffix(split.Task), step)
			}
			klog.Infof("step %d: %s loss %.5g, train loss %.5g", step, name, loss, trainLoss)
			return nil
		})
	}
}

// lastLoss returns the loss of the first split computed at the current step.
func (v *validator) lastLoss(loop *train.Loop) (float64, error) {
	if v.lossStep != loop.LoopStep+1 {
		loss, err := evalLoss(v.trainer, v.validations[0].Held)
		if err != nil {
			return 0, err
		}
		v.loss, v.lossStep = loss, loop.LoopStep+1
	}
	return v.loss, nil
}

// evalLoss returns the mean loss over ds.
func evalLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	ds.Reset()
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("evaluation returned no metrics")
	}
	return scalarValue(values[0])
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
}

// optimizerState matches the variables reset after prefit.
var optimizerState = []string{`(?i)adam`, `(?i)global_step`}

// prefit trains the language model alone, then rescales the target head weights so that the
// head starts the real training with the magnitude of a fresh initialization.
func (m *Model) prefit(sets *pipeline.TrainSets, steps int) error {
	klog.Infof("prefit: training the language model objective for %d steps", steps)
	if err := m.runTraining(sets, steps, graphOptions{lmOnly: true}, nil, false); err != nil {
		return err
	}
	removed, err := m.store.RemoveMatching(optimizerState...)
	if err != nil {
		return err
	}
	klog.V(1).Infof("prefit: reset %d optimizer variables", removed)
	return m.rescaleTargetWeights()
}

// rescaleTargetWeights sets the norm of every column of the rank-2 head variables to the
// expected norm of a column drawn from N(0, weight_stddev²).
func (m *Model) rescaleTargetWeights() error {
	prefix := "/" + ModelScope + "/" + targets.Scope + "/"
	for _, name := range m.store.Names() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		value, _ := m.store.Get(name)
		if value == nil || value.Rank() != 2 || value.DType() != dtypes.Float32 {
			continue
		}
		rows, cols := value.Shape().Dim(0), value.Shape().Dim(1)
		var data []float32
		if err := exceptions.TryCatch[error](func() { data = tensors.MustCopyFlatData[float32](value) }); err != nil {
			return errors.WithMessagef(err, "reading %q", name)
		}
		RescaleColumns(data, rows, cols, m.cfg.WeightStddev*math.Sqrt(float64(rows)))
		m.store.Set(name, tensors.FromFlatDataAndDimensions(data, rows, cols))
	}
	return nil
}

// RescaleColumns scales each column of the row-major [rows, cols] matrix in data to the given L2
// norm, in place. All-zero columns are left untouched.
func RescaleColumns(data []float32, rows, cols int, norm float64) {
	column := make([]float64, rows)
	for j := range cols {
		for i := range rows {
			column[i] = float64(data[i*cols+j])
		}
		current := floats.Norm(column, 2)
		if current == 0 {
			continue
		}
		floats.Scale(norm/current, column)
		for i := range rows {
			data[i*cols+j] = float32(column[i])
		}
	}
}
