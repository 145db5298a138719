// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"math"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalFn returns the validation loss of the model being trained.
type EvalFn func(loop *train.Loop) (float64, error)

// HookConfig configures a BestWeightsHook.
type HookConfig struct {
	// EvalFrequency is the number of steps between evaluations.
	EvalFrequency int

	// EarlyStoppingSteps without improvement stop the training. 0 disables early stopping.
	EarlyStoppingSteps int

	// KeepBestModel restores the best weights at the end of the training. Otherwise the final
	// weights are kept.
	KeepBestModel bool

	// CacheDir, if set, keeps the best snapshot on disk in this directory instead of in memory.
	CacheDir string
}

// BestWeightsHook tracks the validation loss during a train.Loop, keeps a snapshot of the best
// weights and stops the loop when the loss stops improving.
//
// At the end of the loop the store holds either the best or the final weights.
type BestWeightsHook struct {
	store  *Store
	config HookConfig
	eval   EvalFn

	bestLoss float64
	bestStep int
	best     map[string]*tensors.Tensor
	hasBest  bool
	stopped  bool
}

// HookPriority of the BestWeightsHook on the loop: it runs after the default hooks.
const HookPriority train.Priority = 200

// NewBestWeightsHook creates the hook and attaches it to loop.
func NewBestWeightsHook(loop *train.Loop, store *Store, config HookConfig, eval EvalFn) *BestWeightsHook {
	if config.EvalFrequency <= 0 {
		config.EvalFrequency = 1
	}
	h := &BestWeightsHook{store: store, config: config, eval: eval, bestLoss: math.Inf(1)}
	loop.OnStep("best weights", HookPriority, h.onStep)
	loop.OnEnd("best weights", HookPriority, h.onEnd)
	return h
}

// BestLoss returns the best validation loss seen and the step it was measured at.
func (h *BestWeightsHook) BestLoss() (loss float64, step int) { return h.bestLoss, h.bestStep }

// Stopped reports whether the loop was stopped early.
func (h *BestWeightsHook) Stopped() bool { return h.stopped }

func (h *BestWeightsHook) onStep(loop *train.Loop, _ []*tensors.Tensor) error {
	step := loop.LoopStep + 1
	if step%h.config.EvalFrequency != 0 {
		return nil
	}
	loss, err := h.eval(loop)
	if err != nil {
		return errors.WithMessagef(err, "evaluating at step %d", step)
	}
	klog.V(1).Infof("step %d: validation loss %.5g (best %.5g at step %d)", step, loss, h.bestLoss, h.bestStep)
	if loss < h.bestLoss {
		h.bestLoss, h.bestStep = loss, step
		return h.snapshot(loop)
	}
	if h.config.EarlyStoppingSteps > 0 && step-h.bestStep >= h.config.EarlyStoppingSteps {
		klog.Infof("early stopping at step %d: no improvement since step %d", step, h.bestStep)
		h.stopped = true
		loop.EndStep = loop.LoopStep + 1 // Stop after the current step.
	}
	return nil
}

func (h *BestWeightsHook) snapshot(loop *train.Loop) error {
	snapshot := &Store{Variables: map[string]*tensors.Tensor{}, exclusions: h.store.exclusions}
	if err := snapshot.Capture(loop.Trainer.Context()); err != nil {
		return err
	}
	h.hasBest = true
	if h.config.CacheDir == "" {
		h.best = snapshot.Variables
		return nil
	}
	return writeDir(h.config.CacheDir, snapshot.Variables, SaveFloat32)
}

func (h *BestWeightsHook) onEnd(loop *train.Loop, _ []*tensors.Tensor) error {
	ctx := loop.Trainer.Context()
	if !h.config.KeepBestModel || !h.hasBest {
		return h.store.Capture(ctx)
	}
	best := h.best
	if h.config.CacheDir != "" {
		var err error
		if best, err = readDir(h.config.CacheDir); err != nil {
			return errors.WithMessage(err, "reading cached best weights")
		}
		if err = os.RemoveAll(h.config.CacheDir); err != nil {
			klog.Warningf("failed to remove cached weights %q: %v", h.config.CacheDir, err)
		}
	}
	h.store.mu.Lock()
	h.store.Variables = best
	h.store.mu.Unlock()
	klog.Infof("restoring best weights from step %d (validation loss %.5g)", h.bestStep, h.bestLoss)
	return h.store.Restore(ctx)
}
