// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package ferrors defines the error taxonomy of the fine-tuning library.
//
// Every error returned to users wraps one of the sentinels below, so callers can
// classify failures with errors.Is:
//
//	if errors.Is(err, ferrors.ErrNotTrained) { ... }
package ferrors

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid or conflicting settings. It fails fast, at
	// construction or before training.
	ErrConfiguration = errors.New("configuration error")

	// ErrInputMismatch is returned when inputs and targets lengths differ, or when raw text
	// doesn't match the character offsets provided with it.
	ErrInputMismatch = errors.New("input mismatch")

	// ErrNotTrained is returned when a prediction is requested from a model that was never fit.
	ErrNotTrained = errors.New("model not trained")

	// ErrUnsupportedOperation is returned for operations the current model or runtime can't
	// perform, e.g.: attention weights of a base model that doesn't expose them.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// wrapped keeps the sentinel reachable by errors.Is while carrying its own message and stack.
type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string { return w.cause.Error() + " (" + w.sentinel.Error() + ")" }
func (w *wrapped) Unwrap() []error {
	return []error{w.sentinel, w.cause}
}

func newf(sentinel error, format string, args ...any) error {
	return &wrapped{sentinel: sentinel, cause: errors.Errorf(format, args...)}
}

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return newf(ErrConfiguration, format, args...)
}

// InputMismatchf returns an error wrapping ErrInputMismatch.
func InputMismatchf(format string, args ...any) error {
	return newf(ErrInputMismatch, format, args...)
}

// NotTrainedf returns an error wrapping ErrNotTrained.
func NotTrainedf(format string, args ...any) error {
	return newf(ErrNotTrained, format, args...)
}

// Unsupportedf returns an error wrapping ErrUnsupportedOperation.
func Unsupportedf(format string, args ...any) error {
	return newf(ErrUnsupportedOperation, format, args...)
}
