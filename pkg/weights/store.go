// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package weights holds the values of the model variables outside of any context.Context.
//
// A Store is installed as the context.Loader of every context built for a model, so variables
// are initialized, in order of priority, from:
//
//  1. Store.Variables, the weights captured after training or read from a saved model;
//  2. the fallback base model, read lazily on first use, with the configured transforms applied;
//  3. their initializers.
//
// Variables under the target scope are never read from the fallback.
package weights

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"maps"
)

// DefaultExclusions match the optimizer state, which isn't saved nor captured.
var DefaultExclusions = []string{`(?i)adam`, `global_step`}

// DefaultTargetScope is the scope of the target head variables.
const DefaultTargetScope = "/model/target"

// Transform is applied to every value read from the fallback base model. It may return value
// unchanged, a new tensor, or nil to skip the variable, which is then initialized fresh.
type Transform func(name string, value *tensors.Tensor) (*tensors.Tensor, error)

// Store of variable values. It implements context.Loader.
//
// It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// Variables maps the variable parameter name ("/scope/name") to its value.
	Variables map[string]*tensors.Tensor

	fallbackPath   string
	fallback       map[string]*tensors.Tensor
	fallbackLoaded bool

	transforms  []Transform
	exclusions  []*regexp.Regexp
	targetScope string
}

// Option configures a Store.
type Option func(s *Store) error

// WithFallback sets the base model directory read when a variable is not in Store.Variables.
func WithFallback(path string) Option {
	return func(s *Store) error {
		s.fallbackPath = path
		return nil
	}
}

// WithTransforms appends transforms applied to the fallback values.
func WithTransforms(transforms ...Transform) Option {
	return func(s *Store) error {
		s.transforms = append(s.transforms, transforms...)
		return nil
	}
}

// WithExclusions replaces the exclusion patterns. Variables whose name matches any of them
// are not captured nor saved.
func WithExclusions(patterns ...string) Option {
	return func(s *Store) error {
		s.exclusions = nil
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return errors.Wrapf(err, "invalid weights exclusion pattern %q", p)
			}
			s.exclusions = append(s.exclusions, re)
		}
		return nil
	}
}

// WithTargetScope sets the scope whose variables are never read from the fallback.
func WithTargetScope(scope string) Option {
	return func(s *Store) error {
		s.targetScope = scope
		return nil
	}
}

// New creates an empty Store.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		Variables:   make(map[string]*tensors.Tensor),
		targetScope: DefaultTargetScope,
	}
	if err := WithExclusions(DefaultExclusions...)(s); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetFallback points the fallback to the base model at path. The previously read fallback, if
// any, is dropped. An empty path disables the fallback.
func (s *Store) SetFallback(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbackPath = path
	s.fallback = nil
	s.fallbackLoaded = false
}

// FallbackPath returns the current fallback path.
func (s *Store) FallbackPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackPath
}

// Excluded reports whether the variable name matches an exclusion pattern.
func (s *Store) Excluded(name string) bool {
	for _, re := range s.exclusions {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Names of the variables in the store, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.Variables))
}

// Memory used by the variables held, in bytes.
func (s *Store) Memory() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uintptr
	for _, t := range s.Variables {
		total += t.Memory()
	}
	return total
}

// Set the value of a variable, replacing any previous one.
func (s *Store) Set(name string, value *tensors.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Variables[name] = value
}

// RemoveMatching deletes the variables whose name matches any of the regexp patterns, and returns
// how many were removed.
func (s *Store) RemoveMatching(patterns ...string) (int, error) {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid pattern %q", p)
		}
		res[i] = re
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for name := range s.Variables {
		for _, re := range res {
			if re.MatchString(name) {
				delete(s.Variables, name)
				removed++
				break
			}
		}
	}
	return removed, nil
}

// Get returns the value of a variable held by the store.
func (s *Store) Get(name string) (*tensors.Tensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.Variables[name]
	return value, found
}

// Capture snapshots the variables of ctx that are not excluded, replacing the current
// Variables. The values are copied to host memory, so the context can be freed afterwards.
func (s *Store) Capture(ctx *context.Context) error {
	captured := make(map[string]*tensors.Tensor, ctx.NumVariables())
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil || s.Excluded(v.ParameterName()) {
			return
		}
		var value, clone *tensors.Tensor
		value, err = v.Value()
		if err != nil {
			err = errors.WithMessagef(err, "capturing variable %q", v.ParameterName())
			return
		}
		clone, err = value.LocalClone()
		if err != nil {
			err = errors.WithMessagef(err, "capturing variable %q", v.ParameterName())
			return
		}
		captured[v.ParameterName()] = clone
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Variables = captured
	s.mu.Unlock()
	klog.V(1).Infof("captured %d variables (%s)", len(captured), humanize.Bytes(uint64(s.Memory())))
	return nil
}

// Restore sets the variables of ctx present in the store to the stored values. Variables not
// yet created in ctx are left to the Loader.
func (s *Store) Restore(ctx *context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		value, found := s.Variables[v.ParameterName()]
		if !found {
			return
		}
		var clone *tensors.Tensor
		clone, err = value.LocalClone()
		if err == nil {
			err = v.SetValue(clone)
		}
		if err != nil {
			err = errors.WithMessagef(err, "restoring variable %q", v.ParameterName())
		}
	})
	return err
}

// LoadVariable implements context.Loader. The context receives a copy of the value: the
// store keeps its own, so it can initialize any number of contexts.
func (s *Store) LoadVariable(_ *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found = s.Variables[paramName]
	if !found {
		if s.targetScope != "" && strings.HasPrefix(scope, s.targetScope) {
			return nil, false
		}
		value, found = s.fallbackValueLocked(paramName)
		if !found {
			klog.V(2).Infof("variable %q initialized fresh", paramName)
			return nil, false
		}
	}
	clone, err := value.LocalClone()
	if err != nil {
		exceptions.Panicf("failed to copy stored value of variable %q: %+v", paramName, err)
	}
	return clone, true
}

// DeleteVariable implements context.Loader.
func (s *Store) DeleteVariable(_ *context.Context, scope, name string) error {
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Variables, paramName)
	delete(s.fallback, paramName)
	return nil
}

func (s *Store) fallbackValueLocked(paramName string) (*tensors.Tensor, bool) {
	if s.fallbackPath == "" {
		return nil, false
	}
	if !s.fallbackLoaded {
		s.fallbackLoaded = true
		values, err := readDir(s.fallbackPath)
		if err != nil {
			exceptions.Panicf("failed to read base model from %q: %+v", s.fallbackPath, err)
		}
		s.fallback = values
		klog.V(1).Infof("read base model %q: %d variables", s.fallbackPath, len(values))
	}
	value, found := s.fallback[paramName]
	if !found {
		return nil, false
	}
	for _, transform := range s.transforms {
		var err error
		value, err = transform(paramName, value)
		if err != nil {
			exceptions.Panicf("failed to transform base model variable %q: %+v", paramName, err)
		}
		if value == nil {
			return nil, false
		}
	}
	return value, true
}
