// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

// Package finetune fine-tunes a pretrained transformer featurizer together with a target head, and
// runs inference with the result.
//
// A Model owns the configuration, the input pipeline and the weights. Each training or inference
// call builds a fresh context.Context whose Loader is the model's weights.Store: variables are
// initialized from the last captured weights, then from the base model, then from their
// initializers.
//
// A Model is not safe for concurrent use.
package finetune

import (
	stdcontext "context"
	"maps"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/featurizer"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
	"github.com/techthiyanes/finetune/pkg/weights"
	"k8s.io/klog/v2"
)

// Names of the device strategies.
const (
	StrategySingle         = "single"
	StrategyMirrored       = "mirrored"
	StrategyCentralStorage = "central_storage"
)

// Strategy describes how training and inference are placed on devices.
type Strategy struct {
	Name    string
	Devices []int
}

// ModelScope is the scope of all the model variables.
const ModelScope = "model"

// embeddingTable is the suffix of the token embedding variables, resized to the vocabulary of the
// text encoder when read from a base model.
const embeddingTable = "token_embed/embeddings"

// taskDefaults are the configuration defaults of each head kind, applied before the caller's
// overrides.
var taskDefaults = map[targets.Kind]map[string]any{
	targets.SequenceLabeler:        {"n_epochs": 5, "chunk_long_sequences": true},
	targets.MultiCRFGroupLabeler:   {"n_epochs": 5, "chunk_long_sequences": true},
	targets.MultiLogitGroupLabeler: {"n_epochs": 5, "chunk_long_sequences": true},
	targets.MultipleChoice:         {"n_epochs": 2},
}

// Option configures a Model at construction.
type Option func(m *Model) error

// WithBackend sets the backend used for training and inference. By default backends.New() is
// used.
func WithBackend(backend backends.Backend) Option {
	return func(m *Model) error {
		m.backend = backend
		return nil
	}
}

// WithStrategy sets a custom device strategy, used instead of the one selected from the
// visible_gpus and distribution_strategy settings.
func WithStrategy(strategy Strategy) Option {
	return func(m *Model) error {
		if strategy.Name == "" {
			return ferrors.Configurationf("custom strategy requires a name")
		}
		m.customStrategy = &strategy
		return nil
	}
}

// WithTransforms adds transforms applied to the variables read from the base model.
func WithTransforms(transforms ...weights.Transform) Option {
	return func(m *Model) error {
		m.transforms = append(m.transforms, transforms...)
		return nil
	}
}

// Model is a featurizer with a target head.
type Model struct {
	cfg       *config.Config
	overrides map[string]any
	kind      targets.Kind
	family    featurizer.Family

	pipeline   *pipeline.Pipeline
	backend    backends.Backend
	store      *weights.Store
	transforms []weights.Transform

	baseModelPath string
	workDir       string
	tempWorkDir   bool
	cleanup       runtime.Cleanup

	customStrategy *Strategy
	strategy       *Strategy
	resolvedGPUs   []int

	trained bool
	cached  *CachedPredictor
	runID   string
}

// New creates an untrained model for the head kind. overrides are configuration settings, keyed
// by their yaml name, applied on top of the defaults of the base model and of the head.
func New(kind targets.Kind, overrides map[string]any, opts ...Option) (*Model, error) {
	if _, err := targets.Head(kind); err != nil {
		return nil, err
	}
	cfg, family, err := resolveConfig(kind, overrides)
	if err != nil {
		return nil, err
	}
	return newModel(kind, cfg, family, overrides, opts)
}

// newModel creates the model of a resolved configuration.
func newModel(kind targets.Kind, cfg *config.Config, family featurizer.Family, overrides map[string]any, opts []Option) (*Model, error) {
	m := &Model{kind: kind, cfg: cfg, family: family, overrides: maps.Clone(overrides), runID: uuid.NewString()}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	var err error
	if m.backend == nil {
		if m.backend, err = backends.New(); err != nil {
			return nil, errors.WithMessage(err, "creating backend")
		}
	}
	if m.baseModelPath, err = m.downloadBaseModel(); err != nil {
		return nil, err
	}
	if m.pipeline, err = pipeline.New(m.backend, m.cfg, kind); err != nil {
		return nil, err
	}
	if err = m.setupWorkDir(); err != nil {
		return nil, err
	}
	if m.store, err = m.newStore(); err != nil {
		m.Close()
		return nil, err
	}
	klog.V(1).Infof("model %s: %s head over %s, work directory %q", m.runID, kind, cfg.BaseModel, m.workDir)
	return m, nil
}

// resolveConfig merges the base model settings, the head defaults and the overrides, and
// validates the result.
func resolveConfig(kind targets.Kind, overrides map[string]any) (*config.Config, featurizer.Family, error) {
	// The base model is needed first, to know its architecture defaults.
	cfg, err := config.Resolve(taskDefaults[kind], overrides)
	if err != nil {
		return nil, featurizer.Family{}, err
	}
	family, err := featurizer.Lookup(cfg.BaseModel)
	if err != nil {
		return nil, featurizer.Family{}, err
	}
	defaults := maps.Clone(family.Settings)
	if defaults == nil {
		defaults = map[string]any{}
	}
	maps.Copy(defaults, taskDefaults[kind])
	if cfg, err = config.Resolve(defaults, overrides); err != nil {
		return nil, featurizer.Family{}, err
	}
	if err = cfg.Validate(family.PartialFreeze()); err != nil {
		return nil, featurizer.Family{}, err
	}
	return cfg, family, nil
}

// downloadBaseModel returns the directory of the base model weights, downloading them first if
// base_model_repo is set. It returns "" if there is no base model: the featurizer is then
// initialized from scratch.
func (m *Model) downloadBaseModel() (string, error) {
	dir := m.cfg.BaseModelDir
	if m.cfg.BaseModelRepo != "" {
		if dir == "" {
			cacheDir, err := os.UserCacheDir()
			if err != nil {
				cacheDir = os.TempDir()
			}
			dir = filepath.Join(cacheDir, "finetune", filepath.FromSlash(m.cfg.BaseModelRepo))
		}
		return weights.Download(stdcontext.Background(), m.cfg.BaseModelRepo, m.cfg.HFToken, dir)
	}
	if dir == "" {
		return "", nil
	}
	if !weights.Exists(dir) {
		return "", ferrors.Configurationf("base_model_dir %q holds no base model weights", dir)
	}
	return dir, nil
}

// setupWorkDir creates the working directory of the run: tensorboard_folder if it is set and
// writable, or a temporary directory removed by Close.
func (m *Model) setupWorkDir() error {
	if dir := m.cfg.TensorboardFolder; dir != "" {
		dir = filepath.Join(dir, m.runID)
		err := os.MkdirAll(dir, 0o755)
		if err == nil {
			m.workDir = dir
			return nil
		}
		klog.Warningf("tensorboard_folder %q is not writable, using a temporary directory: %v", m.cfg.TensorboardFolder, err)
	}
	dir, err := os.MkdirTemp("", "finetune-"+m.runID+"-")
	if err != nil {
		return errors.Wrap(err, "creating temporary work directory")
	}
	m.workDir, m.tempWorkDir = dir, true
	// Only the path is captured: the model can still be collected.
	m.cleanup = runtime.AddCleanup(m, func(dir string) { _ = os.RemoveAll(dir) }, dir)
	return nil
}

func (m *Model) newStore() (*weights.Store, error) {
	opts := []weights.Option{
		weights.WithFallback(m.baseModelPath),
		weights.WithTargetScope("/" + ModelScope + "/" + targets.Scope),
		weights.WithTransforms(weights.ResizeEmbeddings(embeddingTable, m.pipeline.TextEncoder().VocabSize(),
			m.cfg.WeightStddev, m.cfg.Seed)),
		weights.WithTransforms(m.transforms...),
	}
	if m.cfg.SaveAdamVars {
		// Adam moments are kept, the step counter restarts with every training.
		opts = append(opts, weights.WithExclusions(`(?i)global_step`))
	}
	return weights.New(opts...)
}

// Config returns the configuration of the model. It must not be modified.
func (m *Model) Config() *config.Config { return m.cfg }

// Kind of the target head.
func (m *Model) Kind() targets.Kind { return m.kind }

// Pipeline returns the input pipeline of the model.
func (m *Model) Pipeline() *pipeline.Pipeline { return m.pipeline }

// Store returns the weights of the model.
func (m *Model) Store() *weights.Store { return m.store }

// Trained reports whether the model was trained or loaded.
func (m *Model) Trained() bool { return m.trained }

// WorkDir is the working directory of the run.
func (m *Model) WorkDir() string { return m.workDir }

// RunID identifies the model instance.
func (m *Model) RunID() string { return m.runID }

// ResolveStrategy selects the device strategy from the visible_gpus and distribution_strategy
// settings, unless a custom one was given with WithStrategy. The result is cached: call
// ResetStrategy after changing the visible devices.
func (m *Model) ResolveStrategy() (Strategy, error) {
	if m.strategy != nil {
		return *m.strategy, nil
	}
	var strategy Strategy
	devices := m.cfg.VisibleGPUs
	switch {
	case m.customStrategy != nil:
		strategy = *m.customStrategy
		if len(strategy.Devices) == 0 {
			strategy.Devices = devices
		}
	case len(devices) <= 1:
		strategy = Strategy{Name: StrategySingle, Devices: devices}
	default:
		switch m.cfg.DistributionStrategy {
		case "", StrategyMirrored:
			strategy = Strategy{Name: StrategyMirrored, Devices: devices}
		case StrategyCentralStorage:
			strategy = Strategy{Name: StrategyCentralStorage, Devices: devices}
		default:
			return Strategy{}, ferrors.Unsupportedf("distribution_strategy %q is not supported", m.cfg.DistributionStrategy)
		}
	}
	if len(strategy.Devices) > 1 && m.cfg.PerProcessGPUMemoryFraction > 0 {
		klog.Warningf("per_process_gpu_memory_fraction=%g is ignored with %d devices",
			m.cfg.PerProcessGPUMemoryFraction, len(strategy.Devices))
	}
	m.strategy = &strategy
	m.resolvedGPUs = strategy.Devices
	klog.V(1).Infof("device strategy %q over devices %v", strategy.Name, strategy.Devices)
	return strategy, nil
}

// ResetStrategy drops the cached device strategy.
func (m *Model) ResetStrategy() {
	m.strategy = nil
	m.resolvedGPUs = nil
}

// numDevices is the number of devices the batches are split over, at least 1.
func (m *Model) numDevices() int { return max(1, len(m.resolvedGPUs)) }

// newContext creates the context of a training or inference run, with the hyperparameters of the
// configuration and the store as loader.
func (m *Model) newContext() *context.Context {
	ctx := context.New()
	if err := ctx.SetRNGStateFromSeed(m.cfg.Seed); err != nil {
		panic(err)
	}
	m.cfg.ApplyToContext(ctx)
	ctx.SetLoader(m.store)
	return ctx
}

// Close releases the cached prediction stream, if any, and the temporary work directory. The
// model can't be used afterwards.
func (m *Model) Close() {
	if m.cached != nil {
		m.cached.Close()
	}
	if m.tempWorkDir {
		m.cleanup.Stop()
		if err := os.RemoveAll(m.workDir); err != nil {
			klog.Warningf("failed to remove work directory %q: %v", m.workDir, err)
		}
		m.tempWorkDir = false
	}
}
