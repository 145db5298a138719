// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/config"
	"github.com/techthiyanes/finetune/pkg/featurizer"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"github.com/techthiyanes/finetune/pkg/pipeline"
	"github.com/techthiyanes/finetune/pkg/targets"
	"github.com/techthiyanes/finetune/pkg/weights"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Layout of a saved model directory.
const (
	ModelFile  = "model.yaml"
	WeightsDir = "weights"
)

// savedModel is the content of ModelFile.
type savedModel struct {
	Kind    targets.Kind        `yaml:"kind"`
	Trained bool                `yaml:"trained"`
	Labels  pipeline.LabelState `yaml:"labels"`
	RunID   string              `yaml:"run_id,omitempty"`

	// Config is decoded separately, to detect the settings missing from older saves.
	Config yaml.Node `yaml:"config"`
}

// Save writes the model to the directory path: the weights, then ModelFile. An empty path is a
// no-op.
func (m *Model) Save(path string) error {
	if path == "" {
		klog.V(1).Infof("no path given, model %s not saved", m.runID)
		return nil
	}
	if err := m.store.Save(filepath.Join(path, WeightsDir), m.cfg.SaveDType); err != nil {
		return errors.WithMessagef(err, "saving model to %q", path)
	}
	saved := savedModel{Kind: m.kind, Trained: m.trained, RunID: m.runID}
	if enc := m.pipeline.LabelEncoder(); enc != nil {
		saved.Labels = enc.State()
	}
	if err := saved.Config.Encode(m.cfg); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	blob, err := yaml.Marshal(&saved)
	if err != nil {
		return errors.Wrap(err, "encoding model")
	}
	return writeFileAtomic(filepath.Join(path, ModelFile), blob)
}

// writeFileAtomic writes to a temporary file in the same directory, renamed to path at the end.
func writeFileAtomic(path string, blob []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "renaming %q", path)
	}
	return nil
}

// Load reads a model saved with Save. overrides are applied on top of the saved configuration;
// settings missing in older saves get their backward-compatible default.
//
// The base model of the configuration is used as fallback for the variables missing in the
// saved weights.
func Load(path string, overrides map[string]any, opts ...Option) (*Model, error) {
	blob, err := os.ReadFile(filepath.Join(path, ModelFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading model %q", path)
	}
	var saved savedModel
	if err = yaml.Unmarshal(blob, &saved); err != nil {
		return nil, ferrors.Configurationf("invalid model file in %q: %v", path, err)
	}
	cfgBlob, err := yaml.Marshal(&saved.Config)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding saved config")
	}
	cfg, err := config.Parse(cfgBlob)
	if err != nil {
		return nil, err
	}
	if err = cfg.Override(overrides); err != nil {
		return nil, err
	}
	family, err := featurizer.Lookup(cfg.BaseModel)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(family.PartialFreeze()); err != nil {
		return nil, err
	}

	m, err := newModel(saved.Kind, cfg, family, overrides, opts)
	if err != nil {
		return nil, err
	}
	m.pipeline.Rebind(m.cfg)
	if enc := m.pipeline.LabelEncoder(); enc != nil {
		if err = enc.Restore(saved.Labels); err != nil {
			m.Close()
			return nil, err
		}
	}
	if err = m.store.Load(filepath.Join(path, WeightsDir)); err != nil {
		m.Close()
		return nil, errors.WithMessagef(err, "loading weights of %q", path)
	}
	m.store.SetFallback(m.baseModelPath)
	if !saved.Trained {
		klog.Warningf("model in %q was saved before training", path)
	}
	m.trained = true
	klog.V(1).Infof("loaded %s model from %q (saved by run %s)", saved.Kind, path, saved.RunID)
	return m, nil
}

// CreateBaseModel saves the featurizer weights as a base model at path, usable as base_model_dir
// of new models. If path already holds a base model and overwrite is false, a unique suffix is
// added to path. It returns the path written.
func (m *Model) CreateBaseModel(path string, overwrite bool) (string, error) {
	if weights.Exists(path) && !overwrite {
		unique := path + "-" + time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
		klog.Warningf("base model %q already exists, writing %q instead", path, unique)
		path = unique
	}
	if err := weights.DumpBaseModel(m.store, path, m.cfg.SaveDType); err != nil {
		return "", err
	}
	klog.Infof("base model written to %q", path)
	return path, nil
}
