// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	stdcontext "context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"k8s.io/klog/v2"
)

// FeaturizerScope holds the variables that make up a base model.
const FeaturizerScope = "/model/featurizer"

// IsFeaturizerVariable reports whether the variable belongs to the base model.
func IsFeaturizerVariable(name string) bool {
	return name == FeaturizerScope || strings.HasPrefix(name, FeaturizerScope+"/")
}

// DumpBaseModel writes the featurizer variables of the store to path as a base model, which
// can later be used as the fallback of another Store. Optimizer state is never included.
func DumpBaseModel(s *Store, path, saveDType string) error {
	if len(s.Names()) == 0 {
		return ferrors.NotTrainedf("no weights to create a base model from")
	}
	if err := s.SaveFiltered(path, saveDType, IsFeaturizerVariable); err != nil {
		return errors.WithMessagef(err, "creating base model in %q", path)
	}
	return nil
}

// Download settings.
var (
	DownloadAttempts uint = 3
	DownloadDelay         = time.Second
)

// Download fetches the base model files of a HuggingFace repository into dir, and returns dir.
// Files already present in dir are not downloaded again. Each file is retried up to
// DownloadAttempts times, with exponential delays.
func Download(ctx stdcontext.Context, repoID, authToken, dir string, files ...string) (string, error) {
	if len(files) == 0 {
		files = []string{JSONFile, BinaryFile}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create base model directory %q", dir)
	}
	repo := hub.New(repoID)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	for _, file := range files {
		target := filepath.Join(dir, file)
		if _, err := os.Stat(target); err == nil {
			klog.V(1).Infof("base model file %q already present", target)
			continue
		}
		err := retry.Do(
			func() error {
				downloaded, err := repo.DownloadFile(file)
				if err != nil {
					return err
				}
				return copyFile(downloaded, target)
			},
			retry.Context(ctx),
			retry.Attempts(DownloadAttempts),
			retry.Delay(DownloadDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				klog.Warningf("download of %s/%s failed (attempt %d): %v", repoID, file, n+1, err)
			}),
		)
		if err != nil {
			return "", errors.Wrapf(err, "failed to download %q from %q", file, repoID)
		}
		klog.Infof("downloaded %s/%s", repoID, file)
	}
	return dir, nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", from)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.CreateTemp(filepath.Dir(to), filepath.Base(to)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", to)
	}
	defer func() { _ = os.Remove(dst.Name()) }()
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", from, to)
	}
	if err = dst.Close(); err != nil {
		return errors.Wrapf(err, "failed to write %q", to)
	}
	return os.Rename(dst.Name(), to)
}
