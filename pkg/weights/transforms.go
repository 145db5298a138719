// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"math/rand"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ResizeEmbeddings returns a Transform that adapts the embedding tables of a base model, the
// float32 variables whose name ends with suffix, shaped [rows, dim], to the given number of rows.
//
// Extra rows are dropped. Missing rows, for instance the special tokens of a text encoder
// appended after the base model vocabulary, are drawn from N(0, stddev²) with the given seed.
func ResizeEmbeddings(suffix string, rows int, stddev float64, seed int64) Transform {
	return func(name string, value *tensors.Tensor) (*tensors.Tensor, error) {
		if !strings.HasSuffix(name, suffix) || value.Rank() != 2 || value.DType() != dtypes.Float32 {
			return value, nil
		}
		have, dim := value.Shape().Dim(0), value.Shape().Dim(1)
		if have == rows {
			return value, nil
		}
		var data []float32
		err := exceptions.TryCatch[error](func() { data = tensors.MustCopyFlatData[float32](value) })
		if err != nil {
			return nil, errors.WithMessagef(err, "reading embedding table %q", name)
		}
		resized := make([]float32, rows*dim)
		copy(resized, data[:min(have, rows)*dim])
		rng := rand.New(rand.NewSource(seed))
		for i := have * dim; i < len(resized); i++ {
			resized[i] = float32(rng.NormFloat64() * stddev)
		}
		klog.V(1).Infof("resized embedding table %q from %d to %d rows", name, have, rows)
		return tensors.FromFlatDataAndDimensions(resized, rows, dim), nil
	}
}
