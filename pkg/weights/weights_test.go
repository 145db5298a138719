// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techthiyanes/finetune/pkg/ferrors"
)

func storedValue(t *testing.T, s *Store, name string) []float32 {
	t.Helper()
	value, found := s.Variables[name]
	require.Truef(t, found, "variable %q not in store", name)
	return tensors.MustCopyFlatData[float32](value)
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	return s
}

func TestLoader(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := newStore(t)
	s.Set("/model/featurizer/w", tensors.FromValue([]float32{1, 2, 3}))

	ctx := context.New()
	ctx.SetLoader(s)
	out := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := ctx.In("model").In("featurizer").VariableWithShape("w", shapes.Make(dtypes.Float32, 3)).ValueGraph(g)
		fresh := ctx.In("model").In("target").WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
			return Ones(g, shape)
		}).VariableWithShape("b", shapes.Make(dtypes.Float32, 3)).ValueGraph(g)
		return Add(w, fresh)
	})
	assert.Equal(t, []float32{2, 3, 4}, tensors.MustCopyFlatData[float32](out))

	// The store keeps its own copy.
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](s.Variables["/model/featurizer/w"]))

	// Captured variables exclude the optimizer state.
	ctx.In("model").In("AdamW").VariableWithValue("m", []float32{7})
	require.NoError(t, s.Capture(ctx))
	assert.Equal(t, []string{"/model/featurizer/w", "/model/target/b"}, s.Names())
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t)
	s.Set("/model/featurizer/w", tensors.FromValue([][]float32{{1, 0.5}, {-2, 3.25}}))
	s.Set("/model/target/b", tensors.FromValue([]float32{0.1}))
	s.Set("/model/target/steps", tensors.FromValue([]int32{3, 4}))
	s.Set("/model/AdamW/global_step", tensors.FromValue([]int64{10}))

	for _, saveDType := range []string{SaveFloat32, SaveFloat16} {
		t.Run(saveDType, func(t *testing.T) {
			path := filepath.Join(dir, saveDType)
			require.NoError(t, s.Save(path, saveDType))
			assert.True(t, Exists(path))

			loaded := newStore(t)
			require.NoError(t, loaded.Load(path))
			assert.Equal(t, []string{"/model/featurizer/w", "/model/target/b", "/model/target/steps"}, loaded.Names())
			assert.Equal(t, []int{2, 2}, loaded.Variables["/model/featurizer/w"].Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, loaded.Variables["/model/featurizer/w"].DType())
			assert.InDeltaSlice(t, []float32{1, 0.5, -2, 3.25},
				tensors.MustCopyFlatData[float32](loaded.Variables["/model/featurizer/w"]), 1e-3)
			assert.InDeltaSlice(t, []float32{0.1}, tensors.MustCopyFlatData[float32](loaded.Variables["/model/target/b"]), 1e-3)
			assert.Equal(t, []int32{3, 4}, tensors.MustCopyFlatData[int32](loaded.Variables["/model/target/steps"]))
		})
	}

	require.Error(t, s.Save(filepath.Join(dir, "bad"), "int8"))
	require.Error(t, newStore(t).Load(filepath.Join(dir, "missing")))
}

func TestFallback(t *testing.T) {
	dir := t.TempDir()
	empty := newStore(t)
	require.ErrorIs(t, DumpBaseModel(empty, dir, SaveFloat32), ferrors.ErrNotTrained)

	trained := newStore(t)
	trained.Set("/model/featurizer/w", tensors.FromValue([]float32{1, 2}))
	trained.Set("/model/featurizer/skip", tensors.FromValue([]float32{5}))
	trained.Set("/model/target/b", tensors.FromValue([]float32{9}))
	require.NoError(t, DumpBaseModel(trained, dir, SaveFloat32))

	base := newStore(t)
	require.NoError(t, base.Load(dir))
	assert.Equal(t, []string{"/model/featurizer/skip", "/model/featurizer/w"}, base.Names())

	double := func(name string, value *tensors.Tensor) (*tensors.Tensor, error) {
		if name == "/model/featurizer/skip" {
			return nil, nil
		}
		v := tensors.MustCopyFlatData[float32](value)
		for i := range v {
			v[i] *= 2
		}
		return tensors.FromFlatDataAndDimensions(v, value.Shape().Dimensions...), nil
	}
	s := newStore(t, WithFallback(dir), WithTransforms(double))
	assert.Equal(t, dir, s.FallbackPath())
	got, found := s.LoadVariable(nil, "/model/featurizer", "w")
	require.True(t, found)
	assert.Equal(t, []float32{2, 4}, tensors.MustCopyFlatData[float32](got))
	_, found = s.LoadVariable(nil, "/model/featurizer", "skip")
	assert.False(t, found)
	_, found = s.LoadVariable(nil, "/model/target", "b")
	assert.False(t, found)

	// Store variables take priority over the fallback.
	s.Set("/model/featurizer/w", tensors.FromValue([]float32{-1, -1}))
	got, _ = s.LoadVariable(nil, "/model/featurizer", "w")
	assert.Equal(t, []float32{-1, -1}, tensors.MustCopyFlatData[float32](got))

	s.SetFallback("")
	_, found = s.LoadVariable(nil, "/model/featurizer", "skip")
	assert.False(t, found)
}

func TestExclusions(t *testing.T) {
	s := newStore(t)
	assert.True(t, s.Excluded("/model/optimizers/Adam/m"))
	assert.True(t, s.Excluded("/global_step"))
	assert.False(t, s.Excluded("/model/featurizer/h0/attn/weights"))
	s = newStore(t, WithExclusions(`^/model/target/`))
	assert.True(t, s.Excluded("/model/target/b"))
	assert.False(t, s.Excluded("/global_step"))
	_, err := New(WithExclusions(`(`))
	require.Error(t, err)
}

// trainLinear trains y = w*x with SGD for up to steps steps, with the hook attached and the given
// sequence of validation losses. It returns the value of w at each evaluation.
func trainLinear(t *testing.T, config HookConfig, steps int, evalLosses []float64) (store *Store, hook *BestWeightsHook, history [][]float32, loop *train.Loop) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.01)
	store = newStore(t)
	ctx.SetLoader(store)
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		w := ctx.In("model").WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
			return Zeros(g, shape)
		}).VariableWithShape("w", shapes.Make(dtypes.Float32, 1, 1)).ValueGraph(inputs[0].Graph())
		return []*Node{MatMul(inputs[0], w)}
	}
	trainer := train.NewTrainer(backend, ctx, modelFn, losses.MeanSquaredError,
		optimizers.StochasticGradientDescent().Done(), nil, nil)
	loop = train.NewLoop(trainer)
	ds := must.M1(datasets.InMemoryFromData(backend, "linear",
		[]any{[][]float32{{1}, {2}}}, []any{[][]float32{{2}, {4}}})).BatchSize(2, false).Infinite(true)

	evals := 0
	hook = NewBestWeightsHook(loop, store, config, func(loop *train.Loop) (float64, error) {
		w := loop.Trainer.Context().In("model").GetVariableByScopeAndName("/model", "w")
		history = append(history, tensors.MustCopyFlatData[float32](must.M1(w.Value())))
		loss := evalLosses[min(evals, len(evalLosses)-1)]
		evals++
		return loss, nil
	})
	_, err := loop.RunSteps(ds, steps)
	require.NoError(t, err)
	return
}

func TestBestWeightsHook(t *testing.T) {
	t.Run("KeepBest", func(t *testing.T) {
		store, hook, history, loop := trainLinear(t,
			HookConfig{EvalFrequency: 2, EarlyStoppingSteps: 4, KeepBestModel: true},
			100, []float64{3, 1, 2, 2, 2, 2})
		assert.True(t, hook.Stopped())
		loss, step := hook.BestLoss()
		assert.Equal(t, 1.0, loss)
		assert.Equal(t, 4, step)
		// Evaluations at steps 2, 4, 6, 8: stops at step 8.
		assert.Len(t, history, 4)
		assert.Equal(t, 8, loop.LoopStep)
		if diff := cmp.Diff(history[1], storedValue(t, store, "/model/w")); diff != "" {
			t.Errorf("store doesn't hold the best weights (-want +got):\n%s", diff)
		}
		w := loop.Trainer.Context().In("model").GetVariableByScopeAndName("/model", "w")
		assert.Equal(t, history[1], tensors.MustCopyFlatData[float32](must.M1(w.Value())))
	})

	t.Run("CachedToFile", func(t *testing.T) {
		cacheDir := filepath.Join(t.TempDir(), "best")
		store, _, history, _ := trainLinear(t,
			HookConfig{EvalFrequency: 1, EarlyStoppingSteps: 2, KeepBestModel: true, CacheDir: cacheDir},
			100, []float64{1, 2, 3})
		assert.Equal(t, history[0], storedValue(t, store, "/model/w"))
		_, err := os.Stat(cacheDir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("KeepFinal", func(t *testing.T) {
		store, hook, _, loop := trainLinear(t,
			HookConfig{EvalFrequency: 1, KeepBestModel: false},
			5, []float64{1, 2, 3, 4, 5})
		assert.False(t, hook.Stopped())
		assert.Equal(t, 5, loop.LoopStep)
		w := loop.Trainer.Context().In("model").GetVariableByScopeAndName("/model", "w")
		assert.Equal(t, tensors.MustCopyFlatData[float32](must.M1(w.Value())), storedValue(t, store, "/model/w"))
		// The final weights moved away from the initial 0.
		assert.NotEqual(t, float32(0), storedValue(t, store, "/model/w")[0])
	})
}

func TestResizeEmbeddings(t *testing.T) {
	resize := ResizeEmbeddings("token_embed/embeddings", 3, 0.02, 1)
	table := tensors.FromValue([][]float32{{1, 2}, {3, 4}})

	grown := must.M1(resize("/model/featurizer/token_embed/embeddings", table))
	assert.Equal(t, []int{3, 2}, grown.Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](grown)
	assert.Equal(t, []float32{1, 2, 3, 4}, values[:4])
	assert.InDelta(t, 0, values[4], 0.2)

	shrunk := must.M1(ResizeEmbeddings("token_embed/embeddings", 1, 0.02, 1)("/model/featurizer/token_embed/embeddings", table))
	assert.Equal(t, []float32{1, 2}, tensors.MustCopyFlatData[float32](shrunk))

	// Other variables are left untouched.
	other := must.M1(resize("/model/featurizer/pos_embed/embeddings", table))
	assert.Same(t, table, other)
}

func TestRemoveMatching(t *testing.T) {
	s := newStore(t, WithExclusions())
	s.Set("/model/featurizer/w", tensors.FromValue([]float32{1}))
	s.Set("/model/AdamW/m", tensors.FromValue([]float32{2}))
	s.Set("/global_step", tensors.FromValue([]int64{3}))
	removed, err := s.RemoveMatching(DefaultExclusions...)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"/model/featurizer/w"}, s.Names())
	_, found := s.Get("/model/AdamW/m")
	assert.False(t, found)

	_, err = s.RemoveMatching("(")
	require.Error(t, err)
}
