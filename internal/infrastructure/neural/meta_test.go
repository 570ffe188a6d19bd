package neural

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

func testHyperparams() domainNeural.Hyperparams {
	return domainNeural.Hyperparams{
		EntCoef:   0.01,
		VFCoef:    0.5,
		InnerLR:   0.1,
		MetaLR:    1e-3,
		ClipRange: 0.2,
	}
}

func randomTrajectory(rng *rand.Rand, n, obDim, nActions int) *Trajectory {
	t := &Trajectory{}
	for i := 0; i < n; i++ {
		obs := make([]float64, obDim)
		for j := range obs {
			obs[j] = rng.NormFloat64()
		}
		v := rng.NormFloat64() * 0.1
		t.Obs = append(t.Obs, obs)
		t.Actions = append(t.Actions, []float64{float64(rng.Intn(nActions))})
		t.Values = append(t.Values, v)
		t.OldValuePreds = append(t.OldValuePreds, v)
		t.Returns = append(t.Returns, v+rng.NormFloat64())
		t.OldLogProbs = append(t.OldLogProbs, math.Log(1/float64(nActions)))
		t.Dones = append(t.Dones, false)
	}
	return t
}

func TestInnerStepIsGradientDescent(t *testing.T) {
	mlp, err := NewMLPPolicy(domainNeural.Box(3, -1, 1), domainNeural.Discrete(3), []int{4})
	require.NoError(t, err)

	tests := []struct {
		name   string
		policy Policy
		store  func() (*WeightStore, error)
		inner  *Trajectory
	}{
		{
			name:   "linear gaussian",
			policy: linearPolicy{},
			store:  func() (*WeightStore, error) { return linearStore(0.4, 0.2) },
			inner: scalarTrajectory(
				[]float64{0.5, -1, 1.5, 2},
				[]float64{0.3, -0.2, 0.9, 0.4},
				[]float64{1, 0.5, -0.5, 2},
				[]float64{0.1, -0.2, 0.3, 0.4},
				[]float64{-1.2, -0.9, -1.0, -1.5},
			),
		},
		{
			name:   "mlp categorical",
			policy: mlp,
			store: func() (*WeightStore, error) {
				return NewWeightStore(mlp.ParamSpecs(), rand.New(rand.NewSource(3)))
			},
			inner: randomTrajectory(rand.New(rand.NewSource(4)), 6, 3, 3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := tt.store()
			require.NoError(t, err)
			hp := testHyperparams()
			tt.inner.SetOrder(0, false)

			vars := store.Slow().Variables()
			keys := vars.Keys()
			mb, err := tt.inner.NextMinibatch(tt.inner.Len())
			require.NoError(t, err)
			out, err := tt.policy.Forward(mb.Obs, vars, ModeGivenAction, mb.Actions, nil)
			require.NoError(t, err)
			loss, _, err := PPOLoss(out, mb, hp, false)
			require.NoError(t, err)
			grads, err := autodiff.Grad(loss, vars.Tensors(keys), autodiff.GradOptions{})
			require.NoError(t, err)

			adapter := NewInnerAdapter(tt.policy, store, AdapterConfig{NumMinibatches: 1, NumOptEpochs: 1})
			assert.Equal(t, AdapterIdle, adapter.State())
			res, err := adapter.InnerTrain(tt.inner, hp)
			require.NoError(t, err)
			assert.Equal(t, AdapterInProgress, adapter.State())
			require.Len(t, res.Stats, 1)
			assert.InDelta(t, loss.Item(), res.Stats[0].TotalLoss, 1e-12)

			act := store.Act()
			for i, k := range keys {
				w := vars[k].Data()
				g := grads[i].Data()
				for j := range w {
					want := w[j] - hp.InnerLR*g[j]
					assert.InDelta(t, want, res.Fast[k].Data()[j], 1e-12, "fast %s[%d]", k, j)
					assert.InDelta(t, want, act[k].Data()[j], 1e-12, "act %s[%d]", k, j)
				}
			}
		})
	}
}

// With returns equal to the old value predictions every advantage is zero,
// so only the value head contributes. For a value slope b, inner samples
// (x, R), meta samples (y, S), vf coefficient c and inner rate a:
//
//	b'      = b - a*c*mean((b*x - R)*x)
//	dLm/db  = c*mean((b'*y - S)*y) * (1 - a*c*mean(x^2))
func TestMetaGradientClosedForm(t *testing.T) {
	const b = 0.3
	x := []float64{0.5, -1, 1.5, 2}
	r := []float64{1, 0.5, -0.5, 2}
	y := []float64{1, -0.5, 0.25, 1.2}
	s := []float64{0.3, 0.2, 1, -1}

	hp := domainNeural.Hyperparams{VFCoef: 0.5, InnerLR: 0.1, ClipRange: 0.2}
	c, a := hp.VFCoef, hp.InnerLR

	var gIn, x2 float64
	for i := range x {
		gIn += (b*x[i] - r[i]) * x[i]
		x2 += x[i] * x[i]
	}
	gIn *= c / float64(len(x))
	x2 /= float64(len(x))
	bFast := b - a*gIn
	var gMeta float64
	for i := range y {
		gMeta += (bFast*y[i] - s[i]) * y[i]
	}
	want := c * gMeta / float64(len(y)) * (1 - a*c*x2)

	store, err := linearStore(0.7, b)
	require.NoError(t, err)
	adapter := NewInnerAdapter(linearPolicy{}, store, AdapterConfig{NumMinibatches: 1, NumOptEpochs: 1})
	learner := NewMetaLearner(adapter, store, NewAdam(), 0, nil)

	zeros := []float64{0, 0, 0, 0}
	inner := scalarTrajectory(x, []float64{0.1, 0.2, 0.3, 0.4}, r, r, zeros)
	meta := scalarTrajectory(y, []float64{-0.1, 0.5, 0.0, 0.2}, s, s, zeros)

	res, err := learner.MetaTrain(inner, meta, hp)
	require.NoError(t, err)
	assert.InDelta(t, math.Abs(want), res.GradNorm, 1e-12)

	pile := store.Pile()
	assert.InDelta(t, want, pile["v"][0], 1e-12)
	assert.InDelta(t, 0, pile["w"][0], 1e-12)
	assert.Equal(t, 1, store.PileTasks())
}

func TestMetaGradientMatchesFiniteDifference(t *testing.T) {
	const w0, v0 = 0.4, -0.2
	hp := domainNeural.Hyperparams{EntCoef: 0.01, VFCoef: 0.5, InnerLR: 0.01, ClipRange: 0.2}
	cfg := AdapterConfig{NumMinibatches: 2, NumOptEpochs: 2}

	newInner := func() *Trajectory {
		tr := onPolicyTrajectory(w0, v0,
			[]float64{0.5, -0.3, 0.8, -0.6},
			[]float64{0.6, -0.5, 0.1, 0.2},
			[]float64{0.4, 0.9, -0.3, 0.1},
		)
		tr.SetOrder(7, true)
		return tr
	}
	newMeta := func() *Trajectory {
		tr := onPolicyTrajectory(w0, v0,
			[]float64{-0.4, 0.9, 0.2, 0.7},
			[]float64{0.0, 0.5, -0.4, 0.3},
			[]float64{-0.2, 0.6, 0.3, 0.5},
		)
		tr.SetOrder(11, true)
		return tr
	}

	metaLoss := func(w, v float64) float64 {
		start := Params{"w": autodiff.New(1, 1, []float64{w}), "v": autodiff.New(1, 1, []float64{v})}
		adapter := NewInnerAdapter(linearPolicy{}, nil, cfg)
		fast, _, err := adapter.adapt(newInner(), start, hp, false)
		require.NoError(t, err)
		meta := newMeta()
		meta.Reset()
		var total float64
		for i := 0; i < cfg.NumMinibatches; i++ {
			mb, err := meta.NextMinibatch(2)
			require.NoError(t, err)
			out, err := linearPolicy{}.Forward(mb.Obs, fast, ModeGivenAction, mb.Actions, nil)
			require.NoError(t, err)
			loss, _, err := PPOLoss(out, mb, hp, false)
			require.NoError(t, err)
			total += loss.Item()
		}
		return total
	}

	store, err := linearStore(w0, v0)
	require.NoError(t, err)
	adapter := NewInnerAdapter(linearPolicy{}, store, cfg)
	learner := NewMetaLearner(adapter, store, NewAdam(), 0, nil)
	res, err := learner.MetaTrain(newInner(), newMeta(), hp)
	require.NoError(t, err)
	assert.InDelta(t, metaLoss(w0, v0), res.MetaLoss, 1e-12)

	const h = 1e-6
	wantW := (metaLoss(w0+h, v0) - metaLoss(w0-h, v0)) / (2 * h)
	wantV := (metaLoss(w0, v0+h) - metaLoss(w0, v0-h)) / (2 * h)

	pile := store.Pile()
	assert.InDelta(t, wantW, pile["w"][0], 1e-6)
	assert.InDelta(t, wantV, pile["v"][0], 1e-6)
}

func TestInnerMetaReproducible(t *testing.T) {
	policy, err := NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Discrete(3), []int{5})
	require.NoError(t, err)
	store, err := NewWeightStore(policy.ParamSpecs(), rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	adapter := NewInnerAdapter(policy, store, AdapterConfig{NumMinibatches: 2, NumOptEpochs: 2})
	learner := NewMetaLearner(adapter, store, NewAdam(), 0.5, nil)

	rng := rand.New(rand.NewSource(6))
	inner := randomTrajectory(rng, 8, 2, 3)
	meta := randomTrajectory(rng, 8, 2, 3)
	inner.SetOrder(1, true)
	meta.SetOrder(2, true)
	hp := testHyperparams()

	first, err := adapter.InnerTrain(inner, hp)
	require.NoError(t, err)
	_, err = learner.MetaTrain(inner, meta, hp)
	require.NoError(t, err)
	assert.Equal(t, AdapterIdle, adapter.State())
	pileOnce := store.Pile()

	store.SyncActFromSlow()
	second, err := adapter.InnerTrain(inner, hp)
	require.NoError(t, err)
	_, err = learner.MetaTrain(inner, meta, hp)
	require.NoError(t, err)
	pileTwice := store.Pile()

	assert.Equal(t, first.Fast.Values(), second.Fast.Values())
	for k, acc := range pileOnce {
		for i, v := range acc {
			assert.Equal(t, 2*v, pileTwice[k][i], "pile %s[%d]", k, i)
		}
	}
	assert.Equal(t, 2, store.PileTasks())
}

func TestInnerTrainRejectsBadSamples(t *testing.T) {
	policy, err := NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Discrete(3), nil)
	require.NoError(t, err)
	store, err := NewWeightStore(policy.ParamSpecs(), rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	adapter := NewInnerAdapter(policy, store, AdapterConfig{NumMinibatches: 4, NumOptEpochs: 1})
	rng := rand.New(rand.NewSource(1))

	_, err = adapter.InnerTrain(randomTrajectory(rng, 2, 2, 3), testHyperparams())
	assert.ErrorIs(t, err, shared.ErrInsufficientSamples)

	_, err = adapter.InnerTrain(randomTrajectory(rng, 6, 2, 3), testHyperparams())
	assert.ErrorIs(t, err, shared.ErrIndivisibleBatch)
	assert.Equal(t, AdapterIdle, adapter.State())
}

func TestMetaTrainWithoutMinibatches(t *testing.T) {
	store, err := linearStore(0.1, 0.2)
	require.NoError(t, err)
	adapter := NewInnerAdapter(linearPolicy{}, store, AdapterConfig{NumMinibatches: 0, NumOptEpochs: 1})
	learner := NewMetaLearner(adapter, store, NewAdam(), 0, nil)
	tr := scalarTrajectory([]float64{1}, []float64{0}, []float64{1}, []float64{0}, []float64{0})

	res, err := adapter.InnerTrain(tr, testHyperparams())
	require.NoError(t, err)
	assert.Equal(t, store.Slow().Values(), res.Fast.Values())

	_, err = learner.MetaTrain(tr, tr, testHyperparams())
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{"w": {0}, "v": {0}}, store.Pile())
	assert.Equal(t, 1, store.PileTasks())
}

func TestApplyMetaGrad(t *testing.T) {
	policy, err := NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Box(2, -1, 1), []int{3})
	require.NoError(t, err)
	store, err := NewWeightStore(policy.ParamSpecs(), rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	adapter := NewInnerAdapter(policy, store, AdapterConfig{NumMinibatches: 1, NumOptEpochs: 1})
	adam := NewAdam()
	learner := NewMetaLearner(adapter, store, adam, 0.5, nil)

	_, err = learner.ApplyMetaGrad(1e-2)
	assert.ErrorIs(t, err, shared.ErrEmptyMetaBatch)

	rng := rand.New(rand.NewSource(9))
	tr := &Trajectory{}
	for i := 0; i < 4; i++ {
		tr.Obs = append(tr.Obs, []float64{rng.NormFloat64(), rng.NormFloat64()})
		tr.Actions = append(tr.Actions, []float64{rng.NormFloat64(), rng.NormFloat64()})
		tr.Values = append(tr.Values, 0)
		tr.OldValuePreds = append(tr.OldValuePreds, 0)
		tr.Returns = append(tr.Returns, rng.NormFloat64())
		tr.OldLogProbs = append(tr.OldLogProbs, -2)
	}

	before := store.Slow().Values()
	_, err = adapter.InnerTrain(tr, testHyperparams())
	require.NoError(t, err)
	_, err = learner.MetaTrain(tr, tr, testHyperparams())
	require.NoError(t, err)
	norm, err := learner.ApplyMetaGrad(1e-2)
	require.NoError(t, err)
	assert.Greater(t, norm, 0.0)

	after := store.Slow().Values()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, store.Act().Values())
	assert.Equal(t, 1, adam.Step())
	assert.Zero(t, store.PileTasks())
	for _, acc := range store.Pile() {
		for _, v := range acc {
			assert.Zero(t, v)
		}
	}
}
