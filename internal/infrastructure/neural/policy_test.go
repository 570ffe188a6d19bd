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

func TestMLPPolicyParamSpecs(t *testing.T) {
	p, err := NewMLPPolicy(domainNeural.Box(3, -1, 1), domainNeural.Box(2, -1, 1), []int{4})
	require.NoError(t, err)

	shapes := map[string][2]int{}
	for _, s := range p.ParamSpecs() {
		shapes[s.Name] = [2]int{s.Rows, s.Cols}
	}
	assert.Equal(t, map[string][2]int{
		"pi/fc0/w":  {3, 4},
		"pi/fc0/b":  {1, 4},
		"pi/out/w":  {4, 2},
		"pi/out/b":  {1, 2},
		"pi/logstd": {1, 2},
		"vf/fc0/w":  {3, 4},
		"vf/fc0/b":  {1, 4},
		"vf/out/w":  {4, 1},
		"vf/out/b":  {1, 1},
	}, shapes)
}

func TestNewMLPPolicyRejectsSpaces(t *testing.T) {
	_, err := NewMLPPolicy(domainNeural.Discrete(3), domainNeural.Discrete(2), nil)
	assert.ErrorIs(t, err, shared.ErrUnsupportedSpace)
	_, err = NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Discrete(0), nil)
	assert.ErrorIs(t, err, shared.ErrUnsupportedSpace)
	_, err = NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Space{Kind: "tuple"}, nil)
	assert.ErrorIs(t, err, shared.ErrUnsupportedSpace)
}

func TestMLPPolicyForwardModes(t *testing.T) {
	tests := []struct {
		name string
		ac   domainNeural.Space
	}{
		{"categorical", domainNeural.Discrete(3)},
		{"gaussian", domainNeural.Box(2, -1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewMLPPolicy(domainNeural.Box(2, -1, 1), tt.ac, []int{5, 5})
			require.NoError(t, err)
			store, err := NewWeightStore(p.ParamSpecs(), rand.New(rand.NewSource(1)))
			require.NoError(t, err)
			obs, err := autodiff.FromRows([][]float64{{0.1, 0.2}, {-0.3, 0.4}, {0.5, -0.6}})
			require.NoError(t, err)
			w := store.Slow()

			sampled, err := p.Forward(obs, w, ModeSample, nil, rand.New(rand.NewSource(2)))
			require.NoError(t, err)
			require.Len(t, sampled.Actions, 3)
			assert.Equal(t, 3, sampled.Values.Rows())
			assert.Equal(t, 1, sampled.Values.Cols())
			for _, a := range sampled.Actions {
				assert.Len(t, a, tt.ac.ActionWidth())
			}

			// Re-evaluating the sampled actions reproduces their log-probabilities.
			given, err := p.Forward(obs, w, ModeGivenAction, sampled.Actions, nil)
			require.NoError(t, err)
			assert.InDeltaSlice(t, sampled.LogProbs.Values(), given.LogProbs.Values(), 1e-12)
			assert.Equal(t, sampled.Values.Values(), given.Values.Values())

			det, err := p.Forward(obs, w, ModeDeterministic, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, det.Dist.Mode(), det.Actions)

			_, err = p.Forward(obs, w, ModeSample, nil, nil)
			assert.ErrorIs(t, err, shared.ErrInvalidConfig)
			_, err = p.Forward(obs, w, ModeGivenAction, sampled.Actions[:1], nil)
			assert.ErrorIs(t, err, shared.ErrShapeMismatch)
		})
	}
}

func TestMLPPolicyForwardValidatesWeights(t *testing.T) {
	p, err := NewMLPPolicy(domainNeural.Box(2, -1, 1), domainNeural.Discrete(2), nil)
	require.NoError(t, err)
	store, err := NewWeightStore(p.ParamSpecs(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	obs := autodiff.New(1, 2, []float64{1, 2})

	w := store.Slow()
	delete(w, "vf/out/b")
	_, err = p.Forward(obs, w, ModeDeterministic, nil, nil)
	assert.ErrorIs(t, err, shared.ErrKeySetMismatch)

	_, err = p.Forward(autodiff.New(1, 3, []float64{1, 2, 3}), store.Slow(), ModeDeterministic, nil, nil)
	assert.ErrorIs(t, err, shared.ErrShapeMismatch)
}

func TestCategoricalDistribution(t *testing.T) {
	logits := autodiff.New(2, 3, []float64{0, math.Log(2), math.Log(5), 1, 1, 1})
	d := NewCategorical(logits)

	lp, err := d.LogProb([][]float64{{2}, {0}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(5.0/8), lp.At(0, 0), 1e-12)
	assert.InDelta(t, math.Log(1.0/3), lp.At(1, 0), 1e-12)

	ent := d.Entropy()
	assert.InDelta(t, math.Log(3), ent.At(1, 0), 1e-12)
	assert.Equal(t, [][]float64{{2}, {0}}, d.Mode())

	_, err = d.LogProb([][]float64{{3}, {0}})
	assert.ErrorIs(t, err, shared.ErrShapeMismatch)

	counts := make([]int, 3)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 4000; i++ {
		counts[int(d.Sample(rng)[0][0])]++
	}
	assert.InDelta(t, 5.0/8, float64(counts[2])/4000, 0.03)
}

func TestDiagGaussianDistribution(t *testing.T) {
	mean := autodiff.New(1, 2, []float64{0.5, -1})
	logStd := autodiff.New(1, 2, []float64{0, math.Log(2)})
	d := NewDiagGaussian(mean, logStd)

	lp, err := d.LogProb([][]float64{{1.5, 1}})
	require.NoError(t, err)
	// z = (1, 1): -0.5*2 - log 2 - log 2pi
	want := -1 - math.Log(2) - math.Log(2*math.Pi)
	assert.InDelta(t, want, lp.Item(), 1e-12)

	assert.InDelta(t, math.Log(2)+math.Log(2*math.Pi*math.E), d.Entropy().Item(), 1e-12)
	assert.Equal(t, [][]float64{{0.5, -1}}, d.Mode())

	_, err = d.LogProb([][]float64{{1}})
	assert.ErrorIs(t, err, shared.ErrShapeMismatch)
}
