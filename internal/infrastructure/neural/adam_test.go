package neural

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

func TestAdamFirstStep(t *testing.T) {
	adam := NewAdam()
	params := map[string][]float64{"p": {1, -2}}
	grads := map[string][]float64{"p": {0.5, -3}}

	require.NoError(t, adam.Apply(params, grads, 0.1))
	assert.Equal(t, 1, adam.Step())

	// The first bias-corrected step moves every coordinate by about lr
	// against the sign of its gradient.
	lrT := 0.1 * math.Sqrt(1-0.999) / (1 - 0.9)
	for i, g := range []float64{0.5, -3} {
		m := 0.1 * g
		v := 0.001 * g * g
		want := []float64{1, -2}[i] - lrT*m/(math.Sqrt(v)+1e-5)
		assert.InDelta(t, want, params["p"][i], 1e-12)
	}
	assert.InDelta(t, 0.9, params["p"][0], 1e-3)
	assert.InDelta(t, -1.9, params["p"][1], 1e-3)
}

func TestAdamStateRoundTrip(t *testing.T) {
	a := NewAdam()
	params := map[string][]float64{"p": {1}}
	require.NoError(t, a.Apply(params, map[string][]float64{"p": {0.3}}, 0.01))

	b := NewAdam()
	b.Restore(a.State())
	assert.Equal(t, a.State(), b.State())

	pa := map[string][]float64{"p": {params["p"][0]}}
	pb := map[string][]float64{"p": {params["p"][0]}}
	require.NoError(t, a.Apply(pa, map[string][]float64{"p": {-0.2}}, 0.01))
	require.NoError(t, b.Apply(pb, map[string][]float64{"p": {-0.2}}, 0.01))
	assert.Equal(t, pa, pb)
	assert.Equal(t, 2, b.Step())
}

func TestAdamRejectsMissingGradient(t *testing.T) {
	a := NewAdam()
	err := a.Apply(map[string][]float64{"p": {1, 2}}, map[string][]float64{"p": {1}}, 0.1)
	assert.ErrorIs(t, err, shared.ErrShapeMismatch)
	assert.Zero(t, a.Step())
}

func TestClipByGlobalNorm(t *testing.T) {
	grads := map[string][]float64{"a": {3}, "b": {4}}
	norm := ClipByGlobalNorm(grads, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 0.6, grads["a"][0], 1e-12)
	assert.InDelta(t, 0.8, grads["b"][0], 1e-12)

	grads = map[string][]float64{"a": {3}, "b": {4}}
	ClipByGlobalNorm(grads, 0)
	assert.Equal(t, []float64{3}, grads["a"])

	grads = map[string][]float64{"a": {0.3}}
	ClipByGlobalNorm(grads, 1)
	assert.Equal(t, []float64{0.3}, grads["a"])
}
