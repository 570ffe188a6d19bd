package neural

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// lossFixture returns a forward output whose log-ratio to the mini-batch is
// logRatio for every sample. Returns equal adv and every value is zero.
func lossFixture(logRatio float64, adv []float64) (PolicyOutput, *MiniBatch) {
	n := len(adv)
	oldLogP := make([]float64, n)
	newLogP := make([]float64, n)
	oldV := make([]float64, n)
	returns := make([]float64, n)
	obs := make([][]float64, n)
	for i := range adv {
		oldLogP[i] = -1
		newLogP[i] = -1 + logRatio
		returns[i] = adv[i]
		obs[i] = []float64{0}
	}
	obsT, _ := autodiff.FromRows(obs)
	mb := &MiniBatch{
		Obs:           obsT,
		Actions:       obs,
		Returns:       autodiff.Column(returns),
		OldValuePreds: autodiff.Column(oldV),
		OldLogProbs:   autodiff.Column(oldLogP),
	}
	out := PolicyOutput{
		Values:   autodiff.Column(oldV),
		LogProbs: autodiff.Variable(n, 1, newLogP),
		Dist:     NewDiagGaussian(autodiff.Zeros(n, 1), autodiff.Zeros(1, 1)),
	}
	return out, mb
}

func TestPPOLossClipBoundaryIsContinuous(t *testing.T) {
	const eps = 0.2
	hp := domainNeural.Hyperparams{ClipRange: eps}
	adv := []float64{1.5, -0.5, 2, -1}
	meanAdv := (1.5 - 0.5 + 2 - 1) / 4.0

	for _, ratio := range []float64{1 - eps, 1 + eps} {
		out, mb := lossFixture(math.Log(ratio), adv)
		loss, stats, err := PPOLoss(out, mb, hp, false)
		require.NoError(t, err)

		unclipped := -ratio * meanAdv
		assert.InDelta(t, unclipped, stats.PolicyLoss, 1e-12, "ratio %v", ratio)
		assert.InDelta(t, unclipped, loss.Item(), 1e-12, "ratio %v", ratio)
	}
}

func TestPPOLossClipsOutsideRange(t *testing.T) {
	const eps = 0.2
	hp := domainNeural.Hyperparams{ClipRange: eps}

	// A positive advantage gains nothing beyond 1+eps.
	out, mb := lossFixture(math.Log(1.5), []float64{1})
	_, stats, err := PPOLoss(out, mb, hp, false)
	require.NoError(t, err)
	assert.InDelta(t, -(1 + eps), stats.PolicyLoss, 1e-12)
	assert.Equal(t, 1.0, stats.ClipFraction)
	assert.InDelta(t, 0.5*math.Log(1.5)*math.Log(1.5), stats.ApproxKL, 1e-12)

	// A negative advantage is penalized without bound.
	out, mb = lossFixture(math.Log(1.5), []float64{-1})
	_, stats, err = PPOLoss(out, mb, hp, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, stats.PolicyLoss, 1e-12)
}

func TestPPOLossGradientVanishesWhenClipped(t *testing.T) {
	hp := domainNeural.Hyperparams{ClipRange: 0.2}
	out, mb := lossFixture(math.Log(1.5), []float64{1, 1})
	loss, _, err := PPOLoss(out, mb, hp, false)
	require.NoError(t, err)

	grads, err := autodiff.Grad(loss, []*autodiff.Tensor{out.LogProbs}, autodiff.GradOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, grads[0].Values())
}

func TestPPOLossValueClipping(t *testing.T) {
	hp := domainNeural.Hyperparams{ClipRange: 0.2, VFCoef: 1}
	out, mb := lossFixture(0, []float64{0})
	mb.Returns = autodiff.Column([]float64{1})
	mb.OldValuePreds = autodiff.Column([]float64{0})
	out.Values = autodiff.Column([]float64{0.5})

	_, stats, err := PPOLoss(out, mb, hp, false)
	require.NoError(t, err)
	// unclipped (0.5-1)^2 = 0.25, clipped (0.2-1)^2 = 0.64
	assert.InDelta(t, 0.5*0.64, stats.ValueLoss, 1e-12)
}

func TestPPOLossRejectsNonFinite(t *testing.T) {
	out, mb := lossFixture(0, []float64{1})
	mb.Returns = autodiff.Column([]float64{math.Inf(1)})
	_, _, err := PPOLoss(out, mb, domainNeural.Hyperparams{ClipRange: 0.2, VFCoef: 0.5}, false)
	assert.ErrorIs(t, err, shared.ErrNonFinite)
}

func TestAdvantagesNormalize(t *testing.T) {
	_, mb := lossFixture(0, []float64{1, 2, 3, 4})
	adv := Advantages(mb, true).Values()

	var mean, sq float64
	for _, a := range adv {
		mean += a
	}
	mean /= 4
	for _, a := range adv {
		sq += (a - mean) * (a - mean)
	}
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, math.Sqrt(sq/4), 1e-6)

	assert.Equal(t, []float64{1, 2, 3, 4}, Advantages(mb, false).Values())
}
