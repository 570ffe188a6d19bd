package neural

import (
	"fmt"
	"math"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Advantages returns the advantage column of a mini-batch, return minus the
// value predicted at rollout time. With normalize the column is standardized.
func Advantages(mb *MiniBatch, normalize bool) *autodiff.Tensor {
	adv := make([]float64, mb.Returns.Len())
	for i := range adv {
		adv[i] = mb.Returns.Data()[i] - mb.OldValuePreds.Data()[i]
	}
	if normalize && len(adv) > 1 {
		var mean float64
		for _, a := range adv {
			mean += a
		}
		mean /= float64(len(adv))
		var variance float64
		for _, a := range adv {
			variance += (a - mean) * (a - mean)
		}
		std := math.Sqrt(variance / float64(len(adv)))
		for i := range adv {
			adv[i] = (adv[i] - mean) / (std + 1e-8)
		}
	}
	return autodiff.Column(adv)
}

// PPOLoss evaluates the clipped PPO objective of a forward pass on a
// mini-batch:
//
//	loss = pg + vfCoef*vf - entCoef*entropy
//
// The returned scalar stays on the tape. Stats are detached diagnostics.
func PPOLoss(out PolicyOutput, mb *MiniBatch, hp domainNeural.Hyperparams, normalizeAdv bool) (*autodiff.Tensor, domainNeural.LossStats, error) {
	n := mb.Returns.Rows()
	if out.LogProbs.Rows() != n || out.Values.Rows() != n {
		return nil, domainNeural.LossStats{}, fmt.Errorf("forward pass of %d rows for %d samples: %w", out.LogProbs.Rows(), n, shared.ErrShapeMismatch)
	}
	eps := hp.ClipRange
	adv := Advantages(mb, normalizeAdv)

	ratio := autodiff.Exp(autodiff.Sub(out.LogProbs, mb.OldLogProbs))
	pgLosses := autodiff.Neg(autodiff.Mul(ratio, adv))
	pgLosses2 := autodiff.Neg(autodiff.Mul(autodiff.Clip(ratio, 1-eps, 1+eps), adv))
	pgLoss := autodiff.Mean(autodiff.Maximum(pgLosses, pgLosses2))

	vClipped := autodiff.Add(mb.OldValuePreds, autodiff.Clip(autodiff.Sub(out.Values, mb.OldValuePreds), -eps, eps))
	vfLosses1 := autodiff.Square(autodiff.Sub(out.Values, mb.Returns))
	vfLosses2 := autodiff.Square(autodiff.Sub(vClipped, mb.Returns))
	vfLoss := autodiff.Scale(autodiff.Mean(autodiff.Maximum(vfLosses1, vfLosses2)), 0.5)

	entropy := autodiff.Mean(out.Dist.Entropy())

	loss := autodiff.Sub(
		autodiff.Add(pgLoss, autodiff.Scale(vfLoss, hp.VFCoef)),
		autodiff.Scale(entropy, hp.EntCoef),
	)

	stats := domainNeural.LossStats{
		PolicyLoss: pgLoss.Item(),
		ValueLoss:  vfLoss.Item(),
		Entropy:    entropy.Item(),
		TotalLoss:  loss.Item(),
	}
	var kl, clipped float64
	for i := 0; i < n; i++ {
		d := out.LogProbs.Data()[i] - mb.OldLogProbs.Data()[i]
		kl += d * d
		if math.Abs(ratio.Data()[i]-1) > eps {
			clipped++
		}
	}
	if n > 0 {
		stats.ApproxKL = 0.5 * kl / float64(n)
		stats.ClipFraction = clipped / float64(n)
	}

	if !loss.IsFinite() {
		return nil, stats, fmt.Errorf("ppo loss is %v: %w", loss.Item(), shared.ErrNonFinite)
	}
	return loss, stats, nil
}
