// Package neural provides domain types for meta-reinforcement learning.
package neural

import (
	"time"
)

// SpaceKind identifies the type of an observation or action space.
type SpaceKind string

const (
	// SpaceDiscrete is a finite set of N actions {0, ..., N-1}.
	SpaceDiscrete SpaceKind = "discrete"
	// SpaceBox is a continuous Dim-dimensional box [Low, High]^Dim.
	SpaceBox SpaceKind = "box"
)

// Space describes the static shape of observations or actions.
type Space struct {
	// Kind is the space type.
	Kind SpaceKind `json:"kind" yaml:"kind"`

	// N is the number of actions of a discrete space.
	N int `json:"n,omitempty" yaml:"n,omitempty"`

	// Dim is the dimension of a box space.
	Dim int `json:"dim,omitempty" yaml:"dim,omitempty"`

	// Low is the lower bound of every box coordinate.
	Low float64 `json:"low,omitempty" yaml:"low,omitempty"`

	// High is the upper bound of every box coordinate.
	High float64 `json:"high,omitempty" yaml:"high,omitempty"`
}

// Discrete returns a discrete space with n actions.
func Discrete(n int) Space {
	return Space{Kind: SpaceDiscrete, N: n}
}

// Box returns a dim-dimensional box space.
func Box(dim int, low, high float64) Space {
	return Space{Kind: SpaceBox, Dim: dim, Low: low, High: high}
}

// FlatDim is the width of the space when fed to or produced by a network:
// the number of actions for discrete spaces, the dimension for boxes.
func (s Space) FlatDim() int {
	if s.Kind == SpaceDiscrete {
		return s.N
	}
	return s.Dim
}

// ActionWidth is the number of values used to store one action.
func (s Space) ActionWidth() int {
	if s.Kind == SpaceDiscrete {
		return 1
	}
	return s.Dim
}

// Hyperparams are the per-call hyperparameters of the two-level optimization.
// They are fed at call time and never baked into a model.
type Hyperparams struct {
	// EntCoef weights the entropy bonus.
	EntCoef float64 `json:"entCoef"`

	// VFCoef weights the value loss.
	VFCoef float64 `json:"vfCoef"`

	// InnerLR is the step size of the inner adaptation.
	InnerLR float64 `json:"innerLr"`

	// MetaLR is the step size of the meta optimizer.
	MetaLR float64 `json:"metaLr"`

	// ClipRange is PPO's epsilon.
	ClipRange float64 `json:"clipRange"`
}

// LossStats are the detached components of one PPO loss evaluation.
type LossStats struct {
	PolicyLoss   float64 `json:"policyLoss"`
	ValueLoss    float64 `json:"valueLoss"`
	Entropy      float64 `json:"entropy"`
	ApproxKL     float64 `json:"approxKl"`
	ClipFraction float64 `json:"clipFraction"`
	TotalLoss    float64 `json:"totalLoss"`
}

// LossNames lists the LossStats components in reporting order.
var LossNames = []string{"policy_loss", "value_loss", "policy_entropy", "approxkl", "clipfrac", "total_loss"}

// Values returns the components in LossNames order.
func (s LossStats) Values() []float64 {
	return []float64{s.PolicyLoss, s.ValueLoss, s.Entropy, s.ApproxKL, s.ClipFraction, s.TotalLoss}
}

// MeanLossStats averages a set of loss evaluations. An empty set yields zeros.
func MeanLossStats(stats []LossStats) LossStats {
	var out LossStats
	if len(stats) == 0 {
		return out
	}
	for _, s := range stats {
		out.PolicyLoss += s.PolicyLoss
		out.ValueLoss += s.ValueLoss
		out.Entropy += s.Entropy
		out.ApproxKL += s.ApproxKL
		out.ClipFraction += s.ClipFraction
		out.TotalLoss += s.TotalLoss
	}
	n := float64(len(stats))
	out.PolicyLoss /= n
	out.ValueLoss /= n
	out.Entropy /= n
	out.ApproxKL /= n
	out.ClipFraction /= n
	out.TotalLoss /= n
	return out
}

// EpisodeInfo summarizes a finished episode.
type EpisodeInfo struct {
	// Reward is the undiscounted episode return.
	Reward float64 `json:"r"`

	// Length is the number of steps.
	Length int `json:"l"`
}

// Task identifies one member of a task distribution.
type Task struct {
	// ID is a human-readable task identifier.
	ID string `json:"id"`

	// Params are the task parameters (goal position, arm means, ...).
	Params []float64 `json:"params"`
}

// UpdateResult reports one meta update of the training loop.
type UpdateResult struct {
	// Update is the 1-based update number.
	Update int `json:"update"`

	// Timesteps is the total number of environment steps so far.
	Timesteps int `json:"timesteps"`

	// FPS is the environment throughput of this update.
	FPS int `json:"fps"`

	// ExplainedVariance of the value predictions on the meta samples.
	ExplainedVariance float64 `json:"explainedVariance"`

	// EpRewMean is the mean reward over the last 100 episodes.
	EpRewMean float64 `json:"eprewmean"`

	// EpLenMean is the mean length over the last 100 episodes.
	EpLenMean float64 `json:"eplenmean"`

	// Inner averages the inner adaptation losses.
	Inner LossStats `json:"inner"`

	// Meta averages the post-adaptation losses.
	Meta LossStats `json:"meta"`

	// Elapsed is the wall time since training started.
	Elapsed time.Duration `json:"elapsed"`
}
