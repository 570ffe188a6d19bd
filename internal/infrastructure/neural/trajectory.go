package neural

import (
	"fmt"
	"math/rand"

	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Trajectory is a fixed-size trajectory sample with a replayable mini-batch
// cursor. Reset rewinds the cursor so the same mini-batches come out in the
// same order every time, which is what keeps the inner and meta passes of a
// task paired.
type Trajectory struct {
	Obs           [][]float64
	Actions       [][]float64
	Values        []float64
	Returns       []float64
	OldValuePreds []float64
	OldLogProbs   []float64
	Dones         []bool

	seed    int64
	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
}

// MiniBatch is one slice of a trajectory, ready for a forward pass.
type MiniBatch struct {
	Obs           *autodiff.Tensor
	Actions       [][]float64
	Returns       *autodiff.Tensor
	OldValuePreds *autodiff.Tensor
	OldLogProbs   *autodiff.Tensor
}

// Len returns the number of samples.
func (t *Trajectory) Len() int {
	return len(t.Obs)
}

// Validate checks that every column has the same length.
func (t *Trajectory) Validate() error {
	n := len(t.Obs)
	for name, l := range map[string]int{
		"actions":       len(t.Actions),
		"values":        len(t.Values),
		"returns":       len(t.Returns),
		"oldValuePreds": len(t.OldValuePreds),
		"oldLogProbs":   len(t.OldLogProbs),
	} {
		if l != n {
			return fmt.Errorf("trajectory column %s has %d entries, expected %d: %w", name, l, n, shared.ErrShapeMismatch)
		}
	}
	return nil
}

// SetOrder configures the mini-batch order. With shuffle the order is a
// permutation drawn from seed; otherwise samples come out in storage order.
func (t *Trajectory) SetOrder(seed int64, shuffle bool) {
	t.seed = seed
	t.shuffle = shuffle
	t.rng = nil
}

// Reset rewinds the cursor to the start of the first epoch.
func (t *Trajectory) Reset() {
	t.rng = rand.New(rand.NewSource(t.seed))
	t.pos = 0
	t.order = t.epochOrder()
}

func (t *Trajectory) epochOrder() []int {
	if t.shuffle {
		return t.rng.Perm(t.Len())
	}
	order := make([]int, t.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// MinibatchSize returns the size of each of numMinibatches mini-batches.
func (t *Trajectory) MinibatchSize(numMinibatches int) (int, error) {
	if numMinibatches <= 0 {
		return 0, fmt.Errorf("%d mini-batches: %w", numMinibatches, shared.ErrInvalidConfig)
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}
	n := t.Len()
	if n < numMinibatches {
		return 0, fmt.Errorf("%d samples for %d mini-batches: %w", n, numMinibatches, shared.ErrInsufficientSamples)
	}
	if n%numMinibatches != 0 {
		return 0, fmt.Errorf("%d samples into %d mini-batches: %w", n, numMinibatches, shared.ErrIndivisibleBatch)
	}
	return n / numMinibatches, nil
}

// NextMinibatch returns the next size samples. When an epoch is exhausted a
// new one starts, reshuffled from the cursor's own generator.
func (t *Trajectory) NextMinibatch(size int) (*MiniBatch, error) {
	if t.rng == nil {
		t.Reset()
	}
	if size <= 0 || size > t.Len() {
		return nil, fmt.Errorf("mini-batch of %d from %d samples: %w", size, t.Len(), shared.ErrInsufficientSamples)
	}
	if t.pos+size > len(t.order) {
		t.order = t.epochOrder()
		t.pos = 0
	}
	idx := t.order[t.pos : t.pos+size]
	t.pos += size
	return t.gather(idx)
}

func (t *Trajectory) gather(idx []int) (*MiniBatch, error) {
	obs := make([][]float64, len(idx))
	actions := make([][]float64, len(idx))
	returns := make([]float64, len(idx))
	oldV := make([]float64, len(idx))
	oldLogP := make([]float64, len(idx))
	for i, j := range idx {
		obs[i] = t.Obs[j]
		actions[i] = t.Actions[j]
		returns[i] = t.Returns[j]
		oldV[i] = t.OldValuePreds[j]
		oldLogP[i] = t.OldLogProbs[j]
	}
	obsT, err := autodiff.FromRows(obs)
	if err != nil {
		return nil, fmt.Errorf("failed to build observation batch: %w", err)
	}
	return &MiniBatch{
		Obs:           obsT,
		Actions:       actions,
		Returns:       autodiff.Column(returns),
		OldValuePreds: autodiff.Column(oldV),
		OldLogProbs:   autodiff.Column(oldLogP),
	}, nil
}

// Concat joins trajectories, used for whole-update diagnostics.
func Concat(trajs ...*Trajectory) *Trajectory {
	out := &Trajectory{}
	for _, t := range trajs {
		out.Obs = append(out.Obs, t.Obs...)
		out.Actions = append(out.Actions, t.Actions...)
		out.Values = append(out.Values, t.Values...)
		out.Returns = append(out.Returns, t.Returns...)
		out.OldValuePreds = append(out.OldValuePreds, t.OldValuePreds...)
		out.OldLogProbs = append(out.OldLogProbs, t.OldLogProbs...)
		out.Dones = append(out.Dones, t.Dones...)
	}
	return out
}
