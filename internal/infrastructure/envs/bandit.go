package envs

import (
	"fmt"
	"math/rand"
	"strings"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

const banditPulls = 10

// Bandit is a k-armed Bernoulli bandit. Observations are a constant 1, an
// episode is a fixed number of pulls, and arm i pays 1 with probability
// means[i].
type Bandit struct {
	means    []float64
	rng      *rand.Rand
	pulls    int
	maxPulls int
}

// NewBandit creates a bandit with k arms paying 0.5. maxPulls <= 0 uses the
// default of 10.
func NewBandit(k, maxPulls int, seed int64) *Bandit {
	if maxPulls <= 0 {
		maxPulls = banditPulls
	}
	means := make([]float64, k)
	for i := range means {
		means[i] = 0.5
	}
	return &Bandit{means: means, rng: rand.New(rand.NewSource(seed)), maxPulls: maxPulls}
}

// ObservationSpace implements Single.
func (b *Bandit) ObservationSpace() domainNeural.Space {
	return domainNeural.Box(1, 1, 1)
}

// ActionSpace implements Single.
func (b *Bandit) ActionSpace() domainNeural.Space {
	return domainNeural.Discrete(len(b.means))
}

// Reset implements Single.
func (b *Bandit) Reset() []float64 {
	b.pulls = 0
	return []float64{1}
}

// Step implements Single.
func (b *Bandit) Step(action []float64) ([]float64, float64, bool, error) {
	if len(action) != 1 {
		return nil, 0, false, fmt.Errorf("bandit action has %d values: %w", len(action), shared.ErrShapeMismatch)
	}
	arm := int(action[0])
	if arm < 0 || arm >= len(b.means) {
		return nil, 0, false, fmt.Errorf("arm %d of %d: %w", arm, len(b.means), shared.ErrShapeMismatch)
	}
	var reward float64
	if b.rng.Float64() < b.means[arm] {
		reward = 1
	}
	b.pulls++
	return []float64{1}, reward, b.pulls >= b.maxPulls, nil
}

// SetTask implements TaskSingle. The task parameters are the arm means.
func (b *Bandit) SetTask(task domainNeural.Task) error {
	if len(task.Params) != len(b.means) {
		return fmt.Errorf("bandit task has %d means for %d arms: %w", len(task.Params), len(b.means), shared.ErrShapeMismatch)
	}
	copy(b.means, task.Params)
	return nil
}

// BanditTasks samples arm means uniformly from [0, 1].
type BanditTasks struct {
	Arms int
}

// SampleTasks implements TaskDistribution.
func (d BanditTasks) SampleTasks(rng *rand.Rand, n int) []domainNeural.Task {
	tasks := make([]domainNeural.Task, n)
	for i := range tasks {
		means := make([]float64, d.Arms)
		parts := make([]string, d.Arms)
		for j := range means {
			means[j] = rng.Float64()
			parts[j] = fmt.Sprintf("%.2f", means[j])
		}
		tasks[i] = domainNeural.Task{
			ID:     "arms(" + strings.Join(parts, ",") + ")",
			Params: means,
		}
	}
	return tasks
}
