// Package envs provides batched environments and task distributions for
// meta-reinforcement learning.
package envs

import (
	"context"
	"math/rand"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
)

// Info carries per-environment step metadata.
type Info struct {
	// Episode is set on the step that finishes an episode.
	Episode *domainNeural.EpisodeInfo `json:"episode,omitempty"`
}

// StepResult is the outcome of stepping every environment once.
type StepResult struct {
	Obs     [][]float64
	Rewards []float64
	Dones   []bool
	Infos   []Info
}

// Env is a batch of NumEnvs environments stepped together. An environment
// whose episode ends is reset automatically: the returned observation is the
// first of the next episode and its done flag is set.
type Env interface {
	Reset(ctx context.Context) ([][]float64, error)
	Step(ctx context.Context, actions [][]float64) (StepResult, error)
	ObservationSpace() domainNeural.Space
	ActionSpace() domainNeural.Space
	NumEnvs() int
	Close() error
}

// TaskEnv is an Env drawn from a task distribution.
type TaskEnv interface {
	Env
	SampleTasks(rng *rand.Rand, n int) []domainNeural.Task
	SetTask(task domainNeural.Task) error
}

// Single is one environment instance.
type Single interface {
	Reset() []float64
	Step(action []float64) (obs []float64, reward float64, done bool, err error)
	ObservationSpace() domainNeural.Space
	ActionSpace() domainNeural.Space
}

// TaskSingle is a Single whose dynamics depend on a task.
type TaskSingle interface {
	Single
	SetTask(task domainNeural.Task) error
}

// TaskDistribution samples tasks.
type TaskDistribution interface {
	SampleTasks(rng *rand.Rand, n int) []domainNeural.Task
}
