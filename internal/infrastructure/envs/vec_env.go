package envs

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// VecEnv steps a set of monitored environments in parallel. All of them share
// one task at a time.
type VecEnv struct {
	mu       sync.Mutex
	envs     []*Monitor
	dist     TaskDistribution
	task     *domainNeural.Task
	obSpace  domainNeural.Space
	acSpace  domainNeural.Space
	parallel int
}

// NewVecEnv builds a vectorized environment. dist may be nil for
// environments without a task distribution.
func NewVecEnv(envs []Single, dist TaskDistribution) (*VecEnv, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("vectorized environment needs at least one environment: %w", shared.ErrInvalidConfig)
	}
	v := &VecEnv{
		envs:     make([]*Monitor, len(envs)),
		dist:     dist,
		obSpace:  envs[0].ObservationSpace(),
		acSpace:  envs[0].ActionSpace(),
		parallel: len(envs),
	}
	for i, e := range envs {
		v.envs[i] = NewMonitor(e)
	}
	return v, nil
}

// SetParallelism limits the number of environments stepped concurrently.
func (v *VecEnv) SetParallelism(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n > 0 {
		v.parallel = n
	}
}

// ObservationSpace implements Env.
func (v *VecEnv) ObservationSpace() domainNeural.Space { return v.obSpace }

// ActionSpace implements Env.
func (v *VecEnv) ActionSpace() domainNeural.Space { return v.acSpace }

// NumEnvs implements Env.
func (v *VecEnv) NumEnvs() int { return len(v.envs) }

// Task returns the current task, or nil.
func (v *VecEnv) Task() *domainNeural.Task {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.task
}

// Reset implements Env.
func (v *VecEnv) Reset(ctx context.Context) ([][]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obs := make([][]float64, len(v.envs))
	for i, e := range v.envs {
		obs[i] = e.Reset()
	}
	return obs, nil
}

// Step implements Env.
func (v *VecEnv) Step(ctx context.Context, actions [][]float64) (StepResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.envs)
	if len(actions) != n {
		return StepResult{}, fmt.Errorf("%d actions for %d environments: %w", len(actions), n, shared.ErrShapeMismatch)
	}
	res := StepResult{
		Obs:     make([][]float64, n),
		Rewards: make([]float64, n),
		Dones:   make([]bool, n),
		Infos:   make([]Info, n),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallel)
	for i := range v.envs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := v.envs[i]
			obs, reward, done, episode, err := e.Step(actions[i])
			if err != nil {
				return fmt.Errorf("environment %d: %w", i, err)
			}
			if done {
				obs = e.Reset()
			}
			res.Obs[i] = obs
			res.Rewards[i] = reward
			res.Dones[i] = done
			res.Infos[i] = Info{Episode: episode}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}
	return res, nil
}

// SampleTasks implements TaskEnv.
func (v *VecEnv) SampleTasks(rng *rand.Rand, n int) []domainNeural.Task {
	if v.dist == nil {
		return nil
	}
	return v.dist.SampleTasks(rng, n)
}

// SetTask implements TaskEnv. Every environment switches to task; callers
// reset afterwards.
func (v *VecEnv) SetTask(task domainNeural.Task) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, m := range v.envs {
		ts, ok := m.Unwrap().(TaskSingle)
		if !ok {
			return fmt.Errorf("environment %d has no tasks: %w", i, shared.ErrUnsupportedSpace)
		}
		if err := ts.SetTask(task); err != nil {
			return fmt.Errorf("failed to set task %s: %w", task.ID, err)
		}
	}
	t := task
	v.task = &t
	return nil
}

// Close implements Env.
func (v *VecEnv) Close() error {
	return nil
}
