package neural

import (
	"context"
	"fmt"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
)

// ActResult is one batched environment step decided by the act weights.
type ActResult struct {
	Actions  [][]float64
	Values   []float64
	LogProbs []float64
}

// Actor picks actions and estimates values with the act weights.
type Actor interface {
	Act(obs [][]float64) (ActResult, error)
	Value(obs [][]float64) ([]float64, error)
}

// Runner collects fixed-horizon trajectories from a batched environment.
type Runner struct {
	env    envs.Env
	actor  Actor
	steps  int
	gamma  float64
	lambda float64

	obs   [][]float64
	dones []bool
}

// NewRunner creates a runner. Call Reset before the first Run.
func NewRunner(env envs.Env, actor Actor, steps int, gamma, lambda float64) *Runner {
	return &Runner{
		env:    env,
		actor:  actor,
		steps:  steps,
		gamma:  gamma,
		lambda: lambda,
	}
}

// Reset resets the environment and starts every slot on a fresh episode.
func (r *Runner) Reset(ctx context.Context) error {
	obs, err := r.env.Reset(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset environment: %w", err)
	}
	r.obs = obs
	r.dones = make([]bool, len(obs))
	return nil
}

// Run steps the environment for the horizon and returns the flattened
// trajectory with GAE returns, plus the episodes that finished on the way.
func (r *Runner) Run(ctx context.Context) (*Trajectory, []domainNeural.EpisodeInfo, error) {
	if r.obs == nil {
		if err := r.Reset(ctx); err != nil {
			return nil, nil, err
		}
	}

	mbObs := make([][][]float64, 0, r.steps)
	mbActions := make([][][]float64, 0, r.steps)
	mbRewards := make([][]float64, 0, r.steps)
	mbValues := make([][]float64, 0, r.steps)
	mbLogProbs := make([][]float64, 0, r.steps)
	mbDones := make([][]bool, 0, r.steps)
	var episodes []domainNeural.EpisodeInfo

	for t := 0; t < r.steps; t++ {
		act, err := r.actor.Act(r.obs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to act at step %d: %w", t, err)
		}
		mbObs = append(mbObs, r.obs)
		mbActions = append(mbActions, act.Actions)
		mbValues = append(mbValues, act.Values)
		mbLogProbs = append(mbLogProbs, act.LogProbs)
		mbDones = append(mbDones, r.dones)

		res, err := r.env.Step(ctx, act.Actions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to step environment at step %d: %w", t, err)
		}
		r.obs, r.dones = res.Obs, res.Dones
		for _, info := range res.Infos {
			if info.Episode != nil {
				episodes = append(episodes, *info.Episode)
			}
		}
		mbRewards = append(mbRewards, res.Rewards)
	}

	lastValues, err := r.actor.Value(r.obs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bootstrap values: %w", err)
	}
	_, returns := ComputeGAE(mbRewards, mbValues, mbDones, lastValues, r.dones, r.gamma, r.lambda)

	values := flattenEnvMajor(mbValues)
	traj := &Trajectory{
		Obs:           flattenEnvMajor(mbObs),
		Actions:       flattenEnvMajor(mbActions),
		Values:        values,
		Returns:       flattenEnvMajor(returns),
		OldValuePreds: append([]float64(nil), values...),
		OldLogProbs:   flattenEnvMajor(mbLogProbs),
		Dones:         flattenEnvMajor(mbDones),
	}
	return traj, episodes, nil
}
