package neural

import (
	"context"
	"fmt"
	"math/rand"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	infraNeural "github.com/claude-flow/maml-ppo/internal/infrastructure/neural"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// TaskEval is the adaptation outcome on one task.
type TaskEval struct {
	TaskID string `json:"taskId"`

	// PreReturn is the mean episode reward with the slow weights.
	PreReturn float64 `json:"preReturn"`

	// PostReturn is the mean episode reward after one inner adaptation.
	PostReturn float64 `json:"postReturn"`

	PreEpisodes  int `json:"preEpisodes"`
	PostEpisodes int `json:"postEpisodes"`
}

// EvalResult aggregates TaskEval over the evaluated tasks. Means are NaN
// when no episode finished.
type EvalResult struct {
	Tasks      []TaskEval `json:"tasks"`
	PreReturn  float64    `json:"preReturn"`
	PostReturn float64    `json:"postReturn"`
}

// Evaluate samples numTasks tasks and, for each, rolls out the slow
// weights, adapts on that rollout and rolls out the adapted weights from a
// fresh reset. The slow weights are left untouched.
func Evaluate(ctx context.Context, model *infraNeural.Model, env envs.TaskEnv, cfg domainNeural.MetaPPOConfig, numTasks int) (*EvalResult, error) {
	if numTasks <= 0 {
		return nil, fmt.Errorf("numTasks must be positive, got %d: %w", numTasks, shared.ErrInvalidConfig)
	}
	hp := cfg.Hyperparams(1)
	runner := infraNeural.NewRunner(env, model, cfg.Horizon, cfg.Discount, cfg.GAELambda)
	rng := rand.New(rand.NewSource(model.NextSeed()))
	defer model.DiscardAdaptation()

	result := &EvalResult{}
	var pre, post []float64
	for _, task := range env.SampleTasks(rng, numTasks) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := env.SetTask(task); err != nil {
			return nil, err
		}

		model.DiscardAdaptation()
		if err := runner.Reset(ctx); err != nil {
			return nil, err
		}
		inner, preEps, err := runner.Run(ctx)
		if err != nil {
			return nil, err
		}
		inner.SetOrder(model.NextSeed(), cfg.ShuffleMinibatches)
		if _, err := model.InnerTrain(inner, hp); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}

		if err := runner.Reset(ctx); err != nil {
			return nil, err
		}
		_, postEps, err := runner.Run(ctx)
		if err != nil {
			return nil, err
		}

		te := TaskEval{
			TaskID:       task.ID,
			PreReturn:    infraNeural.SafeMean(rewards(preEps)),
			PostReturn:   infraNeural.SafeMean(rewards(postEps)),
			PreEpisodes:  len(preEps),
			PostEpisodes: len(postEps),
		}
		result.Tasks = append(result.Tasks, te)
		pre = append(pre, rewards(preEps)...)
		post = append(post, rewards(postEps)...)
	}
	result.PreReturn = infraNeural.SafeMean(pre)
	result.PostReturn = infraNeural.SafeMean(post)
	return result, nil
}

func rewards(eps []domainNeural.EpisodeInfo) []float64 {
	out := make([]float64, len(eps))
	for i, ep := range eps {
		out[i] = ep.Reward
	}
	return out
}
