package neural

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/events"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/store"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// banditConfig is a run of the given number of updates on the bandit:
// 2 envs x 4 steps, 2 tasks per update, 32 environment steps per update.
func banditConfig(updates int) domainNeural.MetaPPOConfig {
	cfg := domainNeural.DefaultMetaPPOConfig()
	cfg.Env = "bandit"
	cfg.NumEnvs = 2
	cfg.EnvMaxSteps = 4
	cfg.HiddenDims = []int{8}
	cfg.Horizon = 4
	cfg.MetaBatchSize = 2
	cfg.NumMinibatches = 2
	cfg.NumOptEpochs = 1
	cfg.LearningRate = 1e-2
	cfg.LogInterval = 2
	cfg.Seed = 7
	cfg.TotalTimesteps = updates * cfg.StepsPerUpdate()
	return cfg
}

func openCheckpoints(t *testing.T) *store.CheckpointStore {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ckpt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewCheckpointStore(db)
}

func TestMetaLearnBandit(t *testing.T) {
	ctx := context.Background()
	cfg := banditConfig(3)
	cfg.SaveInterval = 2
	require.Equal(t, 32, cfg.StepsPerUpdate())

	mem := metrics.NewMemorySink()
	cs := openCheckpoints(t)
	bus := events.New()
	defer bus.Close()
	adapted := bus.Subscribe(shared.EventTaskAdapted)
	saved := bus.Subscribe(shared.EventCheckpointSaved)
	completed := bus.Subscribe(shared.EventTrainingCompleted)

	res, err := MetaLearn(ctx, TrainOptions{
		Config:      cfg,
		Sinks:       []metrics.Sink{mem},
		Checkpoints: cs,
		Events:      bus,
		RunID:       "run-bandit",
	})
	require.NoError(t, err)

	assert.Equal(t, "run-bandit", res.RunID)
	require.Len(t, res.Updates, 3)
	assert.Equal(t, 96, res.Timesteps)
	for i, ur := range res.Updates {
		assert.Equal(t, i+1, ur.Update)
		assert.Equal(t, (i+1)*32, ur.Timesteps)
		assert.False(t, math.IsNaN(ur.EpRewMean))
		assert.Equal(t, 4.0, ur.EpLenMean)
	}
	assert.Equal(t, 3, res.Model.Optimizer().State().Step)
	assert.Equal(t, res.Model.Store().Slow().Values(), res.Model.Store().Act().Values())

	// Logged at update 1 and every second update.
	assert.Equal(t, []float64{1, 2}, mem.Series(metrics.StepKey))
	assert.Equal(t, []float64{32, 64}, mem.Series("total_timesteps"))
	assert.Equal(t, []float64{16, 32}, mem.Series("serial_timesteps"))
	assert.Len(t, mem.Series("inner_policy_loss"), 2)
	assert.Len(t, mem.Series("meta_grad_norm"), 2)

	list, err := cs.List(ctx, "run-bandit")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "00001", list[0].Name)
	assert.Equal(t, "00002", list[1].Name)

	assert.Len(t, adapted, 6)
	assert.Len(t, saved, 2)
	assert.Len(t, completed, 1)
}

func TestMetaLearnResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	cs := openCheckpoints(t)

	cfg := banditConfig(2)
	cfg.SaveInterval = 2
	_, err := MetaLearn(ctx, TrainOptions{Config: cfg, Checkpoints: cs, RunID: "first"})
	require.NoError(t, err)

	latest, err := cs.Latest(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Update)

	resumed := banditConfig(1)
	resumed.LoadPath = LatestCheckpoint
	res, err := MetaLearn(ctx, TrainOptions{Config: resumed, Checkpoints: cs, RunID: "second"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Model.Optimizer().State().Step)

	byID := banditConfig(1)
	byID.LoadPath = latest.ID
	res, err = MetaLearn(ctx, TrainOptions{Config: byID, Checkpoints: cs})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Model.Optimizer().State().Step)
}

func TestMetaLearnRejectsConfig(t *testing.T) {
	ctx := context.Background()

	tooShort := banditConfig(1)
	tooShort.TotalTimesteps = 31
	_, err := MetaLearn(ctx, TrainOptions{Config: tooShort})
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)

	indivisible := banditConfig(1)
	indivisible.NumMinibatches = 3
	_, err = MetaLearn(ctx, TrainOptions{Config: indivisible})
	assert.ErrorIs(t, err, shared.ErrIndivisibleBatch)

	noStore := banditConfig(1)
	noStore.LoadPath = LatestCheckpoint
	_, err = MetaLearn(ctx, TrainOptions{Config: noStore})
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)

	missing := banditConfig(1)
	missing.LoadPath = "no-such-checkpoint"
	_, err = MetaLearn(ctx, TrainOptions{Config: missing, Checkpoints: openCheckpoints(t)})
	assert.ErrorIs(t, err, shared.ErrCheckpointNotFound)

	unknownEnv := banditConfig(1)
	unknownEnv.Env = "cartpole"
	_, err = MetaLearn(ctx, TrainOptions{Config: unknownEnv})
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)
}

func TestMetaLearnStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := MetaLearn(ctx, TrainOptions{Config: banditConfig(2)})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Updates)
}

type rejectingTaskEnv struct {
	*envs.VecEnv
}

func (rejectingTaskEnv) SetTask(domainNeural.Task) error {
	return errors.New("task rejected")
}

func TestMetaLearnReportsFailedPhase(t *testing.T) {
	cfg := banditConfig(1)
	env, err := envs.Make(cfg.Env, cfg.NumEnvs, cfg.EnvMaxSteps, cfg.Seed)
	require.NoError(t, err)
	defer env.Close()

	bus := events.New()
	defer bus.Close()
	failed := bus.Subscribe(shared.EventTrainingFailed)

	_, err = MetaLearn(context.Background(), TrainOptions{
		Config: cfg,
		Env:    rejectingTaskEnv{env},
		Events: bus,
	})
	var ue *shared.UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, ue.Update)
	assert.Equal(t, shared.PhaseRollout, ue.Phase)
	assert.NotEmpty(t, ue.TaskID)
	assert.EqualError(t, ue.Err, "task rejected")
	assert.Len(t, failed, 1)
}

// cancelingEnv cancels the run on its n-th step.
type cancelingEnv struct {
	*envs.VecEnv
	steps, at int
	cancel    context.CancelFunc
}

func (e *cancelingEnv) Step(ctx context.Context, actions [][]float64) (envs.StepResult, error) {
	e.steps++
	if e.steps == e.at {
		e.cancel()
	}
	return e.VecEnv.Step(ctx, actions)
}

func TestMetaLearnFinishesUpdateOnCancel(t *testing.T) {
	cfg := banditConfig(3)
	env, err := envs.Make(cfg.Env, cfg.NumEnvs, cfg.EnvMaxSteps, cfg.Seed)
	require.NoError(t, err)
	defer env.Close()

	bus := events.New()
	defer bus.Close()
	failed := bus.Subscribe(shared.EventTrainingFailed)

	// 16 steps per update: the 10th falls in the inner rollout of the second task.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := MetaLearn(ctx, TrainOptions{
		Config: cfg,
		Env:    &cancelingEnv{VecEnv: env, at: 10, cancel: cancel},
		Events: bus,
	})
	require.ErrorIs(t, err, context.Canceled)
	var ue *shared.UpdateError
	assert.False(t, errors.As(err, &ue))

	require.Len(t, res.Updates, 1)
	assert.Equal(t, 1, res.Model.Optimizer().State().Step)
	assert.Equal(t, 0, res.Model.Store().PileTasks())
	assert.Equal(t, res.Model.Store().Slow().Values(), res.Model.Store().Act().Values())
	assert.Empty(t, failed)
}
