// Package neural provides the meta-learning application services.
package neural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/events"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
	infraNeural "github.com/claude-flow/maml-ppo/internal/infrastructure/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/store"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// LatestCheckpoint as a load path restores the most recent checkpoint.
const LatestCheckpoint = "latest"

// episodeWindow is the number of recent episodes behind eprewmean/eplenmean.
const episodeWindow = 100

// TrainOptions configures one MetaLearn run. Only Config is required.
type TrainOptions struct {
	Config domainNeural.MetaPPOConfig

	// Env overrides the registered environment named by Config.Env.
	Env envs.TaskEnv

	// Policy overrides the MLP policy.
	Policy infraNeural.PolicyConstructor

	// Sinks receive the diagnostics of every logged update.
	Sinks []metrics.Sink

	// Checkpoints stores periodic checkpoints and serves Config.LoadPath.
	Checkpoints *store.CheckpointStore

	// Events receives training notifications.
	Events *events.EventBus

	Logger *slog.Logger

	// RunID names the run; a random UUID when empty.
	RunID string
}

// TrainResult is the outcome of a run.
type TrainResult struct {
	RunID     string                      `json:"runId"`
	Updates   []domainNeural.UpdateResult `json:"updates"`
	Timesteps int                         `json:"timesteps"`
	Model     *infraNeural.Model          `json:"-"`
}

// trainer holds the state of one run.
type trainer struct {
	opts    TrainOptions
	cfg     domainNeural.MetaPPOConfig
	runID   string
	env     envs.TaskEnv
	model   *infraNeural.Model
	runner  *infraNeural.Runner
	sink    metrics.Sink
	events  *events.EventBus
	logger  *slog.Logger
	taskRng *rand.Rand
	epinfos *infraNeural.EpisodeBuffer
}

// MetaLearn runs MAML-PPO: every update adapts to MetaBatchSize sampled
// tasks, accumulates their meta-gradients and applies one meta step.
// Cancellation is observed between updates. The returned result is valid
// up to the last completed update even when an error is returned.
func MetaLearn(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nupdates := cfg.NumUpdates()
	if nupdates == 0 {
		return nil, fmt.Errorf("totalTimesteps %d is below one update of %d steps: %w",
			cfg.TotalTimesteps, cfg.StepsPerUpdate(), shared.ErrInvalidConfig)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("run", runID)

	env := opts.Env
	if env == nil {
		made, err := envs.Make(cfg.Env, cfg.NumEnvs, cfg.EnvMaxSteps, cfg.Seed)
		if err != nil {
			return nil, err
		}
		defer made.Close()
		env = made
	}

	model, err := infraNeural.NewModel(opts.Policy, env.ObservationSpace(), env.ActionSpace(), modelConfig(cfg, logger))
	if err != nil {
		return nil, err
	}

	t := &trainer{
		opts:    opts,
		cfg:     cfg,
		runID:   runID,
		env:     env,
		model:   model,
		runner:  infraNeural.NewRunner(env, model, cfg.Horizon, cfg.Discount, cfg.GAELambda),
		sink:    metrics.Fanout(opts.Sinks),
		events:  opts.Events,
		logger:  logger,
		epinfos: infraNeural.NewEpisodeBuffer(episodeWindow),
	}

	if cfg.LoadPath != "" {
		if err := t.load(ctx); err != nil {
			return nil, err
		}
	}
	// Drawn after load so a resumed run continues the checkpoint's stream.
	t.taskRng = rand.New(rand.NewSource(model.NextSeed()))
	if cfg.SaveInterval > 0 && opts.Checkpoints == nil {
		logger.Warn("saveInterval is set but no checkpoint store is configured, checkpoints are skipped")
	}

	result := &TrainResult{RunID: runID, Model: model}
	t.emit(func(b *events.EventBus) { b.EmitTrainingStarted(runID, cfg.Env, nupdates) })
	logger.Info("meta-learning started",
		"env", cfg.Env,
		"updates", nupdates,
		"metaBatchSize", cfg.MetaBatchSize,
		"batchSize", cfg.BatchSize())

	start := time.Now()
	for update := 1; update <= nupdates; update++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ur, err := t.update(ctx, update, nupdates, start)
		if err != nil {
			t.emit(func(b *events.EventBus) { b.EmitTrainingFailed(runID, err) })
			logger.Error("meta-learning failed", "update", update, "error", err)
			return result, err
		}
		result.Updates = append(result.Updates, ur)
		result.Timesteps = ur.Timesteps
	}

	t.emit(func(b *events.EventBus) { b.EmitTrainingCompleted(runID, nupdates, result.Timesteps) })
	logger.Info("meta-learning completed",
		"updates", nupdates,
		"timesteps", result.Timesteps,
		"elapsed", time.Since(start))
	return result, nil
}

// update performs one meta update.
func (t *trainer) update(ctx context.Context, update, nupdates int, start time.Time) (domainNeural.UpdateResult, error) {
	// An update runs to completion; MetaLearn observes cancellation between
	// updates only, so the pile is never left holding part of a meta-batch.
	ctx = context.WithoutCancel(ctx)
	cfg := t.cfg
	tstart := time.Now()
	frac := 1.0 - float64(update-1)/float64(nupdates)
	hp := cfg.Hyperparams(frac)

	var (
		innerStats, metaStats []domainNeural.LossStats
		values, returns       []float64
	)
	for _, task := range t.env.SampleTasks(t.taskRng, cfg.MetaBatchSize) {
		inner, meta, err := t.adaptTask(ctx, update, task, hp)
		if err != nil {
			return domainNeural.UpdateResult{}, err
		}
		innerStats = append(innerStats, inner...)
		metaStats = append(metaStats, meta.res.Stats...)
		values = append(values, meta.values...)
		returns = append(returns, meta.returns...)
	}

	gradNorm, err := t.model.ApplyMetaGrad(hp.MetaLR)
	if err != nil {
		return domainNeural.UpdateResult{}, shared.NewUpdateError(update, "", shared.PhaseMetaStep, err)
	}
	t.emit(func(b *events.EventBus) { b.EmitMetaStepApplied(t.runID, update, cfg.MetaBatchSize, gradNorm) })

	tnow := time.Now()
	fps := 0
	if dt := tnow.Sub(tstart).Seconds(); dt > 0 {
		fps = int(float64(cfg.StepsPerUpdate()) / dt)
	}
	rewMean, lenMean := t.epinfos.Means()
	ur := domainNeural.UpdateResult{
		Update:            update,
		Timesteps:         update * cfg.StepsPerUpdate(),
		FPS:               fps,
		ExplainedVariance: infraNeural.ExplainedVariance(values, returns),
		EpRewMean:         rewMean,
		EpLenMean:         lenMean,
		Inner:             domainNeural.MeanLossStats(innerStats),
		Meta:              domainNeural.MeanLossStats(metaStats),
		Elapsed:           tnow.Sub(start),
	}

	if update%cfg.LogInterval == 0 || update == 1 {
		if err := t.dump(ctx, ur, gradNorm); err != nil {
			t.logger.Warn("failed to dump metrics", "update", update, "error", err)
		}
	}
	t.emit(func(b *events.EventBus) { b.EmitUpdateCompleted(t.runID, update, ur.Timesteps, ur.EpRewMean) })

	if cfg.SaveInterval > 0 && (update%cfg.SaveInterval == 0 || update == 1) && t.opts.Checkpoints != nil {
		if err := t.save(ctx, update); err != nil {
			return ur, shared.NewUpdateError(update, "", shared.PhaseCheckpoint, err)
		}
	}
	return ur, nil
}

type metaOutcome struct {
	res             infraNeural.MetaResult
	values, returns []float64
}

// adaptTask runs the inner rollout, the inner adaptation, the meta rollout
// with the adapted weights, and the meta pass of one task.
func (t *trainer) adaptTask(ctx context.Context, update int, task domainNeural.Task, hp domainNeural.Hyperparams) ([]domainNeural.LossStats, metaOutcome, error) {
	wrap := func(phase shared.Phase, err error) error {
		return shared.NewUpdateError(update, task.ID, phase, err)
	}

	if err := t.env.SetTask(task); err != nil {
		return nil, metaOutcome{}, wrap(shared.PhaseRollout, err)
	}
	if err := t.runner.Reset(ctx); err != nil {
		return nil, metaOutcome{}, wrap(shared.PhaseRollout, err)
	}
	t.model.SyncActFromSlow()

	inner, eps, err := t.runner.Run(ctx)
	if err != nil {
		return nil, metaOutcome{}, wrap(shared.PhaseRollout, err)
	}
	t.epinfos.Add(eps...)
	inner.SetOrder(t.model.NextSeed(), t.cfg.ShuffleMinibatches)

	innerRes, err := t.model.InnerTrain(inner, hp)
	if err != nil {
		return nil, metaOutcome{}, wrap(shared.PhaseInnerTrain, err)
	}

	meta, eps, err := t.runner.Run(ctx)
	if err != nil {
		t.model.DiscardAdaptation()
		return nil, metaOutcome{}, wrap(shared.PhaseRollout, err)
	}
	t.epinfos.Add(eps...)
	meta.SetOrder(t.model.NextSeed(), t.cfg.ShuffleMinibatches)

	metaRes, err := t.model.MetaTrain(inner, meta, hp)
	if err != nil {
		return nil, metaOutcome{}, wrap(shared.PhaseMetaTrain, err)
	}

	innerLoss := domainNeural.MeanLossStats(innerRes.Stats).TotalLoss
	t.emit(func(b *events.EventBus) { b.EmitTaskAdapted(t.runID, update, task.ID, innerLoss, metaRes.MetaLoss) })
	t.logger.Debug("task adapted",
		"update", update,
		"task", task.ID,
		"innerLoss", innerLoss,
		"metaLoss", metaRes.MetaLoss,
		"gradNorm", metaRes.GradNorm)

	return innerRes.Stats, metaOutcome{res: metaRes, values: meta.OldValuePreds, returns: meta.Returns}, nil
}

// dump logs the diagnostics of an update to the sinks.
func (t *trainer) dump(ctx context.Context, ur domainNeural.UpdateResult, gradNorm float64) error {
	cfg := t.cfg
	kv := t.sink.LogKV
	kv("serial_timesteps", float64(ur.Update*2*cfg.MetaBatchSize*cfg.Horizon))
	kv(metrics.StepKey, float64(ur.Update))
	kv("total_timesteps", float64(ur.Timesteps))
	kv("fps", float64(ur.FPS))
	kv("explained_variance", ur.ExplainedVariance)
	kv("eprewmean", ur.EpRewMean)
	kv("eplenmean", ur.EpLenMean)
	kv("time_elapsed", ur.Elapsed.Seconds())
	kv("meta_grad_norm", gradNorm)
	inner, meta := ur.Inner.Values(), ur.Meta.Values()
	for i, name := range domainNeural.LossNames {
		kv(name, meta[i])
		kv("inner_"+name, inner[i])
	}
	return t.sink.Dump(ctx)
}

// save writes a checkpoint named after the update.
func (t *trainer) save(ctx context.Context, update int) error {
	payload, err := t.model.MarshalState()
	if err != nil {
		return err
	}
	config, err := json.Marshal(t.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	c := &store.Checkpoint{
		RunID:   t.runID,
		Update:  update,
		Config:  config,
		Payload: payload,
	}
	if err := t.opts.Checkpoints.Save(ctx, c); err != nil {
		return err
	}
	t.logger.Info("checkpoint saved", "update", update, "checkpoint", c.ID, "name", c.Name)
	t.emit(func(b *events.EventBus) { b.EmitCheckpointSaved(t.runID, c.ID, c.Name) })
	return nil
}

// load restores Config.LoadPath into the model.
func (t *trainer) load(ctx context.Context) error {
	if t.opts.Checkpoints == nil {
		return fmt.Errorf("loadPath %q needs a checkpoint store: %w", t.cfg.LoadPath, shared.ErrInvalidConfig)
	}
	c, err := resolveCheckpoint(ctx, t.opts.Checkpoints, t.cfg.LoadPath)
	if err != nil {
		return err
	}
	if err := t.model.UnmarshalState(c.Payload); err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", c.ID, err)
	}
	t.logger.Info("checkpoint loaded", "checkpoint", c.ID, "fromRun", c.RunID, "update", c.Update)
	t.emit(func(b *events.EventBus) { b.EmitCheckpointLoaded(t.runID, c.ID) })
	return nil
}

// modelConfig derives the model configuration of a run.
func modelConfig(cfg domainNeural.MetaPPOConfig, logger *slog.Logger) infraNeural.ModelConfig {
	return infraNeural.ModelConfig{
		HiddenDims: cfg.HiddenDims,
		Adapter: infraNeural.AdapterConfig{
			NumMinibatches:      cfg.NumMinibatches,
			NumOptEpochs:        cfg.NumOptEpochs,
			NormalizeAdvantages: cfg.NormalizeAdvantages,
		},
		MaxGradNorm: cfg.MaxGradNorm,
		Seed:        cfg.Seed,
		Logger:      logger,
	}
}

func (t *trainer) emit(f func(*events.EventBus)) {
	if t.events != nil {
		f(t.events)
	}
}

// resolveCheckpoint loads a checkpoint by ID, or the most recent one for
// LatestCheckpoint.
func resolveCheckpoint(ctx context.Context, cs *store.CheckpointStore, ref string) (*store.Checkpoint, error) {
	var (
		c   *store.Checkpoint
		err error
	)
	if ref == LatestCheckpoint {
		c, err = cs.Latest(ctx, "")
	} else {
		c, err = cs.Load(ctx, ref)
	}
	if errors.Is(err, shared.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("checkpoint %q: %w", ref, err)
	}
	return c, err
}
