// Package mamlppo provides the public API for MAML-PPO meta-reinforcement
// learning.
//
// Example:
//
//	cfg := mamlppo.DefaultConfig()
//	cfg.Env = "bandit"
//	cfg.TotalTimesteps = 100_000
//
//	res, err := mamlppo.MetaLearn(ctx, mamlppo.TrainOptions{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Updates[len(res.Updates)-1].EpRewMean)
package mamlppo

import (
	"context"
	"log/slog"

	appNeural "github.com/claude-flow/maml-ppo/internal/application/neural"
	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
	infraNeural "github.com/claude-flow/maml-ppo/internal/infrastructure/neural"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Version is the release version.
const Version = "0.3.0"

// Re-export types for public API
type (
	// Configuration
	Config      = domainNeural.MetaPPOConfig
	Schedule    = domainNeural.Schedule
	Hyperparams = domainNeural.Hyperparams
	Space       = domainNeural.Space

	// Training
	TrainOptions = appNeural.TrainOptions
	TrainResult  = appNeural.TrainResult
	UpdateResult = domainNeural.UpdateResult
	LossStats    = domainNeural.LossStats
	Model        = infraNeural.Model
	Service      = appNeural.MetaService

	// Evaluation
	EvalResult = appNeural.EvalResult
	TaskEval   = appNeural.TaskEval

	// Environments
	Env     = envs.Env
	TaskEnv = envs.TaskEnv
	Task    = domainNeural.Task

	// Metrics
	MetricsSink = metrics.Sink
	MemorySink  = metrics.MemorySink

	// Errors
	UpdateError = shared.UpdateError
)

// Schedules.
const (
	ScheduleConstant = domainNeural.ScheduleConstant
	ScheduleLinear   = domainNeural.ScheduleLinear
)

// LatestCheckpoint selects the most recent checkpoint.
const LatestCheckpoint = appNeural.LatestCheckpoint

// Errors.
var (
	ErrKeySetMismatch      = shared.ErrKeySetMismatch
	ErrShapeMismatch       = shared.ErrShapeMismatch
	ErrInsufficientSamples = shared.ErrInsufficientSamples
	ErrIndivisibleBatch    = shared.ErrIndivisibleBatch
	ErrInvalidConfig       = shared.ErrInvalidConfig
	ErrEmptyMetaBatch      = shared.ErrEmptyMetaBatch
	ErrNonFinite           = shared.ErrNonFinite
	ErrUnsupportedSpace    = shared.ErrUnsupportedSpace
	ErrCheckpointNotFound  = shared.ErrCheckpointNotFound
	ErrDigestMismatch      = shared.ErrDigestMismatch
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return domainNeural.DefaultMetaPPOConfig()
}

// LoadConfig reads a YAML configuration over the defaults.
func LoadConfig(path string) (Config, error) {
	return domainNeural.LoadConfig(path)
}

// MetaLearn runs MAML-PPO.
func MetaLearn(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	return appNeural.MetaLearn(ctx, opts)
}

// NewService opens a service on a SQLite path or postgres:// URL.
func NewService(ctx context.Context, dsn string, logger *slog.Logger) (*Service, error) {
	return appNeural.NewMetaService(ctx, dsn, logger)
}

// Evaluate measures pre- and post-adaptation reward of a model on numTasks
// tasks of env.
func Evaluate(ctx context.Context, model *Model, env TaskEnv, cfg Config, numTasks int) (*EvalResult, error) {
	return appNeural.Evaluate(ctx, model, env, cfg, numTasks)
}

// Save writes a model and its configuration to a SQLite file.
func Save(ctx context.Context, path string, model *Model, cfg Config) error {
	_, err := appNeural.SaveFile(ctx, path, model, cfg)
	return err
}

// Load restores the model last saved to a SQLite file.
func Load(ctx context.Context, path string) (*Model, Config, error) {
	return appNeural.LoadFile(ctx, path)
}

// MakeEnv builds a registered task environment.
func MakeEnv(name string, numEnvs, maxSteps int, seed int64) (TaskEnv, error) {
	env, err := envs.Make(name, numEnvs, maxSteps, seed)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Environments lists the registered task environments.
func Environments() []string {
	return envs.Names()
}

// NewMemorySink creates an in-memory metrics sink.
func NewMemorySink() *MemorySink {
	return metrics.NewMemorySink()
}

// NewLogSink creates a metrics sink writing one log line per dump.
func NewLogSink(logger *slog.Logger) MetricsSink {
	return metrics.NewSlogSink(logger)
}
