package neural

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Schedule selects how a hyperparameter evolves over training.
type Schedule string

const (
	// ScheduleConstant keeps the base value.
	ScheduleConstant Schedule = "constant"
	// ScheduleLinear decays the base value linearly to zero.
	ScheduleLinear Schedule = "linear"
)

// Value evaluates the schedule. frac is the remaining fraction of training,
// 1 on the first update and approaching 0 on the last.
func (s Schedule) Value(base, frac float64) float64 {
	if s == ScheduleLinear {
		return base * frac
	}
	return base
}

// MetaPPOConfig is the configuration record of a meta-learning run.
type MetaPPOConfig struct {
	// Env names the built-in task distribution ("pointnav", "bandit").
	Env string `json:"env" yaml:"env"`

	// NumEnvs is the number of parallel environments.
	NumEnvs int `json:"numEnvs" yaml:"numEnvs"`

	// EnvMaxSteps caps episode length (0 keeps the environment default).
	EnvMaxSteps int `json:"envMaxSteps" yaml:"envMaxSteps"`

	// HiddenDims are the widths of the policy and value trunks.
	HiddenDims []int `json:"hiddenDims" yaml:"hiddenDims"`

	// Horizon is the number of steps per environment per rollout (T in the PPO paper).
	Horizon int `json:"horizon" yaml:"horizon"`

	// TotalTimesteps is the environment step budget of the run.
	TotalTimesteps int `json:"totalTimesteps" yaml:"totalTimesteps"`

	// MetaBatchSize is the number of tasks per meta step.
	MetaBatchSize int `json:"metaBatchSize" yaml:"metaBatchSize"`

	// EntropyCoef weights the entropy bonus.
	EntropyCoef float64 `json:"entropyCoef" yaml:"entropyCoef"`

	// LearningRate is the meta (outer) learning rate.
	LearningRate float64 `json:"learningRate" yaml:"learningRate"`

	// LearningRateSchedule decays LearningRate over training.
	LearningRateSchedule Schedule `json:"learningRateSchedule" yaml:"learningRateSchedule"`

	// InnerLR is the inner adaptation step size.
	InnerLR float64 `json:"innerLr" yaml:"innerLr"`

	// ValueCoef weights the value loss.
	ValueCoef float64 `json:"valueCoef" yaml:"valueCoef"`

	// MaxGradNorm clips the global norm of the meta gradient (0 disables).
	MaxGradNorm float64 `json:"maxGradNorm" yaml:"maxGradNorm"`

	// Discount is gamma.
	Discount float64 `json:"discount" yaml:"discount"`

	// GAELambda is the GAE lambda.
	GAELambda float64 `json:"gaeLambda" yaml:"gaeLambda"`

	// LogInterval is the number of updates between metric dumps.
	LogInterval int `json:"logInterval" yaml:"logInterval"`

	// NumMinibatches splits each sample into this many mini-batches.
	NumMinibatches int `json:"numMinibatches" yaml:"numMinibatches"`

	// NumOptEpochs is the number of passes over the inner sample during adaptation.
	NumOptEpochs int `json:"numOptEpochs" yaml:"numOptEpochs"`

	// ClipRange is PPO's epsilon.
	ClipRange float64 `json:"clipRange" yaml:"clipRange"`

	// ClipRangeSchedule decays ClipRange over training.
	ClipRangeSchedule Schedule `json:"clipRangeSchedule" yaml:"clipRangeSchedule"`

	// NormalizeAdvantages standardizes advantages per mini-batch.
	NormalizeAdvantages bool `json:"normalizeAdvantages" yaml:"normalizeAdvantages"`

	// ShuffleMinibatches draws mini-batches in a seeded random order.
	ShuffleMinibatches bool `json:"shuffleMinibatches" yaml:"shuffleMinibatches"`

	// SaveInterval is the number of updates between checkpoints (0 disables).
	SaveInterval int `json:"saveInterval" yaml:"saveInterval"`

	// CheckpointDSN is a SQLite path or a postgres:// URL.
	CheckpointDSN string `json:"checkpointDsn" yaml:"checkpointDsn"`

	// LoadPath restores a checkpoint before training. It is a checkpoint ID
	// in CheckpointDSN, or "latest".
	LoadPath string `json:"loadPath" yaml:"loadPath"`

	// Seed drives weight initialization, sampling and mini-batch order.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultMetaPPOConfig returns the default configuration.
func DefaultMetaPPOConfig() MetaPPOConfig {
	return MetaPPOConfig{
		Env:                  "pointnav",
		NumEnvs:              4,
		HiddenDims:           []int{100, 100},
		Horizon:              128,
		TotalTimesteps:       1_000_000,
		MetaBatchSize:        4,
		EntropyCoef:          0.0,
		LearningRate:         3e-4,
		LearningRateSchedule: ScheduleConstant,
		InnerLR:              0.1,
		ValueCoef:            0.5,
		MaxGradNorm:          0.5,
		Discount:             0.99,
		GAELambda:            0.95,
		LogInterval:          10,
		NumMinibatches:       4,
		NumOptEpochs:         1,
		ClipRange:            0.2,
		ClipRangeSchedule:    ScheduleConstant,
		ShuffleMinibatches:   true,
		SaveInterval:         0,
		CheckpointDSN:        "mamlppo.db",
		Seed:                 42,
	}
}

// BatchSize is the number of samples in one rollout.
func (c MetaPPOConfig) BatchSize() int {
	return c.NumEnvs * c.Horizon
}

// MinibatchSize is the number of samples per mini-batch.
func (c MetaPPOConfig) MinibatchSize() int {
	if c.NumMinibatches <= 0 {
		return 0
	}
	return c.BatchSize() / c.NumMinibatches
}

// StepsPerUpdate is the number of environment steps one meta update consumes:
// an inner and a meta rollout for every task of the meta-batch.
func (c MetaPPOConfig) StepsPerUpdate() int {
	return 2 * c.MetaBatchSize * c.BatchSize()
}

// NumUpdates is the number of meta updates the step budget allows.
func (c MetaPPOConfig) NumUpdates() int {
	per := c.StepsPerUpdate()
	if per <= 0 {
		return 0
	}
	return c.TotalTimesteps / per
}

// Hyperparams evaluates the schedules at progress frac.
func (c MetaPPOConfig) Hyperparams(frac float64) Hyperparams {
	return Hyperparams{
		EntCoef:   c.EntropyCoef,
		VFCoef:    c.ValueCoef,
		InnerLR:   c.InnerLR,
		MetaLR:    c.LearningRateSchedule.Value(c.LearningRate, frac),
		ClipRange: c.ClipRangeSchedule.Value(c.ClipRange, frac),
	}
}

// Validate reports configuration errors. Every error wraps shared.ErrInvalidConfig,
// except batch divisibility which wraps shared.ErrIndivisibleBatch.
func (c MetaPPOConfig) Validate() error {
	switch {
	case c.NumEnvs <= 0:
		return fmt.Errorf("numEnvs must be positive, got %d: %w", c.NumEnvs, shared.ErrInvalidConfig)
	case c.Horizon <= 0:
		return fmt.Errorf("horizon must be positive, got %d: %w", c.Horizon, shared.ErrInvalidConfig)
	case c.MetaBatchSize <= 0:
		return fmt.Errorf("metaBatchSize must be positive, got %d: %w", c.MetaBatchSize, shared.ErrInvalidConfig)
	case c.NumMinibatches < 0:
		return fmt.Errorf("numMinibatches must not be negative, got %d: %w", c.NumMinibatches, shared.ErrInvalidConfig)
	case c.NumOptEpochs <= 0:
		return fmt.Errorf("numOptEpochs must be positive, got %d: %w", c.NumOptEpochs, shared.ErrInvalidConfig)
	case c.Discount < 0 || c.Discount > 1:
		return fmt.Errorf("discount must lie in [0, 1], got %g: %w", c.Discount, shared.ErrInvalidConfig)
	case c.GAELambda < 0 || c.GAELambda > 1:
		return fmt.Errorf("gaeLambda must lie in [0, 1], got %g: %w", c.GAELambda, shared.ErrInvalidConfig)
	case c.ClipRange <= 0:
		return fmt.Errorf("clipRange must be positive, got %g: %w", c.ClipRange, shared.ErrInvalidConfig)
	case c.LearningRate <= 0:
		return fmt.Errorf("learningRate must be positive, got %g: %w", c.LearningRate, shared.ErrInvalidConfig)
	case c.MaxGradNorm < 0:
		return fmt.Errorf("maxGradNorm must not be negative, got %g: %w", c.MaxGradNorm, shared.ErrInvalidConfig)
	case c.LogInterval <= 0:
		return fmt.Errorf("logInterval must be positive, got %d: %w", c.LogInterval, shared.ErrInvalidConfig)
	case c.SaveInterval < 0:
		return fmt.Errorf("saveInterval must not be negative, got %d: %w", c.SaveInterval, shared.ErrInvalidConfig)
	}
	for _, s := range []Schedule{c.LearningRateSchedule, c.ClipRangeSchedule} {
		if s != ScheduleConstant && s != ScheduleLinear {
			return fmt.Errorf("unknown schedule %q: %w", s, shared.ErrInvalidConfig)
		}
	}
	for _, h := range c.HiddenDims {
		if h <= 0 {
			return fmt.Errorf("hidden dims must be positive, got %v: %w", c.HiddenDims, shared.ErrInvalidConfig)
		}
	}
	if c.NumMinibatches > 0 && c.BatchSize()%c.NumMinibatches != 0 {
		return fmt.Errorf("batch of %d samples split into %d mini-batches: %w", c.BatchSize(), c.NumMinibatches, shared.ErrIndivisibleBatch)
	}
	return nil
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (MetaPPOConfig, error) {
	cfg := DefaultMetaPPOConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
