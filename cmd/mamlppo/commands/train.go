package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	appNeural "github.com/claude-flow/maml-ppo/internal/application/neural"
	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
)

// Flag variables for configuration overrides. They apply only when set on
// the command line.
var (
	flagEnv            string
	flagNumEnvs        int
	flagHiddenDims     []int
	flagHorizon        int
	flagTotalTimesteps int
	flagMetaBatchSize  int
	flagLearningRate   float64
	flagInnerLR        float64
	flagNumMinibatches int
	flagNumOptEpochs   int
	flagLogInterval    int
	flagSaveInterval   int
	flagLoadPath       string
	flagSeed           int64
	flagEntropyCoef    float64
	flagValueCoef      float64
	flagClipRange      float64
	flagMaxGradNorm    float64
	flagDiscount       float64
	flagGAELambda      float64
)

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&flagEnv, "env", "", "Task distribution (pointnav, bandit)")
	flags.IntVar(&flagNumEnvs, "num-envs", 0, "Number of parallel environments")
	flags.IntSliceVar(&flagHiddenDims, "hidden-dims", nil, "Hidden layer widths")
	flags.IntVar(&flagHorizon, "horizon", 0, "Steps per environment per rollout")
	flags.IntVar(&flagTotalTimesteps, "total-timesteps", 0, "Environment step budget")
	flags.IntVar(&flagMetaBatchSize, "meta-batch-size", 0, "Tasks per meta step")
	flags.Float64Var(&flagLearningRate, "lr", 0, "Meta learning rate")
	flags.Float64Var(&flagInnerLR, "inner-lr", 0, "Inner adaptation step size")
	flags.IntVar(&flagNumMinibatches, "num-minibatches", 0, "Mini-batches per sample")
	flags.IntVar(&flagNumOptEpochs, "num-opt-epochs", 0, "Inner adaptation epochs")
	flags.IntVar(&flagLogInterval, "log-interval", 0, "Updates between metric dumps")
	flags.IntVar(&flagSaveInterval, "save-interval", 0, "Updates between checkpoints (0 disables)")
	flags.StringVar(&flagLoadPath, "load-path", "", "Checkpoint ID or \"latest\" to resume from")
	flags.Int64Var(&flagSeed, "seed", 0, "Random seed")
	flags.Float64Var(&flagEntropyCoef, "entropy-coef", 0, "Entropy bonus coefficient")
	flags.Float64Var(&flagValueCoef, "value-coef", 0, "Value loss coefficient")
	flags.Float64Var(&flagClipRange, "clip-range", 0, "PPO clip range")
	flags.Float64Var(&flagMaxGradNorm, "max-grad-norm", 0, "Meta-gradient global norm limit (0 disables)")
	flags.Float64Var(&flagDiscount, "discount", 0, "Discount factor")
	flags.Float64Var(&flagGAELambda, "gae-lambda", 0, "GAE lambda")
}

// effectiveConfig loads --config and applies the flags set on cmd.
func effectiveConfig(cmd *cobra.Command) (domainNeural.MetaPPOConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("env", func() { cfg.Env = flagEnv })
	set("num-envs", func() { cfg.NumEnvs = flagNumEnvs })
	set("hidden-dims", func() { cfg.HiddenDims = flagHiddenDims })
	set("horizon", func() { cfg.Horizon = flagHorizon })
	set("total-timesteps", func() { cfg.TotalTimesteps = flagTotalTimesteps })
	set("meta-batch-size", func() { cfg.MetaBatchSize = flagMetaBatchSize })
	set("lr", func() { cfg.LearningRate = flagLearningRate })
	set("inner-lr", func() { cfg.InnerLR = flagInnerLR })
	set("num-minibatches", func() { cfg.NumMinibatches = flagNumMinibatches })
	set("num-opt-epochs", func() { cfg.NumOptEpochs = flagNumOptEpochs })
	set("log-interval", func() { cfg.LogInterval = flagLogInterval })
	set("save-interval", func() { cfg.SaveInterval = flagSaveInterval })
	set("load-path", func() { cfg.LoadPath = flagLoadPath })
	set("seed", func() { cfg.Seed = flagSeed })
	set("entropy-coef", func() { cfg.EntropyCoef = flagEntropyCoef })
	set("value-coef", func() { cfg.ValueCoef = flagValueCoef })
	set("clip-range", func() { cfg.ClipRange = flagClipRange })
	set("max-grad-norm", func() { cfg.MaxGradNorm = flagMaxGradNorm })
	set("discount", func() { cfg.Discount = flagDiscount })
	set("gae-lambda", func() { cfg.GAELambda = flagGAELambda })
	return cfg, nil
}

// TrainCmd runs meta-learning.
var TrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Meta-train a policy with MAML-PPO",
	Long: heredoc.Doc(`
		Meta-train a policy on a task distribution with MAML-PPO.

		Every update samples a meta-batch of tasks. For each task the policy is
		adapted on one rollout and evaluated on a second; the second-order gradient
		of the post-adaptation loss updates the shared initialization.

		Configuration comes from --config (YAML) with flags taking precedence.
		Checkpoints and metrics are written to the --dsn database.
	`),
	Example: heredoc.Doc(`
		mamlppo train --env pointnav --total-timesteps 200000
		mamlppo train -c run.yaml --dsn postgres://user@localhost/mamlppo
		mamlppo train --load-path latest --save-interval 10
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := appNeural.NewMetaService(ctx, cfg.CheckpointDSN, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.Train(ctx, cfg, metrics.NewSlogSink(logger))
		if res != nil && len(res.Updates) > 0 {
			if perr := printTrainResult(cmd, res); perr != nil {
				return perr
			}
		}
		if errors.Is(err, context.Canceled) {
			logger.Warn("training interrupted")
			return nil
		}
		return err
	},
}

func printTrainResult(cmd *cobra.Command, res *appNeural.TrainResult) error {
	out := cmd.OutOrStdout()
	last := res.Updates[len(res.Updates)-1]
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RunID string                    `json:"runId"`
			Last  domainNeural.UpdateResult `json:"last"`
		}{res.RunID, last})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run\t%s\n", res.RunID)
	fmt.Fprintf(w, "updates\t%d\n", last.Update)
	fmt.Fprintf(w, "timesteps\t%d\n", last.Timesteps)
	fmt.Fprintf(w, "eprewmean\t%.4f\n", last.EpRewMean)
	fmt.Fprintf(w, "eplenmean\t%.1f\n", last.EpLenMean)
	fmt.Fprintf(w, "explained_variance\t%.4f\n", last.ExplainedVariance)
	fmt.Fprintf(w, "meta_loss\t%.4f\n", last.Meta.TotalLoss)
	fmt.Fprintf(w, "elapsed\t%s\n", last.Elapsed)
	return w.Flush()
}

func init() {
	addConfigFlags(TrainCmd)
}
