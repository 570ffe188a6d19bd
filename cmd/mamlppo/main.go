// Package main provides the CLI entry point for mamlppo.
package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/claude-flow/maml-ppo/cmd/mamlppo/commands"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/envs"
	"github.com/claude-flow/maml-ppo/pkg/mamlppo"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mamlppo",
	Short: "MAML-PPO meta-reinforcement learning",
	Long: heredoc.Doc(`
		mamlppo meta-learns a policy initialization that adapts to a new task
		from a single rollout and one inner PPO update.

		It provides:
		  - Second-order MAML over the PPO clipped objective
		  - Built-in task distributions (2-D point navigation, k-armed bandits)
		  - Checkpoints and metrics in SQLite or PostgreSQL

		Unset global flags are read from MAMLPPO_DSN, MAMLPPO_CONFIG,
		MAMLPPO_LOG_LEVEL, MAMLPPO_LOG_FORMAT and MAMLPPO_LOG_FILE, after
		loading a .env file from the working directory.
	`),
	Version:       mamlppo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.ApplyEnv(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mamlppo %s\n", mamlppo.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "environments: %v\n", envs.Names())
	},
}

func init() {
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.TrainCmd)
	rootCmd.AddCommand(commands.EvalCmd)
	rootCmd.AddCommand(commands.CheckpointCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(versionCmd)
}
