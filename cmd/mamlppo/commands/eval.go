package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	appNeural "github.com/claude-flow/maml-ppo/internal/application/neural"
)

var (
	evalCheckpoint string
	evalTasks      int
)

// EvalCmd measures how well a checkpoint adapts to fresh tasks.
var EvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate adaptation of a checkpoint",
	Long: heredoc.Doc(`
		Sample fresh tasks and report the mean episode reward of the meta-learned
		initialization before and after one inner adaptation step.
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer closer.Close()

		svc, err := appNeural.NewMetaService(cmd.Context(), cfg.CheckpointDSN, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.Evaluate(cmd.Context(), evalCheckpoint, evalTasks)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tPRE\tPOST\tEPISODES")
		for _, te := range res.Tasks {
			fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%d/%d\n", te.TaskID, te.PreReturn, te.PostReturn, te.PreEpisodes, te.PostEpisodes)
		}
		fmt.Fprintf(w, "mean\t%.4f\t%.4f\t\n", res.PreReturn, res.PostReturn)
		return w.Flush()
	},
}

func init() {
	EvalCmd.Flags().StringVar(&evalCheckpoint, "checkpoint", appNeural.LatestCheckpoint, "Checkpoint ID or \"latest\"")
	EvalCmd.Flags().IntVarP(&evalTasks, "tasks", "n", 5, "Number of tasks to evaluate")
}
