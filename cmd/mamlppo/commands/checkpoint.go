package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	appNeural "github.com/claude-flow/maml-ppo/internal/application/neural"
)

var (
	checkpointRun   string
	checkpointField string
)

// CheckpointCmd is the parent command for checkpoint inspection.
var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect stored checkpoints",
}

// withService opens the service for the configured database.
func withService(cmd *cobra.Command, fn func(*appNeural.MetaService) error) error {
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
	return fn(svc)
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *appNeural.MetaService) error {
			list, err := svc.Checkpoints(cmd.Context(), checkpointRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return json.NewEncoder(out).Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No checkpoints found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tNAME\tCREATED")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.RunID, c.Name, c.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <id|latest>",
	Short: "Show a checkpoint and verify its digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *appNeural.MetaService) error {
			c, err := svc.Checkpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if checkpointField != "" {
				v, err := ConfigField(c.Config, checkpointField)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				ID           string          `json:"id"`
				RunID        string          `json:"runId"`
				Update       int             `json:"update"`
				Name         string          `json:"name"`
				Digest       string          `json:"digest"`
				PayloadBytes int             `json:"payloadBytes"`
				Config       json.RawMessage `json:"config"`
			}{c.ID, c.RunID, c.Update, c.Name, c.Digest, len(c.Payload), c.Config})
		})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <run>",
	Short: "Print the stored diagnostics of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *appNeural.MetaService) error {
			rows, err := svc.Metrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return json.NewEncoder(out).Encode(rows)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UPDATE\tKEY\tVALUE")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%g\n", r.Update, r.Key, r.Value)
			}
			return w.Flush()
		})
	},
}

var checkpointStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the checkpoint database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *appNeural.MetaService) error {
			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return json.NewEncoder(out).Encode(stats)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Dialect:\t%s\n", stats.Dialect)
			fmt.Fprintf(w, "Schema version:\t%d\n", stats.SchemaVersion)
			fmt.Fprintf(w, "Checkpoints:\t%d\n", stats.Checkpoints)
			return w.Flush()
		})
	},
}

// ConfigField extracts a GJSON path from a stored configuration.
func ConfigField(config json.RawMessage, path string) (string, error) {
	res := gjson.GetBytes(config, path)
	if !res.Exists() {
		return "", fmt.Errorf("config has no field %q", path)
	}
	return res.Raw, nil
}

func init() {
	checkpointShowCmd.Flags().StringVar(&checkpointField, "field", "", "Print only this config field (GJSON path, e.g. hiddenDims.0)")
	checkpointListCmd.Flags().StringVar(&checkpointRun, "run", "", "Only list checkpoints of this run")
	CheckpointCmd.AddCommand(checkpointListCmd)
	CheckpointCmd.AddCommand(checkpointShowCmd)
	CheckpointCmd.AddCommand(metricsCmd)
	CheckpointCmd.AddCommand(checkpointStatsCmd)
}
