// Package commands provides CLI command implementations.
package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
)

// Flag variables shared by every command.
var (
	configPath    string
	dsnFlag       string
	logLevel      string
	logFormat     string
	logFile       string
	logMaxSizeMB  int
	logMaxBackups int
	outputJSON    bool
)

// AddGlobalFlags registers the persistent flags on the root command.
func AddGlobalFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&dsnFlag, "dsn", "", "Checkpoint database: SQLite path or postgres:// URL (overrides checkpointDsn)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated by size")
	flags.IntVar(&logMaxSizeMB, "log-max-size-mb", 100, "Rotate the log file after this many megabytes")
	flags.IntVar(&logMaxBackups, "log-max-backups", 3, "Number of rotated log files to keep")
	flags.BoolVar(&outputJSON, "json", false, "Print results as JSON")
}

// Environment variables consulted for flags left at their defaults. A .env
// file in the working directory is loaded first.
const (
	envDSN       = "MAMLPPO_DSN"
	envConfig    = "MAMLPPO_CONFIG"
	envLogLevel  = "MAMLPPO_LOG_LEVEL"
	envLogFormat = "MAMLPPO_LOG_FORMAT"
	envLogFile   = "MAMLPPO_LOG_FILE"
)

// ApplyEnv fills unset global flags from the environment.
func ApplyEnv(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	flags := cmd.Flags()
	for name, env := range map[string]string{
		"dsn":        envDSN,
		"config":     envConfig,
		"log-level":  envLogLevel,
		"log-format": envLogFormat,
		"log-file":   envLogFile,
	} {
		v, ok := os.LookupEnv(env)
		if !ok || flags.Lookup(name) == nil || flags.Changed(name) {
			continue
		}
		if err := flags.Set(name, v); err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
	}
	return nil
}

// newLogger builds the CLI logger. The returned closer flushes the log file.
func newLogger(stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	w := stderr
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
		}
		w = io.MultiWriter(stderr, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", logFormat)
	}
	return slog.New(handler), closer, nil
}

// loadConfig reads --config over the defaults and applies --dsn.
func loadConfig() (domainNeural.MetaPPOConfig, error) {
	cfg := domainNeural.DefaultMetaPPOConfig()
	if configPath != "" {
		var err error
		if cfg, err = domainNeural.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	if dsnFlag != "" {
		cfg.CheckpointDSN = dsnFlag
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
