// loadout manages named presets of host components.
// "loadout serve" runs the MCP server on stdio plus the HTTP management API;
// the other subcommands are one-shot operations that talk to a running server
// when there is one and work on the state directory directly otherwise.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jaakkos/loadout/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var (
	configPath string
	verbose    bool
	stateDir   string
	scopeFlag  uint64
)

var rootCmd = &cobra.Command{
	Use:   "loadout",
	Short: "Preset manager for host components",
	Long: `loadout keeps named presets of host components per scope and reconciles
the host to them: everything outside the preset and the always-on set is
disabled, everything inside is enabled.

Run without arguments to start the server (same as "loadout serve").`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "loadout "+Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $LOADOUT_CONFIG or ~/.config/loadout/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Override the state directory")
	rootCmd.PersistentFlags().Uint64Var(&scopeFlag, "scope", 0, "Scope id for one-shot commands (default: configured session, else global)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file from --config, $LOADOUT_CONFIG or the
// global state dir. A missing default file yields DefaultConfig.
func loadConfig() (*policy.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("LOADOUT_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(policy.GlobalStateDir(), "config.yaml")
	}

	cfg, err := policy.LoadConfig(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = policy.DefaultConfig()
	default:
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

// setupLogger builds a zap logger that writes JSON to the policy's log file and
// human-readable lines to stderr. Stderr is only used when it is a terminal or
// when file logging is off; stdout is reserved for the MCP stdio transport.
// One-shot commands pass quiet to keep stderr to warnings and errors.
func setupLogger(pol *policy.Policy, quiet bool) (*zap.Logger, func()) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	consoleLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if quiet {
		consoleLevel.SetLevel(zapcore.WarnLevel)
	}
	if verbose {
		level.SetLevel(zapcore.DebugLevel)
		consoleLevel.SetLevel(zapcore.DebugLevel)
	}

	var cores []zapcore.Core
	closeFn := func() {}

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	if !pol.FileLoggingDisabled() {
		logFile := pol.LogFile()
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "loadout: cannot create log dir %s: %v\n", filepath.Dir(logFile), err)
		} else if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "loadout: cannot open log file %s: %v\n", logFile, err)
		} else {
			enc := zap.NewProductionEncoderConfig()
			enc.EncodeTime = zapcore.ISO8601TimeEncoder
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), level))
			closeFn = func() { _ = f.Close() }
		}
	}

	if stderrIsTerminal || len(cores) == 0 {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !stderrIsTerminal {
			enc.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), consoleLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named("loadout")
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}
}
