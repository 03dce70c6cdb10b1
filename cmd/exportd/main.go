// exportd packages agent export batches into per-manifest export packages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/exportd/internal/daemon"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/setup"
	"github.com/msageha/exportd/internal/status"
	"github.com/msageha/exportd/internal/uds"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	consoleLog  bool
	jsonOutput  bool
	offline     bool
	scanTag     string
	callTimeout time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exportd",
		Short: "exportd - export batch packaging daemon",
		Long: `exportd watches {root}/{tag}/{agent} directories for manifest pairs,
validates each batch against its request manifest, copies the listed data
files into export packages and retires the batch once every file is done.

  # Create exportd.yaml and the directory layout:
  exportd init

  # Start the daemon in the foreground with readable logs:
  exportd run --console

  # Ask a running daemon for its queue depths:
  exportd status

For more help on any command, use: exportd <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "exportd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides logging.level)")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 5*time.Minute, "control request timeout")

	// Init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default config and create the state and export directories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := setup.Run(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nstart the daemon with: exportd run -c %s\n", path, path)
			return nil
		},
	})

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	runCmd.Flags().BoolVar(&consoleLog, "console", false, "log human readable lines to stderr instead of the log file")
	rootCmd.AddCommand(runCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and the last discovery pass",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&offline, "offline", false, "read the last snapshot written by the daemon instead of asking it")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of YAML")
	rootCmd.AddCommand(statusCmd)

	// Scan command
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a discovery pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out daemon.ScanResult
			if err := call(cmd, "scan", daemon.ScanParams{Tag: scanTag}, &out); err != nil {
				return err
			}
			return printDoc(cmd.OutOrStdout(), out.Summaries)
		},
	}
	scanCmd.Flags().StringVar(&scanTag, "tag", "", "scan only this tag")
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of YAML")
	rootCmd.AddCommand(scanCmd)

	// Reap command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Delete aged table rows now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out daemon.ReapResult
			if err := call(cmd, "reap", nil, &out); err != nil {
				return err
			}
			return printDoc(cmd.OutOrStdout(), out.Deleted)
		},
	})

	// Sweep command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete holding files whose lifetime expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out daemon.SweepResult
			if err := call(cmd, "sweep", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files\n", out.Removed)
			return nil
		},
	})

	// Ping command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				PID int `json:"pid"`
			}
			if err := call(cmd, "ping", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exportd running (pid %d)\n", out.PID)
			return nil
		},
	})

	// Stop command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, "shutdown", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	})

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "exportd %s\n", Version)
			fmt.Fprintf(w, "  Commit:     %s\n", Commit)
			fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

// loadConfig reads --config and applies --log-level.
func loadConfig() (model.Config, error) {
	cfg, err := model.LoadConfig(cfgFile)
	if err != nil {
		return model.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if !consoleLog {
		f, err := daemon.OpenLogFile(cfg.StateDir)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	logger := daemon.NewLogger(w, cfg.Logging.Level, consoleLog)
	logger.Info().Str("version", Version).Str("config", cfgFile).Msg("exportd starting")

	if err := daemon.New(cfg, logger).Run(cmd.Context()); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return status.Run(cmd.Context(), cmd.OutOrStdout(), cfg, status.Options{
		Offline: offline,
		JSON:    jsonOutput,
		Timeout: callTimeout,
	})
}

// call sends one control command to the daemon owning the configured state dir.
func call(cmd *cobra.Command, command string, params, out any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client := uds.NewClient(daemon.SocketPath(cfg))
	client.SetTimeout(callTimeout)
	if err := client.Call(ctx, command, params, out); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

func printDoc(w io.Writer, v any) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
