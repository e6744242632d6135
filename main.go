package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tracecheck/internal/config"
	"tracecheck/internal/logger"
	"tracecheck/internal/maps"
)

var version = "0.1.0"

var (
	configPath    string
	listenAddress string
	reportPath    string
	logLevel      string

	appConfig *config.AppConfig
)

// skipSetup marks commands that run without loading the configuration.
const skipSetup = "skip-setup"

var rootCmd = &cobra.Command{
	Use:   "tracecheck",
	Short: "tracecheck - trace collection and validation harness",
	Long: `tracecheck opens trace sessions against a target process over its
diagnostic socket, decodes the event stream while a workload runs and checks
the number of events seen per provider against an expectations table.

The exit status reports the outcome: 0 pass, 1 count mismatch, 2 session
start/stop failure, 3 decode error, 4 timeout, 5 configuration error,
6 inspector rejection.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&listenAddress, "web.listen-address", "", "serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&reportPath, "report", "", "write the run results as YAML to this file ('-' for stdout)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.defaults.level")
}

// exitError carries a process exit status out of a command. A nil err means
// the outcome was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: 5, err: err} }

func setup(cmd *cobra.Command, args []string) error {
	if _, ok := cmd.Annotations[skipSetup]; ok {
		return nil
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return configError(err)
	}
	if cmd.Flags().Changed("web.listen-address") {
		cfg.Server.ListenAddress = listenAddress
		cfg.Server.Enabled = true
	}
	if logLevel != "" {
		cfg.Logging.Defaults.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return configError(fmt.Errorf("invalid configuration: %w", err))
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		return configError(fmt.Errorf("failed to configure logging: %w", err))
	}
	kind, _ := maps.ParseKind(cfg.Diagnostics.SessionMap)
	if err := maps.SetDefault(kind); err != nil {
		return configError(err)
	}

	appConfig = cfg
	return nil
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		err = ee.err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	}
	return code
}

func main() {
	os.Exit(execute())
}
