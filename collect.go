package main

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"tracecheck/internal/controller"
	"tracecheck/internal/harness"
	"tracecheck/internal/metrics"
)

var (
	collectPID       int
	collectDuration  time.Duration
	collectProviders []string
	collectBufferMB  uint32
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Trace another process and validate the events it emits",
	Long: `Open a trace session against the process given by --pid using the
[session] configuration, collect for --duration (or until interrupted), stop
the session and check the counts against [[session.expect]].`,
	Args: cobra.NoArgs,
	RunE: collect,
}

func init() {
	collectCmd.Flags().IntVarP(&collectPID, "pid", "p", 0, "target process id")
	collectCmd.Flags().DurationVarP(&collectDuration, "duration", "d", 10*time.Second, "how long to collect; 0 collects until interrupted")
	collectCmd.Flags().StringSliceVar(&collectProviders, "provider", nil, "provider as Name[:Keywords[:Level]] (overrides session.providers)")
	collectCmd.Flags().Uint32Var(&collectBufferMB, "buffer-mb", 0, "circular buffer size in MB (overrides session.circular_buffer_mb)")
	_ = collectCmd.MarkFlagRequired("pid")
	rootCmd.AddCommand(collectCmd)
}

func collect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sc := appConfig.Session
	if len(collectProviders) > 0 {
		sc.Providers = collectProviders
	}
	if collectBufferMB > 0 {
		sc.CircularBufferMB = collectBufferMB
	}
	cfg, err := sc.Build()
	if err != nil {
		return configError(err)
	}

	live := harness.NewLive()
	stopTelemetry, err := startTelemetry(metrics.NewRunCollector(live))
	if err != nil {
		return err
	}
	defer stopTelemetry()

	ctl := controller.New(controller.Options{
		SocketDir:   appConfig.Diagnostics.SocketDir,
		DialTimeout: appConfig.Diagnostics.DialTimeout.Std(),
	})
	runner := harness.NewRunner(ctl, collectPID,
		harness.WithJoinTimeout(appConfig.Diagnostics.JoinTimeout.Std()),
		harness.WithLive(live))

	log.Info().
		Int("pid", collectPID).
		Str("process", controller.ProcessName(ctx, collectPID)).
		Str("session", cfg.String()).
		Dur("duration", collectDuration).
		Msg("Collecting trace")

	res := runner.Run(ctx, cfg, waitFor(ctx, collectDuration), sc.Expectations(), nil)

	label := fmt.Sprintf("pid %d", collectPID)
	if err := printResult(cmd.OutOrStdout(), label, res); err != nil {
		return err
	}
	return outcome([]*harness.RunResult{res})
}

// waitFor is a workload that only lets time pass. d == 0 waits for ctx.
func waitFor(ctx context.Context, d time.Duration) func() {
	return func() {
		if d <= 0 {
			<-ctx.Done()
			return
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
}
