package main

import (
	"fmt"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"tracecheck/internal/controller"
	"tracecheck/internal/diagserver"
	"tracecheck/internal/harness"
	"tracecheck/internal/metrics"
	"tracecheck/internal/scenario"
)

var (
	runBufferSizes []uint
	runEvents      int
	runWriters     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the buffer-size validation against this process",
	Long: `Host a diagnostic endpoint in this process, then for each configured
circular buffer size open a session, write a burst of events and check that
the expected number arrived. Stops at the first failing buffer size.`,
	Args: cobra.NoArgs,
	RunE: runScenario,
}

func init() {
	runCmd.Flags().UintSliceVar(&runBufferSizes, "buffer-sizes", nil, "circular buffer sizes in MB (overrides scenario.buffer_sizes_mb)")
	runCmd.Flags().IntVar(&runEvents, "events", 0, "events per buffer size (overrides scenario.event_count)")
	runCmd.Flags().IntVar(&runWriters, "writers", 0, "goroutines writing events (overrides scenario.writers)")
	rootCmd.AddCommand(runCmd)
}

func runScenario(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b := scenario.FromConfig(appConfig.Scenario)
	if len(runBufferSizes) > 0 {
		b.BufferSizesMB = make([]uint32, len(runBufferSizes))
		for i, mb := range runBufferSizes {
			b.BufferSizesMB[i] = uint32(mb)
		}
	}
	if runEvents > 0 {
		b.EventCount = runEvents
	}
	if runWriters > 0 {
		b.Writers = runWriters
	}

	srv, err := diagserver.Start(ctx, diagserver.Options{Dir: appConfig.Diagnostics.SocketDir})
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer srv.Close()

	live := harness.NewLive()
	stopTelemetry, err := startTelemetry(metrics.NewRunCollector(live), metrics.NewSessionCollector(srv))
	if err != nil {
		return err
	}
	defer stopTelemetry()

	ctl := controller.New(controller.Options{
		SocketDir:   appConfig.Diagnostics.SocketDir,
		DialTimeout: appConfig.Diagnostics.DialTimeout.Std(),
	})
	runner := harness.NewRunner(ctl, srv.PID(),
		harness.WithJoinTimeout(appConfig.Diagnostics.JoinTimeout.Std()),
		harness.WithLive(live))

	log.Info().
		Str("provider", b.Provider).
		Int("events", b.EventCount).
		Str("buffer_sizes_mb", fmt.Sprint(b.BufferSizesMB)).
		Msg("Starting buffer-size validation")

	results, err := b.Run(ctx, srv, runner)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, res := range results {
		label := fmt.Sprintf("%s @ %d MB", b.Provider, res.Config.CircularBufferMB())
		if err := printResult(out, label, res); err != nil {
			return err
		}
	}
	return outcome(results)
}
