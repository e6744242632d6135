package main

import (
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"tracecheck/internal/diagserver"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/metrics"
)

var (
	targetProvider string
	targetRate     int
	targetCount    int
	targetPayload  int
	targetLevel    string
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Host a diagnostic endpoint and emit events for collect to trace",
	Long: `Start a diagnostic server under this process id and write events from one
event source at a fixed rate. Use it as the --pid of tracecheck collect.
Runs until interrupted or until --count events were written.`,
	Args: cobra.NoArgs,
	RunE: runTarget,
}

func init() {
	targetCmd.Flags().StringVar(&targetProvider, "provider", "MyEventSource", "event source name")
	targetCmd.Flags().IntVar(&targetRate, "rate", 100, "events per second")
	targetCmd.Flags().IntVar(&targetCount, "count", 0, "stop after this many events; 0 runs until interrupted")
	targetCmd.Flags().IntVar(&targetPayload, "payload-size", 16, "payload bytes per event")
	targetCmd.Flags().StringVar(&targetLevel, "level", "informational", "event level")
	rootCmd.AddCommand(targetCmd)
}

func runTarget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if targetRate <= 0 || targetRate > 1_000_000 {
		return configError(&eventpipe.ConfigError{Field: "rate", Reason: "must be between 1 and 1000000"})
	}
	level, err := eventpipe.ParseLevel(targetLevel)
	if err != nil {
		return configError(err)
	}

	srv, err := diagserver.Start(ctx, diagserver.Options{Dir: appConfig.Diagnostics.SocketDir})
	if err != nil {
		return err
	}
	defer srv.Close()

	stopTelemetry, err := startTelemetry(metrics.NewSessionCollector(srv))
	if err != nil {
		return err
	}
	defer stopTelemetry()

	es := srv.NewEventSource(targetProvider)
	payload := make([]byte, targetPayload)

	log.Info().
		Int("pid", srv.PID()).
		Str("endpoint", srv.Endpoint()).
		Str("provider", targetProvider).
		Int("rate", targetRate).
		Msg("Target ready")

	ticker := time.NewTicker(time.Second / time.Duration(targetRate))
	defer ticker.Stop()

	var written, delivered int
	for targetCount == 0 || written < targetCount {
		select {
		case <-ctx.Done():
			log.Info().Int("written", written).Int("delivered", delivered).Msg("Target interrupted")
			return nil
		case <-ticker.C:
			delivered += es.WriteEventLevel(uint32(written%1024)+1, level, 0, payload)
			written++
		}
	}
	log.Info().Int("written", written).Int("delivered", delivered).Msg("Target finished")
	return nil
}
