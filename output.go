package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"tracecheck/internal/harness"
	"tracecheck/internal/metrics"
)

var (
	passBanner = color.New(color.FgGreen, color.Bold)
	failBanner = color.New(color.FgRed, color.Bold)
)

// printResult writes a one-line banner and, for failures, the full report.
func printResult(w io.Writer, label string, res *harness.RunResult) error {
	if res.Passed {
		passBanner.Fprint(w, "PASS")
		fmt.Fprintf(w, " %s (%d events, %d lost)\n", label, res.Summary.Events, res.LostEvents)
		return nil
	}
	failBanner.Fprint(w, "FAIL")
	fmt.Fprintf(w, " %s: %s\n\n", label, res.Kind)
	return res.WriteReport(w)
}

// outcome turns the results of a command into its exit error: the first
// failure decides the status.
func outcome(results []*harness.RunResult) error {
	if err := writeReports(reportPath, results); err != nil {
		log.Error().Err(err).Str("path", reportPath).Msg("Failed to write report")
	}
	for _, res := range results {
		if !res.Passed {
			return &exitError{code: res.ExitCode()}
		}
	}
	return nil
}

func writeReports(path string, results []*harness.RunResult) error {
	if path == "" {
		return nil
	}
	reports := make([]harness.Report, len(results))
	for i, res := range results {
		reports[i] = res.Report()
	}

	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// startTelemetry serves the given collectors when the metrics server is
// enabled. The returned function shuts it down.
func startTelemetry(cs ...prometheus.Collector) (func(), error) {
	if !appConfig.Server.Enabled {
		return func() {}, nil
	}
	reg, err := metrics.NewRegistry(cs...)
	if err != nil {
		return nil, err
	}
	srv, err := metrics.Listen(appConfig.Server.ListenAddress, appConfig.Server.MetricsPath, reg, version)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Error shutting down metrics server")
		}
	}, nil
}
