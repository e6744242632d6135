package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"tracecheck/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	if colorEnabled("auto", &buf) {
		t.Error("auto color should be off for a buffer")
	}
	if !colorEnabled("always", &buf) {
		t.Error("always should force color")
	}
	if colorEnabled("never", os.Stderr) {
		t.Error("never should disable color")
	}
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	args := &log.FormatterArgs{
		Time:    "1017 10:00:00.000000",
		Level:   "info",
		Goid:    "7",
		Message: "session started",
	}
	if _, err := (GlogFormatter{}).Formatter(&buf, args); err != nil {
		t.Fatal(err)
	}
	want := "I1017 10:00:00.000000 7] session started\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestConfigureLoggingFileOutput(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() {
		Close()
		log.DefaultLogger = saved
	})

	path := filepath.Join(t.TempDir(), "logs", "test.log")
	cfg := config.DefaultConfig().Logging
	cfg.Outputs = []config.LogOutput{{
		Type:    "file",
		Enabled: true,
		File: &config.FileConfig{
			Filename:     path,
			MaxSize:      1,
			EnsureFolder: true,
		},
	}}
	if err := ConfigureLogging(cfg); err != nil {
		t.Fatal(err)
	}

	l := NewLoggerWithContext("harness")
	l.Info().Msg("hello")
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"harness"`) {
		t.Errorf("log line missing component: %s", data)
	}
}

func TestConfigureLoggingUnknownOutput(t *testing.T) {
	cfg := config.LoggingConfig{Outputs: []config.LogOutput{{Type: "eventlog", Enabled: true}}}
	if err := ConfigureLogging(cfg); err == nil {
		t.Error("expected error for unknown output type")
	}
}
