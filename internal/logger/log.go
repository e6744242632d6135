// Package logger configures phuslu/log from the [logging] section and hands
// out per-component loggers.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"

	"tracecheck/internal/config"
)

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local", "":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter writes entries as "Lmmdd hh:mm:ss.uuuuuu goid caller] msg".
type GlogFormatter struct{}

func (GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer

	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32)
	} else {
		buf.WriteByte('?')
	}
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	if a.Caller != "" {
		buf.WriteByte(' ')
		buf.WriteString(a.Caller)
	}
	buf.WriteString("] ")
	buf.WriteString(a.Message)
	for _, kv := range a.KeyValues {
		buf.WriteByte(' ')
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
	}
	buf.WriteByte('\n')

	return w.Write(buf.Bytes())
}

// colorEnabled resolves the console color setting against the destination.
func colorEnabled(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// closers holds writers that own buffers or files. Console writers are
// left out so Close never closes stderr.
var closers []io.Closer

func async(w log.Writer, enabled bool) log.Writer {
	if !enabled {
		return w
	}
	aw := &log.AsyncWriter{ChannelSize: 4096, Writer: w}
	closers = append(closers, aw)
	return aw
}

func createConsoleWriter(cfg *config.ConsoleConfig) log.Writer {
	var out io.Writer = os.Stderr
	if cfg.Writer == "stdout" {
		out = os.Stdout
	}

	if cfg.FastIO {
		return async(&log.IOWriter{Writer: out}, cfg.Async)
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    colorEnabled(cfg.Color, out),
		QuoteString:    cfg.QuoteString,
		EndWithMessage: true,
		Writer:         out,
	}
	switch cfg.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	}
	return async(cw, cfg.Async)
}

func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, err
		}
	}

	fw := &log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024,
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		HostName:     cfg.HostName,
		ProcessID:    cfg.ProcessID,
		EnsureFolder: cfg.EnsureFolder,
	}
	if cfg.Async {
		// The async writer closes the file writer it wraps.
		return async(fw, true), nil
	}
	closers = append(closers, fw)
	return fw, nil
}

func createSyslogWriter(cfg *config.SyslogConfig) log.Writer {
	return async(&log.SyslogWriter{
		Network:  cfg.Network,
		Address:  cfg.Address,
		Hostname: cfg.Hostname,
		Tag:      cfg.Tag,
		Marker:   cfg.Marker,
	}, cfg.Async)
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput) (log.Writer, error) {
	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console), nil
	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)
	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog), nil
	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer
	for _, output := range outputs {
		if !output.Enabled {
			continue
		}
		w, err := createWriter(output)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	default:
		multi := log.MultiEntryWriter(writers)
		return &multi, nil
	}
}

// ConfigureLogging configures the global DefaultLogger with user configuration
func ConfigureLogging(cfg config.LoggingConfig) error {
	Close()
	writer, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       writer,
	}

	log.Debug().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")

	return nil
}

// Close flushes asynchronous writers and closes log files.
func Close() {
	for _, c := range closers {
		_ = c.Close()
	}
	closers = nil
}

// NewLoggerWithContext copies the global DefaultLogger and tags it with a
// component name. Call it after ConfigureLogging.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0,
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
