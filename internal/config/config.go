package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tracecheck/internal/eventpipe"
	"tracecheck/internal/maps"
	"tracecheck/internal/validate"
)

// Configuration system:
// - config.example.toml is generated by `tracecheck config generate`
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Metrics endpoint
	Server ServerConfig `toml:"server"`

	// Diagnostic channel settings
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`

	// Session used by `collect`
	Session SessionConfig `toml:"session"`

	// Buffer-size scenario used by `run`
	Scenario ScenarioConfig `toml:"scenario"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Serve Prometheus metrics while running (default: false)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`
}

// DiagnosticsConfig contains settings for the diagnostic IPC channel.
type DiagnosticsConfig struct {
	// Directory holding tracecheck-diag-<pid>.sock endpoints (default: $TRACECHECK_DIAG_DIR or the temp dir)
	SocketDir string `toml:"socket_dir"`

	// Time allowed to connect and receive a reply (default: "5s")
	DialTimeout Duration `toml:"dial_timeout"`

	// Upper bound on waiting for the decoder after the session stops (default: "30s")
	JoinTimeout Duration `toml:"join_timeout"`

	// Concurrent map backing the server's session registry: xsync, sharded, cornelk, sync (default: "xsync")
	SessionMap string `toml:"session_map"`
}

// SessionConfig describes the trace session opened by `collect`.
type SessionConfig struct {
	// Target-side circular buffer in MB (default: 1000)
	CircularBufferMB uint32 `toml:"circular_buffer_mb"`

	// Stream format: "nettrace" or "netperf" (default: "nettrace")
	Format string `toml:"format"`

	// Providers as "Name[:Keywords[:Level]]" (default: the runtime provider)
	Providers []string `toml:"providers"`

	// Expected event counts checked after the session ends
	Expect []ExpectationConfig `toml:"expect"`
}

// ExpectationConfig is one row of the expectations table.
type ExpectationConfig struct {
	// Provider name
	Provider string `toml:"provider"`

	// Expected count, or -1 to only require presence
	Count int `toml:"count"`

	// Relative tolerance between 0 and 1
	Error float64 `toml:"error"`
}

// ScenarioConfig drives the buffer-size validation scenario.
type ScenarioConfig struct {
	// Event source emitted by the workload (default: "MyEventSource")
	Provider string `toml:"provider"`

	// Events written per configuration (default: 1000)
	EventCount int `toml:"event_count"`

	// Payload bytes per event (default: 16)
	PayloadSize int `toml:"payload_size"`

	// Relative tolerance on the observed count (default: 0.40)
	Tolerance float64 `toml:"tolerance"`

	// Circular buffer sizes to try, in MB (default: [1, 4])
	BufferSizesMB []uint32 `toml:"buffer_sizes_mb"`

	// Goroutines writing the workload's events (default: 1)
	Writers int `toml:"writers"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Colored output: "auto" colors only when the writer is a terminal, "always", "never" (default: "auto")
	Color string `toml:"color"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "tracecheck")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Enabled:       false,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Diagnostics: DiagnosticsConfig{
			SocketDir:   "",
			DialTimeout: Duration(5 * time.Second),
			JoinTimeout: Duration(30 * time.Second),
			SessionMap:  string(maps.KindXSync),
		},
		Session: SessionConfig{
			CircularBufferMB: 1000,
			Format:           "nettrace",
			Providers:        []string{},
			Expect:           []ExpectationConfig{},
		},
		Scenario: ScenarioConfig{
			Provider:      "MyEventSource",
			EventCount:    1000,
			PayloadSize:   16,
			Tolerance:     0.40,
			BufferSizesMB: []uint32{1, 4},
			Writers:       1,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						Color:       "auto",
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/tracecheck.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     false,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "tracecheck",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	md, err := toml.DecodeFile(configPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config file %s: %s", configPath, strings.Join(keys, ", "))
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# tracecheck example configuration
# Generated by "tracecheck config generate". Copy it and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if !strings.HasPrefix(c.Server.MetricsPath, "/") {
			return fmt.Errorf("server.metrics_path must start with '/'")
		}
	}

	if c.Diagnostics.DialTimeout <= 0 {
		return fmt.Errorf("diagnostics.dial_timeout must be positive")
	}
	if c.Diagnostics.JoinTimeout <= 0 {
		return fmt.Errorf("diagnostics.join_timeout must be positive")
	}
	if _, err := maps.ParseKind(c.Diagnostics.SessionMap); err != nil {
		return fmt.Errorf("diagnostics.session_map: %w", err)
	}

	if _, err := c.Session.Build(); err != nil {
		return err
	}
	for i, e := range c.Session.Expect {
		if err := e.validate(); err != nil {
			return fmt.Errorf("session.expect[%d]: %w", i, err)
		}
	}

	if err := c.Scenario.validate(); err != nil {
		return err
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Build turns the [session] section into a validated session configuration.
// With no providers configured the runtime provider is enabled.
func (s SessionConfig) Build() (*eventpipe.SessionConfig, error) {
	format, err := eventpipe.ParseFormat(s.Format)
	if err != nil {
		return nil, err
	}

	providers := make([]eventpipe.Provider, 0, len(s.Providers))
	for _, spec := range s.Providers {
		p, err := eventpipe.ParseProvider(spec)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		providers = append(providers, eventpipe.NewProvider(eventpipe.DefaultRuntimeProvider))
	}

	return eventpipe.NewSessionConfig(s.CircularBufferMB, format, providers...)
}

// Expectations converts the [[session.expect]] rows, keeping their order.
func (s SessionConfig) Expectations() validate.Expectations {
	var t validate.Expectations
	for _, e := range s.Expect {
		t = t.Expect(e.Provider, validate.ExpectedCount{Count: e.Count, Error: e.Error})
	}
	return t
}

func (e ExpectationConfig) validate() error {
	if e.Provider == "" {
		return fmt.Errorf("provider cannot be empty")
	}
	if e.Count < -1 {
		return fmt.Errorf("count must be -1 (presence only) or non-negative, got %d", e.Count)
	}
	if e.Error < 0 || e.Error > 1 {
		return fmt.Errorf("error must be between 0 and 1, got %g", e.Error)
	}
	return nil
}

func (s ScenarioConfig) validate() error {
	if s.Provider == "" {
		return fmt.Errorf("scenario.provider cannot be empty")
	}
	if s.EventCount <= 0 {
		return fmt.Errorf("scenario.event_count must be positive")
	}
	if s.PayloadSize < 0 {
		return fmt.Errorf("scenario.payload_size cannot be negative")
	}
	if s.Tolerance < 0 || s.Tolerance > 1 {
		return fmt.Errorf("scenario.tolerance must be between 0 and 1")
	}
	if len(s.BufferSizesMB) == 0 {
		return fmt.Errorf("scenario.buffer_sizes_mb cannot be empty")
	}
	for _, mb := range s.BufferSizesMB {
		if mb == 0 {
			return fmt.Errorf("scenario.buffer_sizes_mb entries must be positive")
		}
	}
	if s.Writers < 1 {
		return fmt.Errorf("scenario.writers must be at least 1")
	}
	return nil
}
