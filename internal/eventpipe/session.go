// Package eventpipe describes what a trace session collects: the provider
// filters, the target-side circular buffer budget and the stream format.
package eventpipe

import (
	"fmt"
	"strings"
)

// SessionID identifies a trace session on the target. Zero is never a valid session.
type SessionID uint64

// Format is the serialization format the target uses for the trace stream.
type Format uint32

const (
	FormatNetPerf Format = iota
	FormatNetTrace
)

func (f Format) String() string {
	switch f {
	case FormatNetPerf:
		return "NetPerf"
	case FormatNetTrace:
		return "NetTrace"
	default:
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
}

// ParseFormat maps a format name from configuration to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "netperf":
		return FormatNetPerf, nil
	case "nettrace", "":
		return FormatNetTrace, nil
	default:
		return 0, &ConfigError{Field: "format", Reason: fmt.Sprintf("unknown format %q", s)}
	}
}

// DefaultRuntimeProvider is the provider enabled when nothing else is configured.
const DefaultRuntimeProvider = "Microsoft-Windows-DotNETRuntime"

// SessionConfig is an immutable description of a trace session.
type SessionConfig struct {
	providers []Provider
	bufferMB  uint32
	format    Format
}

// NewSessionConfig validates and builds a session configuration. Providers keep
// the order they were given in. Small buffer sizes are valid: they make the
// target drop events under load.
func NewSessionConfig(bufferMB uint32, format Format, providers ...Provider) (*SessionConfig, error) {
	if len(providers) == 0 {
		return nil, &ConfigError{Field: "providers", Reason: "at least one provider is required"}
	}
	for i, p := range providers {
		if strings.TrimSpace(p.Name) == "" {
			return nil, &ConfigError{Field: "providers", Reason: fmt.Sprintf("provider %d has an empty name", i)}
		}
	}
	if bufferMB == 0 {
		return nil, &ConfigError{Field: "circular_buffer_mb", Reason: "must be a positive number of megabytes"}
	}
	if format != FormatNetPerf && format != FormatNetTrace {
		return nil, &ConfigError{Field: "format", Reason: fmt.Sprintf("unknown format %d", uint32(format))}
	}

	cfg := &SessionConfig{
		providers: make([]Provider, len(providers)),
		bufferMB:  bufferMB,
		format:    format,
	}
	copy(cfg.providers, providers)
	return cfg, nil
}

// DefaultSessionConfig traces the runtime provider with a 1000 MB buffer.
func DefaultSessionConfig() *SessionConfig {
	cfg, _ := NewSessionConfig(1000, FormatNetTrace, NewProvider(DefaultRuntimeProvider))
	return cfg
}

// Providers returns a copy of the provider filters in configuration order.
func (c *SessionConfig) Providers() []Provider {
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// CircularBufferMB is the target-side buffer budget in megabytes.
func (c *SessionConfig) CircularBufferMB() uint32 { return c.bufferMB }

// CircularBufferBytes is the buffer budget in bytes.
func (c *SessionConfig) CircularBufferBytes() int64 { return int64(c.bufferMB) << 20 }

// Format is the requested stream serialization format.
func (c *SessionConfig) Format() Format { return c.format }

func (c *SessionConfig) String() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.String()
	}
	return fmt.Sprintf("bufferSize=%dMB format=%s providers=[%s]", c.bufferMB, c.format, strings.Join(names, ", "))
}
