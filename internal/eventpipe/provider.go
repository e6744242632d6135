package eventpipe

import (
	"fmt"
	"strconv"
	"strings"
)

// EventLevel is the verbosity of an event. Higher levels include lower ones.
type EventLevel uint32

const (
	LevelLogAlways EventLevel = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

// AllKeywords enables every keyword of a provider.
const AllKeywords uint64 = 0xFFFFFFFFFFFFFFFF

var levelNames = map[EventLevel]string{
	LevelLogAlways:     "LogAlways",
	LevelCritical:      "Critical",
	LevelError:         "Error",
	LevelWarning:       "Warning",
	LevelInformational: "Informational",
	LevelVerbose:       "Verbose",
}

func (l EventLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Level(" + strconv.FormatUint(uint64(l), 10) + ")"
}

// ParseLevel accepts a level name (case-insensitive) or its numeric value.
func ParseLevel(s string) (EventLevel, error) {
	for lvl, name := range levelNames {
		if strings.EqualFold(s, name) {
			return lvl, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || EventLevel(n) > LevelVerbose {
		return 0, fmt.Errorf("invalid event level %q", s)
	}
	return EventLevel(n), nil
}

// Provider is a filter enabling one event source in a session.
type Provider struct {
	Name     string     `toml:"name" yaml:"name"`
	Keywords uint64     `toml:"keywords" yaml:"keywords"`
	Level    EventLevel `toml:"level" yaml:"level"`
}

// NewProvider returns a provider filter with every keyword enabled at Verbose level.
func NewProvider(name string) Provider {
	return Provider{Name: name, Keywords: AllKeywords, Level: LevelVerbose}
}

// Enables reports whether an event written at level with keywords passes this filter.
// Events without keywords pass any keyword mask, and LogAlways disables level filtering.
func (p Provider) Enables(level EventLevel, keywords uint64) bool {
	if p.Level != LevelLogAlways && level > p.Level {
		return false
	}
	return keywords == 0 || p.Keywords&keywords != 0
}

func (p Provider) String() string {
	return fmt.Sprintf("%s:0x%016X:%s", p.Name, p.Keywords, p.Level)
}

// ParseProvider parses the "Name[:Keywords[:Level]]" syntax, for example
// "Microsoft-Windows-DotNETRuntime:FFFFFFFFFFFFFFBF:Informational".
// Keywords are hexadecimal with an optional 0x prefix.
func ParseProvider(spec string) (Provider, error) {
	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return Provider{}, &ConfigError{Field: "providers", Reason: fmt.Sprintf("too many fields in %q", spec)}
	}

	p := NewProvider(strings.TrimSpace(parts[0]))
	if p.Name == "" {
		return Provider{}, &ConfigError{Field: "providers", Reason: fmt.Sprintf("missing provider name in %q", spec)}
	}

	if len(parts) > 1 && parts[1] != "" {
		kw := strings.TrimPrefix(strings.TrimPrefix(parts[1], "0x"), "0X")
		keywords, err := strconv.ParseUint(kw, 16, 64)
		if err != nil {
			return Provider{}, &ConfigError{Field: "providers", Reason: fmt.Sprintf("invalid keywords %q", parts[1])}
		}
		p.Keywords = keywords
	}

	if len(parts) > 2 && parts[2] != "" {
		level, err := ParseLevel(parts[2])
		if err != nil {
			return Provider{}, &ConfigError{Field: "providers", Reason: err.Error()}
		}
		p.Level = level
	}

	return p, nil
}
