package eventpipe

import "fmt"

// ConfigError reports an invalid session configuration. It is raised before any I/O.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid session configuration: %s: %s", e.Field, e.Reason)
}
