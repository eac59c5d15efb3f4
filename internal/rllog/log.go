// Package rllog is the structured debug-log sink shared by every remotelink
// component. The Interceptor writes here instead of the target program's
// stdio (see the propagation rule in the file-access error design), and the
// file server and its tools use it for their own operational logging.
package rllog

import "time"

const (
	DebugLevel = "DEBUG"
	InfoLevel  = "INFO"
	WarnLevel  = "WARN"
	ErrorLevel = "ERROR"
)

const (
	DebugLevelValue = iota
	InfoLevelValue
	WarnLevelValue
	ErrorLevelValue
)

func LevelValue(level string) int {
	switch level {
	case DebugLevel:
		return DebugLevelValue
	case InfoLevel:
		return InfoLevelValue
	case WarnLevel:
		return WarnLevelValue
	case ErrorLevel:
		return ErrorLevelValue
	default:
		return InfoLevelValue
	}
}

// LogEvent is one structured record. Component identifies the emitting
// side ("remotelink-server" for the file server, "interceptor" inside a
// target process) rather than a cluster node id, since remotelink has no
// cluster.
type LogEvent struct {
	Timestamp time.Time
	Component string
	Message   string
	Metadata  map[string]any
}

type LogService interface {
	Debug(event LogEvent)
	Info(event LogEvent)
	Warn(event LogEvent)
	Error(event LogEvent)
}
