package rllog

// NullLogService discards every event. Used by the Interceptor when
// REMOTELINK_DEBUG_LOG is unset, so a target binary that never asked for
// diagnostics pays no per-call formatting cost.
type NullLogService struct{}

func (NullLogService) Debug(LogEvent) {}
func (NullLogService) Info(LogEvent)  {}
func (NullLogService) Warn(LogEvent)  {}
func (NullLogService) Error(LogEvent) {}

var _ LogService = NullLogService{}
