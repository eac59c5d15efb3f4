package rllog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLogService appends one line per event to a file, matching the
// teacher's LocalDiscLogService shape. It never writes to stdout/stderr,
// which is what makes it safe to use from inside an intercepted libc call.
type FileLogService struct {
	component     string
	mu            sync.Mutex
	logger        *log.Logger
	closer        *os.File
	minLevel      int
	filterEnabled bool
}

// NewFileLogService opens (creating if necessary) the log file at path and
// appends to it. minLogLevel, if non-empty, sets the filter floor.
func NewFileLogService(path string, component string, minLogLevel string) (*FileLogService, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("rllog: create log dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("rllog: open log file: %w", err)
	}

	ls := &FileLogService{
		component:     component,
		logger:        log.New(file, "", 0),
		closer:        file,
		filterEnabled: true,
		minLevel:      DebugLevelValue,
	}

	if minLogLevel != "" {
		ls.SetMinLogLevel(minLogLevel)
	}

	return ls, nil
}

func (ls *FileLogService) SetMinLogLevel(level string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.minLevel = LevelValue(strings.ToUpper(strings.TrimSpace(level)))
	ls.filterEnabled = true
}

func (ls *FileLogService) shouldLog(level string) bool {
	if !ls.filterEnabled {
		return true
	}
	return LevelValue(level) >= ls.minLevel
}

func formatLog(level string, event LogEvent) string {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	meta := ""
	for k, v := range event.Metadata {
		meta += fmt.Sprintf("%s=%v ", k, v)
	}

	return fmt.Sprintf("%s [%s] %s: %s %s", ts.Format(time.RFC3339), event.Component, level, event.Message, meta)
}

func (ls *FileLogService) log(level string, event LogEvent) {
	if !ls.shouldLog(level) {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	event.Component = ls.component
	ls.logger.Print(formatLog(level, event))
}

func (ls *FileLogService) Debug(event LogEvent) { ls.log(DebugLevel, event) }
func (ls *FileLogService) Info(event LogEvent)  { ls.log(InfoLevel, event) }
func (ls *FileLogService) Warn(event LogEvent)  { ls.log(WarnLevel, event) }
func (ls *FileLogService) Error(event LogEvent) { ls.log(ErrorLevel, event) }

// Close releases the underlying log file. Best effort: callers on the
// Interceptor's exit path ignore the error.
func (ls *FileLogService) Close() error {
	return ls.closer.Close()
}

var _ LogService = (*FileLogService)(nil)
