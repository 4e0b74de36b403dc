package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger provides leveled logging with verbose mode support. Debug
// messages are suppressed unless verbose mode is enabled; everything
// else goes to stderr unconditionally.
type Logger struct {
	verbose bool
	out     io.Writer
	mu      sync.RWMutex
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the process-wide logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{out: os.Stderr}
	})
	return loggerInstance
}

// NewLogger creates a logger writing to the given writer. Used by tests
// to capture output.
func NewLogger(out io.Writer, verbose bool) *Logger {
	return &Logger{out: out, verbose: verbose}
}

// SetVerboseMode sets the verbose mode on the process-wide logger.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.RLock()
	out := l.out
	l.mu.RUnlock()
	if out == nil {
		out = os.Stderr
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	fmt.Fprintf(out, "%s [%s] %s\n", time.Now().Format("15:04:05"), level, msg)
}

// Debug logs a debug message (only shown when verbose=true).
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.write("DEBUG", format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

// Debugf logs a debug message using the process-wide logger.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Infof logs an info message using the process-wide logger.
func Infof(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warnf logs a warning message using the process-wide logger.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Errorf logs an error message using the process-wide logger.
func Errorf(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// BackgroundLogger logs to a PID-specific file for the long-running
// `run` loop, degrading to io.Discard when the file cannot be opened.
type BackgroundLogger struct {
	logger   *log.Logger
	logFile  *os.File
	filePath string
}

// NewBackgroundLogger creates a background logger with a PID-specific
// log file under the system temp directory.
func NewBackgroundLogger() (*BackgroundLogger, error) {
	path := fmt.Sprintf("%s/tasksync-%d.log", os.TempDir(), os.Getpid())
	return NewBackgroundLoggerWithPath(path)
}

// NewBackgroundLoggerWithPath creates a background logger at a custom path.
func NewBackgroundLoggerWithPath(path string) (*BackgroundLogger, error) {
	bl := &BackgroundLogger{filePath: path}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		bl.logger = log.New(io.Discard, "", log.LstdFlags)
		return bl, err
	}

	bl.logFile = file
	bl.logger = log.New(file, "", log.LstdFlags)
	return bl, nil
}

// Printf logs a formatted message.
func (bl *BackgroundLogger) Printf(format string, args ...interface{}) {
	if bl.logger != nil {
		bl.logger.Printf(format, args...)
	}
}

// Path returns the log file path.
func (bl *BackgroundLogger) Path() string {
	return bl.filePath
}

// Close closes the log file; further writes are discarded.
func (bl *BackgroundLogger) Close() {
	if bl.logFile != nil {
		_ = bl.logFile.Close()
		bl.logFile = nil
	}
	bl.logger = log.New(io.Discard, "", log.LstdFlags)
}
