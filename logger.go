package main

// Training logger. Messages go to stderr for the console and are
// duplicated into training_logs.txt inside the run's log directory so a
// long run leaves a permanent record.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logFileName = "training_logs.txt"

// Logger writes timestamped messages to stderr and a log file.
type Logger struct {
	mu   sync.Mutex
	name string
	out  io.Writer
	file *os.File
}

// NewLogger creates a logger that appends to logDir/training_logs.txt.
func NewLogger(name, logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(logDir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Logger{name: name, out: os.Stderr, file: f}, nil
}

// Infof logs a formatted message.
func (l *Logger) Infof(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s: %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		l.name,
		fmt.Sprintf(format, args...))
	fmt.Fprint(l.out, line)
	if l.file != nil {
		fmt.Fprint(l.file, line)
	}
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
