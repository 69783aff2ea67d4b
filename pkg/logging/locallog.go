package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLogPath is used when a LocalLogConfig names no file.
const DefaultLogPath = "/var/log/dhcp6d/dhcp6d.log"

// LocalLogWriter appends log lines to a local file, rotating it by size.
type LocalLogWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	MinSeverity int // same meaning as SyslogClient.MinSeverity
}

// LocalLogConfig configures a LocalLogWriter.
type LocalLogConfig struct {
	Path     string // log file path (default: DefaultLogPath)
	MaxSize  int64  // max file size in bytes (default: 10MB)
	MaxFiles int    // number of rotated files to keep (default: 5)
}

// NewLocalLogWriter creates a local file log writer.
func NewLocalLogWriter(cfg LocalLogConfig) (*LocalLogWriter, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultLogPath
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	lw := &LocalLogWriter{
		file:        f,
		path:        path,
		maxSize:     maxSize,
		maxFiles:    maxFiles,
		MinSeverity: -1,
	}
	if info, err := f.Stat(); err == nil {
		lw.written = info.Size()
	}
	return lw, nil
}

// Send appends one line. Reaching the size limit rotates the file.
func (lw *LocalLogWriter) Send(severity int, msg string) error {
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	line := fmt.Sprintf("%s [%s] %s\n", ts, severityTag(severity), msg)

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.file == nil {
		return errors.New("log file closed")
	}
	n, err := lw.file.WriteString(line)
	if err != nil {
		return err
	}
	lw.written += int64(n)
	if lw.written >= lw.maxSize {
		lw.rotate()
	}
	return nil
}

// ShouldSend returns true if the severity passes the filter.
func (lw *LocalLogWriter) ShouldSend(severity int) bool {
	return passes(lw.MinSeverity, severity)
}

// Close closes the log file. Closing twice is a no-op.
func (lw *LocalLogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.file == nil {
		return nil
	}
	err := lw.file.Close()
	lw.file = nil
	return err
}

// rotate shifts path.N to path.N+1 and starts a fresh file. Called with mu
// held.
func (lw *LocalLogWriter) rotate() {
	lw.file.Close()
	lw.file = nil

	os.Remove(fmt.Sprintf("%s.%d", lw.path, lw.maxFiles))
	for i := lw.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", lw.path, i), fmt.Sprintf("%s.%d", lw.path, i+1))
	}
	os.Rename(lw.path, lw.path+".1")

	f, err := os.OpenFile(lw.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to reopen rotated log file", "path", lw.path, "err", err)
		return
	}
	lw.file = f
	lw.written = 0
}

func severityTag(severity int) string {
	switch severity {
	case SyslogEmergency:
		return "EMERG"
	case SyslogAlert:
		return "ALERT"
	case SyslogCritical:
		return "CRIT"
	case SyslogError:
		return "ERROR"
	case SyslogWarning:
		return "WARNING"
	case SyslogNotice:
		return "NOTICE"
	case SyslogDebug:
		return "DEBUG"
	}
	return "INFO"
}
