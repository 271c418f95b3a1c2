// Package logging provides zerolog setup and size-based log rotation for
// the autoheal daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
)

// Setup builds the root logger from config. When a log file is configured the
// logger writes to both stdout and a rotating file.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer
	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, rw)
		closer = rw
	}

	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// RotatingWriter is an io.Writer that automatically rotates log files when
// they exceed a configured size limit. It keeps a specified number of old
// log files as backups.
type RotatingWriter struct {
	path       string
	maxSizeMB  int
	maxBackups int
	file       *os.File
	size       int64
	mu         sync.Mutex
}

// NewRotatingWriter creates a log writer that rotates at maxSizeMB.
// It keeps up to maxBackups old files (e.g., autoheal.log.1, autoheal.log.2).
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 50
	}
	if maxBackups < 1 {
		maxBackups = 5
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}

	return rw, nil
}

// Write implements io.Writer.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > int64(rw.maxSizeMB)*1024*1024 {
		if err := rw.rotate(); err != nil {
			// If rotation fails, keep writing to the current file.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Close()
	}
	return nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close()
	}

	// Shift existing backups: .3 → .4, .2 → .3, .1 → .2, current → .1
	for i := rw.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", rw.path, i)
		dst := fmt.Sprintf("%s.%d", rw.path, i+1)
		os.Rename(src, dst)
	}

	if err := os.Rename(rw.path, rw.path+".1"); err != nil && !os.IsNotExist(err) {
		// If rename fails, truncate instead.
		return rw.openFile()
	}

	oldest := fmt.Sprintf("%s.%d", rw.path, rw.maxBackups+1)
	os.Remove(oldest)

	return rw.openFile()
}
