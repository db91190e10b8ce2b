package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions describes a log file destination.
type FileOptions struct {
	Path string
	// Rotate starts a new file once the current one reaches MaxSizeMB.
	Rotate    bool
	MaxSizeMB int
}

// Open returns a writer appending to opts.Path, creating parent directories
// as needed. The caller closes it on shutdown.
func Open(opts FileOptions) (io.WriteCloser, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if opts.Rotate {
		return &lumberjack.Logger{
			Filename:  opts.Path,
			MaxSize:   opts.MaxSizeMB,
			LocalTime: true,
		}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
