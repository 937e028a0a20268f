package main

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging sends the standard logger to stderr and to a rotated log file
// under dir. The returned func closes the file.
func setupLogging(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "migration.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 5,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return func() error {
		log.SetOutput(os.Stderr)
		return file.Close()
	}, nil
}
