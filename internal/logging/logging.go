// Package logging builds the structured loggers of the server and client
// binaries: slog fanned out to console or file, Graylog and OTel, plus a
// zerolog console logger for dispatcher diagnostics.
package logging

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

// LogFilePath builds <logsDir>/<name>.<start>.log.
func LogFilePath(logsDir, name string, start time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", name, start.Format("20060102_150405")),
	)
}

// NewGelfWriter opens a UDP GELF writer to a Graylog input. facility tags
// every message with the process role.
func NewGelfWriter(addr, facility string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("graylog %s: %w", addr, err)
	}
	w.Facility = facility
	return w, nil
}
