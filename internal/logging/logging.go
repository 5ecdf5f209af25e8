// Package logging sets up the application's structured logger and the
// per-component, retention-managed log files underneath it. The component
// split (system events vs per-subsystem operational logs) follows
// chadsten-simple-folder-backup's logger.go; the structured-field logger
// itself is rs/zerolog, the pattern used across the rest of the pack
// (cuemby-warren/pkg/log, kalbasit-ncps).
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogDateFormat names daily log files: "component_02-01-2006.log".
const LogDateFormat = "02-01-2006"

// Root is the process-wide logger. Init must run before any component logger
// is derived from it.
var Root zerolog.Logger

// Config controls the root logger's destination and verbosity.
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the global Root logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Root = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Root = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with the given component name,
// additionally writing to a daily-rotating file under logDir with the given
// retention in days (0 disables cleanup, matching the teacher's system.log
// which is cleared on startup instead of retained).
func WithComponent(component, logDir string, retentionDays int) (zerolog.Logger, error) {
	if logDir == "" {
		return Root.With().Str("component", component).Logger(), nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zerolog.Logger{}, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	if retentionDays > 0 {
		if err := cleanupOldLogs(logDir, retentionDays); err != nil {
			Root.Warn().Err(err).Str("component", component).Msg("log retention cleanup failed")
		}
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", component, time.Now().Format(LogDateFormat)))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	multi := zerolog.MultiLevelWriter(Root, f)
	return zerolog.New(multi).With().Timestamp().Str("component", component).Logger(), nil
}

var dateSuffix = regexp.MustCompile(`(\d{2}-\d{2}-\d{4})\.log$`)

// cleanupOldLogs removes ".log" files under dir whose embedded date is older
// than retentionDays, mirroring the teacher's cleanupOldLogs/
// extractDateFromLogName pair.
func cleanupOldLogs(dir string, retentionDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		m := dateSuffix.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		logDate, err := time.Parse(LogDateFormat, m[1])
		if err != nil || !logDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			Root.Warn().Err(err).Str("file", entry.Name()).Msg("failed to delete old log file")
		}
	}
	return nil
}
