package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ComponentLogger provides structured logging for the battle-log pipeline
type ComponentLogger struct {
	logger zerolog.Logger
}

// New creates a component-specific logger. LOG_LEVEL picks the level and any
// ENVIRONMENT other than "production" gets the console writer.
func New(component, version string) *ComponentLogger {
	return NewWithWriter(os.Stderr, component, version, os.Getenv("LOG_LEVEL"), os.Getenv("ENVIRONMENT"))
}

// NewWithWriter is New with every input explicit.
func NewWithWriter(w io.Writer, component, version, level, environment string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if environment != "production" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRun returns a copy tagged with the run id.
func (cl *ComponentLogger) WithRun(runID string) *ComponentLogger {
	return &ComponentLogger{logger: cl.logger.With().Str("run_id", runID).Logger()}
}

// Logger exposes the underlying zerolog logger for packages that take one.
func (cl *ComponentLogger) Logger() zerolog.Logger { return cl.logger }

func (cl *ComponentLogger) Info() *zerolog.Event  { return cl.logger.Info() }
func (cl *ComponentLogger) Error() *zerolog.Event { return cl.logger.Error() }
func (cl *ComponentLogger) Warn() *zerolog.Event  { return cl.logger.Warn() }
func (cl *ComponentLogger) Debug() *zerolog.Event { return cl.logger.Debug() }

// LogFetch logs a completed battle-log download
func (cl *ComponentLogger) LogFetch(playerTag string, bytes int, duration time.Duration) {
	cl.Info().
		Str("operation", "fetch").
		Str("player_tag", playerTag).
		Int("bytes", bytes).
		Dur("duration", duration).
		Msg("Battle log fetched")
}

// LogSnapshotWritten logs a normalized snapshot landing on disk
func (cl *ComponentLogger) LogSnapshotWritten(path string, matches, rows int64) {
	cl.Info().
		Str("operation", "snapshot").
		Str("path", path).
		Int64("matches", matches).
		Int64("rows", rows).
		Msg("Snapshot stored")
}

// LogSchemaAudit logs how one snapshot's columns differ from the union
func (cl *ComponentLogger) LogSchemaAudit(snapshot string, absent []string, renames int) {
	event := cl.Debug()
	if len(absent) > 0 || renames > 0 {
		event = cl.Info()
	}
	event.
		Str("operation", "schema_audit").
		Str("snapshot", snapshot).
		Strs("absent_columns", absent).
		Int("suspected_renames", renames).
		Msg("Schema audit")
}

// LogConsolidation logs the outcome of a reduce run
func (cl *ComponentLogger) LogConsolidation(snapshots int, rowsIn, rowsOut int64, duration time.Duration) {
	cl.Info().
		Str("operation", "consolidate").
		Int("snapshots", snapshots).
		Int64("rows_in", rowsIn).
		Int64("rows_out", rowsOut).
		Dur("duration", duration).
		Msg("Canonical table rebuilt")
}

// LogPublish logs a mirror update
func (cl *ComponentLogger) LogPublish(target string, rows int64, err error) {
	if err != nil {
		cl.Error().Err(err).Str("target", target).Msg("Publish failed")
		return
	}
	cl.Info().Str("target", target).Int64("rows", rows).Msg("Canonical table published")
}
