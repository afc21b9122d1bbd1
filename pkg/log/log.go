package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-wide base logger every With* helper derives from.
var Logger zerolog.Logger

// Level names one of the four levels this module knows how to configure.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levelValues = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the package-wide Logger from cfg. Unrecognized levels fall
// back to InfoLevel rather than erroring, since Init runs before any other
// subsystem that could report the problem.
func Init(cfg Config) {
	level, ok := levelValues[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// with derives a child of Logger carrying a single string field, the shape
// every With* helper below needs.
func with(field, value string) zerolog.Logger {
	return Logger.With().Str(field, value).Logger()
}

// WithComponent tags a logger with the subsystem emitting it (e.g.
// "deviceset", "p2psync").
func WithComponent(component string) zerolog.Logger { return with("component", component) }

// WithPageID tags a logger with the page it concerns.
func WithPageID(pageID string) zerolog.Logger { return with("page_id", pageID) }

// WithCommitID tags a logger with the commit it concerns.
func WithCommitID(commitID string) zerolog.Logger { return with("commit_id", commitID) }

// WithDevice tags a logger with a device fingerprint.
func WithDevice(fingerprint string) zerolog.Logger { return with("device_fingerprint", fingerprint) }

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
