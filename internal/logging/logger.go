// Package logging builds the server's two-sink zap logger: a human-readable
// console core writing to stderr (stdout is reserved for JSON-RPC frames) and
// a JSON-lines file core under <home>/.durandal-mcp/logs/ with size-based
// rotation. Each sink has its own atomic level so configure_logging can flip
// them independently at runtime.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
)

// ValidLevels are the level names accepted by configure_logging and the
// LOG_LEVEL family of environment variables.
var ValidLevels = []string{"error", "warn", "info", "debug"}

// Logger wraps a zap.Logger with the live level handles and the path of the
// JSON-lines file it writes, so tools can report and adjust both sinks.
type Logger struct {
	*zap.Logger

	consoleLevel zap.AtomicLevel
	fileLevel    zap.AtomicLevel
	sink         *rotatingSink
	errSink      *rotatingSink
	filePath     string
}

// Options configures New.
type Options struct {
	ConsoleLevel string // error|warn|info|debug
	FileLevel    string // error|warn|info|debug
	LogFile      string // Explicit file path; empty selects a dated file under Dir
	ErrorLogFile string // Optional separate file receiving error-level entries only
	Dir          string // Logs directory used when LogFile is empty
}

// ParseLevel maps a level name to its zapcore level. Unknown names return a
// validation error so callers can surface the bad value.
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "error":
		return zapcore.ErrorLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InvalidLevel, apperr.Validation("level",
			fmt.Sprintf("must be one of %v", ValidLevels), name)
	}
}

// New builds the two-core logger. A file-sink failure degrades to
// console-only logging rather than failing startup; log writes must never
// take the server down.
func New(opts Options) (*Logger, error) {
	consoleLvl, err := ParseLevel(defaultLevel(opts.ConsoleLevel))
	if err != nil {
		return nil, err
	}
	fileLvl, err := ParseLevel(defaultLevel(opts.FileLevel))
	if err != nil {
		return nil, err
	}

	l := &Logger{
		consoleLevel: zap.NewAtomicLevelAt(consoleLvl),
		fileLevel:    zap.NewAtomicLevelAt(fileLvl),
	}

	consoleEnc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), l.consoleLevel),
	}

	path := opts.LogFile
	if path == "" {
		path = filepath.Join(opts.Dir, fmt.Sprintf("durandal-%s.log", time.Now().Format("2006-01-02")))
	}
	if sink, sinkErr := newRotatingSink(path); sinkErr == nil {
		l.sink = sink
		l.filePath = path
		fileEnc := zapcore.NewJSONEncoder(fileEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, sink, l.fileLevel))
	}

	if opts.ErrorLogFile != "" {
		if sink, sinkErr := newRotatingSink(opts.ErrorLogFile); sinkErr == nil {
			l.errSink = sink
			errEnc := zapcore.NewJSONEncoder(fileEncoderConfig())
			cores = append(cores, zapcore.NewCore(errEnc, sink, zapcore.ErrorLevel))
		}
	}

	l.Logger = zap.New(zapcore.NewTee(cores...))
	return l, nil
}

// SetLevels updates the live sink levels. Empty strings leave the
// corresponding sink unchanged. At least one level must be provided.
func (l *Logger) SetLevels(console, file string) error {
	if console == "" && file == "" {
		return apperr.Validation("level", "at least one of console_level or file_level is required", nil)
	}
	if console != "" {
		lvl, err := ParseLevel(console)
		if err != nil {
			return err
		}
		l.consoleLevel.SetLevel(lvl)
	}
	if file != "" {
		lvl, err := ParseLevel(file)
		if err != nil {
			return err
		}
		l.fileLevel.SetLevel(lvl)
	}
	return nil
}

// Levels reports the current console and file level names.
func (l *Logger) Levels() (console, file string) {
	return l.consoleLevel.Level().String(), l.fileLevel.Level().String()
}

// FilePath returns the JSON-lines log file path, or empty when the file sink
// could not be opened.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes buffered entries and closes the file sinks.
func (l *Logger) Close() {
	_ = l.Sync()
	if l.sink != nil {
		l.sink.Close()
	}
	if l.errSink != nil {
		l.errSink.Close()
	}
}

func defaultLevel(name string) string {
	if name == "" {
		return "info"
	}
	return name
}

// fileEncoderConfig matches the on-disk contract: one JSON object per line
// with timestamp, level, and message fields plus structured context.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.LevelKey = "level"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}
