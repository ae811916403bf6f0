package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

// Level represents a logging severity.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace, nil
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// LevelForDebug maps the numeric debug verbosity used on the command line
// (0, 1, 2) to a Level. Level 2 enables per-packet trace output.
func LevelForDebug(debug int) Level {
	switch {
	case debug <= 0:
		return Info
	case debug == 1:
		return Debug
	default:
		return Trace
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
	Pretty
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	case Pretty:
		return "pretty"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	case "pretty", "pterm":
		return Pretty, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

// Default returns the process-wide logger.
func Default() Logger {
	if defaultLogger == nil {
		defaultLogger = New(Info, Text, io.Discard)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

var defaultLogger Logger

// OrDefault returns l, or the process-wide logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

type baseLogger struct {
	level      Level
	format     Format
	fields     []Field
	underlying *log.Logger
	pretty     *pterm.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	l := &baseLogger{
		level:      level,
		format:     format,
		underlying: log.New(out, "", log.LstdFlags),
	}
	if format == Pretty {
		pl := pterm.DefaultLogger
		pl.Writer = out
		pl.Level = pterm.LogLevelTrace
		pl.ShowTime = true
		pl.TimeFormat = "02 Jan 15:04:05"
		pl.MaxWidth = 1000
		l.pretty = &pl
	}
	return l
}

func (l *baseLogger) With(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &baseLogger{
		level:      l.level,
		format:     l.format,
		fields:     combined,
		underlying: l.underlying,
		pretty:     l.pretty,
	}
}

func (l *baseLogger) Enabled(level Level) bool { return level >= l.level }

func (l *baseLogger) Trace(msg string, fields ...Field) { l.log(Trace, msg, fields...) }
func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(Error, msg, fields...) }

func (l *baseLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	allFields := append(append([]Field{}, l.fields...), fields...)
	switch l.format {
	case JSON:
		l.logJSON(level, msg, allFields)
	case Pretty:
		l.logPretty(level, msg, allFields)
	default:
		l.logText(level, msg, allFields)
	}
}

func (l *baseLogger) logText(level Level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.underlying.Printf("[%s] %s", level.String(), msg)
		return
	}
	var b strings.Builder
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", f.Key, f.Value)
	}
	l.underlying.Printf("[%s] %s %s", level.String(), msg, b.String())
}

func (l *baseLogger) logJSON(level Level, msg string, fields []Field) {
	payload := map[string]any{
		"time":  time.Now().Format(time.RFC3339Nano),
		"level": level.String(),
		"msg":   msg,
	}
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		payload[f.Key] = f.Value
	}
	data, err := json.Marshal(payload)
	if err != nil {
		l.underlying.Printf("[ERROR] marshal log payload failed: %v", err)
		return
	}
	l.underlying.Print(string(data))
}

func (l *baseLogger) logPretty(level Level, msg string, fields []Field) {
	args := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		args = append(args, f.Key, f.Value)
	}
	pl := l.pretty
	switch level {
	case Trace:
		pl.Trace(msg, pl.Args(args...))
	case Debug:
		pl.Debug(msg, pl.Args(args...))
	case Info:
		pl.Info(msg, pl.Args(args...))
	case Warn:
		pl.Warn(msg, pl.Args(args...))
	default:
		pl.Error(msg, pl.Args(args...))
	}
}
