// Structured logging for the ACE host
//
// Each component gets a prefixed logger ("ace[0]", "transport[1]",
// "manager", "runout", "endless"). Output is text or JSON, with
// optional caller info and ANSI colors on terminals.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a level name, falling back to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	}
	return INFO
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is shared by a logger and every child derived from it, so a
// single SetWriter or SetLevel reconfigures a whole component tree.
type sink struct {
	mu       sync.Mutex
	w        io.Writer
	level    LogLevel
	format   OutputFormat
	colorize bool
	caller   bool
	timeFmt  string
}

// Logger writes prefixed, levelled log lines
type Logger struct {
	prefix string
	fields Fields
	out    *sink
}

// Entry is a pending log line carrying extra fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	colors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
)

const colorReset = "\x1b[0m"

// New creates a root logger writing to stderr at INFO
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		out: &sink{
			w:       os.Stderr,
			level:   INFO,
			timeFmt: "2006-01-02 15:04:05.000",
		},
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	l.out.level = level
	l.out.mu.Unlock()
}

func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	l.out.colorize = enable
	l.out.mu.Unlock()
}

func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	l.out.format = format
	l.out.mu.Unlock()
}

// SetCaller toggles file:line annotations
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	l.out.caller = enable
	l.out.mu.Unlock()
}

// Prefix returns the component name of this logger
func (l *Logger) Prefix() string { return l.prefix }

// WithPrefix derives a logger sharing this logger's output settings
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, fields: l.fields, out: l.out}
}

// ForUnit derives a logger named "<component>[<index>]"
func (l *Logger) ForUnit(component string, index int) *Logger {
	return l.WithPrefix(fmt.Sprintf("%s[%d]", component, index))
}

// With derives a logger that attaches fields to every line
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{prefix: l.prefix, fields: merged, out: l.out}
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

func (l *Logger) WithFields(fields Fields) *Entry {
	e := &Entry{logger: l, fields: make(Fields, len(fields))}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args, nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, msg, args, nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, msg, args, nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// Errorf logs at ERROR and returns the formatted message as an error
func (l *Logger) Errorf(msg string, args ...interface{}) error {
	err := fmt.Errorf(msg, args...)
	l.emit(ERROR, "%s", []interface{}{err.Error()}, nil)
	return err
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, nil, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, nil, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, nil, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, nil, e.fields) }

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, format, args, e.fields)
}
func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, format, args, e.fields)
}
func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, format, args, e.fields)
}
func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, format, args, e.fields)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// callerDepth skips emit and the exported Logger or Entry method.
const callerDepth = 2

func (l *Logger) emit(level LogLevel, msg string, args []interface{}, extra Fields) {
	s := l.out
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	fields := l.fields
	if len(extra) > 0 {
		fields = make(Fields, len(l.fields)+len(extra))
		for k, v := range l.fields {
			fields[k] = v
		}
		for k, v := range extra {
			fields[k] = v
		}
	}
	caller := ""
	if s.caller {
		if _, file, line, ok := runtime.Caller(callerDepth); ok {
			caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	var line string
	if s.format == FormatJSON {
		line = l.jsonLine(level, msg, caller, fields)
	} else {
		line = l.textLine(level, msg, caller, fields)
	}
	io.WriteString(s.w, line)
}

func (l *Logger) textLine(level LogLevel, msg, caller string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(l.out.timeFmt))
	fmt.Fprintf(&sb, " [%-5s] ", level)
	if l.out.colorize {
		sb.WriteString(colors[level])
		sb.WriteString(l.prefix)
		sb.WriteString(colorReset)
	} else {
		sb.WriteString(l.prefix)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if caller != "" {
		sb.WriteString(" (" + caller + ")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

// JSONLogEntry is one line of FormatJSON output
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) jsonLine(level LogLevel, msg, caller string, fields Fields) string {
	data, err := json.Marshal(JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    caller,
		Fields:    fields,
	})
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"unencodable log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// SetDefaultLogger replaces the root logger used by GetLogger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns a component logger derived from the root logger
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("ace")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// ConfigureFromEnv applies environment overrides:
//   - ACE_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - ACE_LOG_FORMAT: text, json
//   - ACE_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: disables ANSI colors
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("ACE_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	if v := os.Getenv("ACE_LOG_FORMAT"); v != "" {
		l.SetFormat(ParseFormat(v))
	}
	l.SetCaller(os.Getenv("ACE_LOG_CALLER") != "")
	l.SetColorize(os.Getenv("NO_COLOR") == "" && isTerminal(os.Stderr))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
