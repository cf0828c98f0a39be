// Package logging writes operator progress lines and a rotating structured
// log file.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the severity of a log entry.
type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

var levelRank = map[Level]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return INFO
}

// Entry is one structured log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink is shared by every Logger derived from the same root.
type sink struct {
	mu       sync.Mutex
	file     io.Writer
	closer   io.Closer
	progress io.Writer
	min      Level
	json     bool
}

// Logger is safe for concurrent use. A nil *Logger discards everything.
type Logger struct {
	sink      *sink
	component string
	runID     string
}

// Options configures New.
type Options struct {
	File     string    // rotating log file; "" disables the file
	Level    string    // DEBUG, INFO, WARN, ERROR
	JSON     bool      // JSON entries instead of text lines in the file
	Progress io.Writer // operator stream; nil = silent
}

// New creates a root logger.
func New(opts Options) *Logger {
	s := &sink{
		progress: opts.Progress,
		min:      ParseLevel(opts.Level),
		json:     opts.JSON,
	}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    15, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		s.file = lj
		s.closer = lj
	}
	return &Logger{sink: s}
}

// NewWriter creates a logger that writes entries to w. Used by tests and
// callers that manage their own file.
func NewWriter(w io.Writer, level string, jsonMode bool) *Logger {
	return &Logger{sink: &sink{file: w, min: ParseLevel(level), json: jsonMode}}
}

// With returns a logger tagged with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, component: component, runID: l.runID}
}

// WithRun returns a logger tagged with a run ID.
func (l *Logger) WithRun(runID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, component: l.component, runID: runID}
}

// SetProgress replaces the operator stream.
func (l *Logger) SetProgress(w io.Writer) {
	if l == nil {
		return
	}
	l.sink.mu.Lock()
	l.sink.progress = w
	l.sink.mu.Unlock()
}

// Close releases the log file.
func (l *Logger) Close() error {
	if l == nil || l.sink.closer == nil {
		return nil
	}
	return l.sink.closer.Close()
}

// Log writes a structured entry.
func (l *Logger) Log(level Level, message string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	s := l.sink
	if levelRank[level] < levelRank[s.min] {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.component,
		RunID:     l.runID,
		Message:   message,
		Fields:    fields,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if s.json {
			if data, err := json.Marshal(entry); err == nil {
				s.file.Write(append(data, '\n'))
			}
		} else {
			fmt.Fprintln(s.file, formatText(entry))
		}
	}
	if s.progress != nil && level != DEBUG {
		fmt.Fprintln(s.progress, formatProgress(entry))
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Log(WARN, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Log(ERROR, fmt.Sprintf(format, args...), nil)
}

// formatProgress renders the operator line: "  → [component] message".
func formatProgress(e Entry) string {
	var b strings.Builder
	b.WriteString("  → ")
	if e.Level == WARN || e.Level == ERROR {
		b.WriteString(string(e.Level))
		b.WriteString(" ")
	}
	if e.Component != "" {
		b.WriteString("[" + e.Component + "] ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func formatText(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", e.Timestamp, e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s]", e.Component)
	}
	if e.RunID != "" {
		fmt.Fprintf(&b, " run=%s", e.RunID)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}
