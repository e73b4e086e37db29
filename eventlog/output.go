package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/stagectl"
)

// LogEntry is one line written by an output target.
type LogEntry struct {
	Timestamp            time.Time      `json:"timestamp"`
	Level                string         `json:"level"`
	Kind                 string         `json:"kind"`
	Source               string         `json:"source"`
	Message              string         `json:"message"`
	StageID              string         `json:"stageId,omitempty"`
	ModuleID             string         `json:"moduleId,omitempty"`
	SubstituteModuleID   string         `json:"substituteModuleId,omitempty"`
	ConfigurationVersion int64          `json:"configurationVersion,omitempty"`
	Outcome              string         `json:"outcome,omitempty"`
	Error                string         `json:"error,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

func newLogEntry(e stagectl.Event) *LogEntry {
	return &LogEntry{
		Timestamp:            e.Timestamp,
		Level:                string(e.Level),
		Kind:                 string(e.Kind),
		Source:               e.Source,
		Message:              e.Message,
		StageID:              e.StageID,
		ModuleID:             e.ModuleID,
		SubstituteModuleID:   e.SubstituteModuleID,
		ConfigurationVersion: e.ConfigurationVersion,
		Outcome:              e.Outcome,
		Error:                e.Error,
		Data:                 e.Data,
	}
}

// OutputTarget defines the interface for event log output targets.
type OutputTarget interface {
	// Start initializes the output target
	Start(ctx context.Context) error

	// Stop shuts down the output target
	Stop(ctx context.Context) error

	// WriteEvent writes a log entry to the output target
	WriteEvent(entry *LogEntry) error

	// Flush ensures all buffered entries are written
	Flush() error
}

// NewOutputTarget creates a new output target based on configuration.
func NewOutputTarget(config OutputTargetConfig, logger stagectl.Logger) (OutputTarget, error) {
	logger = stagectl.LoggerOrNop(logger)
	switch config.Type {
	case "", "console":
		return NewConsoleTarget(config, logger, os.Stdout), nil
	case "file":
		return NewFileTarget(config, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutputTargetType, config.Type)
	}
}

// ConsoleTarget writes entries to a terminal-like writer.
type ConsoleTarget struct {
	config OutputTargetConfig
	logger stagectl.Logger

	mu     sync.Mutex
	writer io.Writer
}

// NewConsoleTarget creates a console target writing to w.
func NewConsoleTarget(config OutputTargetConfig, logger stagectl.Logger, w io.Writer) *ConsoleTarget {
	return &ConsoleTarget{config: config, logger: stagectl.LoggerOrNop(logger), writer: w}
}

func (c *ConsoleTarget) Start(ctx context.Context) error {
	c.logger.Debug("Console output target started")
	return nil
}

func (c *ConsoleTarget) Stop(ctx context.Context) error {
	c.logger.Debug("Console output target stopped")
	return nil
}

// WriteEvent writes a log entry to the console.
func (c *ConsoleTarget) WriteEvent(entry *LogEntry) error {
	if !shouldLogLevel(entry.Level, c.config.Level) {
		return nil
	}

	f := formatter{
		timestamps: c.config.Console == nil || c.config.Console.Timestamps,
		color:      c.config.Console != nil && c.config.Console.UseColor,
		multiline:  true,
	}
	output, err := f.format(c.config.Format, "structured", entry)
	if err != nil {
		return fmt.Errorf("failed to format log entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.writer, output); err != nil {
		return fmt.Errorf("failed to write to console: %w", err)
	}
	return nil
}

func (c *ConsoleTarget) Flush() error { return nil }

// FileTarget appends entries to a file.
type FileTarget struct {
	config OutputTargetConfig
	logger stagectl.Logger

	mu   sync.Mutex
	file *os.File
}

// NewFileTarget creates a file target. The file is opened by Start.
func NewFileTarget(config OutputTargetConfig, logger stagectl.Logger) (*FileTarget, error) {
	if config.File == nil {
		return nil, ErrMissingFileConfig
	}
	if config.File.Path == "" {
		return nil, ErrMissingFilePath
	}
	return &FileTarget{config: config, logger: stagectl.LoggerOrNop(logger)}, nil
}

// Start opens the log file for appending, creating its directory if needed.
func (f *FileTarget) Start(ctx context.Context) error {
	path := f.config.File.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	f.mu.Lock()
	f.file = file
	f.mu.Unlock()
	f.logger.Debug("File output target started", "path", path)
	return nil
}

func (f *FileTarget) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.logger.Debug("File output target stopped")
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// WriteEvent writes a log entry to the file.
func (f *FileTarget) WriteEvent(entry *LogEntry) error {
	if !shouldLogLevel(entry.Level, f.config.Level) {
		return nil
	}
	output, err := formatter{timestamps: true}.format(f.config.Format, "json", entry)
	if err != nil {
		return fmt.Errorf("failed to format log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return ErrFileNotOpen
	}
	if _, err := fmt.Fprintln(f.file, output); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

func (f *FileTarget) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
	}
	return nil
}

type formatter struct {
	timestamps bool
	color      bool
	multiline  bool
}

func (f formatter) format(format, fallback string, entry *LogEntry) (string, error) {
	if format == "" {
		format = fallback
	}
	switch format {
	case "json":
		data, err := json.Marshal(entry)
		if err != nil {
			return "", fmt.Errorf("failed to marshal log entry to JSON: %w", err)
		}
		return string(data), nil
	case "text":
		return f.text(entry), nil
	default:
		return f.structured(entry), nil
	}
}

func (f formatter) level(level string) string {
	if f.color {
		return colorizeLevel(level)
	}
	return level
}

func (f formatter) text(entry *LogEntry) string {
	var b strings.Builder
	if f.timestamps {
		b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%s [%s] %s: %s", f.level(entry.Level), entry.Kind, entry.Source, entry.Message)
	for _, kv := range entry.fields() {
		fmt.Fprintf(&b, " %s=%v", kv.key, kv.value)
	}
	return b.String()
}

func (f formatter) structured(entry *LogEntry) string {
	var b strings.Builder
	ts := ""
	if f.timestamps {
		ts = "[" + entry.Timestamp.Format("2006-01-02 15:04:05") + "] "
	}
	if !f.multiline {
		fmt.Fprintf(&b, "%s%s %s | Source: %s | %s", ts, f.level(entry.Level), entry.Kind, entry.Source, entry.Message)
		for _, kv := range entry.fields() {
			fmt.Fprintf(&b, " | %s: %v", kv.key, kv.value)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "%s%s %s\n", ts, f.level(entry.Level), entry.Kind)
	fmt.Fprintf(&b, "  Source: %s\n", entry.Source)
	fmt.Fprintf(&b, "  Message: %s\n", entry.Message)
	for _, kv := range entry.fields() {
		fmt.Fprintf(&b, "  %s: %v\n", kv.key, kv.value)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

type field struct {
	key   string
	value any
}

// fields lists the populated identifiers followed by data keys in sorted order.
func (e *LogEntry) fields() []field {
	var out []field
	add := func(k, v string) {
		if v != "" {
			out = append(out, field{k, v})
		}
	}
	add("stage", e.StageID)
	add("module", e.ModuleID)
	add("substitute", e.SubstituteModuleID)
	if e.ConfigurationVersion != 0 {
		out = append(out, field{"version", e.ConfigurationVersion})
	}
	add("outcome", e.Outcome)
	add("error", e.Error)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, field{k, e.Data[k]})
	}
	return out
}

// colorizeLevel adds ANSI color codes to log levels.
func colorizeLevel(level string) string {
	switch level {
	case "DEBUG":
		return "\033[36mDEBUG\033[0m" // Cyan
	case "INFO":
		return "\033[32mINFO\033[0m" // Green
	case "WARN":
		return "\033[33mWARN\033[0m" // Yellow
	case "ERROR":
		return "\033[31mERROR\033[0m" // Red
	default:
		return level
	}
}

// shouldLogLevel checks if a log level should be included based on minimum level.
func shouldLogLevel(eventLevel, minLevel string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	eventLevelNum, ok1 := levels[eventLevel]
	minLevelNum, ok2 := levels[minLevel]

	if !ok1 || !ok2 {
		return true
	}

	return eventLevelNum >= minLevelNum
}
