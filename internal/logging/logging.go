package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// Logger is the minimal printf-style logging contract used across the
// executor, tools and gateway.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	rootInstance *rootLogger
	rootOnce     sync.Once
)

// rootLogger writes to geister-debug.log and stdout.
type rootLogger struct {
	file   *os.File
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

func getRoot() *rootLogger {
	rootOnce.Do(func() {
		rootInstance = newRoot(LevelDebug)
	})
	return rootInstance
}

func newRoot(level Level) *rootLogger {
	l := &rootLogger{level: level}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("Failed to get home directory: %v", err)
		return l
	}

	logPath := filepath.Join(home, "geister-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted below
	return l
}

// SetLevel sets the minimum level emitted by the shared root logger.
func SetLevel(level Level) {
	root := getRoot()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.level = level
}

// componentLogger scopes the root logger to a named component.
type componentLogger struct {
	root      *rootLogger
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{root: getRoot(), component: component}
}

func (c *componentLogger) Debug(format string, args ...any) { c.root.log(LevelDebug, c.component, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.root.log(LevelInfo, c.component, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.root.log(LevelWarn, c.component, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.root.log(LevelError, c.component, format, args...) }

func (l *rootLogger) log(level Level, component, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Caller(2) is the component method's call site.
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-01-02 15:04:05 [INFO] [telos-executor] executor.go:42 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if component == "" {
		component = "GEISTER"
	}

	message := fmt.Sprintf(format, args...)
	logLine := sanitizeLine(fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level, component, file, line, message))

	if l.logger != nil {
		l.logger.Print(logLine)
	}
	fmt.Print(logLine)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

const redactedPlaceholder = "[REDACTED]"

var (
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
)

// sanitizeLine masks credential-looking values before they reach the log file.
func sanitizeLine(line string) string {
	sanitized := sensitiveKeyValuePattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})

	return sanitized
}
