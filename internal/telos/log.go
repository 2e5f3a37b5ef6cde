package telos

import (
	"sync"
	"time"
)

const (
	defaultMaxLogEntries = 100
	maxLogResultLen      = 500
)

// ExecutionLogEntry records one step execution attempt for observability.
type ExecutionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Step      int       `json:"step"`
	StepText  string    `json:"step_text"`
	Result    string    `json:"result"`
	Success   bool      `json:"success"`
}

// ExecutionLog is a bounded ring of recent executions, newest first.
type ExecutionLog struct {
	entries []ExecutionLogEntry
	max     int
	mu      sync.RWMutex
}

func NewExecutionLog(max int) *ExecutionLog {
	if max <= 0 {
		max = defaultMaxLogEntries
	}
	return &ExecutionLog{max: max}
}

// Add prepends an entry, evicting the oldest past the cap. The result
// text is truncated so one huge tool dump cannot bloat the buffer.
func (l *ExecutionLog) Add(entry ExecutionLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Result = truncate(entry.Result, maxLogResultLen)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]ExecutionLogEntry{entry}, l.entries...)
	if len(l.entries) > l.max {
		l.entries = l.entries[:l.max]
	}
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything retained.
func (l *ExecutionLog) Recent(limit int) []ExecutionLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]ExecutionLogEntry, limit)
	copy(out, l.entries[:limit])
	return out
}

// Len reports how many entries are currently retained.
func (l *ExecutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// truncate cuts s to at most n characters, never splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
