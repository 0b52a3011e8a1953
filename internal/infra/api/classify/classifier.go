package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/adsync/internal/metrics"
)

// DefaultMaxLogSize caps the rolling error log.
const DefaultMaxLogSize = 1000

// ErrEntryNotFound is returned when resolving an unknown log entry.
var ErrEntryNotFound = errors.New("error log entry not found")

// LogEntry is one handled error.
type LogEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Info             ErrorInfo `json:"info"`
	Resolved         bool      `json:"resolved"`
	ResolvedAt       time.Time `json:"resolved_at,omitempty"`
	ResolutionMethod string    `json:"resolution_method,omitempty"`
}

// Stats aggregates the error log.
type Stats struct {
	Total      int              `json:"total"`
	Resolved   int              `json:"resolved"`
	Unresolved int              `json:"unresolved"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByStrategy map[Strategy]int `json:"by_strategy"`
}

// StrategyHook is invoked after an error with the matching strategy was logged.
// Hooks run synchronously and must not block.
type StrategyHook func(entry LogEntry)

// Classifier records classified errors.
type Classifier struct {
	mu         sync.Mutex
	entries    []LogEntry
	maxSize    int
	byStrategy map[Strategy]int
	hooks      map[Strategy][]StrategyHook

	now func() time.Time
	log *slog.Logger
}

// New creates a classifier. maxSize <= 0 selects DefaultMaxLogSize.
func New(maxSize int, log *slog.Logger) *Classifier {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		maxSize:    maxSize,
		byStrategy: make(map[Strategy]int),
		hooks:      make(map[Strategy][]StrategyHook),
		now:        time.Now,
		log:        log.With("component", "classifier"),
	}
}

// OnStrategy registers a hook for errors resolved by the given strategy.
func (c *Classifier) OnStrategy(s Strategy, hook StrategyHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[s] = append(c.hooks[s], hook)
}

// HandleError classifies err, appends it to the log and runs strategy hooks.
func (c *Classifier) HandleError(err error, errCtx map[string]any) ErrorInfo {
	info := Classify(err)
	if len(errCtx) > 0 {
		info.Context = maps.Clone(errCtx)
	}

	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		Info:      info,
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	if over := len(c.entries) - c.maxSize; over > 0 {
		c.entries = append(c.entries[:0:0], c.entries[over:]...)
	}
	c.byStrategy[info.Strategy]++
	hooks := append([]StrategyHook(nil), c.hooks[info.Strategy]...)
	c.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(string(info.Category), string(info.Severity)).Inc()
	c.logEntry(entry)

	for _, hook := range hooks {
		hook(entry)
	}
	return info
}

func (c *Classifier) logEntry(e LogEntry) {
	attrs := []any{
		"id", e.ID,
		"category", e.Info.Category,
		"strategy", e.Info.Strategy,
		"error", e.Info.TechnicalMessage,
	}
	for k, v := range e.Info.Context {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	switch e.Info.Severity {
	case SeverityCritical, SeverityHigh:
		level = slog.LevelError
	case SeverityMedium:
		level = slog.LevelWarn
	}
	c.log.Log(context.Background(), level, "API error", attrs...)
}

// Log returns a copy of every entry, oldest first.
func (c *Classifier) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.entries...)
}

// Recent returns up to n newest entries, newest first.
func (c *Classifier) Recent(n int) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]LogEntry, 0, n)
	for i := len(c.entries) - 1; i >= len(c.entries)-n; i-- {
		out = append(out, c.entries[i])
	}
	return out
}

// Clear drops the log and strategy counters.
func (c *Classifier) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.byStrategy = make(map[Strategy]int)
}

// MarkResolved flags an entry as handled.
func (c *Classifier) MarkResolved(id, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].ID == id {
			c.entries[i].Resolved = true
			c.entries[i].ResolvedAt = c.now()
			c.entries[i].ResolutionMethod = method
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Stats aggregates the current log.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Total:      len(c.entries),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		ByStrategy: maps.Clone(c.byStrategy),
	}
	for _, e := range c.entries {
		s.ByCategory[e.Info.Category]++
		s.BySeverity[e.Info.Severity]++
		if e.Resolved {
			s.Resolved++
		}
	}
	s.Unresolved = s.Total - s.Resolved
	return s
}
