package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel maps the severities plugins report (info, warning, error,
// critical) onto logbook levels.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "critical":
		return LevelCritical, true
	default:
		return "", false
	}
}

// Entry is a single user-facing message.
type Entry struct {
	Time    time.Time
	Level   Level
	Source  string
	Message string
	// Popup asks the shell to surface the message to the user immediately.
	Popup bool
}

// Sink is the message interface the runtime components write to.
type Sink interface {
	Record(Entry)
}

// Logbook persists user-facing messages to a text file and fans them out to
// subscribers (the terminal shell, the CLI renderer).
type Logbook struct {
	path string
	mu   sync.Mutex
	subs map[int]chan Entry
	next int
	now  func() time.Time
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, subs: map[int]chan Entry{}, now: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record writes an entry and delivers it to subscribers. Slow subscribers
// lose entries rather than block the writer.
func (l *Logbook) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	e.Message = strings.TrimSpace(e.Message)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLine(e)
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *Logbook) appendLine(e Entry) {
	source := ""
	if e.Source != "" {
		source = "[" + e.Source + "] "
	}
	popup := ""
	if e.Popup {
		popup = "(!) "
	}
	line := fmt.Sprintf("%s %-8s %s%s%s\n",
		e.Time.UTC().Format(time.RFC3339),
		string(e.Level),
		popup,
		source,
		e.Message,
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Subscribe returns a channel receiving future entries and a function that
// ends the subscription.
func (l *Logbook) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Entry, buffer)
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Tail returns up to maxLines of the most recent log entries together with
// the total number of lines in the logbook.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Record(Entry{Level: LevelInfo, Message: fmt.Sprintf(format, args...)})
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Record(Entry{Level: LevelWarn, Message: fmt.Sprintf(format, args...)})
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Record(Entry{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

// Critical appends a critical entry and asks for it to be surfaced.
func (l *Logbook) Critical(format string, args ...any) {
	l.Record(Entry{Level: LevelCritical, Message: fmt.Sprintf(format, args...), Popup: true})
}

// Discard is a Sink that drops every entry.
type Discard struct{}

func (Discard) Record(Entry) {}

// Collector is a Sink that keeps entries in memory.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Entries returns a copy of everything recorded so far.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}
