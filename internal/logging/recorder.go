package logging

import (
	"strings"
	"sync"
)

// Entry is one captured log call.
type Entry struct {
	Level  Level
	Msg    string
	Fields []Field
}

// Field returns the value of the named field and whether it was present.
func (e Entry) Field(key string) (any, bool) {
	for i := len(e.Fields) - 1; i >= 0; i-- {
		if e.Fields[i].Key == key {
			return e.Fields[i].Value, true
		}
	}
	return nil, false
}

// Recorder is a Logger that keeps every entry in memory. Tests use it to
// assert on warnings.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  []Field
}

// NewRecorder returns an empty Recorder that accepts every level.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields ...Field) Logger {
	combined := append(append([]Field{}, r.fields...), fields...)
	return &Recorder{mu: r.mu, entries: r.entries, fields: combined}
}

func (r *Recorder) Enabled(Level) bool { return true }

func (r *Recorder) Trace(msg string, fields ...Field) { r.add(Trace, msg, fields) }
func (r *Recorder) Debug(msg string, fields ...Field) { r.add(Debug, msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.add(Info, msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.add(Warn, msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.add(Error, msg, fields) }

func (r *Recorder) add(level Level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{
		Level:  level,
		Msg:    msg,
		Fields: append(append([]Field{}, r.fields...), fields...),
	})
}

// Entries returns a copy of everything logged so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), *r.entries...)
}

// Count returns the number of entries at level whose message contains substr.
func (r *Recorder) Count(level Level, substr string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			n++
		}
	}
	return n
}
