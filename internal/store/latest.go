// Package store holds the in-memory latest-value table: the single-writer,
// multi-reader map the frame fanout's LatestStore sink populates and the
// command dispatcher serves reads from.
package store

import (
	"sync"
	"time"

	"github.com/99souls/vinbridge/internal/telemetry"
)

// Entry is one field's latest observed value and the timestamp it was
// captured at.
type Entry struct {
	Value     telemetry.FieldValue
	Timestamp time.Time
}

// Latest is the concurrency-safe latest-value table. Writes come from
// exactly one place (the fanout's latest-store sink); reads are unbounded
// concurrent callers (the dispatcher's read handlers).
type Latest struct {
	mu     sync.RWMutex
	fields map[telemetry.FieldName]Entry
}

func New() *Latest {
	return &Latest{fields: make(map[telemetry.FieldName]Entry)}
}

// Merge writes every field of frame into the table. A field's timestamp
// is monotonic under a single telemetry stream: a stale frame's fields
// are still merged (the value changes) but the recorded timestamp never
// regresses.
func (l *Latest) Merge(frame *telemetry.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, v := range frame.Fields {
		existing, ok := l.fields[name]
		ts := frame.CapturedAt
		if ok && existing.Timestamp.After(ts) {
			ts = existing.Timestamp
		}
		l.fields[name] = Entry{Value: v, Timestamp: ts}
	}
}

// Get returns the latest known value for name, or ok=false if the field has
// never been observed.
func (l *Latest) Get(name telemetry.FieldName) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.fields[name]
	return e, ok
}

// Snapshot returns a copy of the whole table, used by the health endpoint
// to report the age of the most recently observed field.
func (l *Latest) Snapshot() map[telemetry.FieldName]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[telemetry.FieldName]Entry, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}
