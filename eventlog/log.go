package eventlog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is reported by turn streams that were cut short because the log
// was closed while the turn was still in flight.
var ErrClosed = errors.New("event log closed")

// Log is an append-only sequence of events for one session, plus the set of
// live listeners receiving fan-out. A Log is mutated by a single writer (the
// session's protocol bridge) and read by any number of concurrent readers.
type Log struct {
	mu        sync.Mutex
	events    []Event
	listeners map[uint64]func(Event)
	nextSubID uint64
	done      chan struct{}
	closed    bool
}

// New creates an empty log.
func New() *Log {
	return &Log{
		listeners: make(map[uint64]func(Event)),
		done:      make(chan struct{}),
	}
}

// Append assigns the next sequence number, stores the event, and delivers it
// to every registered listener before returning. Delivery happens under the
// same lock as listener registration, so a subscriber either sees an event in
// its replay window or receives it by push, never neither and never both
// missing.
func (l *Log) Append(typ string, source Source, synthetic bool, data json.RawMessage) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Sequence:  uint64(len(l.events)) + 1,
		Type:      typ,
		Source:    source,
		Time:      time.Now().UTC(),
		Synthetic: synthetic,
		Data:      data,
	}
	l.events = append(l.events, ev)

	for _, fn := range l.listeners {
		deliver(fn, ev)
	}
	return ev
}

// deliver invokes a single listener, isolating panics so one failing listener
// cannot prevent delivery to the rest or corrupt the log.
func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "sequence", ev.Sequence, "panic", r)
		}
	}()
	fn(ev)
}

// Subscribe registers a listener that receives every event appended after
// registration. It never receives past events. The returned function removes
// the listener; calling it more than once is harmless.
func (l *Log) Subscribe(fn func(Event)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.listeners[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Snapshot returns all events with sequence greater than cursor, in sequence
// order, capped at limit when limit is positive.
func (l *Log) Snapshot(cursor uint64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cursor >= uint64(len(l.events)) {
		return nil
	}
	// Sequence n is stored at index n-1, so events after cursor start at
	// index cursor.
	evs := l.events[cursor:]
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// LastSequence returns the sequence number of the most recent event, or 0 for
// an empty log.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events))
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Close wakes and terminates every active reader. It is idempotent. Stored
// events remain readable through Snapshot afterwards.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Done is closed when the log is closed.
func (l *Log) Done() <-chan struct{} {
	return l.done
}
