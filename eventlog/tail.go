package eventlog

import (
	"context"
	"sync"
)

// follower buffers pushed events for one reader. The wake channel has a
// single slot and is armed on every enqueue, so a reader suspended on an
// empty queue resumes without polling.
type follower struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	unsub func()
}

func (l *Log) follow() *follower {
	f := &follower{wake: make(chan struct{}, 1)}
	f.unsub = l.Subscribe(f.push)
	return f
}

func (f *follower) push(ev Event) {
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *follower) pop() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Event{}, false
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	return ev, true
}

func (f *follower) stop() {
	f.unsub()
}

// Tail returns a channel yielding every event with sequence greater than
// cursor: stored events are replayed first, then live events are delivered as
// they are appended. Each event is delivered exactly once, in sequence order.
// The channel closes when ctx is cancelled or the log is closed; on close,
// events already queued are still delivered before the channel closes.
func (l *Log) Tail(ctx context.Context, cursor uint64) <-chan Event {
	// Register the listener before scanning stored events so nothing appended
	// during the replay can be missed. The sequence filter below discards the
	// overlap between the replay scan and the push queue.
	f := l.follow()
	out := make(chan Event)

	go func() {
		defer close(out)
		defer f.stop()

		local := cursor
		for _, ev := range l.Snapshot(cursor, 0) {
			select {
			case out <- ev:
				local = ev.Sequence
			case <-ctx.Done():
				return
			}
		}

		closing := false
		for {
			for {
				ev, ok := f.pop()
				if !ok {
					break
				}
				if ev.Sequence <= local {
					continue
				}
				select {
				case out <- ev:
					local = ev.Sequence
				case <-ctx.Done():
					return
				}
			}
			if closing {
				return
			}

			select {
			case <-f.wake:
			case <-ctx.Done():
				return
			case <-l.done:
				// Drain once more so events appended just before the close
				// (the session's final events) still reach the reader.
				closing = true
			}
		}
	}()

	return out
}

// TurnStream delivers the events causally produced by one client-initiated
// action. Once Events is closed, Err reports how the action settled.
type TurnStream struct {
	events chan Event
	done   chan struct{}
	err    error
}

// Events returns the stream of events. It is closed after the action has
// settled and all already-queued events have been delivered.
func (t *TurnStream) Events() <-chan Event {
	return t.events
}

// Err blocks until the stream has finished and returns the action's failure,
// if any. By construction the error is observable only after the last queued
// event has been consumed.
func (t *TurnStream) Err() error {
	<-t.done
	return t.err
}

// StreamTurn captures the current tail position, starts action concurrently,
// and streams every event appended while the action runs. When the action
// settles, events already queued are drained without waiting for new ones,
// then the stream terminates. An action that settles before producing any
// event yields an empty stream whose Err still reports the outcome.
func (l *Log) StreamTurn(ctx context.Context, action func(context.Context) error) *TurnStream {
	f := l.follow()
	cursor := l.LastSequence()

	ts := &TurnStream{
		events: make(chan Event),
		done:   make(chan struct{}),
	}

	settled := make(chan error, 1)
	go func() {
		settled <- action(ctx)
	}()

	go func() {
		defer close(ts.done)
		defer close(ts.events)
		defer f.stop()

		local := cursor
		finishing := false
		for {
			for {
				ev, ok := f.pop()
				if !ok {
					break
				}
				if ev.Sequence <= local {
					continue
				}
				select {
				case ts.events <- ev:
					local = ev.Sequence
				case <-ctx.Done():
					ts.err = ctx.Err()
					return
				}
			}
			if finishing {
				return
			}

			select {
			case <-f.wake:
			case err := <-settled:
				ts.err = err
				finishing = true
			case <-ctx.Done():
				ts.err = ctx.Err()
				return
			case <-l.done:
				// Log closed mid-turn. Prefer the action's own outcome if it
				// already settled, otherwise report the closure.
				select {
				case err := <-settled:
					ts.err = err
				default:
					ts.err = ErrClosed
				}
				finishing = true
			}
		}
	}()

	return ts
}
