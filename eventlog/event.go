// Package eventlog implements the per-session append-only event log with
// live fan-out, and the read patterns built on top of it: point-in-time
// snapshots, resumable tails, and turn-scoped streams.
package eventlog

import (
	"encoding/json"
	"time"
)

// Source identifies which side of the conversation produced an event.
type Source string

const (
	SourceClient Source = "client"
	SourceAgent  Source = "agent"
)

// Event is a single entry in a session's log. Within one session, Sequence
// is strictly increasing by 1 starting at 1, assigned at append time, and
// never reused or reordered.
type Event struct {
	ID        string          `json:"event_id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Source    Source          `json:"source"`
	Time      time.Time       `json:"time"`
	Synthetic bool            `json:"synthetic"`
	Data      json.RawMessage `json:"data,omitempty"`
}
