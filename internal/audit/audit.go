// Package audit persists the structured log events named in spec §9
// ("Observable behavior": peer connected/disconnected, listener
// bound/closed, session opened/closed, dial failure, frame malformed,
// liveness expired) to an embedded append-only store, so an operator
// can review tunnel history after the fact rather than only tailing
// live logs.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// EventKind names one of the observable-behavior event classes.
type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventListenerBound    EventKind = "listener_bound"
	EventListenerClosed   EventKind = "listener_closed"
	EventSessionOpened    EventKind = "session_opened"
	EventSessionClosed    EventKind = "session_closed"
	EventDialFailure      EventKind = "dial_failure"
	EventBindFailure      EventKind = "bind_failure"
	EventFrameMalformed   EventKind = "frame_malformed"
	EventLivenessExpired  EventKind = "liveness_expired"
	EventSessionRejected  EventKind = "session_rejected"
)

// Event is one recorded occurrence.
type Event struct {
	Kind EventKind `json:"kind"`
	Peer string    `json:"peer,omitempty"`
	Addr string    `json:"addr,omitempty"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// Log is an append-only, time-ordered event log backed by pebble. Keys
// are a big-endian nanosecond timestamp followed by a monotonic
// sequence number, so NewIter naturally yields events in occurrence
// order and two events timestamped in the same nanosecond still get
// distinct keys instead of one silently overwriting the other.
type Log struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// Open opens (creating if absent) the pebble store at dir.
func Open(dir string) (*Log, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dir, err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying store.
func (l *Log) Close() error { return l.db.Close() }

// Record appends one event, synced to disk.
func (l *Log) Record(kind EventKind, peer, addr, note string) error {
	e := Event{Kind: kind, Peer: peer, Addr: addr, Note: note, At: time.Now()}
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := timeKey(e.At, l.seq.Add(1))
	return l.db.Set(key, val, pebble.Sync)
}

// Since returns every event recorded at or after from, in order.
func (l *Log) Since(from time.Time) ([]Event, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: timeKey(from, 0)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, iter.Error()
}

func timeKey(t time.Time, seq uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(b[8:], seq)
	return b[:]
}
