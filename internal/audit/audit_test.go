package audit

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndSince(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cutoff := time.Now()
	time.Sleep(time.Millisecond)

	if err := l.Record(EventPeerConnected, "client-host:9090", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(EventLivenessExpired, "client-host:9090", "", "liveness counter reached 0"); err != nil {
		t.Fatal(err)
	}

	events, err := l.Since(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != EventPeerConnected || events[1].Kind != EventLivenessExpired {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestRecordSameNanosecondDoesNotOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cutoff := time.Now()

	// Bypass Record's own time.Now() to force two events onto the exact
	// same timestamp, the scenario a bare nanosecond key would collide
	// on.
	at := time.Now()
	for _, kind := range []EventKind{EventSessionOpened, EventSessionClosed} {
		e := Event{Kind: kind, Peer: "client-host:9090", At: at}
		val, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		if err := l.db.Set(timeKey(at, l.seq.Add(1)), val, nil); err != nil {
			t.Fatal(err)
		}
	}

	events, err := l.Since(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events with identical timestamps, want 2 (one overwrote the other)", len(events))
	}
}
