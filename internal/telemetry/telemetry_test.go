package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStampSetsTimestampFromClock(t *testing.T) {
	now := time.Unix(1700000000, 123)
	data, err := stamp(Event{Kind: EventNodeMutated, Path: "a/b"}, now)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Timestamp != now.UnixNano() {
		t.Fatalf("Timestamp = %d, want %d", got.Timestamp, now.UnixNano())
	}
	if got.Kind != EventNodeMutated || got.Path != "a/b" {
		t.Fatalf("event fields not preserved: %+v", got)
	}
}

func TestConnectWithEmptyURLReturnsNilPublisher(t *testing.T) {
	p, err := Connect("", "muscle.events", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil publisher for empty url, got %+v", p)
	}
}

func TestNilPublisherMethodsAreNoOps(t *testing.T) {
	var p *Publisher
	p.Publish(Event{Kind: EventSessionAttached, SessionID: 1})
	p.Close()
}

func TestConnectWithUnreachableURLReturnsError(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:0", "muscle.events", zerolog.Nop())
	if err == nil {
		t.Fatal("expected error connecting to unreachable NATS url")
	}
}
