package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// collectSink records everything it receives.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// blockingSink holds every Emit until released.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(context.Context, Event) {
	<-s.release
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: EventLogin, Success: true})
	}
	d.Close()

	if got := sink.len(); got != 5 {
		t.Fatalf("expected 5 delivered events, got %d", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &collectSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}

	// Nil dispatcher accepts and drops.
	d.Emit(context.Background(), Event{EventType: EventLogin})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher should report zero drops")
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	collected := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, chainSink{sink, collected})

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: EventRefresh})
	}
	close(sink.release)
	d.Close()

	if got := collected.len(); got != 10 {
		t.Fatalf("expected all buffered events drained on close, got %d", got)
	}
}

// chainSink forwards to each sink in order.
type chainSink struct {
	first, second Sink
}

func (c chainSink) Emit(ctx context.Context, event Event) {
	c.first.Emit(ctx, event)
	c.second.Emit(ctx, event)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2, DropIfFull: true}, sink)

	// One event occupies the worker, two fill the buffer; the rest drop.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: EventLogin})
	}

	deadline := time.After(time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops with a full buffer")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(sink.release)
	d.Close()

	if dropped := d.Dropped(); dropped < 7 {
		t.Fatalf("expected at least 7 drops, got %d", dropped)
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), Event{EventType: EventLogout})
	if got := sink.len(); got != 0 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestJSONWriterSinkLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType: EventRefreshReuse,
		UserID:    "u1",
		Success:   false,
		Error:     "refresh token reuse detected",
		Metadata:  map[string]string{"family_id": "fam-1"},
	})
	sink.Emit(context.Background(), Event{EventType: EventLogin, Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var event Event
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("unmarshal line failed: %v", err)
	}
	if event.EventType != EventRefreshReuse || event.UserID != "u1" || event.Metadata["family_id"] != "fam-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Emit(context.Background(), Event{EventType: EventLogin})

	select {
	case event := <-sink.Events():
		if event.EventType != EventLogin {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected buffered event")
	}

	// A full channel respects context cancellation instead of blocking forever.
	sink.Emit(context.Background(), Event{})
	sink.Emit(context.Background(), Event{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, Event{})
}
