package wire

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func mustBindAndDial(t *testing.T) (*Server, ConnID, *Client) {
	t.Helper()
	s, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	client, err := Dial(s.Addr().String())
	if err != nil {
		s.Close()
		t.Fatalf("Dial: %v", err)
	}
	ev := s.WaitForNextEvent()
	if ev.Kind != EventConnect {
		s.Close()
		client.Close()
		t.Fatalf("first event = %v, want EventConnect", ev.Kind)
	}
	return s, ev.Conn, client
}

// TestSendPreservesOrderForSequentialCalls mirrors the producer engine's real
// usage (the 7-message bootstrap directory loop and the per-frame tag+tile
// pair, both issued as back-to-back Send calls from one goroutine): the
// per-connection send queue must deliver frames on the wire in exactly the
// order they were enqueued.
func TestSendPreservesOrderForSequentialCalls(t *testing.T) {
	s, conn, client := mustBindAndDial(t)
	defer s.Close()
	defer client.Close()

	const n = 20
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("part-%03d", i))
		if _, err := s.Send(conn, payload, MemCopy); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		want := []byte(fmt.Sprintf("part-%03d", i))
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d = %q, want %q (send queue reordered frames)", i, got, want)
		}
	}

	for i := 0; i < n; i++ {
		ev := s.WaitForNextEvent()
		if ev.Kind != EventSendFinished || ev.Conn != conn {
			t.Fatalf("event %d = %+v, want EventSendFinished for %d", i, ev, conn)
		}
	}
}

// TestSendFromConcurrentGoroutinesNeverCorruptsFraming drives many concurrent
// Send calls at the same connection (the scenario a per-connection writer
// goroutine has to serialize): every frame the client reads back must be one
// of the exact payloads sent, never a mix of two interleaved writes.
func TestSendFromConcurrentGoroutinesNeverCorruptsFraming(t *testing.T) {
	s, conn, client := mustBindAndDial(t)
	defer s.Close()
	defer client.Close()

	const n = 64
	want := make(map[string]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf("payload-%04d-of-the-frame", i)
		want[payload]++
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := s.Send(conn, []byte(p), MemCopy); err != nil {
				t.Errorf("Send: %v", err)
			}
		}(payload)
	}
	wg.Wait()

	got := make(map[string]int, n)
	for i := 0; i < n; i++ {
		frame, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		got[string(frame)]++
	}

	for payload, count := range want {
		if got[payload] != count {
			t.Fatalf("payload %q seen %d times, want %d (framing corrupted)", payload, got[payload], count)
		}
	}
}
