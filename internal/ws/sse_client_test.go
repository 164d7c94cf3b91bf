package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEClientFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, "lifecycle", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := c.Send([]byte(`{"type":"release.created"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	want := "id: 1\nevent: lifecycle\ndata: {\"type\":\"release.created\"}\n\n: ping\n\n"
	if body != want {
		t.Fatalf("unexpected frames:\n%q\nwant\n%q", body, want)
	}
	if !rec.Flushed {
		t.Fatalf("expected flush")
	}
}

func TestSSEClientCloseSignalsDone(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, "lifecycle", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed")
	}
	if err := c.Send([]byte("x")); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if strings.Contains(rec.Body.String(), "x") {
		t.Fatalf("wrote after close")
	}
}

func TestSSEClientLastActivityAdvancesOnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, "lifecycle", slog.New(slog.NewTextHandler(io.Discard, nil)))
	start := c.LastActivity()

	time.Sleep(5 * time.Millisecond)
	if err := c.Send([]byte(`{}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !c.LastActivity().After(start) {
		t.Fatalf("expected last activity to advance past %v, got %v", start, c.LastActivity())
	}

	c.Close()
	closedAt := c.LastActivity()
	_ = c.Heartbeat()
	if !c.LastActivity().Equal(closedAt) {
		t.Fatalf("heartbeat after close must not count as activity")
	}
}
