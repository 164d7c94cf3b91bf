package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubRoutesByTopicAndWildcard(t *testing.T) {
	h := NewHub()
	defer h.Close()

	scoped := &recordingSubscriber{}
	other := &recordingSubscriber{}
	all := &recordingSubscriber{}
	h.Register("release-1", scoped)
	h.Register("release-2", other)
	h.Register(AllTopic, all)

	h.Broadcast("release-1", []byte("started"))

	waitFor(t, func() bool {
		got, _ := all.snapshot()
		return len(got) == 1
	})
	if got, _ := scoped.snapshot(); len(got) != 1 || got[0] != "started" {
		t.Fatalf("scoped subscriber got %v", got)
	}
	if got, _ := other.snapshot(); len(got) != 0 {
		t.Fatalf("unrelated subscriber got %v", got)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	broken := &recordingSubscriber{fail: true}
	h.Register(AllTopic, broken)
	h.Broadcast("x", []byte("a"))

	waitFor(t, func() bool {
		_, closed := broken.snapshot()
		return closed
	})
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewHub()
	sub := &recordingSubscriber{}
	h.Register("r", sub)
	h.Close()
	waitFor(t, func() bool {
		_, closed := sub.snapshot()
		return closed
	})
	h.Broadcast("r", []byte("ignored"))
}

type blockingSubscriber struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSubscriber) Send([]byte) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func (b *blockingSubscriber) Close() {}

func TestBroadcastDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	slow := &blockingSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(slow.release)
	h.Register("r", slow)

	if !h.Broadcast("r", []byte("first")) {
		t.Fatalf("expected first broadcast to be queued")
	}
	<-slow.entered

	done := make(chan int)
	go func() {
		dropped := 0
		for range broadcastQueue + 10 {
			if !h.Broadcast("r", []byte("next")) {
				dropped++
			}
		}
		done <- dropped
	}()
	select {
	case dropped := <-done:
		if dropped != 10 {
			t.Fatalf("expected 10 dropped broadcasts, got %d", dropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked behind a slow subscriber")
	}
}

func TestBroadcastAfterCloseIsDropped(t *testing.T) {
	h := NewHub()
	h.Close()
	if h.Broadcast("r", []byte("late")) {
		t.Fatalf("expected broadcast on closed hub to be dropped")
	}
}
