package docstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(kind, hash string) {
	l.mu.Lock()
	l.events = append(l.events, kind)
	l.mu.Unlock()
}

func (l *eventLog) has(kind string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == kind {
			return true
		}
	}
	return false
}

func TestWatcher_ExternalEditReported(t *testing.T) {
	s := testStore(t)
	log := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, log.record)

	time.Sleep(100 * time.Millisecond)

	edited := "## Build Rules\n\nedited outside the store\n"
	if err := os.WriteFile(s.DocumentPath(), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("updated")
	}, "external edit not reported")
}

func TestWatcher_ConflictMarkersClassified(t *testing.T) {
	s := testStore(t)
	log := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, log.record)

	time.Sleep(100 * time.Millisecond)

	conflicted := "## Build Rules\n\n<<<<<<< external 2026-01-01T00:00:00Z\na\n=======\nb\n>>>>>>> incoming 2026-01-01T00:00:00Z\n"
	if err := os.WriteFile(s.DocumentPath(), []byte(conflicted), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("conflicted")
	}, "conflict markers not classified")
}

func TestWatcher_RemovalReported(t *testing.T) {
	s := testStore(t)
	log := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, log.record)

	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(s.DocumentPath()); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return log.has("removed")
	}, "document removal not reported")
}
