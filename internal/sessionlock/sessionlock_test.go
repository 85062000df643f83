package sessionlock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
)

func testLock(t *testing.T, timeout time.Duration) *Lock {
	t.Helper()
	return New(Config{
		Path:         filepath.Join(t.TempDir(), "doc.md.lock"),
		Timeout:      timeout,
		PollInterval: 10 * time.Millisecond,
	}, nil)
}

func TestAcquireRelease(t *testing.T) {
	l := testLock(t, time.Second)
	tok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("lock artifact missing: %v", err)
	}
	if err := l.Release(tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(l.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock artifact still present after release")
	}
}

func TestMutualExclusion(t *testing.T) {
	l := testLock(t, 150*time.Millisecond)
	tok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	// A second acquirer on the same artifact must time out while the
	// first holder is live.
	second := New(Config{
		Path:         l.Path(),
		Timeout:      150 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	if _, err := second.Acquire(context.Background()); !errors.Is(err, apperr.ErrLockTimeout) {
		t.Fatalf("second Acquire err = %v, want ErrLockTimeout", err)
	}

	// After release it succeeds.
	_ = l.Release(tok)
	tok2, err := second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release(tok2)
}

func TestStaleEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md.lock")

	// Plant an abandoned artifact older than 2x the nominal timeout.
	stale := Token{PID: 999999, Hostname: "gone", AcquiredAt: time.Now().Add(-time.Hour), Nonce: 1}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(Config{Path: path, Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}, nil)
	tok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	if tok.PID != os.Getpid() {
		t.Errorf("token pid = %d", tok.PID)
	}
	_ = l.Release(tok)
}

func TestStaleEvictionUnparsableArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md.lock")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	_ = os.Chtimes(path, old, old)

	l := New(Config{Path: path, Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}, nil)
	tok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over garbage artifact: %v", err)
	}
	_ = l.Release(tok)
}

func TestReleaseForeignLockIgnored(t *testing.T) {
	l := testLock(t, time.Second)
	tok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// A token from a different session must not remove the live lock.
	foreign := &Token{PID: tok.PID, Hostname: tok.Hostname, AcquiredAt: tok.AcquiredAt, Nonce: tok.Nonce + 1}
	if err := l.Release(foreign); err != nil {
		t.Fatalf("Release foreign: %v", err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Error("live lock was removed by a foreign token")
	}
	_ = l.Release(tok)
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := testLock(t, time.Second)
	wantErr := errors.New("boom")
	err := l.WithLock(context.Background(), func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock err = %v", err)
	}
	if _, err := os.Stat(l.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock artifact leaked after fn error")
	}
}

func TestWithLockSerializes(t *testing.T) {
	l := testLock(t, 2*time.Second)
	done := make(chan struct{})

	if err := l.WithLock(context.Background(), func() error {
		go func() {
			defer close(done)
			// Re-entry from another goroutine must block until the
			// outer critical section releases.
			if err := l.WithLock(context.Background(), func() error { return nil }); err != nil {
				t.Errorf("inner WithLock: %v", err)
			}
		}()
		select {
		case <-done:
			t.Error("inner lock acquired while outer held")
		case <-time.After(100 * time.Millisecond):
		}
		return nil
	}); err != nil {
		t.Fatalf("outer WithLock: %v", err)
	}
	<-done
}

func TestAcquireContextCancelled(t *testing.T) {
	l := testLock(t, 5*time.Second)
	tok, _ := l.Acquire(context.Background())
	defer l.Release(tok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
