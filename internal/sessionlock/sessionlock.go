// Package sessionlock serializes writer sessions across process
// boundaries through a filesystem lock artifact. The artifact is
// created exclusively (O_EXCL) so two sessions can never both believe
// they created it, and it carries the holder's identity so a slow
// former holder can never release a different session's live lock.
package sessionlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/ansuz/internal/apperr"
)

// Defaults for the lock configuration knobs.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultStaleMultiplier sets the staleness threshold relative to
	// the nominal timeout: an artifact older than multiplier × timeout
	// signals an abandoned session (e.g. a crashed holder) and may be
	// evicted by the next acquirer.
	DefaultStaleMultiplier = 2
)

// Token identifies a lock holder. Created by Acquire, destroyed by
// Release, never updated in place.
type Token struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	// Nonce disambiguates reacquisitions by the same process.
	Nonce int64 `json:"nonce"`
}

func (t *Token) sameHolder(other *Token) bool {
	return other != nil && t.PID == other.PID && t.Nonce == other.Nonce && t.Hostname == other.Hostname
}

// Config holds the lock knobs. Zero values fall back to the defaults
// above; StaleAfter derives from Timeout when unset.
type Config struct {
	Path         string
	Timeout      time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// Lock is a cooperative mutual-exclusion token shared through the
// filesystem. One Lock instance per managed document.
type Lock struct {
	path       string
	timeout    time.Duration
	poll       time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// New creates a Lock from cfg.
func New(cfg Config, logger *slog.Logger) *Lock {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleMultiplier * cfg.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		path:       cfg.Path,
		timeout:    cfg.Timeout,
		poll:       cfg.PollInterval,
		staleAfter: cfg.StaleAfter,
		logger:     logger,
	}
}

// Path returns the lock artifact location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire attempts exclusive creation of the lock artifact, polling on
// collision until it succeeds, evicts a stale holder, or the timeout
// elapses. Timeout is a definite failure: no partial lock, no write
// attempted.
func (l *Lock) Acquire(ctx context.Context) (*Token, error) {
	deadline := time.Now().Add(l.timeout)

	for {
		tok, err := l.tryAcquire()
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("sessionlock: create %s: %w", l.path, err)
		}

		if l.evictIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sessionlock: %s held after %s: %w", l.path, l.timeout, apperr.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sessionlock: acquire %s: %w", l.path, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// tryAcquire creates the artifact exclusively and writes the holder
// token into it.
func (l *Lock) tryAcquire() (*Token, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	tok := &Token{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		Nonce:      now.UnixNano(),
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(tok); err != nil {
		f.Close()
		_ = os.Remove(l.path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return nil, err
	}
	return tok, nil
}

// evictIfStale removes the artifact when its holder is past the
// staleness threshold. Returns true when an eviction happened and the
// caller should immediately retry.
func (l *Lock) evictIfStale() bool {
	age, holder, err := l.holderAge()
	if err != nil {
		// Racing release: the artifact may vanish between the failed
		// create and this read. Let the caller retry.
		return errors.Is(err, os.ErrNotExist)
	}
	if age < l.staleAfter {
		return false
	}

	l.logger.Warn("sessionlock: evicting stale lock",
		slog.String("path", l.path),
		slog.Duration("age", age),
		slog.Int("holder_pid", holderPID(holder)))
	return os.Remove(l.path) == nil
}

// holderAge reads the current artifact and returns its age. The token
// timestamp is authoritative; an unparsable artifact falls back to the
// file modification time.
func (l *Lock) holderAge() (time.Duration, *Token, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, nil, err
	}
	var tok Token
	if jsonErr := json.Unmarshal(data, &tok); jsonErr == nil && !tok.AcquiredAt.IsZero() {
		return time.Since(tok.AcquiredAt), &tok, nil
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, nil, err
	}
	return time.Since(info.ModTime()), nil, nil
}

// Release removes the lock artifact only if its holder matches tok.
// A mismatch is logged and ignored rather than surfaced: deleting a
// lock you do not own is never correct.
func (l *Lock) Release(tok *Token) error {
	if tok == nil {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("sessionlock: release found no artifact", slog.String("path", l.path))
			return nil
		}
		return fmt.Errorf("sessionlock: release read %s: %w", l.path, err)
	}

	var current Token
	if err := json.Unmarshal(data, &current); err != nil || !tok.sameHolder(&current) {
		l.logger.Warn("sessionlock: release skipped, artifact held by another session",
			slog.String("path", l.path),
			slog.Int("holder_pid", current.PID))
		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sessionlock: remove %s: %w", l.path, err)
	}
	return nil
}

// WithLock acquires, runs fn, and releases on every exit path
// including panics.
func (l *Lock) WithLock(ctx context.Context, fn func() error) error {
	tok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(tok); relErr != nil {
			l.logger.Error("sessionlock: release failed", slog.String("error", relErr.Error()))
		}
	}()
	return fn()
}

func holderPID(t *Token) int {
	if t == nil {
		return 0
	}
	return t.PID
}
