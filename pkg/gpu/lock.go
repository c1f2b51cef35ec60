// Package gpu implements the single-holder GPU lock shared by heavy workers
// across processes. The lock is one JSON file; an expired lock counts as not
// held but is still reported by Status.
package gpu

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zen-systems/openclaw/pkg/archive"
)

var (
	// ErrHeld is returned by Claim when another holder owns a live lock.
	ErrHeld = errors.New("gpu lock held")
	// ErrNotHolder is returned by Release when the caller does not own the lock.
	ErrNotHolder = errors.New("not lock holder")
)

// LockFile is the lock file name inside the state directory.
const LockFile = "lock.json"

const (
	guardSuffix = ".claim"
	guardStale  = 30 * time.Second
	guardTries  = 50
	guardWait   = 10 * time.Millisecond
)

// Info is the content of lock.json.
type Info struct {
	Holder   string `json:"holder"`
	Reason   string `json:"reason,omitempty"`
	TS       string `json:"ts"`
	TTLUntil string `json:"ttl_until"`
}

// Expired reports whether the lock's TTL has passed at now. A lock with an
// unparseable ttl_until is treated as expired.
func (i Info) Expired(now time.Time) bool {
	until, err := time.Parse(time.RFC3339, i.TTLUntil)
	if err != nil {
		return true
	}
	return !now.Before(until)
}

// Status is the view returned to status consumers.
type Status struct {
	Held     bool  `json:"held"`
	Lock     *Info `json:"lock,omitempty"`
	Stale    bool  `json:"stale,omitempty"`
	Previous *Info `json:"previous,omitempty"`
}

// ClaimResult describes the outcome of Claim. On ErrHeld, Lock carries the
// existing lock.
type ClaimResult struct {
	OK   bool  `json:"ok"`
	Lock *Info `json:"lock,omitempty"`
}

// ReleaseResult describes the outcome of Release.
type ReleaseResult struct {
	OK       bool  `json:"ok"`
	Released bool  `json:"released"`
	Lock     *Info `json:"lock,omitempty"`
}

// Lock guards lock.json in a state directory.
type Lock struct {
	dir  string
	path string
	now  func() time.Time
}

// New returns a lock rooted at dir.
func New(dir string) *Lock {
	return &Lock{dir: dir, path: filepath.Join(dir, LockFile), now: time.Now}
}

// SetClock overrides the time source.
func (l *Lock) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Status reports the current lock state.
func (l *Lock) Status() (Status, error) {
	info, err := l.read()
	if err != nil {
		return Status{}, err
	}
	if info == nil {
		return Status{}, nil
	}
	if info.Expired(l.now()) {
		return Status{Stale: true, Previous: info}, nil
	}
	return Status{Held: true, Lock: info}, nil
}

// Claim takes the lock for holder. It succeeds when there is no lock, the
// lock is expired, or holder already owns it; a re-claim refreshes the TTL.
func (l *Lock) Claim(holder, reason string, ttl time.Duration) (ClaimResult, error) {
	if holder == "" {
		return ClaimResult{}, fmt.Errorf("holder is required")
	}
	if ttl <= 0 {
		return ClaimResult{}, fmt.Errorf("ttl must be positive")
	}

	var result ClaimResult
	err := l.guarded(func() error {
		now := l.now().UTC()
		current, err := l.read()
		if err != nil {
			return err
		}
		if current != nil && current.Holder != holder && !current.Expired(now) {
			result = ClaimResult{Lock: current}
			return ErrHeld
		}
		if current != nil && current.Holder != holder {
			log.Info().Str("holder", holder).Str("previous", current.Holder).Msg("reclaiming expired gpu lock")
		}
		info := &Info{
			Holder:   holder,
			Reason:   reason,
			TS:       now.Format(time.RFC3339),
			TTLUntil: now.Add(ttl).Format(time.RFC3339),
		}
		if err := archive.WriteSnapshot(l.path, info); err != nil {
			return fmt.Errorf("write lock: %w", err)
		}
		result = ClaimResult{OK: true, Lock: info}
		return nil
	})
	return result, err
}

// Release drops the lock when holder owns it or it has expired.
func (l *Lock) Release(holder string) (ReleaseResult, error) {
	var result ReleaseResult
	err := l.guarded(func() error {
		current, err := l.read()
		if err != nil {
			return err
		}
		if current == nil {
			result = ReleaseResult{OK: true}
			return nil
		}
		if current.Holder != holder && !current.Expired(l.now()) {
			result = ReleaseResult{Lock: current}
			return ErrNotHolder
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove lock: %w", err)
		}
		result = ReleaseResult{OK: true, Released: true, Lock: current}
		return nil
	})
	return result, err
}

func (l *Lock) read() (*Info, error) {
	var info Info
	found, err := archive.ReadSnapshot(l.path, &info)
	if err != nil {
		// An unreadable lock file is surfaced rather than overwritten.
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &info, nil
}

// guarded serializes read-modify-write cycles across processes with an
// O_EXCL guard file next to lock.json.
func (l *Lock) guarded(fn func() error) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	guard := l.path + guardSuffix
	for i := 0; ; i++ {
		f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create guard: %w", err)
		}
		if st, serr := os.Stat(guard); serr == nil && time.Since(st.ModTime()) > guardStale {
			_ = os.Remove(guard)
			continue
		}
		if i >= guardTries {
			return fmt.Errorf("gpu lock guard busy: %s", guard)
		}
		time.Sleep(guardWait)
	}
	defer os.Remove(guard)
	return fn()
}
