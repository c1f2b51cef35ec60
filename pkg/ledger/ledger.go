// Package ledger implements the witness ledger: an append-only JSONL file in
// which every entry carries the hash of its predecessor.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/openclaw/pkg/archive"
	"github.com/zen-systems/openclaw/pkg/canonical"
)

// TimeFormat is the layout of timestamp_utc.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

var (
	// ErrCorrupt is returned when the existing ledger cannot be extended.
	ErrCorrupt = errors.New("ledger corrupt")
	// ErrTruncated is returned when the ledger ends in an unterminated line.
	ErrTruncated = errors.New("ledger ends in a partial line")
)

// Entry is one line of the ledger.
type Entry struct {
	Seq          int64           `json:"seq"`
	TimestampUTC string          `json:"timestamp_utc"`
	PrevHash     *string         `json:"prev_hash"`
	Hash         string          `json:"hash"`
	Record       json.RawMessage `json:"record"`
}

// Receipt describes a committed entry.
type Receipt struct {
	Seq          int64   `json:"seq"`
	Hash         string  `json:"hash"`
	PrevHash     *string `json:"prev_hash"`
	TimestampUTC string  `json:"timestamp_utc"`
}

// Ledger appends records to a single ledger file. Commits from one Ledger are
// serialized; concurrent writers in other processes need an external lock.
type Ledger struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New returns a ledger bound to path.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Commit appends record with the current time.
func (l *Ledger) Commit(record any) (Receipt, error) {
	return l.CommitAt(record, l.now())
}

// CommitAt appends record with an explicit timestamp.
func (l *Ledger) CommitAt(record any, ts time.Time) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Commit(l.path, record, ts)
}

// Commit appends record to the ledger at path. It reads the last line to
// obtain the previous seq and hash, then writes the new entry with a single
// O_APPEND write.
func Commit(path string, record any, ts time.Time) (Receipt, error) {
	recordBytes, err := canonical.Marshal(record)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger record: %w", err)
	}

	last, complete, err := archive.LastLine(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("read ledger head: %w", err)
	}
	if !complete {
		return Receipt{}, fmt.Errorf("%w: %s", ErrTruncated, path)
	}

	seq := int64(1)
	var prevHash *string
	if last != nil {
		var head Entry
		if err := json.Unmarshal(last, &head); err != nil {
			return Receipt{}, fmt.Errorf("%w: decode head: %v", ErrCorrupt, err)
		}
		if head.Seq < 1 || head.Hash == "" {
			return Receipt{}, fmt.Errorf("%w: head entry missing seq or hash", ErrCorrupt)
		}
		seq = head.Seq + 1
		h := head.Hash
		prevHash = &h
	}

	stamp := ts.UTC().Format(TimeFormat)
	hash, err := entryHash(seq, stamp, prevHash, json.RawMessage(recordBytes))
	if err != nil {
		return Receipt{}, err
	}

	line, err := canonical.Marshal(map[string]any{
		"seq":           seq,
		"timestamp_utc": stamp,
		"prev_hash":     prevHash,
		"hash":          hash,
		"record":        json.RawMessage(recordBytes),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := archive.AppendLine(path, line); err != nil {
		return Receipt{}, fmt.Errorf("append ledger entry: %w", err)
	}

	return Receipt{Seq: seq, Hash: hash, PrevHash: prevHash, TimestampUTC: stamp}, nil
}

func entryHash(seq int64, stamp string, prevHash *string, record json.RawMessage) (string, error) {
	hash, err := canonical.Hash(map[string]any{
		"seq":           seq,
		"timestamp_utc": stamp,
		"prev_hash":     prevHash,
		"record":        record,
	})
	if err != nil {
		return "", fmt.Errorf("hash ledger entry: %w", err)
	}
	return hash, nil
}

// Tail returns the last n entries of the ledger.
func Tail(path string, n int) ([]Entry, error) {
	lines, err := archive.Tail(path, n)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		dec := json.NewDecoder(bytes.NewReader(line.Data))
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line.Num, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
