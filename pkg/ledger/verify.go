package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zen-systems/openclaw/pkg/archive"
)

// Verification failure kinds.
const (
	ErrKindInvalidJSON      = "invalid_json"
	ErrKindInvalidRow       = "invalid_row"
	ErrKindSeqGap           = "seq_gap"
	ErrKindPrevHashMismatch = "prev_hash_mismatch"
	ErrKindHashMismatch     = "hash_mismatch"
	ErrKindIO               = "io_error"
)

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Entries  int    `json:"entries"`
	HeadHash string `json:"head_hash,omitempty"`
	Error    string `json:"error,omitempty"`
	Line     int    `json:"line,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// VerifyChain walks the ledger from the start and checks seq continuity,
// prev_hash linkage, and each recomputed hash. The first violation stops the
// walk. A trailing unterminated line is ignored. A missing ledger verifies as
// an empty chain.
func VerifyChain(path string) VerifyResult {
	lines, _, err := archive.ReadLines(path)
	if err != nil {
		return VerifyResult{OK: false, Error: ErrKindIO, Detail: err.Error()}
	}

	res := VerifyResult{OK: true}
	var prevSeq int64
	var prevHash string

	for _, line := range lines {
		fail := func(kind, detail string) VerifyResult {
			return VerifyResult{
				OK:       false,
				Entries:  res.Entries,
				HeadHash: res.HeadHash,
				Error:    kind,
				Line:     line.Num,
				Detail:   detail,
			}
		}

		var row map[string]any
		dec := json.NewDecoder(bytes.NewReader(line.Data))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			return fail(ErrKindInvalidJSON, err.Error())
		}
		if dec.More() {
			return fail(ErrKindInvalidJSON, "trailing data after entry")
		}

		seq, stamp, rowPrev, hash, record, detail := parseRow(row)
		if detail != "" {
			return fail(ErrKindInvalidRow, detail)
		}

		if seq != prevSeq+1 {
			return fail(ErrKindSeqGap, fmt.Sprintf("expected seq %d, got %d", prevSeq+1, seq))
		}
		if prevSeq == 0 {
			if rowPrev != nil {
				return fail(ErrKindPrevHashMismatch, "first entry must have null prev_hash")
			}
		} else if rowPrev == nil || *rowPrev != prevHash {
			return fail(ErrKindPrevHashMismatch, "prev_hash does not match previous entry hash")
		}

		computed, err := entryHash(seq, stamp, rowPrev, record)
		if err != nil {
			return fail(ErrKindInvalidRow, err.Error())
		}
		if computed != hash {
			return fail(ErrKindHashMismatch, fmt.Sprintf("stored %s, computed %s", hash, computed))
		}

		prevSeq = seq
		prevHash = hash
		res.Entries++
		res.HeadHash = hash
	}
	return res
}

func parseRow(row map[string]any) (seq int64, stamp string, prev *string, hash string, record json.RawMessage, detail string) {
	num, ok := row["seq"].(json.Number)
	if !ok {
		return 0, "", nil, "", nil, "seq missing or not a number"
	}
	seq, err := num.Int64()
	if err != nil {
		return 0, "", nil, "", nil, "seq is not an integer"
	}
	stamp, ok = row["timestamp_utc"].(string)
	if !ok {
		return 0, "", nil, "", nil, "timestamp_utc missing or not a string"
	}
	rawPrev, present := row["prev_hash"]
	if !present {
		return 0, "", nil, "", nil, "prev_hash missing"
	}
	switch v := rawPrev.(type) {
	case nil:
	case string:
		prev = &v
	default:
		return 0, "", nil, "", nil, "prev_hash must be null or a string"
	}
	hash, ok = row["hash"].(string)
	if !ok || hash == "" {
		return 0, "", nil, "", nil, "hash missing or not a string"
	}
	rec, present := row["record"]
	if !present {
		return 0, "", nil, "", nil, "record missing"
	}
	record, err = json.Marshal(rec)
	if err != nil {
		return 0, "", nil, "", nil, "record not encodable: " + err.Error()
	}
	return seq, stamp, prev, hash, record, ""
}
