package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendAndReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "log.jsonl")

	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	lines, truncated, err := ReadLines(path)
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if truncated {
		t.Fatalf("expected no truncation")
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if string(lines[2].Data) != `{"n":2}` || lines[2].Num != 3 {
		t.Fatalf("unexpected last line: %+v", lines[2])
	}
}

func TestReadLinesIgnoresTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":1}\n{\"b\":"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines, truncated, err := ReadLines(path)
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if !truncated {
		t.Fatalf("expected truncated tail to be reported")
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 complete line, got %d", len(lines))
	}
}

func TestReadLinesMissingFile(t *testing.T) {
	lines, truncated, err := ReadLines(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil || truncated || len(lines) != 0 {
		t.Fatalf("expected empty result, got %v %v %v", lines, truncated, err)
	}
}

func TestAppendLineRejectsNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := AppendLine(path, []byte("a\nb")); err == nil {
		t.Fatalf("expected error for embedded newline")
	}
}

func TestLastLine(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		content  string
		want     string
		complete bool
	}{
		{name: "empty", content: "", want: "", complete: true},
		{name: "single", content: "one\n", want: "one", complete: true},
		{name: "several", content: "one\ntwo\nthree\n", want: "three", complete: true},
		{name: "trailing blank", content: "one\ntwo\n\n", want: "two", complete: true},
		{name: "fragment", content: "one\ntwo\nthr", want: "two", complete: false},
		{name: "only fragment", content: "thr", want: "", complete: false},
		{name: "long", content: strings.Repeat("x", 5000) + "\n" + strings.Repeat("y", 9000) + "\n", want: strings.Repeat("y", 9000), complete: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, complete, err := LastLine(path)
			if err != nil {
				t.Fatalf("last line: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if complete != tt.complete {
				t.Fatalf("expected complete=%v, got %v", tt.complete, complete)
			}
		})
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for _, s := range []string{"a", "b", "c", "d"} {
		if err := AppendLine(path, []byte(s)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	lines, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 2 || string(lines[0].Data) != "c" || string(lines[1].Data) != "d" {
		t.Fatalf("unexpected tail: %+v", lines)
	}
}

func TestWriteSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snap.json")
	in := map[string]any{"mode": "CODE"}
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	var out map[string]any
	found, err := ReadSnapshot(path, &out)
	if err != nil || !found {
		t.Fatalf("read snapshot: found=%v err=%v", found, err)
	}
	if out["mode"] != "CODE" {
		t.Fatalf("unexpected snapshot: %v", out)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
}

func TestStoreBlobDeduplicates(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	first, err := store.StoreBlob("stdout", []byte("hello"))
	if err != nil {
		t.Fatalf("store blob: %v", err)
	}
	second, err := store.StoreBlob("stdout", []byte("hello"))
	if err != nil {
		t.Fatalf("store blob again: %v", err)
	}
	if first.SHA256 != second.SHA256 || first.Path != second.Path {
		t.Fatalf("expected identical refs, got %+v and %+v", first, second)
	}
	data, err := store.LoadBlob(first.SHA256)
	if err != nil {
		t.Fatalf("load blob: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected blob: %q", data)
	}
}
