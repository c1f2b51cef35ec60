package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrShortWrite is returned when an append did not write the full line.
var ErrShortWrite = errors.New("partial append")

// Line is one complete newline-terminated line of a JSONL file.
type Line struct {
	Num  int
	Data []byte
}

// AppendJSONL marshals value and appends it to path as a single line using
// O_APPEND, so independent writers interleave at line boundaries.
func AppendJSONL(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	return AppendLine(path, data)
}

// AppendLine appends data plus a trailing newline with one write call.
func AppendLine(path string, data []byte) error {
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("line contains newline")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	n, err := f.Write(buf)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes to %s", ErrShortWrite, n, len(buf), path)
	}
	return nil
}

// ReadLines returns every complete line in path. A trailing fragment that
// does not end in a newline is dropped and reported through truncated.
// A missing file yields no lines and no error.
func ReadLines(path string) (lines []Line, truncated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	num := 0
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			truncated = true
			break
		}
		num++
		lines = append(lines, Line{Num: num, Data: bytes.TrimSuffix(data[:idx], []byte("\r"))})
		data = data[idx+1:]
	}
	return lines, truncated, nil
}

// Tail returns the last n complete, non-blank lines of path.
func Tail(path string, n int) ([]Line, error) {
	lines, _, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	nonBlank := lines[:0]
	for _, l := range lines {
		if len(bytes.TrimSpace(l.Data)) > 0 {
			nonBlank = append(nonBlank, l)
		}
	}
	if n <= 0 || n >= len(nonBlank) {
		return nonBlank, nil
	}
	return nonBlank[len(nonBlank)-n:], nil
}

const tailChunk = 4096

// LastLine returns the last complete non-blank line of path without reading
// the whole file. complete is false when the file ends in an unterminated
// fragment. A missing or empty file returns nil data and complete=true.
func LastLine(path string) (data []byte, complete bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := info.Size()
	if size == 0 {
		return nil, true, nil
	}

	complete = true
	var tail []byte
	offset := size
	for offset > 0 {
		readSize := int64(tailChunk)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		tail = append(chunk, tail...)
		if offset+readSize == size {
			complete = tail[len(tail)-1] == '\n'
		}

		body := tail
		if !complete {
			// Drop the unterminated fragment; it is not a line yet.
			cut := bytes.LastIndexByte(body, '\n')
			if cut < 0 {
				continue
			}
			body = body[:cut+1]
		}
		trimmed := bytes.TrimRight(body, "\r\n\t ")
		if len(trimmed) == 0 {
			continue
		}
		if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
			return append([]byte(nil), trimmed[idx+1:]...), complete, nil
		}
		if offset == 0 {
			return append([]byte(nil), trimmed...), complete, nil
		}
	}
	return nil, complete, nil
}
