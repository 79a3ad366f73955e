package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
)

// Abstracts can run long; allow lines up to 8 MiB.
const maxLineBytes = 8 * 1024 * 1024

// ForEachLine streams the non-blank lines of a JSONL file to fn. Line
// numbers are 1-based file positions. The line slice is only valid for
// the duration of the callback.
func ForEachLine(path string, fn func(line []byte, lineNo int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line, lineNo); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return eris.Wrapf(err, "dataset: read %s", path)
	}
	return nil
}

// IsNotExist reports whether err stems from a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// JSONLWriter writes JSON rows to a file, one object per line.
type JSONLWriter struct {
	f   *os.File
	enc *json.Encoder
}

// NewJSONLWriter creates or truncates the file at path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: create %s", path)
	}
	return &JSONLWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// OpenJSONLAppend opens path for appending, creating it if needed.
func OpenJSONLAppend(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open %s for append", path)
	}
	return &JSONLWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one row.
func (w *JSONLWriter) Write(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return eris.Wrap(err, "dataset: encode row")
	}
	return nil
}

// Close closes the underlying file.
func (w *JSONLWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return eris.Wrap(err, "dataset: close output")
	}
	return nil
}

// WriteJSONL writes all rows to path, one per line.
func WriteJSONL[T any](path string, rows []T) error {
	w, err := NewJSONLWriter(path)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.Close()
}
