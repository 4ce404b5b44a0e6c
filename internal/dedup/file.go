package dedup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileMirror appends records as JSON lines to a local file.
type FileMirror struct {
	path string

	mu sync.Mutex // single writer
	f  *os.File
}

// NewFileMirror opens (or creates) path for appending.
func NewFileMirror(path string) (*FileMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating dedup directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening dedup file: %w", err)
	}
	return &FileMirror{path: path, f: f}, nil
}

func (m *FileMirror) Name() string { return "file" }

// Load reads every well-formed line. Malformed lines, such as a last line cut
// short by a crash, are skipped.
func (m *FileMirror) Load(ctx context.Context) ([]Record, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dedup file: %w", err)
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil || r.FindingID == "" {
			slog.Warn("dedup: skipping malformed line", "file", m.path, "line", line)
			continue
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}

// Append writes rec as one line. If ctx expires first the write still
// completes in the background but Append returns ctx.Err().
func (m *FileMirror) Append(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	done := make(chan error, 1)
	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.f == nil {
			done <- os.ErrClosed
			return
		}
		_, err := m.f.Write(b)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *FileMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}
