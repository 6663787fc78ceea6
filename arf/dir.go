package arf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const jsonlExt = ".jsonl"

// DirStore archives records as JSONL files, one per group, under a
// local directory. Appends are serialized so concurrent workers can't
// interleave partial lines.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Append(_ context.Context, rec Record) error {
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now().UTC()
	}
	var line, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.EntityID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var path = filepath.Join(s.dir, GroupName(rec.Tag)+jsonlExt)
	var f *os.File
	if f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err = f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Close()
}

func (s *DirStore) List(_ context.Context) ([]string, error) {
	var entries, err = os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jsonlExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), jsonlExt))
	}
	return out, nil
}

func (s *DirStore) Open(_ context.Context, group string) (io.ReadCloser, error) {
	var f, err = os.Open(filepath.Join(s.dir, group+jsonlExt))
	if err != nil {
		return nil, fmt.Errorf("opening group %s: %w", group, err)
	}
	return f, nil
}
