// Package arf is the append-only replay file store: raw source documents
// captured during a live sync, grouped by entity definition tag, which a
// later run can re-ingest without touching the live API.
package arf

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Record is one captured source document. Document is the raw entity
// JSON exactly as the source produced it.
type Record struct {
	Tag        string          `json:"tag"`
	EntityID   string          `json:"entity_id"`
	Document   json.RawMessage `json:"document"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Store is an append-only archive of Records in named groups. Groups
// map one-to-one to entity definition tags; records within a group
// replay in append order.
type Store interface {
	// Append adds a record to its tag's group.
	Append(ctx context.Context, rec Record) error
	// List returns the store's group names.
	List(ctx context.Context) ([]string, error)
	// Open streams a group's records as JSON lines.
	Open(ctx context.Context, group string) (io.ReadCloser, error)
}

// GroupName renders a tag as a filesystem- and object-safe group name.
// Tags use "/" as a namespace separator, which storage backends can't.
func GroupName(tag string) string {
	return strings.ReplaceAll(tag, "/", "__")
}

// ReadRecords parses a group stream.
func ReadRecords(r io.Reader) ([]Record, error) {
	var scanner = bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []Record
	for scanner.Scan() {
		var line = strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parsing record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return out, nil
}
