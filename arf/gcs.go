package arf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// GCSStore archives records in a Cloud Storage bucket. Each record is
// its own immutable object, named so that lexical order matches capture
// order:
//
//	{prefix}/{group}/{RFC3339-nano timestamp}-{uuid}.json
//
// Opening a group streams its objects back as one JSONL document.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{
		bucket: client.Bucket(bucket),
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (s *GCSStore) groupPrefix(group string) string {
	if s.prefix == "" {
		return group + "/"
	}
	return s.prefix + "/" + group + "/"
}

func (s *GCSStore) Append(ctx context.Context, rec Record) error {
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now().UTC()
	}
	var line, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.EntityID, err)
	}

	var name = fmt.Sprintf("%s%s-%s.json",
		s.groupPrefix(GroupName(rec.Tag)),
		rec.CapturedAt.Format("2006-01-02T15:04:05.000000000Z"),
		uuid.NewString())

	var w = s.bucket.Object(name).NewWriter(ctx)
	if _, err = w.Write(line); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	var base = ""
	if s.prefix != "" {
		base = s.prefix + "/"
	}
	var it = s.bucket.Objects(ctx, &storage.Query{Prefix: base, Delimiter: "/"})

	var out []string
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("listing archive: %w", err)
		}
		if attrs.Prefix == "" {
			continue // A stray object at the root, not a group.
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, base), "/"))
	}
	return out, nil
}

func (s *GCSStore) Open(ctx context.Context, group string) (io.ReadCloser, error) {
	var it = s.bucket.Objects(ctx, &storage.Query{Prefix: s.groupPrefix(group)})

	// Groups are bounded by capture volume, not data volume: each object
	// is one source document. Buffering the group keeps Open simple.
	var buf bytes.Buffer
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("listing group %s: %w", group, err)
		}

		var r io.ReadCloser
		if r, err = s.bucket.Object(attrs.Name).NewReader(ctx); err != nil {
			return nil, fmt.Errorf("opening %s: %w", attrs.Name, err)
		}
		if _, err = buf.ReadFrom(r); err != nil {
			r.Close()
			return nil, fmt.Errorf("reading %s: %w", attrs.Name, err)
		}
		r.Close()
		buf.WriteByte('\n')
	}
	return io.NopCloser(&buf), nil
}
