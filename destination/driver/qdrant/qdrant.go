// Package qdrant materializes documents into a Qdrant collection over
// its HTTP API: named dense + sparse vectors per point, with tenancy
// filters on every delete.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/labels"
)

// pointNamespace salts the derivation of point UUIDs from document IDs.
// Qdrant accepts only UUID or integer point IDs, so the deterministic
// string identity is folded into a v5 UUID.
var pointNamespace = uuid.MustParse("8b7d81bd-1c3a-4f8f-9c43-cf1e3a41f2d1")

// Config locates a Qdrant deployment and collection.
type Config struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key"`
	Collection string `json:"collection" yaml:"collection"`
}

// Validate returns an error if the Config isn't usable.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("missing qdrant endpoint")
	}
	if c.Collection == "" {
		return fmt.Errorf("missing qdrant collection")
	}
	return nil
}

type Driver struct {
	cfg    Config
	client *http.Client
	logger *log.Entry
}

func New(cfg Config, logger *log.Entry) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Driver{
		cfg:    cfg,
		client: http.DefaultClient,
		logger: logger.WithField("collection", cfg.Collection),
	}, nil
}

// WithClient overrides the HTTP client, for tests.
func (d *Driver) WithClient(c *http.Client) *Driver {
	d.client = c
	return d
}

func (d *Driver) Name() string                       { return "qdrant/" + d.cfg.Collection }
func (d *Driver) Processing() destination.Processing { return destination.RequiresEmbedded }

// SetupCollection creates the collection with named dense and sparse
// vector spaces if it doesn't exist yet.
func (d *Driver) SetupCollection(ctx context.Context, vectorSize int) error {
	var status, _, err = d.do(ctx, http.MethodGet, "/collections/"+d.cfg.Collection, nil)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}

	var body = map[string]any{
		"vectors": map[string]any{
			"dense": map[string]any{"size": vectorSize, "distance": "Cosine"},
		},
		"sparse_vectors": map[string]any{
			"sparse": map[string]any{},
		},
	}
	if status, _, err = d.do(ctx, http.MethodPut, "/collections/"+d.cfg.Collection, body); err != nil {
		return fmt.Errorf("creating collection: %w", err)
	} else if status != http.StatusOK {
		return fmt.Errorf("creating collection: status %d", status)
	}
	d.logger.WithField("vectorSize", vectorSize).Info("created qdrant collection")
	return nil
}

type point struct {
	ID      string         `json:"id"`
	Vector  map[string]any `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (d *Driver) BulkInsert(ctx context.Context, docs []*destination.Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var points = make([]point, len(docs))
	for i, doc := range docs {
		var vector = map[string]any{}
		if doc.Dense != nil {
			vector["dense"] = doc.Dense
		}
		if doc.Sparse != nil {
			vector["sparse"] = map[string]any{
				"indices": doc.Sparse.Indices,
				"values":  doc.Sparse.Values,
			}
		}
		points[i] = point{
			ID:      uuid.NewSHA1(pointNamespace, []byte(doc.ID)).String(),
			Vector:  vector,
			Payload: doc.Payload,
		}
	}

	var status, raw, err = d.do(ctx, http.MethodPut,
		"/collections/"+d.cfg.Collection+"/points?wait=true",
		map[string]any{"points": points})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	} else if status != http.StatusOK {
		return fmt.Errorf("upserting points: status %d: %s", status, raw)
	}
	return nil
}

func (d *Driver) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	// Chunks of a deleted parent go with it.
	return d.deleteByFilter(ctx, map[string]any{
		"must": []any{
			matchValue(labels.SyncID, syncID),
		},
		"should": []any{
			matchAny(labels.EntityID, entityIDs),
			matchAny(labels.ParentEntityID, entityIDs),
		},
	})
}

func (d *Driver) BulkDeleteByParent(ctx context.Context, parentID, syncID string) error {
	return d.deleteByFilter(ctx, map[string]any{
		"must": []any{
			matchValue(labels.SyncID, syncID),
		},
		"should": []any{
			matchValue(labels.EntityID, parentID),
			matchValue(labels.ParentEntityID, parentID),
		},
	})
}

func (d *Driver) DeleteBySync(ctx context.Context, syncID string) error {
	return d.deleteByFilter(ctx, map[string]any{
		"must": []any{matchValue(labels.SyncID, syncID)},
	})
}

// deleteByFilter is inherently idempotent: deleting zero matching points
// is success.
func (d *Driver) deleteByFilter(ctx context.Context, filter map[string]any) error {
	var status, raw, err = d.do(ctx, http.MethodPost,
		"/collections/"+d.cfg.Collection+"/points/delete?wait=true",
		map[string]any{"filter": filter})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	} else if status != http.StatusOK {
		return fmt.Errorf("deleting points: status %d: %s", status, raw)
	}
	return nil
}

func matchValue(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func matchAny(key string, values []string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"any": values}}
}

// do performs one JSON request against the Qdrant API.
func (d *Driver) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		var raw, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(raw)
	}

	var req, err = http.NewRequestWithContext(ctx, method, d.cfg.Endpoint+path, buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("api-key", d.cfg.APIKey)
	}

	var resp *http.Response
	if resp, err = d.client.Do(req); err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var raw []byte
	if raw, err = io.ReadAll(resp.Body); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
