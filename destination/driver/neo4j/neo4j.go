// Package neo4j materializes documents as a property graph: one node
// per document, IS_PARENT_OF relationships from parents to their
// chunks, and tenancy properties on every node so deletes stay scoped
// to their sync. Neo4j ingests raw entities; graph queries don't need
// engine-side vectors.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/destination"
)

// Config locates a Neo4j deployment.
type Config struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	Database string `json:"database,omitempty" yaml:"database"`
}

// Validate returns an error if the Config isn't usable.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("missing neo4j uri")
	}
	return nil
}

type Driver struct {
	cfg    Config
	driver neo4j.DriverWithContext
	logger *log.Entry
}

func New(cfg Config, logger *log.Entry) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var drv, err = neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Driver{
		cfg:    cfg,
		driver: drv,
		logger: logger.WithField("uri", cfg.URI),
	}, nil
}

// Close releases the underlying connection pool.
func (d *Driver) Close(ctx context.Context) error { return d.driver.Close(ctx) }

func (d *Driver) Name() string                       { return "neo4j/" + d.cfg.URI }
func (d *Driver) Processing() destination.Processing { return destination.RawEntities }

// SetupCollection installs the document-identity uniqueness constraint.
func (d *Driver) SetupCollection(ctx context.Context, _ int) error {
	if err := d.write(ctx, constraintStatement(), nil); err != nil {
		return fmt.Errorf("creating uniqueness constraint: %w", err)
	}
	return nil
}

func (d *Driver) BulkInsert(ctx context.Context, docs []*destination.Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var rows = make([]map[string]any, len(docs))
	var links []map[string]any
	for i, doc := range docs {
		rows[i] = map[string]any{
			"doc_id": doc.ID,
			"props":  nodeProps(doc),
		}
		if doc.ParentID != "" {
			links = append(links, map[string]any{
				"doc_id":        doc.ID,
				"parent_doc_id": destination.DocID(doc.CollectionID, doc.ParentID),
			})
		}
	}

	if err := d.write(ctx, upsertStatement(), map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("merging %d nodes: %w", len(rows), err)
	}
	if len(links) > 0 {
		if err := d.write(ctx, relateStatement(), map[string]any{"rows": links}); err != nil {
			return fmt.Errorf("merging %d parent relationships: %w", len(links), err)
		}
	}
	return nil
}

func (d *Driver) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return d.write(ctx, deleteStatement(), map[string]any{
		"sync_id":    syncID,
		"entity_ids": entityIDs,
	})
}

func (d *Driver) BulkDeleteByParent(ctx context.Context, parentID, syncID string) error {
	return d.write(ctx, deleteByParentStatement(), map[string]any{
		"sync_id":   syncID,
		"parent_id": parentID,
	})
}

func (d *Driver) DeleteBySync(ctx context.Context, syncID string) error {
	return d.write(ctx, deleteBySyncStatement(), map[string]any{"sync_id": syncID})
}

// write runs one statement in a managed write transaction.
func (d *Driver) write(ctx context.Context, stmt string, params map[string]any) error {
	var session = d.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: d.cfg.Database})
	defer session.Close(ctx)

	var _, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, stmt, params)
	})
	return err
}

// nodeProps flattens a document into Neo4j node properties. Property
// values must be scalars or arrays of scalars, so nested payload values
// are carried as their JSON encoding.
func nodeProps(doc *destination.Doc) map[string]any {
	var props = make(map[string]any, len(doc.Payload)+2)
	for k, v := range doc.Payload {
		switch v.(type) {
		case nil:
			// Pass.
		case string, bool, int, int64, float64:
			props[k] = v
		default:
			if raw, err := json.Marshal(v); err == nil {
				props[k] = string(raw)
			}
		}
	}
	props["doc_id"] = doc.ID
	if doc.Text != "" {
		props["text"] = doc.Text
	}
	return props
}
