// Package vespa materializes documents into a Vespa application over
// the document/v1 API. The schema is assumed deployed with the
// application package, so setup only verifies reachability. Vespa runs
// its own document processing chain, so this destination ingests raw
// entities without engine-side vectors.
package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/labels"
)

// visitPageSize bounds documents fetched per visit round trip when
// falling back to visit-then-delete.
const visitPageSize = 100

// Config locates a Vespa application and document type.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace"`
	DocType   string `json:"doc_type,omitempty" yaml:"doc_type"`
	// Cluster names the content cluster, required by selection-based
	// deletes on multi-cluster deployments.
	Cluster string `json:"cluster,omitempty" yaml:"cluster"`
}

// Validate returns an error if the Config isn't usable.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("missing vespa endpoint")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "airweave"
	}
	if c.DocType == "" {
		c.DocType = "entity"
	}
	return c
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
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Driver{
		cfg:    cfg,
		client: http.DefaultClient,
		logger: logger.WithField("docType", cfg.DocType),
	}, nil
}

// WithClient overrides the HTTP client, for tests.
func (d *Driver) WithClient(c *http.Client) *Driver {
	d.client = c
	return d
}

func (d *Driver) Name() string                       { return "vespa/" + d.cfg.DocType }
func (d *Driver) Processing() destination.Processing { return destination.RawEntities }

// SetupCollection verifies the application answers; the document type
// itself ships with the deployed application package.
func (d *Driver) SetupCollection(ctx context.Context, _ int) error {
	var status, raw, err = d.do(ctx, http.MethodGet, d.cfg.Endpoint+"/state/v1/health", nil)
	if err != nil {
		return fmt.Errorf("checking vespa health: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("vespa unhealthy: status %d: %s", status, raw)
	}
	return nil
}

func (d *Driver) BulkInsert(ctx context.Context, docs []*destination.Doc) error {
	for _, doc := range docs {
		var fields = make(map[string]any, len(doc.Payload)+1)
		for k, v := range doc.Payload {
			fields[k] = v
		}
		if doc.Text != "" {
			fields["text"] = doc.Text
		}

		var status, raw, err = d.do(ctx, http.MethodPut, d.docURL(doc.ID, nil),
			map[string]any{"fields": fields})
		if err != nil {
			return fmt.Errorf("putting document %s: %w", doc.ID, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("putting document %s: status %d: %s", doc.ID, status, raw)
		}
	}
	return nil
}

func (d *Driver) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	// Chunks of a deleted parent match on parent_entity_id and go with it.
	var terms = make([]string, 0, len(entityIDs)*2)
	for _, id := range entityIDs {
		terms = append(terms,
			d.fieldEquals(labels.EntityID, id),
			d.fieldEquals(labels.ParentEntityID, id))
	}
	return d.deleteBySelection(ctx, d.scopeToSync(anyOf(terms), syncID))
}

func (d *Driver) BulkDeleteByParent(ctx context.Context, parentID, syncID string) error {
	var sel = anyOf([]string{
		d.fieldEquals(labels.EntityID, parentID),
		d.fieldEquals(labels.ParentEntityID, parentID),
	})
	return d.deleteBySelection(ctx, d.scopeToSync(sel, syncID))
}

func (d *Driver) DeleteBySync(ctx context.Context, syncID string) error {
	return d.deleteBySelection(ctx, d.fieldEquals(labels.SyncID, syncID))
}

// deleteBySelection issues a selection-scoped DELETE, following
// continuation tokens until the selection is exhausted. Deployments
// which reject selection deletes fall back to visiting the selection
// and deleting document by document.
func (d *Driver) deleteBySelection(ctx context.Context, selection string) error {
	var params = url.Values{"selection": {selection}}
	if d.cfg.Cluster != "" {
		params.Set("cluster", d.cfg.Cluster)
	}

	for {
		var status, raw, err = d.do(ctx, http.MethodDelete, d.docURL("", params), nil)
		if err != nil {
			return fmt.Errorf("deleting by selection: %w", err)
		}
		switch {
		case status == http.StatusOK:
			// Pass.
		case status == http.StatusBadRequest || status == http.StatusMethodNotAllowed:
			d.logger.Debug("selection delete unsupported; visiting instead")
			return d.visitAndDelete(ctx, selection)
		default:
			return fmt.Errorf("deleting by selection: status %d: %s", status, raw)
		}

		var page struct {
			Continuation string `json:"continuation"`
		}
		if err = json.Unmarshal(raw, &page); err != nil || page.Continuation == "" {
			return nil
		}
		params.Set("continuation", page.Continuation)
	}
}

// visitAndDelete pages through the selection and removes each document
// individually.
func (d *Driver) visitAndDelete(ctx context.Context, selection string) error {
	var params = url.Values{
		"selection":           {selection},
		"wantedDocumentCount": {fmt.Sprint(visitPageSize)},
	}
	if d.cfg.Cluster != "" {
		params.Set("cluster", d.cfg.Cluster)
	}

	for {
		var status, raw, err = d.do(ctx, http.MethodGet, d.docURL("", params), nil)
		if err != nil {
			return fmt.Errorf("visiting selection: %w", err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("visiting selection: status %d: %s", status, raw)
		}

		var page struct {
			Documents []struct {
				ID string `json:"id"`
			} `json:"documents"`
			Continuation string `json:"continuation"`
		}
		if err = json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decoding visit page: %w", err)
		}

		for _, doc := range page.Documents {
			// Visit returns full document IDs, "id:{ns}:{type}::{docid}".
			var _, docid, found = strings.Cut(doc.ID, "::")
			if !found {
				continue
			}
			if status, raw, err = d.do(ctx, http.MethodDelete, d.docURL(docid, nil), nil); err != nil {
				return fmt.Errorf("deleting document %s: %w", docid, err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("deleting document %s: status %d: %s", docid, status, raw)
			}
		}
		if page.Continuation == "" {
			return nil
		}
		params.Set("continuation", page.Continuation)
	}
}

// docURL renders a document/v1 URL; an empty docid addresses the whole
// document type, as selection operations do.
func (d *Driver) docURL(docid string, params url.Values) string {
	var u = fmt.Sprintf("%s/document/v1/%s/%s/docid",
		d.cfg.Endpoint, d.cfg.Namespace, d.cfg.DocType)
	if docid != "" {
		u += "/" + url.PathEscape(docid)
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// fieldEquals renders a selection-language equality on one field.
func (d *Driver) fieldEquals(field, value string) string {
	return fmt.Sprintf("%s.%s==%q", d.cfg.DocType, field, value)
}

func anyOf(terms []string) string {
	if len(terms) == 1 {
		return terms[0]
	}
	return "(" + strings.Join(terms, " or ") + ")"
}

func (d *Driver) scopeToSync(selection, syncID string) string {
	return selection + " and " + d.fieldEquals(labels.SyncID, syncID)
}

// do performs one JSON request against the document API.
func (d *Driver) do(ctx context.Context, method, rawURL string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		var raw, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(raw)
	}

	var req, err = http.NewRequestWithContext(ctx, method, rawURL, buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

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
