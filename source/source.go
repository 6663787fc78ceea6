// Package source defines the connector contract every data source
// implements, the factory registry the engine resolves connectors from,
// and the bounded stream which pulls a connector's entity generator into
// a run.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/auth"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/filestore"
)

// Result is one item of a connector's generator stream: an entity, a
// cursor patch, or a terminal error. Cursor is an RFC 7396 merge patch
// against the sync's persisted cursor; it may accompany an entity or
// stand alone as a checkpoint marker.
type Result struct {
	Entity entity.Entity
	Cursor json.RawMessage
	Err    error
}

// Source is a data connector. GenerateEntities is the sole producer: it
// returns a channel the connector closes when exhausted, sending a final
// Result with Err set if it failed partway. The setters inject run-time
// collaborators before generation starts; connectors which don't need
// one simply ignore the call.
type Source interface {
	Name() string

	// Validate probes the source cheaply, confirming the credentials and
	// configuration can reach it.
	Validate(ctx context.Context) error

	SetTokenManager(tm *auth.Manager)
	SetLogger(logger *log.Entry)
	SetDownloader(fs *filestore.Service)

	// SetCursor hands the connector the sync's persisted cursor before
	// generation. An empty object means a full sync.
	SetCursor(cursor json.RawMessage)

	GenerateEntities(ctx context.Context) <-chan Result
}

// Base provides the setter plumbing shared by connectors. Embedders get
// the injected collaborators through the accessor methods, each of which
// degrades to a safe default when nothing was injected.
type Base struct {
	tokens     *auth.Manager
	logger     *log.Entry
	downloader *filestore.Service
	cursor     json.RawMessage
}

func (b *Base) SetTokenManager(tm *auth.Manager)    { b.tokens = tm }
func (b *Base) SetLogger(logger *log.Entry)         { b.logger = logger }
func (b *Base) SetDownloader(fs *filestore.Service) { b.downloader = fs }
func (b *Base) SetCursor(cursor json.RawMessage)    { b.cursor = cursor }
func (b *Base) TokenManager() *auth.Manager         { return b.tokens }
func (b *Base) Downloader() *filestore.Service      { return b.downloader }

func (b *Base) Cursor() json.RawMessage {
	if len(b.cursor) == 0 {
		return json.RawMessage("{}")
	}
	return b.cursor
}

func (b *Base) Logger() *log.Entry {
	if b.logger == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return b.logger
}

// Factory builds a connector from its connection credentials and
// configuration, both as raw JSON the factory decodes and validates.
type Factory func(credentials, config json.RawMessage) (Source, error)

// Registry is the closed set of connector types.
type Registry struct {
	byName map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Factory)}
}

// Register binds a connector type name to its factory.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("registering source: empty name or nil factory")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("source type %q registered twice", name)
	}
	r.byName[name] = f
	return nil
}

// Create instantiates a connector by type name.
func (r *Registry) Create(name string, credentials, config json.RawMessage) (Source, error) {
	var f, ok = r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", name)
	}
	var src, err = f(credentials, config)
	if err != nil {
		return nil, fmt.Errorf("creating %s source: %w", name, err)
	}
	return src, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	var out = make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
