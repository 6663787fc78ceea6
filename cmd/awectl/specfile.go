package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/dag"
	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/destination/driver/neo4j"
	"github.com/airweave-ai/sync-engine/destination/driver/qdrant"
	"github.com/airweave-ai/sync-engine/destination/driver/vespa"
	"github.com/airweave-ai/sync-engine/embed"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/filestore"
	"github.com/airweave-ai/sync-engine/pipeline"
	"github.com/airweave-ai/sync-engine/runtime"
	"github.com/airweave-ai/sync-engine/source"
	"github.com/airweave-ai/sync-engine/source/driver/postgres"
	"github.com/airweave-ai/sync-engine/source/driver/stripe"
	"github.com/airweave-ai/sync-engine/store"
	"github.com/airweave-ai/sync-engine/transform"
)

// SyncSpec is the YAML file format describing one sync end to end: its
// identity, source, tracking database, destinations, and routing graph.
type SyncSpec struct {
	Sync struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		CollectionID string `yaml:"collection_id"`
	} `yaml:"sync"`

	Source struct {
		Type        string         `yaml:"type"`
		Credentials map[string]any `yaml:"credentials"`
		Config      map[string]any `yaml:"config"`
	} `yaml:"source"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Embedding struct {
		Endpoint   string `yaml:"endpoint"`
		APIKey     string `yaml:"api_key"`
		Model      string `yaml:"model"`
		Dimensions int    `yaml:"dimensions"`
	} `yaml:"embedding"`

	Files struct {
		BaseDir string `yaml:"base_dir"`
	} `yaml:"files"`

	// Capture archives every streamed entity into a replay directory.
	Capture struct {
		Dir string `yaml:"dir"`
	} `yaml:"capture"`

	Chunking struct {
		MaxSize int `yaml:"max_size"`
	} `yaml:"chunking"`

	// Definitions bind entity tags to their definition IDs. A definition
	// with table set is the reserved home of polymorphic table rows.
	Definitions []struct {
		Tag          string `yaml:"tag"`
		DefinitionID string `yaml:"definition_id"`
		Table        bool   `yaml:"table"`
	} `yaml:"definitions"`

	Destinations []DestinationSpec `yaml:"destinations"`

	Graph struct {
		Nodes []struct {
			ID           string `yaml:"id"`
			Kind         string `yaml:"kind"`
			Name         string `yaml:"name"`
			Transformer  string `yaml:"transformer"`
			DefinitionID string `yaml:"definition_id"`
		} `yaml:"nodes"`
		Edges []struct {
			From         string `yaml:"from"`
			To           string `yaml:"to"`
			DefinitionID string `yaml:"definition_id"`
		} `yaml:"edges"`
	} `yaml:"graph"`
}

// DestinationSpec binds one graph destination node to a backend.
type DestinationSpec struct {
	Node   string         `yaml:"node"`
	Type   string         `yaml:"type"`
	Qdrant *qdrant.Config `yaml:"qdrant,omitempty"`
	Vespa  *vespa.Config  `yaml:"vespa,omitempty"`
	Neo4j  *neo4j.Config  `yaml:"neo4j,omitempty"`
}

// LoadSpec reads and validates a sync spec file.
func LoadSpec(path string) (SyncSpec, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return SyncSpec{}, fmt.Errorf("reading spec file: %w", err)
	}
	var spec SyncSpec
	if err = yaml.Unmarshal(raw, &spec); err != nil {
		return SyncSpec{}, fmt.Errorf("parsing spec file: %w", err)
	}
	return spec, spec.Validate()
}

// Validate returns an error if the spec isn't runnable.
func (s SyncSpec) Validate() error {
	switch {
	case s.Sync.ID == "":
		return fmt.Errorf("spec: missing sync.id")
	case s.Sync.CollectionID == "":
		return fmt.Errorf("spec: missing sync.collection_id")
	case s.Source.Type == "":
		return fmt.Errorf("spec: missing source.type")
	case s.Database.DSN == "":
		return fmt.Errorf("spec: missing database.dsn")
	case len(s.Destinations) == 0:
		return fmt.Errorf("spec: at least one destination is required")
	case len(s.Graph.Nodes) == 0:
		return fmt.Errorf("spec: missing routing graph")
	}
	for _, d := range s.Destinations {
		if d.Node == "" {
			return fmt.Errorf("spec: destination missing its graph node")
		}
		switch d.Type {
		case "qdrant", "vespa", "neo4j":
			// Pass.
		default:
			return fmt.Errorf("spec: unknown destination type %q", d.Type)
		}
	}
	return nil
}

// sourceRegistry holds every connector type awectl can build.
func sourceRegistry() *source.Registry {
	var reg = source.NewRegistry()
	// Registration of compiled-in connectors cannot collide.
	_ = reg.Register("stripe", stripe.NewFactory())
	_ = reg.Register("postgres", postgres.NewFactory())
	return reg
}

// buildSource constructs the spec's connector.
func buildSource(spec SyncSpec) (source.Source, error) {
	var creds, err = json.Marshal(spec.Source.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding source credentials: %w", err)
	}
	var config []byte
	if config, err = json.Marshal(spec.Source.Config); err != nil {
		return nil, fmt.Errorf("encoding source config: %w", err)
	}
	return sourceRegistry().Create(spec.Source.Type, creds, config)
}

// bundle is a fully wired sync, ready to run.
type bundle struct {
	sc    runtime.SyncContext
	store *store.SQL
	redis *redis.Client
}

func (b *bundle) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	b.store.Close()
}

// build wires the spec into a runtime.SyncContext.
func build(ctx context.Context, spec SyncSpec, logger *log.Entry) (*bundle, error) {
	var src, err = buildSource(spec)
	if err != nil {
		return nil, err
	}
	return buildWithSource(ctx, spec, src, logger)
}

func buildWithSource(ctx context.Context, spec SyncSpec, src source.Source, logger *log.Entry) (*bundle, error) {
	var st, err = store.Open(spec.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err = st.Install(ctx); err != nil {
		st.Close()
		return nil, err
	}

	var b = &bundle{store: st}
	if err = b.wire(spec, src, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *bundle) wire(spec SyncSpec, src source.Source, logger *log.Entry) error {
	var registry = entity.NewRegistry()
	for _, d := range spec.Definitions {
		if d.Table {
			registry.RegisterTableDefinition(d.DefinitionID)
			continue
		}
		if err := registry.Register(d.Tag, d.DefinitionID); err != nil {
			return err
		}
	}

	var graph, err = b.graph(spec)
	if err != nil {
		return err
	}
	var transformers *transform.Registry
	if transformers, err = transform.NewRegistry(
		&transform.EntityChunker{Chunker: transform.Recursive{MaxSize: spec.Chunking.MaxSize}},
	); err != nil {
		return err
	}
	var router *dag.Router
	if router, err = dag.NewRouter(graph, transformers, registry, logger); err != nil {
		return err
	}

	var fanout *destination.Fanout
	if fanout, err = buildDestinations(spec, logger); err != nil {
		return err
	}

	var dense *embed.OpenAI
	if fanout.RequiresEmbedding() {
		if spec.Embedding.Model == "" {
			return fmt.Errorf("spec: a destination requires embedding but no embedding model is configured")
		}
		dense = embed.NewOpenAI(spec.Embedding.Endpoint, spec.Embedding.APIKey,
			spec.Embedding.Model, spec.Embedding.Dimensions)
	}

	var converters *transform.ConverterRouter
	if converters, err = transform.NewConverterRouter(transform.Text{}); err != nil {
		return err
	}
	var fileOpts []filestore.Option
	if spec.Files.BaseDir != "" {
		fileOpts = append(fileOpts, filestore.WithBaseDir(spec.Files.BaseDir))
	}
	var files = filestore.NewService(fileOpts...)

	var deps = pipeline.Deps{
		Files:      files,
		Converters: converters,
		Logger:     logger,
	}
	if dense != nil {
		deps.Dense = dense
		deps.Sparse = embed.NewHashedSparse()
	}

	if spec.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     spec.Redis.Addr,
			Password: spec.Redis.Password,
		})
	}

	b.sc = runtime.SyncContext{
		Sync: store.Sync{
			ID:           spec.Sync.ID,
			Name:         spec.Sync.Name,
			CollectionID: spec.Sync.CollectionID,
			SourceName:   src.Name(),
		},
		Source:       src,
		Store:        b.store,
		Registry:     registry,
		Router:       router,
		Pipeline:     pipeline.New(deps),
		Destinations: fanout,
		Files:        files,
	}
	if b.redis != nil {
		b.sc.Redis = b.redis
	}
	if spec.Capture.Dir != "" {
		var archive *arf.DirStore
		if archive, err = arf.NewDirStore(spec.Capture.Dir); err != nil {
			return err
		}
		b.sc.Capture = archive
	}
	return nil
}

func (b *bundle) graph(spec SyncSpec) (*dag.Graph, error) {
	var nodes = make([]dag.Node, len(spec.Graph.Nodes))
	for i, n := range spec.Graph.Nodes {
		nodes[i] = dag.Node{
			ID:           n.ID,
			Kind:         dag.NodeKind(n.Kind),
			Name:         n.Name,
			Transformer:  n.Transformer,
			DefinitionID: n.DefinitionID,
		}
	}
	var edges = make([]dag.Edge, len(spec.Graph.Edges))
	for i, e := range spec.Graph.Edges {
		edges[i] = dag.Edge{From: e.From, To: e.To, DefinitionID: e.DefinitionID}
	}
	return dag.NewGraph(nodes, edges)
}

func buildDestinations(spec SyncSpec, logger *log.Entry) (*destination.Fanout, error) {
	var byNode = make(map[string]destination.Destination, len(spec.Destinations))
	for _, d := range spec.Destinations {
		var dest destination.Destination
		var err error
		switch d.Type {
		case "qdrant":
			if d.Qdrant == nil {
				return nil, fmt.Errorf("spec: destination %s is missing its qdrant block", d.Node)
			}
			dest, err = qdrant.New(*d.Qdrant, logger)
		case "vespa":
			if d.Vespa == nil {
				return nil, fmt.Errorf("spec: destination %s is missing its vespa block", d.Node)
			}
			dest, err = vespa.New(*d.Vespa, logger)
		case "neo4j":
			if d.Neo4j == nil {
				return nil, fmt.Errorf("spec: destination %s is missing its neo4j block", d.Node)
			}
			dest, err = neo4j.New(*d.Neo4j, logger)
		}
		if err != nil {
			return nil, err
		}
		byNode[d.Node] = dest
	}
	return destination.NewFanout(byNode, logger), nil
}
