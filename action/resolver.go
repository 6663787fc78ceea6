// Package action decides what a sync run does with each incoming entity:
// insert it, update it, keep it, or delete it. The decision compares the
// entity's content hash against the stored row from previous runs, in
// bulk, one store round trip per batch.
package action

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/store"
)

// Action classifies an entity's disposition for this run.
type Action string

const (
	Insert Action = "INSERT"
	Update Action = "UPDATE"
	Keep   Action = "KEEP"
	Delete Action = "DELETE"
)

// Resolved pairs an entity with its resolved definition and action.
type Resolved struct {
	Entity       entity.Entity
	DefinitionID string
	Action       Action
	// SkipContentHandlers marks an insert whose content already lives in
	// the collection via another sync: the row is tracked, but no new
	// destination documents are produced.
	SkipContentHandlers bool
}

// Batch is a resolved micro-batch, split by action.
type Batch struct {
	Inserts []Resolved
	Updates []Resolved
	Keeps   []Resolved
	Deletes []Resolved
}

// Len is the total number of resolved entities.
func (b Batch) Len() int {
	return len(b.Inserts) + len(b.Updates) + len(b.Keeps) + len(b.Deletes)
}

// Store is the subset of the SQL store the resolver reads.
type Store interface {
	GetEntities(ctx context.Context, syncID string, keys []store.Key) (map[store.Key]store.EntityRow, error)
	GetCollectionEntities(ctx context.Context, collectionID string, keys []store.Key) (map[store.Key][]store.EntityRow, error)
}

// Resolver classifies batches for one sync run.
type Resolver struct {
	store        Store
	registry     *entity.Registry
	syncID       string
	collectionID string
	// dedupe enables the collection-scope read which suppresses content
	// handling for entities another sync already delivered.
	dedupe bool
	// skipHashComparison forces INSERT for every entity, for replaying
	// an archive into a fresh sync.
	skipHashComparison bool
	logger             *log.Entry
}

// Config carries the per-run switches of a Resolver.
type Config struct {
	SyncID             string
	CollectionID       string
	Dedupe             bool
	SkipHashComparison bool
}

func NewResolver(s Store, registry *entity.Registry, cfg Config, logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Resolver{
		store:              s,
		registry:           registry,
		syncID:             cfg.SyncID,
		collectionID:       cfg.CollectionID,
		dedupe:             cfg.Dedupe,
		skipHashComparison: cfg.SkipHashComparison,
		logger:             logger,
	}
}

// Resolve classifies a batch. Every non-deletion entity must already
// carry its content hash; a missing hash means the pipeline was wired
// wrong and fails the run rather than guessing.
func (r *Resolver) Resolve(ctx context.Context, ents []entity.Entity) (Batch, error) {
	var out Batch
	var pending []Resolved
	var keys []store.Key

	for _, e := range ents {
		var defID, err = r.registry.DefinitionID(e)
		if err != nil {
			return Batch{}, &entity.FailRun{Reason: "resolving entity definition", Cause: err}
		}

		if del, ok := e.(*entity.Deletion); ok {
			out.Deletes = append(out.Deletes, Resolved{
				Entity:       del,
				DefinitionID: defID,
				Action:       Delete,
			})
			continue
		}

		if entity.Meta(e).Hash == "" {
			return Batch{}, entity.FailRunf("entity %s reached resolution without a content hash", e.EntityID())
		}

		var res = Resolved{Entity: e, DefinitionID: defID}
		if r.skipHashComparison {
			res.Action = Insert
			out.Inserts = append(out.Inserts, res)
			continue
		}
		pending = append(pending, res)
		keys = append(keys, store.Key{DefinitionID: defID, EntityID: e.EntityID()})
	}

	if len(pending) == 0 {
		return out, nil
	}

	var stored, err = r.store.GetEntities(ctx, r.syncID, keys)
	if err != nil {
		return Batch{}, fmt.Errorf("looking up stored entities: %w", err)
	}

	var elsewhere map[store.Key][]store.EntityRow
	if r.dedupe {
		if elsewhere, err = r.store.GetCollectionEntities(ctx, r.collectionID, keys); err != nil {
			return Batch{}, fmt.Errorf("looking up collection entities: %w", err)
		}
	}

	for i, res := range pending {
		var key = keys[i]
		var row, ok = stored[key]
		switch {
		case !ok:
			res.Action = Insert
			if r.dedupe && heldByOtherSync(elsewhere[key], r.syncID) {
				res.SkipContentHandlers = true
			}
			out.Inserts = append(out.Inserts, res)
		case row.Hash == entity.Meta(res.Entity).Hash:
			res.Action = Keep
			out.Keeps = append(out.Keeps, res)
		default:
			res.Action = Update
			out.Updates = append(out.Updates, res)
		}
	}

	r.logger.WithFields(log.Fields{
		"inserts": len(out.Inserts),
		"updates": len(out.Updates),
		"keeps":   len(out.Keeps),
		"deletes": len(out.Deletes),
	}).Debug("resolved batch")

	return out, nil
}

func heldByOtherSync(rows []store.EntityRow, syncID string) bool {
	for _, row := range rows {
		if row.SyncID != syncID {
			return true
		}
	}
	return false
}
