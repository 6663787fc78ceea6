// Package replay is the archive re-ingestion connector: it streams
// previously captured raw documents out of an ARF store instead of a
// live API. Runs over it conventionally set skip-hash-comparison, since
// the archive is replayed into a fresh sync.
package replay

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/source"
)

// Decoder reconstructs a typed entity from a captured raw document.
type Decoder func(doc json.RawMessage) (entity.Entity, error)

// Config selects which archive groups to replay. Empty means all.
type Config struct {
	Groups []string `json:"groups,omitempty" yaml:"groups"`
}

// Source replays an archive. Tags with a registered Decoder reconstruct
// their concrete type; everything else replays as a polymorphic entity
// so no capture is ever unreadable.
type Source struct {
	source.Base
	store    arf.Store
	config   Config
	decoders map[string]Decoder
}

func New(store arf.Store, config Config, decoders map[string]Decoder) *Source {
	return &Source{store: store, config: config, decoders: decoders}
}

func (s *Source) Name() string { return "replay" }

func (s *Source) Validate(ctx context.Context) error {
	var _, err = s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing archive: %w", err)
	}
	return nil
}

func (s *Source) GenerateEntities(ctx context.Context) <-chan source.Result {
	var out = make(chan source.Result)
	go func() {
		defer close(out)

		var groups = s.config.Groups
		if len(groups) == 0 {
			var err error
			if groups, err = s.store.List(ctx); err != nil {
				out <- source.Result{Err: fmt.Errorf("listing archive: %w", err)}
				return
			}
		}

		for _, group := range groups {
			if err := s.replayGroup(ctx, group, out); err != nil {
				out <- source.Result{Err: err}
				return
			}
		}
	}()
	return out
}

func (s *Source) replayGroup(ctx context.Context, group string, out chan<- source.Result) error {
	var r, err = s.store.Open(ctx, group)
	if err != nil {
		return fmt.Errorf("opening group %s: %w", group, err)
	}
	defer r.Close()

	var recs []arf.Record
	if recs, err = arf.ReadRecords(r); err != nil {
		return fmt.Errorf("reading group %s: %w", group, err)
	}
	s.Logger().WithFields(log.Fields{
		"group":   group,
		"records": len(recs),
	}).Info("replaying archive group")

	for _, rec := range recs {
		var e entity.Entity
		if e, err = s.decode(rec); err != nil {
			// A malformed capture skips the record, not the archive.
			s.Logger().WithFields(log.Fields{
				"group":  group,
				"entity": rec.EntityID,
				"err":    err,
			}).Warn("skipping unreadable archive record")
			continue
		}
		select {
		case out <- source.Result{Entity: e}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Source) decode(rec arf.Record) (entity.Entity, error) {
	if dec, ok := s.decoders[rec.Tag]; ok {
		return dec(rec.Document)
	}

	var fields map[string]any
	if err := json.Unmarshal(rec.Document, &fields); err != nil {
		return nil, fmt.Errorf("decoding document of %s: %w", rec.EntityID, err)
	}
	return &entity.Polymorphic{
		Base:   entity.Base{ID: rec.EntityID},
		Table:  rec.Tag,
		Fields: fields,
	}, nil
}
