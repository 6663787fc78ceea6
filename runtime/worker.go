package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/airweave-ai/sync-engine/action"
	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/dag"
	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/progress"
	"github.com/airweave-ai/sync-engine/source"
	"github.com/airweave-ai/sync-engine/store"
)

// run is the state of one executing sync job.
type run struct {
	sc       SyncContext
	opts     Options
	jobID    string
	counts   *progress.Counts
	pub      *progress.Publisher
	resolver *action.Resolver
	cancel   context.CancelFunc
	logger   *log.Entry

	// seen collects every key the source produced this run, the
	// complement of the end-of-run orphan scan.
	seenMu sync.Mutex
	seen   map[store.Key]bool

	// incremental records that a stored cursor was handed to the source,
	// which disables the orphan scan for this run.
	incremental bool

	cancelled atomic.Bool
}

// requestCancel flips the run into its cancellation path. The flag is
// set before the context is cancelled so the terminal status resolves
// to CANCELLED rather than FAILED.
func (r *run) requestCancel() {
	r.cancelled.Store(true)
	r.cancel()
}

func (r *run) execute(ctx context.Context) error {
	var sc = r.sc

	// A stamped collection must match the run's embedder before any
	// vector is written; the stamp itself waits for a successful run.
	if err := sc.Pipeline.VerifyEmbeddingConfig(ctx, sc.Store, sc.Sync.CollectionID); err != nil {
		return err
	}
	var vectorSize int
	if d := sc.Pipeline.Dense(); d != nil {
		vectorSize = d.Dimensions()
	}
	if err := sc.Destinations.SetupAll(ctx, vectorSize); err != nil {
		return fmt.Errorf("setting up destinations: %w", err)
	}

	if !r.opts.ForceFullSync {
		var cursor, err = sc.Store.GetCursor(ctx, sc.Sync.ID)
		if err != nil {
			return err
		}
		if len(cursor) > 0 {
			sc.Source.SetCursor(cursor)
		}
		// A non-empty cursor means the source streams only new and
		// changed records this run.
		r.incremental = !bytes.Equal(bytes.TrimSpace(cursor), []byte("{}"))
	}
	sc.Source.SetLogger(r.logger)
	if sc.Files != nil {
		sc.Source.SetDownloader(sc.Files)
	}
	if err := sc.Source.Validate(ctx); err != nil {
		return fmt.Errorf("validating source %s: %w", sc.Source.Name(), err)
	}

	go r.pub.Heartbeat(ctx)
	r.pub.Publish(ctx, progress.EventConnected, "")
	go r.watchCancellation(ctx)

	var stream = source.Open(ctx, sc.Source, r.opts.StreamBuffer, r.logger)
	defer stream.Close()

	var grp, gctx = errgroup.WithContext(ctx)
	grp.SetLimit(r.opts.MaxWorkers)

	var batch []entity.Entity
	var flush = func() {
		if len(batch) == 0 {
			return
		}
		var b = batch
		batch = nil
		grp.Go(func() error { return r.processBatch(gctx, b) })
	}

intake:
	for {
		select {
		case e, ok := <-stream.C():
			if !ok {
				break intake
			}
			var md = entity.Meta(e)
			md.SyncID, md.SyncJobID = sc.Sync.ID, r.jobID
			if md.SourceName == "" {
				md.SourceName = sc.Source.Name()
			}
			r.captureEntity(ctx, e)
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-gctx.Done():
			break intake
		}
	}
	flush()

	var werr = r.waitWorkers(grp)
	if r.cancelled.Load() {
		return context.Canceled
	}
	if werr != nil {
		return werr
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("source stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Everything below requires a complete drain: an interrupted stream
	// must never be read as "the rest of the source disappeared". The
	// orphan scan additionally requires a full stream: on a
	// cursor-resumed run, absence proves nothing.
	if !r.incremental {
		if err := r.deleteOrphans(ctx); err != nil {
			return err
		}
	}
	if err := sc.Pipeline.EnsureEmbeddingConfig(ctx, sc.Store, sc.Sync.CollectionID); err != nil {
		return err
	}
	if cursor := stream.Cursor(); len(cursor) > 0 {
		if err := sc.Store.MergeCursor(ctx, sc.Sync.ID, cursor); err != nil {
			return fmt.Errorf("persisting cursor: %w", err)
		}
	}
	return nil
}

// watchCancellation polls the job row so a CANCELLING written by any
// process reaches this run.
func (r *run) watchCancellation(ctx context.Context) {
	var ticker = time.NewTicker(r.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var job, err = r.sc.Store.GetJob(ctx, r.jobID)
			if err != nil {
				r.logger.WithField("err", err).Warn("failed to poll job status")
				continue
			}
			if job.Status == store.JobCancelling {
				r.logger.Info("cancellation requested; stopping intake")
				r.requestCancel()
				return
			}
		}
	}
}

// waitWorkers waits for in-flight batches. A cancelled run waits at
// most the grace period; the workers observe the cancelled context, so
// nothing is written after it elapses.
func (r *run) waitWorkers(grp *errgroup.Group) error {
	var done = make(chan error, 1)
	go func() { done <- grp.Wait() }()

	var grace <-chan time.Time
	if r.cancelled.Load() {
		var t = time.NewTimer(r.opts.Grace)
		defer t.Stop()
		grace = t.C
	}
	select {
	case err := <-done:
		return err
	case <-grace:
		r.logger.Warn("grace period elapsed with batches still in flight")
		return context.Canceled
	}
}

// processBatch runs one micro-batch end to end. Per-entity problems are
// counted and logged without failing the run; a FailRun, a store
// failure, or cancellation propagates and ends it.
func (r *run) processBatch(ctx context.Context, ents []entity.Entity) error {
	var prepared, err = r.sc.Pipeline.Prepare(ctx, ents)
	if err != nil {
		return err
	}
	// Skipped and failed entities still count as seen: a transient
	// problem this run must not feed the orphan scan.
	for _, s := range prepared.Skipped {
		r.markSeenEntity(s.Entity)
		r.logger.WithFields(log.Fields{
			"entity": s.Entity.EntityID(), "reason": s.Reason}).Debug("entity skipped")
	}
	for _, f := range prepared.Failed {
		r.markSeenEntity(f.Entity)
		r.logger.WithFields(log.Fields{
			"entity": f.Entity.EntityID(), "err": f.Err}).Warn("entity preparation failed")
	}
	r.counts.AddSkipped(int64(len(prepared.Skipped)))
	r.counts.AddFailed(int64(len(prepared.Failed)))
	entitiesProcessedTotal.WithLabelValues("skipped").Add(float64(len(prepared.Skipped)))
	entitiesProcessedTotal.WithLabelValues("failed").Add(float64(len(prepared.Failed)))

	var resolved action.Batch
	if resolved, err = r.resolver.Resolve(ctx, prepared.Ready); err != nil {
		return err
	}
	for _, group := range [][]action.Resolved{resolved.Inserts, resolved.Updates, resolved.Keeps} {
		for _, res := range group {
			r.markSeen(store.Key{DefinitionID: res.DefinitionID, EntityID: res.Entity.EntityID()})
		}
	}

	r.counts.AddKept(int64(len(resolved.Keeps)))
	entitiesProcessedTotal.WithLabelValues("kept").Add(float64(len(resolved.Keeps)))

	if err = r.applyDeletes(ctx, resolved.Deletes); err != nil {
		return err
	}
	if err = r.persist(ctx, resolved); err != nil {
		return err
	}

	r.pub.Publish(ctx, progress.EventProgress, "")
	if err = r.sc.Store.UpdateJobCounts(ctx, r.jobID, r.counts.Snapshot()); err != nil {
		r.logger.WithField("err", err).Warn("failed to persist running counts")
	}
	return nil
}

// applyDeletes handles source-driven deletions: destination documents
// first, tracking rows second. When the destination delete fails, the
// rows stay so the end-of-run scan and the next run retry it.
func (r *run) applyDeletes(ctx context.Context, deletes []action.Resolved) error {
	if len(deletes) == 0 {
		return nil
	}
	var ids = make([]string, len(deletes))
	var keys = make([]store.Key, len(deletes))
	for i, d := range deletes {
		ids[i] = d.Entity.EntityID()
		keys[i] = store.Key{DefinitionID: d.DefinitionID, EntityID: d.Entity.EntityID()}
	}

	if err := r.sc.Destinations.DeleteEntities(ctx, ids, r.sc.Sync.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.counts.AddFailed(int64(len(deletes)))
		entitiesProcessedTotal.WithLabelValues("failed").Add(float64(len(deletes)))
		r.logger.WithField("err", err).Warn("destination deletes failed")
		return nil
	}
	if err := r.sc.Store.DeleteEntities(ctx, r.sc.Sync.ID, keys); err != nil {
		return err
	}
	r.counts.AddDeleted(int64(len(deletes)))
	entitiesProcessedTotal.WithLabelValues("deleted").Add(float64(len(deletes)))
	return nil
}

// persist routes, embeds, and writes a batch's inserts and updates. An
// entity's tracking row is written only once every one of its documents
// landed, so a partial failure is retried wholesale on the next run.
func (r *run) persist(ctx context.Context, resolved action.Batch) error {
	var work = make([]action.Resolved, 0, len(resolved.Inserts)+len(resolved.Updates))
	work = append(work, resolved.Inserts...)
	work = append(work, resolved.Updates...)
	if len(work) == 0 {
		return nil
	}

	var failed = make(map[string]bool)
	var fail = func(id string, msg string, err error) {
		if !failed[id] {
			failed[id] = true
			r.counts.AddFailed(1)
			entitiesProcessedTotal.WithLabelValues("failed").Inc()
		}
		r.logger.WithFields(log.Fields{"entity": id, "err": err}).Warn(msg)
	}

	// Updated entities clear their prior documents first; the new
	// version may chunk differently.
	for _, u := range resolved.Updates {
		if err := r.sc.Destinations.DeleteByParent(ctx, u.Entity.EntityID(), r.sc.Sync.ID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fail(u.Entity.EntityID(), "clearing stale documents failed", err)
		}
	}

	type routedWork struct {
		res    action.Resolved
		routed []dag.Routed
	}
	var pending = make([]routedWork, 0, len(work))
	for _, res := range work {
		if failed[res.Entity.EntityID()] {
			continue
		}
		// A deduplicated insert tracks its row without producing
		// documents; another sync already delivered the content.
		if res.SkipContentHandlers {
			pending = append(pending, routedWork{res: res})
			continue
		}
		var routed, routeErr = r.sc.Router.Route(ctx, res.Entity, res.DefinitionID)
		if routeErr != nil {
			var failRun *entity.FailRun
			if errors.As(routeErr, &failRun) || ctx.Err() != nil {
				return routeErr
			}
			fail(res.Entity.EntityID(), "routing failed", routeErr)
			continue
		}
		pending = append(pending, routedWork{res: res, routed: routed})
	}

	// One embedding pass over every produced entity bound for a vector
	// destination.
	var toEmbed []entity.Entity
	for _, p := range pending {
		for _, rt := range p.routed {
			if r.needsEmbedding(rt.Destinations) {
				toEmbed = append(toEmbed, rt.Entity)
			}
		}
	}
	if err := r.sc.Pipeline.Embed(ctx, toEmbed); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var kept = pending[:0]
		for _, p := range pending {
			var needs bool
			for _, rt := range p.routed {
				if r.needsEmbedding(rt.Destinations) {
					needs = true
					break
				}
			}
			if needs {
				fail(p.res.Entity.EntityID(), "embedding failed", err)
			} else {
				kept = append(kept, p)
			}
		}
		pending = kept
	}

	// Build documents and group them per destination node, remembering
	// which source entity each document belongs to.
	var docsByNode = make(map[string][]*destination.Doc)
	var ownersByNode = make(map[string][]string)
	for _, p := range pending {
		if failed[p.res.Entity.EntityID()] {
			continue
		}
		type nodeDoc struct {
			node string
			doc  *destination.Doc
		}
		var docs []nodeDoc
		var buildErr error
		for _, rt := range p.routed {
			var doc, err = destination.BuildDoc(rt.Entity, r.sc.Sync.CollectionID)
			if err != nil {
				buildErr = err
				break
			}
			for _, node := range rt.Destinations {
				docs = append(docs, nodeDoc{node: node, doc: doc})
			}
		}
		if buildErr != nil {
			fail(p.res.Entity.EntityID(), "building document failed", buildErr)
			continue
		}
		for _, nd := range docs {
			docsByNode[nd.node] = append(docsByNode[nd.node], nd.doc)
			ownersByNode[nd.node] = append(ownersByNode[nd.node], p.res.Entity.EntityID())
		}
	}

	for node, docs := range docsByNode {
		if err := r.sc.Destinations.Insert(ctx, node, docs); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, owner := range ownersByNode[node] {
				fail(owner, "destination insert failed", err)
			}
			continue
		}
		destinationWriteBatchesTotal.WithLabelValues(node).Inc()
	}

	var inserts, updates []store.EntityRow
	for _, p := range pending {
		if failed[p.res.Entity.EntityID()] {
			continue
		}
		var row = store.EntityRow{
			SyncID:       r.sc.Sync.ID,
			DefinitionID: p.res.DefinitionID,
			EntityID:     p.res.Entity.EntityID(),
			Hash:         entity.Meta(p.res.Entity).Hash,
			CollectionID: r.sc.Sync.CollectionID,
		}
		if p.res.Action == action.Insert {
			inserts = append(inserts, row)
		} else {
			updates = append(updates, row)
		}
	}
	if len(inserts) > 0 {
		if err := r.sc.Store.InsertEntities(ctx, inserts); err != nil {
			return err
		}
	}
	if len(updates) > 0 {
		if err := r.sc.Store.UpdateEntityHashes(ctx, updates); err != nil {
			return err
		}
	}
	r.counts.AddInserted(int64(len(inserts)))
	r.counts.AddUpdated(int64(len(updates)))
	entitiesProcessedTotal.WithLabelValues("inserted").Add(float64(len(inserts)))
	entitiesProcessedTotal.WithLabelValues("updated").Add(float64(len(updates)))

	// The documents carry everything downstream needs; drop the batch's
	// textual representations to keep the run's footprint flat.
	for _, p := range pending {
		entity.Meta(p.res.Entity).TextualRep = ""
	}
	return nil
}

func (r *run) needsEmbedding(nodes []string) bool {
	for _, n := range nodes {
		if d, ok := r.sc.Destinations.Get(n); ok && d.Processing() == destination.RequiresEmbedded {
			return true
		}
	}
	return false
}

// captureEntity archives a streamed entity for later replay. Capture is
// best effort; an archive problem must not fail a live sync. Deletion
// tombstones are not archived, replay treats every record as an insert.
func (r *run) captureEntity(ctx context.Context, e entity.Entity) {
	if r.sc.Capture == nil {
		return
	}
	if _, ok := e.(*entity.Deletion); ok {
		return
	}
	var doc, err = json.Marshal(e)
	if err == nil {
		err = r.sc.Capture.Append(ctx, arf.Record{
			Tag:        e.Tag(),
			EntityID:   e.EntityID(),
			Document:   doc,
			CapturedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		r.logger.WithFields(log.Fields{
			"entity": e.EntityID(), "err": err}).Warn("capture append failed")
	}
}

func (r *run) markSeen(key store.Key) {
	r.seenMu.Lock()
	r.seen[key] = true
	r.seenMu.Unlock()
}

func (r *run) markSeenEntity(e entity.Entity) {
	var defID, err = r.sc.Registry.DefinitionID(e)
	if err != nil {
		return
	}
	r.markSeen(store.Key{DefinitionID: defID, EntityID: e.EntityID()})
}

// deleteOrphans removes every tracked row the source no longer
// produced, destinations first.
func (r *run) deleteOrphans(ctx context.Context) error {
	var keys, err = r.sc.Store.ListEntityKeys(ctx, r.sc.Sync.ID)
	if err != nil {
		return err
	}

	var orphans []store.Key
	var ids []string
	r.seenMu.Lock()
	for _, k := range keys {
		if !r.seen[k] {
			orphans = append(orphans, k)
			ids = append(ids, k.EntityID)
		}
	}
	r.seenMu.Unlock()
	if len(orphans) == 0 {
		return nil
	}

	r.logger.WithField("count", len(orphans)).Info("deleting orphaned entities")
	if err = r.sc.Destinations.DeleteEntities(ctx, ids, r.sc.Sync.ID); err != nil {
		return fmt.Errorf("deleting orphaned documents: %w", err)
	}
	if err = r.sc.Store.DeleteEntities(ctx, r.sc.Sync.ID, orphans); err != nil {
		return err
	}
	r.counts.AddDeleted(int64(len(orphans)))
	entitiesProcessedTotal.WithLabelValues("deleted").Add(float64(len(orphans)))
	return nil
}
