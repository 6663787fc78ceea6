// Package pipeline prepares entity batches for resolution and
// persistence: it stages file content, converts it to text, builds each
// entity's textual representation, computes content hashes, and embeds
// chunk batches.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/airweave-ai/sync-engine/auth"
	"github.com/airweave-ai/sync-engine/embed"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/filestore"
	"github.com/airweave-ai/sync-engine/store"
	"github.com/airweave-ai/sync-engine/transform"
)

// defaultFileReads bounds concurrent downloads and content hashing so a
// batch of large files can't exhaust descriptors or bandwidth.
const defaultFileReads = 5

// Skip records an entity deliberately dropped from the batch.
type Skip struct {
	Entity entity.Entity
	Reason string
}

// Failure records an entity whose preparation failed. The batch
// continues without it.
type Failure struct {
	Entity entity.Entity
	Err    error
}

// Prepared is the outcome of preparing a batch.
type Prepared struct {
	// Ready entities carry a content hash and textual representation and
	// may proceed to resolution.
	Ready   []entity.Entity
	Skipped []Skip
	Failed  []Failure
}

// Deps are the pipeline's injected collaborators. Dense and Sparse may
// be nil when no destination requires engine-side embedding.
type Deps struct {
	Files      *filestore.Service
	Tokens     *auth.Manager
	Converters *transform.ConverterRouter
	Dense      embed.Dense
	Sparse     embed.Sparse
	// MaxFileReads bounds concurrent file staging; zero means default.
	MaxFileReads int64
	Logger       *log.Entry
}

// Pipeline is a stateless batch processor; one instance serves every
// worker of a run concurrently.
type Pipeline struct {
	deps  Deps
	slots *semaphore.Weighted
}

func New(deps Deps) *Pipeline {
	if deps.MaxFileReads <= 0 {
		deps.MaxFileReads = defaultFileReads
	}
	if deps.Logger == nil {
		deps.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Pipeline{deps: deps, slots: semaphore.NewWeighted(deps.MaxFileReads)}
}

// Prepare stages, converts, and hashes a batch. Deletion entities pass
// through untouched. Per-entity problems are recorded as skips or
// failures without affecting the rest of the batch; only context
// cancellation returns an error.
func (p *Pipeline) Prepare(ctx context.Context, ents []entity.Entity) (Prepared, error) {
	var out Prepared
	var pending []entity.Entity

	for _, e := range ents {
		if _, ok := e.(*entity.Deletion); ok {
			out.Ready = append(out.Ready, e)
			continue
		}
		pending = append(pending, e)
	}

	pending = p.stageFiles(ctx, pending, &out)
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	var bodies = p.convert(ctx, pending, &out)

	for _, e := range pending {
		if _, survived := bodies[e]; !survived && isConverted(e, p.deps.Converters) {
			continue // Recorded as a skip during conversion.
		}
		entity.Meta(e).TextualRep = BuildText(e, bodies[e])

		var hash, err = p.hash(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				return Prepared{}, ctx.Err()
			}
			out.Failed = append(out.Failed, Failure{Entity: e, Err: err})
			continue
		}
		entity.Meta(e).Hash = hash
		out.Ready = append(out.Ready, e)
	}
	return out, nil
}

// stageFiles downloads file entities which don't yet have local
// content, with bounded concurrency. It returns the entities still in
// the batch.
func (p *Pipeline) stageFiles(ctx context.Context, ents []entity.Entity, out *Prepared) []entity.Entity {
	type verdict struct {
		skip *Skip
		fail *Failure
	}
	var verdicts = make([]verdict, len(ents))

	var grp, grpCtx = errgroup.WithContext(ctx)
	for i, e := range ents {
		var f, ok = e.(entity.FileEntity)
		if !ok || f.File().LocalPath != "" || f.File().DownloadURL == "" {
			continue
		}
		if p.deps.Files == nil {
			verdicts[i] = verdict{fail: &Failure{Entity: e, Err: fmt.Errorf(
				"file entity %s requires a file service", e.EntityID())}}
			continue
		}

		i, f := i, f
		grp.Go(func() error {
			if err := p.slots.Acquire(grpCtx, 1); err != nil {
				return err
			}
			defer p.slots.Release(1)

			var err = p.deps.Files.DownloadFromURL(grpCtx, f, p.deps.Tokens)
			var skipped *filestore.SkippedError
			switch {
			case err == nil:
				// Pass.
			case errors.As(err, &skipped):
				verdicts[i] = verdict{skip: &Skip{Entity: f, Reason: skipped.Reason}}
			default:
				verdicts[i] = verdict{fail: &Failure{Entity: f, Err: err}}
			}
			return nil
		})
	}
	// Workers only return the context error, which the caller re-checks.
	_ = grp.Wait()

	var kept = ents[:0]
	for i, e := range ents {
		switch v := verdicts[i]; {
		case v.skip != nil:
			out.Skipped = append(out.Skipped, *v.skip)
		case v.fail != nil:
			out.Failed = append(out.Failed, *v.fail)
		default:
			kept = append(kept, e)
		}
	}
	return kept
}

// convert runs each converter over its files as one batch. A converter
// error skips every file of that batch; an empty conversion skips just
// that file. Files without a converter proceed with a metadata-only
// representation.
func (p *Pipeline) convert(ctx context.Context, ents []entity.Entity, out *Prepared) map[entity.Entity]string {
	var bodies = make(map[entity.Entity]string)
	if p.deps.Converters == nil {
		return bodies
	}

	var groups = make(map[transform.Converter][]entity.FileEntity)
	for _, e := range ents {
		if f, ok := e.(entity.FileEntity); ok && f.File().LocalPath != "" {
			if c, found := p.deps.Converters.For(f.File().LocalPath); found {
				groups[c] = append(groups[c], f)
			}
		}
	}

	for c, files := range groups {
		var paths = make([]string, len(files))
		for i, f := range files {
			paths[i] = f.File().LocalPath
		}

		var texts, err = c.Convert(ctx, paths)
		if err != nil {
			// The whole converter batch is skipped; other converters and
			// non-file entities are unaffected.
			p.deps.Logger.WithFields(log.Fields{
				"converter": c.Name(),
				"files":     len(files),
				"err":       err,
			}).Warn("converter batch failed; skipping its files")
			for _, f := range files {
				out.Skipped = append(out.Skipped, Skip{
					Entity: f, Reason: fmt.Sprintf("conversion failed: %v", err)})
			}
			continue
		}
		for i, f := range files {
			if texts[i] == "" {
				out.Skipped = append(out.Skipped, Skip{
					Entity: f, Reason: "converter produced no text"})
				continue
			}
			bodies[f] = texts[i]
		}
	}
	return bodies
}

// isConverted reports whether the entity went through a converter, and
// so would appear in bodies when it survived.
func isConverted(e entity.Entity, converters *transform.ConverterRouter) bool {
	if converters == nil {
		return false
	}
	var f, ok = e.(entity.FileEntity)
	if !ok || f.File().LocalPath == "" {
		return false
	}
	_, ok = converters.For(f.File().LocalPath)
	return ok
}

// hash computes the entity's content hash, holding a read slot for file
// entities since their hashing streams file content.
func (p *Pipeline) hash(ctx context.Context, e entity.Entity) (string, error) {
	if _, ok := e.(entity.FileEntity); ok {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer p.slots.Release(1)
	}
	return entity.Hash(e)
}

// Embed computes and stamps dense and sparse vectors for a chunk batch:
// one dense call over the textual representations, one sparse call over
// each chunk's full JSON. A missing vector aborts the batch.
func (p *Pipeline) Embed(ctx context.Context, ents []entity.Entity) error {
	if len(ents) == 0 {
		return nil
	}

	if p.deps.Dense != nil {
		var texts = make([]string, len(ents))
		for i, e := range ents {
			texts[i] = entity.Meta(e).TextualRep
		}
		var vectors, err = p.deps.Dense.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("dense embedding: %w", err)
		}
		if len(vectors) != len(ents) {
			return fmt.Errorf("dense embedder returned %d vectors for %d chunks", len(vectors), len(ents))
		}
		for i, v := range vectors {
			if v == nil {
				return fmt.Errorf("dense embedder returned no vector for chunk %s", ents[i].EntityID())
			}
			entity.Meta(ents[i]).DenseVector = v
		}
	}

	if p.deps.Sparse != nil {
		var docs = make([]string, len(ents))
		for i, e := range ents {
			var raw, err = json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling chunk %s: %w", e.EntityID(), err)
			}
			docs[i] = string(raw)
		}
		var vectors, err = p.deps.Sparse.Embed(ctx, docs)
		if err != nil {
			return fmt.Errorf("sparse embedding: %w", err)
		}
		for i, v := range vectors {
			if v == nil {
				return fmt.Errorf("sparse embedder returned no vector for chunk %s", ents[i].EntityID())
			}
			entity.Meta(ents[i]).SparseVector = v
		}
	}
	return nil
}

// Dense exposes the configured dense embedder, nil when no destination
// needs engine-side vectors.
func (p *Pipeline) Dense() embed.Dense { return p.deps.Dense }

// Collections is the store subset the embedding-config check uses.
type Collections interface {
	GetCollection(ctx context.Context, id string) (store.Collection, error)
	StampCollection(ctx context.Context, id, model string, vectorSize int) (bool, error)
}

// VerifyEmbeddingConfig checks a stamped collection against the run's
// embedder without stamping an unstamped one; the stamp itself is
// written only once a run succeeds. A mismatch fails the run.
func (p *Pipeline) VerifyEmbeddingConfig(ctx context.Context, cols Collections, collectionID string) error {
	if p.deps.Dense == nil {
		return nil
	}
	var col, err = cols.GetCollection(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("reading collection %s: %w", collectionID, err)
	}
	if col.EmbeddingModel == "" {
		return nil
	}
	return p.compareStamp(col, collectionID)
}

func (p *Pipeline) compareStamp(col store.Collection, collectionID string) error {
	var model, size = p.deps.Dense.ModelName(), p.deps.Dense.Dimensions()
	if col.EmbeddingModel != model || col.VectorSize != size {
		return entity.FailRunf(
			"collection %s is stamped with %s/%d but the run is configured for %s/%d",
			collectionID, col.EmbeddingModel, col.VectorSize, model, size)
	}
	return nil
}

// EnsureEmbeddingConfig stamps the collection's embedding model and
// vector size on first use and verifies them on every later run. A
// mismatch would mix vector spaces in one collection, so it fails the
// run outright.
func (p *Pipeline) EnsureEmbeddingConfig(ctx context.Context, cols Collections, collectionID string) error {
	if p.deps.Dense == nil {
		return nil
	}
	var model, size = p.deps.Dense.ModelName(), p.deps.Dense.Dimensions()

	var col, err = cols.GetCollection(ctx, collectionID)
	if err != nil {
		return fmt.Errorf("reading collection %s: %w", collectionID, err)
	}
	if col.EmbeddingModel == "" {
		var stamped bool
		if stamped, err = cols.StampCollection(ctx, collectionID, model, size); err != nil {
			return err
		}
		if stamped {
			p.deps.Logger.WithFields(log.Fields{
				"collection": collectionID,
				"model":      model,
				"vectorSize": size,
			}).Info("stamped collection embedding config")
			return nil
		}
		// Lost a stamping race; re-read and fall through to compare.
		if col, err = cols.GetCollection(ctx, collectionID); err != nil {
			return err
		}
	}
	return p.compareStamp(col, collectionID)
}
