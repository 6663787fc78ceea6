// Package runtime orchestrates sync runs. A run streams entities from a
// connector, prepares and resolves them in concurrent micro-batches,
// routes the survivors through the sync's graph into its destinations,
// and drives the job row through the status machine from PENDING to a
// terminal state. Cancellation is cooperative: any process may move the
// job to CANCELLING through the store, and the run stops intake, drains
// in-flight batches within a grace period, and lands on CANCELLED.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/action"
	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/dag"
	"github.com/airweave-ai/sync-engine/destination"
	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/filestore"
	"github.com/airweave-ai/sync-engine/pipeline"
	"github.com/airweave-ai/sync-engine/progress"
	"github.com/airweave-ai/sync-engine/source"
	"github.com/airweave-ai/sync-engine/store"
)

const (
	defaultWorkers   = 20
	defaultBatchSize = 64
	defaultGrace     = 15 * time.Second
	defaultPoll      = time.Second
)

// Options tune a run. The zero value is usable.
type Options struct {
	// MaxWorkers bounds concurrent batch workers.
	MaxWorkers int
	// BatchSize is the number of streamed entities per micro-batch.
	BatchSize int
	// StreamBuffer bounds entities queued between the connector and the
	// workers; zero means twice MaxWorkers.
	StreamBuffer int
	// Grace bounds how long a cancelled run waits for in-flight batches
	// before recording CANCELLED anyway.
	Grace time.Duration
	// Poll is the interval at which a run re-reads its job row to notice
	// an externally requested cancellation.
	Poll time.Duration
	// ForceFullSync ignores the stored cursor and streams from scratch.
	ForceFullSync bool
	// Dedupe suppresses content handling for entities another sync
	// already delivered into the same collection.
	Dedupe bool
	// SkipHashComparison treats every streamed entity as an insert, for
	// replaying an archive into a fresh sync.
	SkipHashComparison bool
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = defaultWorkers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = o.MaxWorkers * 2
	}
	if o.Grace <= 0 {
		o.Grace = defaultGrace
	}
	if o.Poll <= 0 {
		o.Poll = defaultPoll
	}
	return o
}

// SyncContext carries one sync's wired collaborators into a run.
type SyncContext struct {
	Sync         store.Sync
	Source       source.Source
	Store        *store.SQL
	Registry     *entity.Registry
	Router       *dag.Router
	Pipeline     *pipeline.Pipeline
	Destinations *destination.Fanout
	// Files is the staging service whose per-job directory is removed
	// when the run ends. Optional.
	Files *filestore.Service
	// Redis enables live progress events. Optional.
	Redis redis.UniversalClient
	// Capture archives every streamed entity for later replay. Optional.
	Capture arf.Store
}

func (sc SyncContext) validate() error {
	switch {
	case sc.Sync.ID == "":
		return errors.New("sync context: missing sync ID")
	case sc.Sync.CollectionID == "":
		return errors.New("sync context: missing collection ID")
	case sc.Source == nil:
		return errors.New("sync context: missing source")
	case sc.Store == nil:
		return errors.New("sync context: missing store")
	case sc.Registry == nil:
		return errors.New("sync context: missing entity registry")
	case sc.Router == nil:
		return errors.New("sync context: missing router")
	case sc.Pipeline == nil:
		return errors.New("sync context: missing pipeline")
	case sc.Destinations == nil:
		return errors.New("sync context: missing destinations")
	}
	return nil
}

// Orchestrator executes sync runs and tracks the ones it is hosting so
// a local cancellation takes effect without waiting for the next poll.
type Orchestrator struct {
	opts   Options
	logger *log.Entry

	mu      sync.Mutex
	running map[string]*run
}

func New(opts Options, logger *log.Entry) *Orchestrator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Orchestrator{
		opts:    opts.withDefaults(),
		logger:  logger,
		running: make(map[string]*run),
	}
}

// Run executes one sync run to completion and returns the terminal job
// row. At most one job per sync may be live; a second Run against the
// same sync fails before creating a job. Cancellation is not an error:
// a cancelled run returns the CANCELLED job and a nil error.
func (o *Orchestrator) Run(ctx context.Context, sc SyncContext) (store.Job, error) {
	if err := sc.validate(); err != nil {
		return store.Job{}, err
	}
	var logger = o.logger.WithField("sync", sc.Sync.ID)

	if err := sc.Store.EnsureCollection(ctx, store.Collection{
		ID: sc.Sync.CollectionID, Name: sc.Sync.CollectionID}); err != nil {
		return store.Job{}, err
	}
	if err := sc.Store.EnsureSync(ctx, sc.Sync); err != nil {
		return store.Job{}, err
	}

	if id, busy, err := sc.Store.ActiveJob(ctx, sc.Sync.ID); err != nil {
		return store.Job{}, err
	} else if busy {
		return store.Job{}, fmt.Errorf("sync %s already has active job %s", sc.Sync.ID, id)
	}

	var jobID = uuid.NewString()
	if err := sc.Store.CreateJob(ctx, store.Job{ID: jobID, SyncID: sc.Sync.ID}); err != nil {
		return store.Job{}, err
	}
	if _, err := sc.Store.TransitionJob(ctx, jobID,
		[]store.JobStatus{store.JobPending}, store.JobRunning, ""); err != nil {
		return store.Job{}, err
	}
	logger = logger.WithField("job", jobID)

	var runCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var counts = &progress.Counts{}
	var r = &run{
		sc:     sc,
		opts:   o.opts,
		jobID:  jobID,
		counts: counts,
		pub:    progress.NewPublisher(sc.Redis, jobID, counts, logger),
		resolver: action.NewResolver(sc.Store, sc.Registry, action.Config{
			SyncID:             sc.Sync.ID,
			CollectionID:       sc.Sync.CollectionID,
			Dedupe:             o.opts.Dedupe,
			SkipHashComparison: o.opts.SkipHashComparison,
		}, logger),
		seen:   make(map[store.Key]bool),
		cancel: cancel,
		logger: logger,
	}
	o.track(r)
	defer o.untrack(r)
	if sc.Files != nil {
		defer sc.Files.Cleanup(jobID)
	}

	var started = time.Now()
	var runErr = r.execute(runCtx)
	runDurationSeconds.Observe(time.Since(started).Seconds())

	// Terminal writes go against the caller's context; runCtx is
	// typically cancelled by now.
	if err := sc.Store.UpdateJobCounts(ctx, jobID, counts.Snapshot()); err != nil {
		logger.WithField("err", err).Warn("failed to persist final job counts")
	}
	o.finish(ctx, r, runErr)
	if r.cancelled.Load() && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = nil
	}

	var job, err = sc.Store.GetJob(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	return job, runErr
}

// finish records the run's terminal status and its closing event.
func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) {
	var transition = func(from []store.JobStatus, to store.JobStatus, msg string) {
		if _, err := r.sc.Store.TransitionJob(ctx, r.jobID, from, to, msg); err != nil {
			r.logger.WithFields(log.Fields{"status": to, "err": err}).
				Error("failed to record terminal job status")
		}
	}
	switch {
	case r.cancelled.Load() && (runErr == nil || errors.Is(runErr, context.Canceled)):
		transition([]store.JobStatus{store.JobCancelling}, store.JobCancelled, "")
		r.pub.Publish(ctx, progress.EventError, "run cancelled")
		runsTotal.WithLabelValues("cancelled").Inc()
	case runErr != nil:
		transition([]store.JobStatus{store.JobRunning, store.JobCancelling},
			store.JobFailed, runErr.Error())
		r.pub.Publish(ctx, progress.EventError, runErr.Error())
		runsTotal.WithLabelValues("failed").Inc()
		r.logger.WithField("err", runErr).Error("sync run failed")
	default:
		transition([]store.JobStatus{store.JobRunning}, store.JobCompleted, "")
		r.pub.Publish(ctx, progress.EventProgress, "run completed")
		runsTotal.WithLabelValues("completed").Inc()
		r.logger.WithField("counts", r.counts.Snapshot()).Info("sync run completed")
	}
}

// Cancel asks a job to stop. The CANCELLING transition goes through the
// store so any process can request it; a run hosted by this
// orchestrator is additionally poked directly rather than waiting for
// its next status poll. Cancelling an already-cancelling job is a
// no-op; cancelling a terminal job is an error.
func (o *Orchestrator) Cancel(ctx context.Context, s *store.SQL, jobID string) error {
	var job, err = s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case store.JobCancelling:
		// Pass.
	case store.JobPending:
		if _, err = s.TransitionJob(ctx, jobID,
			[]store.JobStatus{store.JobPending}, store.JobCancelled, ""); err != nil {
			return err
		}
	case store.JobRunning:
		if _, err = s.TransitionJob(ctx, jobID,
			[]store.JobStatus{store.JobRunning}, store.JobCancelling, ""); err != nil {
			return err
		}
	default:
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	o.mu.Lock()
	var r = o.running[jobID]
	o.mu.Unlock()
	if r != nil {
		r.requestCancel()
	}
	return nil
}

func (o *Orchestrator) track(r *run) {
	o.mu.Lock()
	o.running[r.jobID] = r
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(r *run) {
	o.mu.Lock()
	delete(o.running, r.jobID)
	o.mu.Unlock()
}
