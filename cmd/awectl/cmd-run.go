package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/runtime"
	"github.com/airweave-ai/sync-engine/store"
)

type cmdRun struct {
	Spec          string        `long:"spec" required:"true" description:"Path to the sync spec YAML file"`
	Workers       int           `long:"workers" description:"Concurrent batch workers (default 20)"`
	BatchSize     int           `long:"batch-size" description:"Entities per micro-batch (default 64)"`
	Grace         time.Duration `long:"grace" description:"How long a cancelled run waits for in-flight batches"`
	ForceFullSync bool          `long:"force-full-sync" description:"Ignore the stored cursor and stream from scratch"`
	Dedupe        bool          `long:"dedupe" description:"Skip content handling for entities another sync already delivered"`
	Log           LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdRun) Execute(_ []string) error {
	c.Log.Init()
	var logger = log.WithField("cmd", "run")

	var spec, err = LoadSpec(c.Spec)
	if err != nil {
		return err
	}

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b *bundle
	if b, err = build(ctx, spec, logger); err != nil {
		return err
	}
	defer b.Close()

	var orch = runtime.New(runtime.Options{
		MaxWorkers:    c.Workers,
		BatchSize:     c.BatchSize,
		Grace:         c.Grace,
		ForceFullSync: c.ForceFullSync,
		Dedupe:        c.Dedupe,
	}, logger)

	var job store.Job
	if job, err = orch.Run(ctx, b.sc); err != nil {
		return err
	}
	printSummary(job)

	if job.Status != store.JobCompleted {
		return fmt.Errorf("run %s finished %s: %s", job.ID, job.Status, job.Error)
	}
	return nil
}

func printSummary(job store.Job) {
	var heading = color.New(color.Bold)
	heading.Printf("run %s: %s\n", job.ID, job.Status)

	var row = func(c *color.Color, name string, n int64) {
		if n != 0 {
			c.Printf("  %-9s %d\n", name, n)
		}
	}
	row(color.New(color.FgGreen), "inserted", job.Counts.Inserted)
	row(color.New(color.FgGreen), "updated", job.Counts.Updated)
	row(color.New(color.FgWhite), "kept", job.Counts.Kept)
	row(color.New(color.FgYellow), "deleted", job.Counts.Deleted)
	row(color.New(color.FgYellow), "skipped", job.Counts.Skipped)
	row(color.New(color.FgRed), "failed", job.Counts.Failed)
}
