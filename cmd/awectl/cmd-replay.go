package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/arf"
	"github.com/airweave-ai/sync-engine/runtime"
	"github.com/airweave-ai/sync-engine/source/driver/replay"
	"github.com/airweave-ai/sync-engine/store"
)

type cmdReplay struct {
	Spec    string    `long:"spec" required:"true" description:"Path to the sync spec YAML file"`
	Archive string    `long:"archive" required:"true" description:"Directory holding the captured archive"`
	Groups  []string  `long:"group" description:"Archive group to replay (repeatable; default all)"`
	Log     LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdReplay) Execute(_ []string) error {
	c.Log.Init()
	var logger = log.WithField("cmd", "replay")

	var spec, err = LoadSpec(c.Spec)
	if err != nil {
		return err
	}
	var archive *arf.DirStore
	if archive, err = arf.NewDirStore(c.Archive); err != nil {
		return err
	}
	var src = replay.New(archive, replay.Config{Groups: c.Groups}, nil)

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b *bundle
	if b, err = buildWithSource(ctx, spec, src, logger); err != nil {
		return err
	}
	defer b.Close()

	// Replayed records are authoritative; hashing against prior runs
	// would suppress them.
	var orch = runtime.New(runtime.Options{SkipHashComparison: true}, logger)

	var job store.Job
	if job, err = orch.Run(ctx, b.sc); err != nil {
		return err
	}
	printSummary(job)
	return nil
}
