package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

type cmdValidate struct {
	Spec    string        `long:"spec" required:"true" description:"Path to the sync spec YAML file"`
	Timeout time.Duration `long:"timeout" default:"30s" description:"Probe timeout"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdValidate) Execute(_ []string) error {
	c.Log.Init()
	var logger = log.WithField("cmd", "validate")

	var spec, err = LoadSpec(c.Spec)
	if err != nil {
		return err
	}
	var src, srcErr = buildSource(spec)
	if srcErr != nil {
		return srcErr
	}
	src.SetLogger(logger)

	var ctx, cancel = context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	if err = src.Validate(ctx); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("source %s: OK\n", spec.Source.Type)
	return nil
}
