package main

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig carries the logging flags shared by every command.
type LogConfig struct {
	Level  string `long:"level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// Init configures the standard logger from the parsed flags.
func (c LogConfig) Init() {
	if lvl, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
