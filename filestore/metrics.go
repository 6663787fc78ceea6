package filestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fileDownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sync_engine_file_downloads_total",
	Help: "Files downloaded and staged for processing.",
})

var fileSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_engine_file_skips_total",
	Help: "Files deliberately not processed, by reason.",
}, []string{"reason"})
