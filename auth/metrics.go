package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_token_refreshes_total",
	Help: "Count of access token refresh attempts, by outcome.",
}, []string{"outcome"})
