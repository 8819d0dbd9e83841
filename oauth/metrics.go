package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauthclient_token_refreshes_total",
	Help: "Session token refresh attempts, by outcome.",
}, []string{"outcome"})

var sessionsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauthclient_sessions_deleted_total",
	Help: "Sessions removed from the store, by cause.",
}, []string{"cause"})

var authFlows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauthclient_auth_flows_total",
	Help: "Authorization flow starts and completions, by stage and outcome.",
}, []string{"stage", "outcome"})

var refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "oauthclient_token_refresh_duration_seconds",
	Help:    "Time spent refreshing session tokens against the auth server.",
	Buckets: prometheus.ExponentialBucketsRange(0.01, 30, 12),
})
