package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauthclient_identity_resolve_handle",
	Help: "atproto handle resolutions",
}, []string{"status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "oauthclient_identity_resolve_handle_duration",
	Help:    "Time to resolve a handle",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"status"})

var didResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauthclient_identity_resolve_did",
	Help: "atproto DID resolutions",
}, []string{"status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "oauthclient_identity_resolve_did_duration",
	Help:    "Time to resolve a DID",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"status"})

var handleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauthclient_identity_handle_cache_hits",
	Help: "Number of handle lookups not requiring resolution",
})

var handleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauthclient_identity_handle_cache_misses",
	Help: "Number of handle lookups requiring resolution",
})

var identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauthclient_identity_cache_hits",
	Help: "Number of identity lookups not requiring resolution",
})

var identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauthclient_identity_cache_misses",
	Help: "Number of identity lookups requiring resolution",
})

var identityRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauthclient_identity_requests_coalesced",
	Help: "Number of identity lookups that joined an in-flight resolution",
})
