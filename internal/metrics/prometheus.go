// Package metrics holds the process-wide Prometheus collectors. Collectors
// are created at init and registered once from main; services increment them
// directly.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// ProviderRequestsTotal counts outbound identity-provider calls by
	// endpoint and HTTP status ("0" = transport failure).
	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authproxy_provider_requests_total",
		Help: "Outbound identity provider requests by endpoint and status.",
	}, []string{"endpoint", "status"})

	// ProviderRequestDuration observes outbound call latency per endpoint.
	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authproxy_provider_request_duration_seconds",
		Help:    "Outbound identity provider request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// SessionTransitionsTotal counts OAuth session state changes.
	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authproxy_session_transitions_total",
		Help: "OAuth flow session transitions by resulting status.",
	}, []string{"status"})

	LoginInitiatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_logins_initiated_total",
		Help: "Total OAuth login flows initiated.",
	})
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_logins_success_total",
		Help: "Total OAuth login flows completed successfully.",
	})
	LoginFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_logins_failure_total",
		Help: "Total OAuth login flows that ended in failure.",
	})
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_tokens_issued_total",
		Help: "Total token records persisted after exchange or refresh.",
	})
	TokensRefreshedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_tokens_refreshed_total",
		Help: "Total successful token refreshes.",
	})
	TokensRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authproxy_tokens_revoked_total",
		Help: "Total token records transitioned to revoked.",
	})
)

// Register registers every collector with the given registry. Call once at
// startup; duplicate registration is logged, not fatal, so tests can share
// the default registry.
func Register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		ProviderRequestsTotal,
		ProviderRequestDuration,
		SessionTransitionsTotal,
		LoginInitiatedTotal,
		LoginSuccessTotal,
		LoginFailureTotal,
		TokensIssuedTotal,
		TokensRefreshedTotal,
		TokensRevokedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metrics collector")
		}
	}
}

// ObserveProviderCall records one outbound provider call outcome.
// status 0 means the request never produced an HTTP response.
func ObserveProviderCall(endpoint string, status int, elapsed time.Duration) {
	ProviderRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	ProviderRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
