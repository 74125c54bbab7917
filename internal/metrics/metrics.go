// Package metrics defines the Prometheus collectors for the connection flows.
// Collectors live in a standalone package so both the HTTP layer and the
// connect service can increment them without import cycles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthorizeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booksync_authorize_requests_total",
		Help: "Authorization URLs issued, by provider.",
	}, []string{"provider"})

	TokenExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booksync_token_exchanges_total",
		Help: "Authorization-code token exchanges, by provider and outcome.",
	}, []string{"provider", "outcome"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booksync_token_refreshes_total",
		Help: "Refresh-token exchanges, by provider and outcome.",
	}, []string{"provider", "outcome"})

	StuckAttemptsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booksync_stuck_attempts_reaped_total",
		Help: "Authorization attempts expired to errored by the reaper.",
	})
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Register registers all collectors on the given registry (or the default if
// nil). Re-registration is tolerated.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{AuthorizeRequests, TokenExchanges, TokenRefreshes, StuckAttemptsReaped}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
