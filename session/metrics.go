package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roster", Subsystem: "session", Name: "logins_total", Help: "Login attempts by outcome."},
		[]string{"outcome"},
	)
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roster", Subsystem: "session", Name: "refreshes_total", Help: "Refresh exchanges by outcome."},
		[]string{"outcome"},
	)
	ForcedLogoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roster", Subsystem: "session", Name: "forced_logouts_total", Help: "Sessions ended without the user asking, by reason."},
		[]string{"reason"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(LoginsTotal)
	reg.MustRegister(RefreshesTotal)
	reg.MustRegister(ForcedLogoutsTotal)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "failure"
	}
}
