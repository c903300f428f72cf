package pay

import "github.com/prometheus/client_golang/prometheus"

var (
	proposalDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "pay",
			Name:      "proposal_downloads_total",
			Help:      "Proposal download attempts by outcome.",
		},
		[]string{"result"},
	)

	paySubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "pay",
			Name:      "submissions_total",
			Help:      "Pay and paid requests by outcome.",
		},
		[]string{"result"},
	)

	payConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletd",
		Subsystem: "pay",
		Name:      "conflict_recoveries_total",
		Help:      "Coin reselections after spent coin replies.",
	})
)

// Collectors returns the metrics of the payment manager.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		proposalDownloads, paySubmissions, payConflicts,
	}
}
