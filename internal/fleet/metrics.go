package fleet

import "github.com/prometheus/client_golang/prometheus"

var (
	workersProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_workers_provisioned_total",
		Help: "Total number of worker instances provisioned.",
	})

	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flotilla_active_workers",
		Help: "Number of worker instances not yet stopped.",
	})

	dismantles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_dismantles_total",
		Help: "Total number of fleet dismantle passes.",
	})
)

func init() {
	prometheus.MustRegister(workersProvisioned)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(dismantles)
}
