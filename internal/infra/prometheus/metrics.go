package prometheus

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	// LinkRequests counts dispatcher requests by outcome.
	LinkRequests = prom.NewCounterVec(
		prom.CounterOpts{
			Name: "powerlink_link_requests_total",
			Help: "Link dispatcher requests by outcome",
		},
		[]string{"outcome"},
	)

	LinksCreated = prom.NewCounter(
		prom.CounterOpts{
			Name: "powerlink_links_created_total",
			Help: "Links minted",
		},
	)

	LinksReaped = prom.NewCounter(
		prom.CounterOpts{
			Name: "powerlink_links_reaped_total",
			Help: "Expired links closed by the reaper",
		},
	)

	// HooksActive tracks unresolved hooks owned by this worker.
	HooksActive = prom.NewGauge(
		prom.GaugeOpts{
			Name: "powerlink_hooks_active",
			Help: "Unresolved hooks owned by this worker",
		},
	)

	HookStubs = prom.NewGauge(
		prom.GaugeOpts{
			Name: "powerlink_hook_stubs",
			Help: "Hook stubs held for other workers",
		},
	)

	HookResolutions = prom.NewCounterVec(
		prom.CounterOpts{
			Name: "powerlink_hook_resolutions_total",
			Help: "Owned hooks resolved, by result",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prom.MustRegister(LinkRequests, LinksCreated, LinksReaped, HooksActive, HookStubs, HookResolutions)
	})
}
