package prometheus

import (
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sifan077/PowerLink/config"
)

const (
	scrapeTimeout = 10 * time.Second
	defaultPort   = 9090
)

// Handler serves the link and hook collectors registered by Init.
func Handler() http.Handler {
	Init()
	return promhttp.InstrumentMetricHandler(prom.DefaultRegisterer,
		promhttp.HandlerFor(prom.DefaultGatherer, promhttp.HandlerOpts{
			Timeout:           scrapeTimeout,
			EnableOpenMetrics: true,
		}))
}

// NewServer exposes Handler on /metrics, on its own port next to the link listener.
func NewServer(cfg config.PrometheusConfig) *http.Server {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      scrapeTimeout + time.Second,
	}
}
