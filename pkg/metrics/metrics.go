// Package metrics holds the gateway's prometheus collectors. The handler is
// mounted unauthenticated on the API router, with an optional dedicated
// listener for deployments that keep scrape traffic off the public port.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapmesh/wagateway/pkg/log"
)

var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wagateway",
		Subsystem: "dispatch",
		Name:      "sends_total",
		Help:      "Outbound dispatches by outcome and message kind.",
	}, []string{"outcome", "kind"})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wagateway",
		Subsystem: "dispatch",
		Name:      "send_duration_seconds",
		Help:      "End to end duration of one dispatch including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	InboundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wagateway",
		Subsystem: "relay",
		Name:      "inbound_total",
		Help:      "Inbound messages accepted from all sessions.",
	})

	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wagateway",
		Subsystem: "session",
		Name:      "online",
		Help:      "Sessions currently online.",
	})

	SessionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wagateway",
		Subsystem: "session",
		Name:      "failures_total",
		Help:      "Sessions that exhausted their retry budget.",
	})

	BroadcastJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wagateway",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Broadcast jobs by terminal state.",
	}, []string{"state"})
)

// Handler exposes the registry for mounting on the API router.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve blocks on an optional dedicated metrics listener; run it in its
// own goroutine. An empty address disables it.
func Serve(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Print(nil).Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Print(nil).Errorf("metrics listener: %v", err)
	}
}
