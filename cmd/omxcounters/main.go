package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	omx "github.com/open-mx/omx"
	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/metrics"
)

// omxcounters exposes one endpoint's counters as Prometheus metrics over
// HTTP, adapted from the teacher's exporter_example2 (a
// prometheus.Collector registered once, polled on every /metrics scrape
// rather than pushed).
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <board> <endpoint>\n", os.Args[0])
		os.Exit(1)
	}

	drv, err := driver.Open(12, 12)
	if err != nil {
		logrus.Fatalf("open driver: %v", err)
	}

	var board, index int
	if _, err := fmt.Sscanf(os.Args[1], "%d", &board); err != nil {
		logrus.Fatalf("bad board %q: %v", os.Args[1], err)
	}
	if _, err := fmt.Sscanf(os.Args[2], "%d", &index); err != nil {
		logrus.Fatalf("bad endpoint %q: %v", os.Args[2], err)
	}

	cfg := config.Load(config.OSGetenv)
	collector := metrics.NewEndpointCollector()

	ep, err := omx.Open(drv, cfg, board, index, 0, omx.ContextConfig{}, collector)
	if err != nil {
		logrus.Fatalf("open endpoint: %v", err)
	}
	defer ep.Close()

	prometheus.MustRegister(collector)
	http.Handle("/metrics", promhttp.Handler())

	logrus.Infof("serving /metrics on :18081 for board=%d endpoint=%d", board, index)
	if err := http.ListenAndServe(":18081", nil); err != nil {
		logrus.Fatalf("serve: %v", err)
	}
}
