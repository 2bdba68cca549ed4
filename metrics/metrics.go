/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics contains utilities for working with metrics in mash.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/interrupts"
)

// ExposeMetrics chooses whether to serve or push metrics for the service.
func ExposeMetrics(component string, pushGateway config.PushGateway, port int) {
	if pushGateway.Endpoint != "" {
		interval := time.Minute
		if pushGateway.Interval != nil {
			interval = pushGateway.Interval.Duration
		}
		pushMetrics(component, pushGateway.Endpoint, interval)
		if !pushGateway.ServeMetrics {
			return
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: metricsMux}
	interrupts.ListenAndServe(server, 5*time.Second)
}

// pushMetrics is meant to run in a goroutine and continuously push
// metrics to the provided endpoint.
func pushMetrics(component, endpoint string, interval time.Duration) {
	pusher := push.New(endpoint, component).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("instance", instance())
	interrupts.TickLiteral(func() {
		if err := pusher.Push(); err != nil {
			logrus.WithField("component", component).WithError(err).Error("Failed to push metrics.")
		}
	}, interval)
}

// instance resolves the grouping key that distinguishes replicas of the
// same component on the push gateway.
func instance() string {
	hostname, err := os.Hostname()
	if err != nil {
		logrus.WithError(err).Error("Failed to resolve a hostname for the instance grouping key.")
		return "unknown"
	}
	return hostname
}

// Health keeps a request multiplexer for health liveness and readiness
// endpoints.
type Health struct {
	healthMux *http.ServeMux
}

// NewHealth creates a new health request multiplexer and starts serving
// the liveness endpoint on the given port.
func NewHealth(port int) *Health {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: healthMux}
	interrupts.ListenAndServe(server, 5*time.Second)
	return &Health{healthMux: healthMux}
}

// ReadyFunc describes a function used to determine readiness.
type ReadyFunc func() bool

// ServeReady starts serving the readiness endpoint. All of the provided
// checks must pass for the endpoint to report success.
func (h *Health) ServeReady(readinessChecks ...ReadyFunc) {
	h.healthMux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range readinessChecks {
			if !check() {
				http.Error(w, "ERROR", http.StatusInternalServerError)
				return
			}
		}
		fmt.Fprint(w, "OK")
	})
}
