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

package mq

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the broker-facing counters every service keeps.
type Metrics struct {
	MessageCounter *prometheus.CounterVec
	ErrorCounter   *prometheus.CounterVec
	PassCounter    *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with the default
// registry.
func NewMetrics() *Metrics {
	messageCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mash_message_counter",
		Help: "A counter of the broker messages received by a service.",
	}, []string{"service"})
	errorCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mash_error_counter",
		Help: "A counter of messages a service could not process.",
	}, []string{"service"})
	passCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mash_job_passes_total",
		Help: "A counter of completed job passes by terminal status.",
	}, []string{"service", "status"})
	prometheus.MustRegister(messageCounter, errorCounter, passCounter)
	return &Metrics{
		MessageCounter: messageCounter,
		ErrorCounter:   errorCounter,
		PassCounter:    passCounter,
	}
}
