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

// Package flagutil contains the shared option groups used by every MASH
// service main.
package flagutil

import (
	"errors"
	"flag"

	"github.com/mash-pipeline/mash/config"
)

// OptionGroup lets options be injected separately and be overlaid.
type OptionGroup interface {
	// AddFlags injects options into the given FlagSet.
	AddFlags(fs *flag.FlagSet)
	// Validate validates options.
	Validate() error
}

// ConfigOptions holds options for loading the shared configuration file.
type ConfigOptions struct {
	ConfigPath string
	// WatchConfig selects fsnotify watching over mtime polling.
	WatchConfig bool
}

// AddFlags injects config options into the given FlagSet.
func (o *ConfigOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config-path", "/etc/mash/mash_config.yaml", "Path to the MASH config file.")
	fs.BoolVar(&o.WatchConfig, "watch-config", false, "Watch the config file with fsnotify instead of polling its mtime.")
}

// Validate validates config options.
func (o *ConfigOptions) Validate() error {
	if o.ConfigPath == "" {
		return errors.New("--config-path is required")
	}
	return nil
}

// Agent loads the config file and returns a started config agent.
func (o *ConfigOptions) Agent() (*config.Agent, error) {
	agent := &config.Agent{}
	var err error
	if o.WatchConfig {
		err = agent.StartWatch(o.ConfigPath)
	} else {
		err = agent.Start(o.ConfigPath)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// BrokerOptions holds the message broker connection options.
type BrokerOptions struct {
	URL string
}

// AddFlags injects broker options into the given FlagSet.
func (o *BrokerOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.URL, "broker-url", "", "AMQP broker URL. Overrides the broker_url config key when set.")
}

// Validate validates broker options.
func (o *BrokerOptions) Validate() error {
	return nil
}

// Resolve returns the flag value when set, the config value otherwise.
func (o *BrokerOptions) Resolve(configURL string) string {
	if o.URL != "" {
		return o.URL
	}
	return configURL
}

const (
	// DefaultMetricsPort is the port used to serve metrics.
	DefaultMetricsPort = 9090
	// DefaultHealthPort is the port used to serve liveness and readiness.
	DefaultHealthPort = 8081
	// DefaultPProfPort is the port used to serve pprof.
	DefaultPProfPort = 6060
)

// InstrumentationOptions holds common options which are used across MASH
// components.
type InstrumentationOptions struct {
	// MetricsPort is the port which is used to serve metrics.
	MetricsPort int
	// PProfPort is the port which is used to serve pprof.
	PProfPort int
	// HealthPort is the port which is used to serve liveness and readiness.
	HealthPort int
}

// AddFlags injects common options into the given FlagSet.
func (o *InstrumentationOptions) AddFlags(fs *flag.FlagSet) {
	fs.IntVar(&o.MetricsPort, "metrics-port", DefaultMetricsPort, "port to serve metrics")
	fs.IntVar(&o.PProfPort, "pprof-port", DefaultPProfPort, "port to serve pprof")
	fs.IntVar(&o.HealthPort, "health-port", DefaultHealthPort, "port to serve liveness and readiness")
}

// Validate validates instrumentation options.
func (o *InstrumentationOptions) Validate() error {
	ports := map[int]string{}
	for port, name := range map[int]string{
		o.MetricsPort: "metrics-port",
		o.PProfPort:   "pprof-port",
		o.HealthPort:  "health-port",
	} {
		if other, ok := ports[port]; ok {
			return errors.New("--" + name + " and --" + other + " must use different ports")
		}
		ports[port] = name
	}
	return nil
}
