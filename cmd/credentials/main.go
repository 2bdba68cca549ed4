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

package main

import (
	"context"
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/credentials"
	"github.com/mash-pipeline/mash/flagutil"
	"github.com/mash-pipeline/mash/interrupts"
	"github.com/mash-pipeline/mash/logrusutil"
	"github.com/mash-pipeline/mash/logsink"
	"github.com/mash-pipeline/mash/metrics"
	"github.com/mash-pipeline/mash/mq"
)

type options struct {
	config          flagutil.ConfigOptions
	broker          flagutil.BrokerOptions
	instrumentation flagutil.InstrumentationOptions
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	o := options{}
	o.config.AddFlags(fs)
	o.broker.AddFlags(fs)
	o.instrumentation.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		logrus.WithError(err).Fatal("Could not parse args.")
	}
	return o
}

func (o *options) validate() error {
	for _, group := range []flagutil.OptionGroup{&o.config, &o.broker, &o.instrumentation} {
		if err := group.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	logrusutil.ComponentInit()
	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}

	agent, err := o.config.Agent()
	if err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := agent.Config()

	broker, err := mq.Connect(o.broker.Resolve(cfg.BrokerURL))
	if err != nil {
		logrus.WithError(err).Fatal("Error connecting to the message broker.")
	}
	interrupts.OnInterrupt(func() { broker.Close() })
	logrus.AddHook(logsink.NewHook(broker))

	brokerMetrics := mq.NewMetrics()
	metrics.ExposeMetrics(credentials.ServiceName, cfg.PushGateway, o.instrumentation.MetricsPort)
	health := metrics.NewHealth(o.instrumentation.HealthPort)

	store, err := credentials.NewStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening the account store.")
	}
	svc, err := credentials.NewService(cfg, broker, store, brokerMetrics)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating the service.")
	}

	health.ServeReady()
	interrupts.Run(func(ctx context.Context) {
		if err := svc.Run(ctx); err != nil {
			logrus.WithError(err).Error("Service loop ended.")
		}
	})
	interrupts.WaitForGracefulShutdown()
}
