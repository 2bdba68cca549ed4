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

package logsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clarketm/json"
	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/mq"
)

// ServiceName is the pipeline name of the log sink service.
const ServiceName = "logger"

// Service is the log sink: it consumes forwarded log entries and appends
// each to its job's log file.
type Service struct {
	cfg     *config.Config
	broker  mq.Broker
	log     *logrus.Entry
	metrics *mq.Metrics
}

// NewService wires a log sink against the broker. The job log directory is
// created up front so the first entry cannot race its parent.
func NewService(cfg *config.Config, broker mq.Broker, metrics *mq.Metrics) (*Service, error) {
	if err := os.MkdirAll(filepath.Join(cfg.LogDir, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("error creating job log directory: %w", err)
	}
	return &Service{
		cfg:     cfg,
		broker:  broker,
		log:     logrus.WithField("component", ServiceName),
		metrics: metrics,
	}, nil
}

// JobLogPath returns the log file of the job.
func (s *Service) JobLogPath(jobID string) string {
	return filepath.Join(s.cfg.LogDir, "jobs", jobID+".log")
}

// Run consumes the logger queue until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	queue := mq.ServiceQueue(ServiceName)
	if err := s.broker.DeclareQueue(queue, mq.ExchangeLogger, mq.KeyLogger); err != nil {
		return err
	}
	return s.broker.Consume(ctx, queue, s.handleMessage)
}

// handleMessage appends one forwarded entry to its job log. Malformed
// entries are counted and dropped.
func (s *Service) handleMessage(m mq.Message) {
	if err := m.Ack(); err != nil {
		s.log.WithError(err).Error("ack failed")
	}
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(ServiceName).Inc()
	}

	var rec record
	if err := json.Unmarshal(m.Body(), &rec); err != nil || rec.JobID == "" {
		s.drop(fmt.Sprintf("invalid log entry received: %s", m.Body()))
		return
	}
	if filepath.Base(rec.JobID) != rec.JobID {
		s.drop(fmt.Sprintf("invalid log entry received: %s", m.Body()))
		return
	}

	if err := s.append(rec.JobID, m.Body()); err != nil {
		s.drop(fmt.Sprintf("could not write job log: %v", err))
	}
}

func (s *Service) append(jobID string, line []byte) error {
	f, err := os.OpenFile(s.JobLogPath(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Service) drop(msg string) {
	if s.metrics != nil {
		s.metrics.ErrorCounter.WithLabelValues(ServiceName).Inc()
	}
	s.log.Error(msg)
}
