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

// Package logsink collects the per-job log trail: a logrus hook forwards
// job-scoped entries to the logger exchange, and the logger service appends
// them to one file per job.
package logsink

import (
	"time"

	"github.com/clarketm/json"
	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/mq"
)

// record is the wire shape of one forwarded log entry.
type record struct {
	JobID     string                 `json:"job_id"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Timestamp string                 `json:"time"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Hook forwards every logrus entry that carries a job_id field to the
// logger exchange. Entries without a job_id pass through untouched.
type Hook struct {
	broker mq.Broker
}

// NewHook returns a hook publishing through the broker.
func NewHook(broker mq.Broker) *Hook {
	return &Hook{broker: broker}
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. Publish errors surface to logrus, which
// reports them on stderr without re-entering the hook.
func (h *Hook) Fire(entry *logrus.Entry) error {
	jobID, ok := entry.Data["job_id"].(string)
	if !ok || jobID == "" {
		return nil
	}

	rec := record{
		JobID:     jobID,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: entry.Time.UTC().Format(time.RFC3339),
	}
	for k, v := range entry.Data {
		if k == "job_id" {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = map[string]interface{}{}
		}
		rec.Fields[k] = v
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.broker.Publish(mq.ExchangeLogger, mq.KeyLogger, body)
}
