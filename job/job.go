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

// Package job holds the per-stage job runtime: statuses, the base job every
// stage implementation embeds, the cloud factory, and the NoOp job used for
// stages a cloud framework does not need.
package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
)

// Status is the lifecycle state of a job inside one stage. The wire values
// are what status messages carry.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "error"
	StatusException Status = "exception"
)

// UTCTimeAlways marks a nonstop job: it re-enters the pipeline on every new
// upstream image instead of terminating after one pass.
const UTCTimeAlways = "always"

// Base carries the state every stage job holds, mirrored to disk by the
// owning service.
type Base struct {
	ID          string `json:"id"`
	Cloud       string `json:"cloud"`
	UTCTime     string `json:"utctime"`
	LastService string `json:"last_service"`

	NotificationEmail string `json:"notification_email,omitempty"`
	NotificationType  string `json:"notification_type,omitempty"`

	IterationCount int    `json:"-"`
	Status         Status `json:"-"`
	JobFile        string `json:"-"`

	// Credentials holds the opaque per-account tokens issued by the
	// credentials service for this job.
	Credentials map[string]json.RawMessage `json:"-"`

	CloudImageName string            `json:"-"`
	SourceRegions  map[string]string `json:"-"`

	// StatusMsg is the result map left by the prior stage; Run consumes it
	// and overwrites it with this stage's own result arguments.
	StatusMsg map[string]interface{} `json:"-"`
}

// requiredDocKeys are the keys every stage document must carry.
var requiredDocKeys = []string{"id", "cloud", "utctime", "last_service"}

// NewBase decodes a stage document payload into a Base, enforcing the
// required keys.
func NewBase(doc []byte) (*Base, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, err
	}
	for _, key := range requiredDocKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("jobs require a(n) %s key in the job doc", key)
		}
	}
	b := &Base{Status: StatusUnknown}
	if err := json.Unmarshal(doc, b); err != nil {
		return nil, err
	}
	if b.NotificationType == "" {
		b.NotificationType = "single"
	}
	return b, nil
}

// Nonstop reports whether the job re-enters the pipeline on every new
// upstream image.
func (b *Base) Nonstop() bool {
	return b.UTCTime == UTCTimeAlways
}

// Entry returns a logger bound to the job id.
func (b *Base) Entry() *logrus.Entry {
	return logrus.WithField("job_id", b.ID)
}

// SendLog logs msg stamped with the current pass number.
func (b *Base) SendLog(msg string) {
	b.Entry().Infof("Pass[%d]: %s", b.IterationCount, msg)
}

// StageJob is one admitted job inside a stage service. Run performs the
// stage's cloud action: it consumes StatusMsg left by the prior stage, sets
// Status, and populates StatusMsg for the next stage. A non-nil error is
// converted by the framework into the exception status.
type StageJob interface {
	Base() *Base
	Run(ctx context.Context) error
}

// Process increments the pass counter and runs the job.
func Process(ctx context.Context, j StageJob) error {
	b := j.Base()
	b.IterationCount++
	b.Status = StatusRunning
	return j.Run(ctx)
}

// Constructor builds a StageJob from a stage document payload.
type Constructor func(doc []byte, cfg *config.Config) (StageJob, error)

// Factory maps a cloud framework name to the stage job constructor for it.
type Factory map[string]Constructor

// Create constructs the job for the document's cloud.
func (f Factory) Create(cloud string, doc []byte, cfg *config.Config) (StageJob, error) {
	constructor, ok := f[cloud]
	if !ok {
		return nil, fmt.Errorf("cloud %s is not supported", cloud)
	}
	return constructor(doc, cfg)
}

// NoOp is the stage job for clouds that skip a stage. It succeeds without
// side effects and leaves StatusMsg untouched, so the prior stage's result
// arguments pass through unchanged.
type NoOp struct {
	base *Base
}

// NewNoOp is the Constructor for NoOp.
func NewNoOp(doc []byte, _ *config.Config) (StageJob, error) {
	b, err := NewBase(doc)
	if err != nil {
		return nil, err
	}
	return &NoOp{base: b}, nil
}

func (n *NoOp) Base() *Base { return n.base }

func (n *NoOp) Run(_ context.Context) error {
	n.base.Status = StatusSuccess
	return nil
}

// Clouds are the supported cloud frameworks.
var Clouds = []string{"ec2", "gce", "azure", "oci", "aliyun"}

// NoOpFactory binds every supported cloud to NoOp. Stage services start
// from it and override the clouds they implement.
func NoOpFactory() Factory {
	f := Factory{}
	for _, cloud := range Clouds {
		f[cloud] = NewNoOp
	}
	return f
}
