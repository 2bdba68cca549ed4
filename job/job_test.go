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

package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mash-pipeline/mash/config"
)

const testDoc = `{"id": "1", "cloud": "ec2", "utctime": "now", "last_service": "deprecation"}`

func TestNewBase(t *testing.T) {
	b, err := NewBase([]byte(testDoc))
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}
	if b.ID != "1" || b.Cloud != "ec2" || b.UTCTime != "now" || b.LastService != "deprecation" {
		t.Errorf("unexpected base: %+v", b)
	}
	if b.Status != StatusUnknown {
		t.Errorf("initial status: got %q, want %q", b.Status, StatusUnknown)
	}
	if b.NotificationType != "single" {
		t.Errorf("notification_type default: got %q", b.NotificationType)
	}
	if b.Nonstop() {
		t.Error("utctime now must not be nonstop")
	}
}

func TestNewBaseMissingKeys(t *testing.T) {
	for _, key := range []string{"id", "cloud", "utctime", "last_service"} {
		doc := map[string]string{
			"id":           "1",
			"cloud":        "ec2",
			"utctime":      "now",
			"last_service": "deprecation",
		}
		delete(doc, key)
		raw := "{"
		for k, v := range doc {
			raw += fmt.Sprintf("%q: %q,", k, v)
		}
		raw = raw[:len(raw)-1] + "}"
		_, err := NewBase([]byte(raw))
		if err == nil {
			t.Errorf("missing %s: expected error, got nil", key)
			continue
		}
		want := fmt.Sprintf("jobs require a(n) %s key in the job doc", key)
		if err.Error() != want {
			t.Errorf("missing %s: got %q, want %q", key, err.Error(), want)
		}
	}
}

func TestNewBaseInvalidJSON(t *testing.T) {
	if _, err := NewBase([]byte("not json")); err == nil {
		t.Error("expected error for malformed document")
	}
}

func TestNonstop(t *testing.T) {
	b, err := NewBase([]byte(`{"id": "1", "cloud": "gce", "utctime": "always", "last_service": "testing"}`))
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}
	if !b.Nonstop() {
		t.Error("utctime always must be nonstop")
	}
}

type countingJob struct {
	base *Base
	runs int
	err  error
}

func (c *countingJob) Base() *Base { return c.base }
func (c *countingJob) Run(_ context.Context) error {
	c.runs++
	if c.err == nil {
		c.base.Status = StatusSuccess
	}
	return c.err
}

func TestProcessIncrementsIterationCount(t *testing.T) {
	b, _ := NewBase([]byte(testDoc))
	j := &countingJob{base: b}
	for i := 1; i <= 3; i++ {
		if err := Process(context.Background(), j); err != nil {
			t.Fatalf("Process: %v", err)
		}
		if b.IterationCount != i {
			t.Errorf("iteration count after pass %d: got %d", i, b.IterationCount)
		}
	}
	if j.runs != 3 {
		t.Errorf("runs: got %d, want 3", j.runs)
	}
}

func TestProcessSurfacesRunError(t *testing.T) {
	b, _ := NewBase([]byte(testDoc))
	j := &countingJob{base: b, err: errors.New("cloud exploded")}
	if err := Process(context.Background(), j); err == nil {
		t.Error("expected Run error to surface")
	}
	if b.IterationCount != 1 {
		t.Errorf("iteration count: got %d, want 1", b.IterationCount)
	}
}

func TestFactoryCreate(t *testing.T) {
	f := NoOpFactory()
	j, err := f.Create("ec2", []byte(testDoc), &config.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Base().ID != "1" {
		t.Errorf("unexpected job id: %q", j.Base().ID)
	}
	if _, err := f.Create("fake", []byte(testDoc), &config.Config{}); err == nil {
		t.Error("expected error for unsupported cloud")
	} else if err.Error() != "cloud fake is not supported" {
		t.Errorf("unexpected error wording: %q", err.Error())
	}
}

func TestNoOpForwardsStatusMsg(t *testing.T) {
	j, err := NewNoOp([]byte(testDoc), nil)
	if err != nil {
		t.Fatalf("NewNoOp: %v", err)
	}
	prior := map[string]interface{}{
		"cloud_image_name": "image123",
		"source_regions":   map[string]interface{}{"us-east-2": "test-account"},
	}
	j.Base().StatusMsg = prior
	if err := Process(context.Background(), j); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if j.Base().Status != StatusSuccess {
		t.Errorf("status: got %q, want %q", j.Base().Status, StatusSuccess)
	}
	if got := j.Base().StatusMsg["cloud_image_name"]; got != "image123" {
		t.Errorf("StatusMsg must pass through unchanged, got %v", got)
	}
}
