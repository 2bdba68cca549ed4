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

// Package obs watches image builds in an open build service instance and
// releases finished images into the pipeline once their conditions hold.
package obs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/mash-pipeline/mash/jobstore"
)

// ErrJobRetire marks a failure to archive a finished watcher; the pass is
// failed and nothing is published downstream.
var ErrJobRetire = errors.New("job retirement failed")

// Build result job statuses.
const (
	JobStatusPrepared = "prepared"
	JobStatusSuccess  = "success"
	JobStatusFailed   = "failed"
)

const versionUnknown = "unknown"

// API is the build service surface the watcher needs. *Client implements
// it; tests substitute fakes.
type API interface {
	BinaryList(ctx context.Context, project, pkg string) ([]Binary, error)
	DownloadBinary(ctx context.Context, project, pkg string, b Binary, dir string) (string, error)
	FetchPackages(ctx context.Context, project, pkg string) (map[string]Package, error)
	Lock(ctx context.Context, project, pkg string) (bool, error)
	Unlock(ctx context.Context, project, pkg string) error
}

// ImageStatus is the watcher's view of one image build.
type ImageStatus struct {
	JobStatus        string       `json:"job_status"`
	Name             string       `json:"name"`
	PackagesChecksum string       `json:"packages_checksum"`
	Version          string       `json:"version"`
	Conditions       []*Condition `json:"conditions,omitempty"`
	ImageSource      []string     `json:"image_source,omitempty"`
}

// WatchSpec describes one build result watch.
type WatchSpec struct {
	JobID       string
	JobFile     string
	Project     string
	Package     string
	Conditions  []*Condition
	Nonstop     bool
	DownloadDir string
	DoneDir     string
}

// BuildResult is one watcher: it polls a package's image build and fires
// the result callback when the image satisfies its conditions.
type BuildResult struct {
	spec WatchSpec
	api  API

	mu             sync.Mutex
	iterationCount int
	status         ImageStatus
	lastPublished  string

	logCallback    func(jobID, msg string)
	resultCallback func(jobID string, status ImageStatus)
}

// NewBuildResult returns a watcher in the prepared state.
func NewBuildResult(spec WatchSpec, api API) *BuildResult {
	return &BuildResult{
		spec: spec,
		api:  api,
		status: ImageStatus{
			JobStatus:        JobStatusPrepared,
			Name:             spec.Package,
			PackagesChecksum: versionUnknown,
			Version:          versionUnknown,
			Conditions:       spec.Conditions,
		},
	}
}

// SetLogCallback installs the per-pass log handler.
func (b *BuildResult) SetLogCallback(fn func(jobID, msg string)) {
	b.logCallback = fn
}

// SetResultCallback installs the handler invoked when the image is ready.
func (b *BuildResult) SetResultCallback(fn func(jobID string, status ImageStatus)) {
	b.resultCallback = fn
}

// Nonstop reports whether the watcher keeps polling after a release.
func (b *BuildResult) Nonstop() bool {
	return b.spec.Nonstop
}

// JobFile returns the persisted job document path.
func (b *BuildResult) JobFile() string {
	return b.spec.JobFile
}

// Status returns a copy of the current image status.
func (b *BuildResult) Status() ImageStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyStatusLocked()
}

func (b *BuildResult) copyStatusLocked() ImageStatus {
	status := b.status
	status.Conditions = make([]*Condition, len(b.status.Conditions))
	for i, c := range b.status.Conditions {
		copied := *c
		if c.Status != nil {
			v := *c.Status
			copied.Status = &v
		}
		status.Conditions[i] = &copied
	}
	status.ImageSource = append([]string(nil), b.status.ImageSource...)
	return status
}

// NotifySkipped fires the result callback when the scheduler skipped an
// overlapping run. Only a successful last pass is forwarded; a watcher
// that is still waiting on its conditions stays quiet.
func (b *BuildResult) NotifySkipped() {
	if b.resultCallback == nil {
		return
	}
	status := b.Status()
	if status.JobStatus != JobStatusSuccess {
		return
	}
	b.resultCallback(b.spec.JobID, status)
}

func (b *BuildResult) logf(format string, args ...interface{}) {
	if b.logCallback == nil {
		return
	}
	b.mu.Lock()
	n := b.iterationCount
	b.mu.Unlock()
	b.logCallback(b.spec.JobID, fmt.Sprintf("Pass[%d]: %s", n, fmt.Sprintf(format, args...)))
}

func (b *BuildResult) setJobStatus(status string) {
	b.mu.Lock()
	b.status.JobStatus = status
	b.mu.Unlock()
}

func (b *BuildResult) fail(format string, args ...interface{}) {
	b.setJobStatus(JobStatusFailed)
	b.logf(format, args...)
}

// Pass runs one poll of the build result state machine.
func (b *BuildResult) Pass(ctx context.Context) {
	b.mu.Lock()
	b.iterationCount++
	b.mu.Unlock()
	b.logf("job running")

	locked, err := b.api.Lock(ctx, b.spec.Project, b.spec.Package)
	if err != nil {
		b.fail("%v", err)
		return
	}
	if !locked {
		b.fail("lock held elsewhere for %s/%s", b.spec.Project, b.spec.Package)
		return
	}
	var unlockOnce sync.Once
	unlock := func() {
		unlockOnce.Do(func() {
			if err := b.api.Unlock(ctx, b.spec.Project, b.spec.Package); err != nil {
				b.logf("%v", err)
			}
		})
	}
	defer unlock()

	binaries, err := b.api.BinaryList(ctx, b.spec.Project, b.spec.Package)
	if err != nil {
		b.fail("%v", err)
		return
	}
	packages, err := b.api.FetchPackages(ctx, b.spec.Project, b.spec.Package)
	if err != nil {
		b.fail("%v", err)
		return
	}

	version := deriveVersion(binaries)
	checksum := PackagesChecksum(packages)
	b.mu.Lock()
	b.status.Version = version
	b.status.PackagesChecksum = checksum
	conditions := b.status.Conditions
	b.mu.Unlock()

	for _, cond := range conditions {
		var ok bool
		var err error
		switch {
		case cond.Image != "":
			ok, err = CheckImage(version, cond.Image)
		case len(cond.Package) > 0:
			ok, err = CheckPackage(packages, cond.Package)
		}
		if err != nil {
			// A malformed condition can never start holding; the pass
			// fails even on nonstop jobs.
			b.fail("%v", err)
			return
		}
		status := ok
		b.mu.Lock()
		cond.Status = &status
		b.mu.Unlock()
	}

	if !Complied(version, conditions) {
		if b.spec.Nonstop {
			b.setJobStatus(JobStatusPrepared)
			b.logf("waiting for image conditions")
			return
		}
		b.fail("image conditions failed")
		return
	}

	b.mu.Lock()
	unchanged := b.spec.Nonstop && checksum == b.lastPublished
	b.mu.Unlock()
	if unchanged {
		b.logf("image unchanged")
		return
	}

	sources, err := b.downloadImage(ctx, binaries)
	if err != nil {
		b.fail("%v", err)
		return
	}

	b.mu.Lock()
	b.status.ImageSource = sources
	b.status.JobStatus = JobStatusSuccess
	b.lastPublished = checksum
	b.mu.Unlock()

	if !b.spec.Nonstop {
		if err := b.retire(); err != nil {
			b.fail("%v", err)
			return
		}
	}
	// The remote lock must be gone before the result travels downstream.
	unlock()
	if b.resultCallback != nil {
		b.resultCallback(b.spec.JobID, b.Status())
	}
}

func (b *BuildResult) downloadImage(ctx context.Context, binaries []Binary) ([]string, error) {
	var sources []string
	for _, bin := range binaries {
		if !isImageFile(bin.Name) {
			continue
		}
		path, err := b.api.DownloadBinary(ctx, b.spec.Project, b.spec.Package, bin, b.spec.DownloadDir)
		if err != nil {
			return nil, err
		}
		sources = append(sources, path)
	}
	return sources, nil
}

// retire removes the job document and serialises the final state into the
// done directory; retired jobs are terminal and never re-admitted.
func (b *BuildResult) retire() error {
	if err := os.Remove(b.spec.JobFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrJobRetire, err)
	}
	if err := jobstore.RetireTo(b.spec.DoneDir, b.spec.JobID, b.Status()); err != nil {
		return fmt.Errorf("%w: %v", ErrJobRetire, err)
	}
	return nil
}

var imageSuffixes = []string{".iso", ".xz", ".iso.sha256", ".xz.sha256"}

func isImageFile(name string) bool {
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

var versionExpr = regexp.MustCompile(`\.` + buildArch + `-(\d+(?:\.\d+)*)-`)

// deriveVersion extracts the image version from the checksum binary name,
// e.g. image.x86_64-1.0.5-Build5.28.vhdfixed.xz.sha256 yields 1.0.5.
func deriveVersion(binaries []Binary) string {
	for _, b := range binaries {
		if !strings.HasSuffix(b.Name, ".sha256") {
			continue
		}
		if m := versionExpr.FindStringSubmatch(b.Name); m != nil {
			return m[1]
		}
	}
	return versionUnknown
}
