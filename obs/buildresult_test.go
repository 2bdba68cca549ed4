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

package obs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeAPI struct {
	mu          sync.Mutex
	heldRemote  bool
	lockErr     error
	listErr     error
	binaries    []Binary
	packages    map[string]Package
	downloads   []string
	downloadErr error
	locks       int
	unlocks     int
}

func (f *fakeAPI) Lock(_ context.Context, project, pkg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return false, f.lockErr
	}
	if f.heldRemote {
		return false, nil
	}
	f.locks++
	return true, nil
}

func (f *fakeAPI) Unlock(_ context.Context, project, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks++
	return nil
}

func (f *fakeAPI) BinaryList(_ context.Context, project, pkg string) ([]Binary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binaries, f.listErr
}

func (f *fakeAPI) FetchPackages(_ context.Context, project, pkg string) (map[string]Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packages, nil
}

func (f *fakeAPI) DownloadBinary(_ context.Context, project, pkg string, b Binary, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := filepath.Join(dir, b.Name)
	f.downloads = append(f.downloads, path)
	return path, nil
}

type resultRecorder struct {
	mu      sync.Mutex
	results []ImageStatus
	logs    []string
}

func (r *resultRecorder) result(_ string, status ImageStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, status)
}

func (r *resultRecorder) log(_ string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func newWatcher(t *testing.T, api *fakeAPI, nonstop bool, conditions []*Condition) (*BuildResult, *resultRecorder) {
	t.Helper()
	dir := t.TempDir()
	jobFile := filepath.Join(dir, "job-815.json")
	if err := os.WriteFile(jobFile, []byte(`{"obs_job": {"id": "815"}}`), 0o644); err != nil {
		t.Fatalf("writing job file: %v", err)
	}
	w := NewBuildResult(WatchSpec{
		JobID:       "815",
		JobFile:     jobFile,
		Project:     "Virtualization:Appliances:Images:Testing_x86",
		Package:     "test-image-oem",
		Conditions:  conditions,
		Nonstop:     nonstop,
		DownloadDir: filepath.Join(dir, "images"),
		DoneDir:     filepath.Join(dir, "obs_jobs_done"),
	}, api)
	rec := &resultRecorder{}
	w.SetResultCallback(rec.result)
	w.SetLogCallback(rec.log)
	return w, rec
}

var readyBinaries = []Binary{
	{Name: "test-image-oem.x86_64-1.42.1-Build5.28.vhdfixed.xz", MTime: 100},
	{Name: "test-image-oem.x86_64-1.42.1-Build5.28.vhdfixed.xz.sha256", MTime: 100},
	{Name: "image.packages", MTime: 100},
}

func TestPassInitialStatus(t *testing.T) {
	w, _ := newWatcher(t, &fakeAPI{}, true, nil)
	want := ImageStatus{
		JobStatus:        "prepared",
		Name:             "test-image-oem",
		PackagesChecksum: "unknown",
		Version:          "unknown",
		Conditions:       []*Condition{},
		ImageSource:      nil,
	}
	got := w.Status()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("initial status (-want +got):\n%s", diff)
	}
}

// A nonstop watcher whose image version is still unknown keeps the job in
// the prepared state and publishes nothing.
func TestPassNonstopStaysPreparedUntilVersionKnown(t *testing.T) {
	api := &fakeAPI{
		binaries: []Binary{{Name: "image.packages", MTime: 100}},
		packages: testPackages,
	}
	w, rec := newWatcher(t, api, true, []*Condition{{Image: "1.42.1"}})
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusPrepared {
		t.Errorf("job status: got %s, want %s", got, JobStatusPrepared)
	}
	if len(rec.results) != 0 {
		t.Fatalf("expected no publication, got %d", len(rec.results))
	}

	// the image appears: exactly one publication
	api.mu.Lock()
	api.binaries = readyBinaries
	api.mu.Unlock()
	w.Pass(context.Background())
	w.Pass(context.Background()) // unchanged checksum, no second publication
	if len(rec.results) != 1 {
		t.Fatalf("expected exactly one publication, got %d", len(rec.results))
	}
	got := rec.results[0]
	if got.JobStatus != JobStatusSuccess || got.Version != "1.42.1" {
		t.Errorf("unexpected result: %+v", got)
	}
	if len(got.ImageSource) != 2 {
		t.Errorf("expected image + sha256 artefacts, got %v", got.ImageSource)
	}
}

// A malformed version expression fails the pass, also on nonstop jobs, but
// the watcher itself survives and keeps evaluating.
func TestPassVersionExpressionErrorFailsPass(t *testing.T) {
	api := &fakeAPI{binaries: readyBinaries, packages: testPackages}
	w, rec := newWatcher(t, api, true, []*Condition{{Package: []string{"file-magic", "=5.32"}}})
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusFailed {
		t.Errorf("job status: got %s, want %s", got, JobStatusFailed)
	}
	if len(rec.results) != 0 {
		t.Errorf("expected no publication, got %d", len(rec.results))
	}
	// next tick evaluates again
	w.Pass(context.Background())
	if n := w.Status(); n.JobStatus != JobStatusFailed {
		t.Errorf("second pass status: got %s", n.JobStatus)
	}
	found := false
	for _, msg := range rec.logs {
		if strings.Contains(msg, "invalid version expression") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected version expression error in logs: %v", rec.logs)
	}
}

func TestPassLockHeldElsewhere(t *testing.T) {
	api := &fakeAPI{heldRemote: true}
	w, rec := newWatcher(t, api, false, nil)
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusFailed {
		t.Errorf("job status: got %s, want %s", got, JobStatusFailed)
	}
	if len(rec.results) != 0 {
		t.Errorf("expected no publication, got %d", len(rec.results))
	}
	if api.unlocks != 0 {
		t.Errorf("must not unlock a foreign lock, got %d unlocks", api.unlocks)
	}
}

func TestPassOneShotNotComplied(t *testing.T) {
	api := &fakeAPI{binaries: readyBinaries, packages: testPackages}
	w, rec := newWatcher(t, api, false, []*Condition{{Image: "7.7.7"}})
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusFailed {
		t.Errorf("job status: got %s, want %s", got, JobStatusFailed)
	}
	if len(rec.results) != 0 {
		t.Errorf("expected no publication, got %d", len(rec.results))
	}
	if api.unlocks != 1 {
		t.Errorf("expected unlock after pass, got %d", api.unlocks)
	}
}

func TestPassOneShotSuccessRetires(t *testing.T) {
	api := &fakeAPI{binaries: readyBinaries, packages: testPackages}
	w, rec := newWatcher(t, api, false, []*Condition{
		{Image: "1.42.1"},
		{Package: []string{"kernel-default", ">=4.13.1", ">=1.1"}},
	})
	w.Pass(context.Background())

	if len(rec.results) != 1 {
		t.Fatalf("expected one publication, got %d", len(rec.results))
	}
	status := rec.results[0]
	if status.JobStatus != JobStatusSuccess {
		t.Errorf("job status: got %s", status.JobStatus)
	}
	if status.PackagesChecksum != "9236ed4885aa131ebc97d79eb773c45f" {
		t.Errorf("checksum: got %s", status.PackagesChecksum)
	}
	for _, c := range status.Conditions {
		if c.Status == nil || !*c.Status {
			t.Errorf("condition not satisfied: %+v", c)
		}
	}
	if _, err := os.Stat(w.JobFile()); !os.IsNotExist(err) {
		t.Error("job file must be removed on retire")
	}
	done := filepath.Join(filepath.Dir(w.JobFile()), "obs_jobs_done", "815.json")
	if _, err := os.Stat(done); err != nil {
		t.Errorf("done state not serialized: %v", err)
	}
}

func TestPassRetireFailure(t *testing.T) {
	api := &fakeAPI{binaries: readyBinaries, packages: testPackages}
	w, rec := newWatcher(t, api, false, nil)
	// a file where the done directory should be makes retirement fail
	if err := os.WriteFile(w.spec.DoneDir, []byte("x"), 0o644); err != nil {
		t.Fatalf("planting done file: %v", err)
	}
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusFailed {
		t.Errorf("job status: got %s, want %s", got, JobStatusFailed)
	}
	if len(rec.results) != 0 {
		t.Error("retire failure must not publish downstream")
	}
	found := false
	for _, msg := range rec.logs {
		if strings.Contains(msg, ErrJobRetire.Error()) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected retire error in logs: %v", rec.logs)
	}
}

func TestPassRemoteFaultKeepsWatcher(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("remote unavailable")}
	w, rec := newWatcher(t, api, true, nil)
	w.Pass(context.Background())
	if got := w.Status().JobStatus; got != JobStatusFailed {
		t.Errorf("job status: got %s, want %s", got, JobStatusFailed)
	}
	// fault clears, next tick succeeds
	api.mu.Lock()
	api.listErr = nil
	api.binaries = readyBinaries
	api.packages = testPackages
	api.mu.Unlock()
	w.Pass(context.Background())
	if len(rec.results) != 1 {
		t.Fatalf("expected publication after recovery, got %d", len(rec.results))
	}
}

// A skipped overlapping run forwards only the last successful status. A
// watcher that never built an image stays quiet, otherwise the stage
// downstream would read the prepared state as an upstream failure.
func TestNotifySkippedForwardsOnlySuccess(t *testing.T) {
	api := &fakeAPI{
		binaries: []Binary{{Name: "image.packages", MTime: 100}},
		packages: testPackages,
	}
	w, rec := newWatcher(t, api, true, []*Condition{{Image: "1.42.1"}})

	w.NotifySkipped()
	if len(rec.results) != 0 {
		t.Fatalf("prepared watcher must not publish, got %d results", len(rec.results))
	}

	api.mu.Lock()
	api.binaries = readyBinaries
	api.mu.Unlock()
	w.Pass(context.Background())
	if len(rec.results) != 1 {
		t.Fatalf("expected one publication after the pass, got %d", len(rec.results))
	}

	w.NotifySkipped()
	if len(rec.results) != 2 {
		t.Fatalf("expected the last success to be republished, got %d results", len(rec.results))
	}
	if got := rec.results[1].JobStatus; got != JobStatusSuccess {
		t.Errorf("job status: got %s, want %s", got, JobStatusSuccess)
	}
}

// The remote lock is released before the result callback runs.
func TestPassUnlocksBeforeResult(t *testing.T) {
	api := &fakeAPI{binaries: readyBinaries, packages: testPackages}
	w, _ := newWatcher(t, api, true, nil)
	unlocksAtResult := -1
	w.SetResultCallback(func(string, ImageStatus) {
		api.mu.Lock()
		unlocksAtResult = api.unlocks
		api.mu.Unlock()
	})
	w.Pass(context.Background())
	if unlocksAtResult != 1 {
		t.Errorf("lock still held when the result fired: %d unlocks seen", unlocksAtResult)
	}
	if api.unlocks != 1 {
		t.Errorf("expected exactly one unlock per pass, got %d", api.unlocks)
	}
}

func TestDeriveVersion(t *testing.T) {
	tests := []struct {
		name     string
		binaries []Binary
		want     string
	}{
		{
			name: "from sha256 name",
			binaries: []Binary{
				{Name: "Azure-Factory.x86_64-1.0.5-Build5.28.vhdfixed.xz.sha256"},
			},
			want: "1.0.5",
		},
		{
			name:     "no match",
			binaries: []Binary{{Name: "foo.xz.sha256"}},
			want:     "unknown",
		},
		{
			name:     "empty",
			binaries: nil,
			want:     "unknown",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveVersion(tc.binaries); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsImageFile(t *testing.T) {
	for name, want := range map[string]bool{
		"image.iso":       true,
		"image.xz":        true,
		"image.xz.sha256": true,
		"foo":             false,
		"image.packages":  false,
	} {
		if got := isImageFile(name); got != want {
			t.Errorf("%s: got %t, want %t", name, got, want)
		}
	}
}
