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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clarketm/json"
	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/jobstore"
	"github.com/mash-pipeline/mash/mq"
)

// ServiceName is the pipeline name of the build result watcher service.
const ServiceName = "obs"

// jobRequest is the body of an obs_job document.
type jobRequest struct {
	ID           string       `json:"id"`
	Image        string       `json:"image"`
	Project      string       `json:"project"`
	UTCTime      string       `json:"utctime"`
	Conditions   []*Condition `json:"conditions,omitempty"`
	DownloadRoot string       `json:"download_root,omitempty"`
}

type jobDocument struct {
	OBSJob       *jobRequest `json:"obs_job,omitempty"`
	OBSJobDelete string      `json:"obs_job_delete,omitempty"`
}

// resultDocument is published to the uploader's listener queue when an
// image is ready.
type resultDocument struct {
	OBSResult resultBody `json:"obs_result"`
}

type resultBody struct {
	ID string `json:"id"`
	ImageStatus
}

// response is the outcome of one control operation, logged with the job id.
type response struct {
	ok      bool
	message string
}

// Service is the broker-facing build result watcher service: it admits
// obs_job documents, runs one watcher per job, and hands finished images
// to the uploader.
type Service struct {
	cfg     *config.Config
	broker  mq.Broker
	api     API
	store   *jobstore.Store
	sched   *Scheduler
	log     *logrus.Entry
	metrics *mq.Metrics

	ctx  context.Context
	lock sync.Mutex
	jobs map[string]*BuildResult
}

// NewService wires a Service against the broker and build service API.
func NewService(cfg *config.Config, broker mq.Broker, api API, metrics *mq.Metrics) (*Service, error) {
	store, err := jobstore.New(cfg.JobDir(ServiceName))
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		broker:  broker,
		api:     api,
		store:   store,
		sched:   NewScheduler(),
		log:     logrus.WithField("component", ServiceName),
		metrics: metrics,
		ctx:     context.Background(),
		jobs:    map[string]*BuildResult{},
	}, nil
}

// Run resumes persisted jobs and consumes the service queue until ctx
// ends.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	s.pruneArtifacts()

	entries, err := s.store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.resumeJob(e); err != nil {
			s.log.WithError(err).Errorf("could not resume job from %s", e.Path)
		}
	}

	queue := mq.ServiceQueue(ServiceName)
	if err := s.broker.DeclareQueue(queue, ServiceName, mq.KeyJobDocument); err != nil {
		return err
	}
	defer s.sched.Stop()
	return s.broker.Consume(ctx, queue, s.handleMessage)
}

func (s *Service) handleMessage(m mq.Message) {
	// Admission and deletion are idempotent, the message is acked up
	// front the way the submitter expects.
	if err := m.Ack(); err != nil {
		s.log.WithError(err).Error("ack failed")
	}
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(ServiceName).Inc()
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(m.Body(), &doc); err != nil {
		s.respond(response{ok: false, message: fmt.Sprintf("JSON:deserialize error: %s : %v", m.Body(), err)}, "")
		return
	}
	if m.RoutingKey() == mq.KeyJobDocument {
		s.handleJobs(doc, m.Body())
	}
}

func (s *Service) handleJobs(doc map[string]json.RawMessage, body []byte) {
	switch {
	case doc["obs_job"] != nil:
		var full jobDocument
		if err := json.Unmarshal(body, &full); err != nil {
			s.respond(response{ok: false, message: fmt.Sprintf("JSON:deserialize error: %s : %v", body, err)}, "")
			return
		}
		req := full.OBSJob
		if req == nil {
			s.respond(response{ok: false, message: fmt.Sprintf("no idea what to do with: %s", body)}, "")
			return
		}
		s.log.WithField("job_id", req.ID).Info(string(body))
		s.respond(s.addJob(req, body), req.ID)
	case doc["obs_job_delete"] != nil:
		var id string
		if err := json.Unmarshal(doc["obs_job_delete"], &id); err != nil || id == "" {
			s.respond(response{ok: false, message: fmt.Sprintf("no idea what to do with: %s", body)}, "")
			return
		}
		s.log.WithField("job_id", id).Info("deleting job")
		s.respond(s.deleteJob(id), id)
	default:
		s.respond(response{ok: false, message: fmt.Sprintf("no idea what to do with: %s", body)}, "")
	}
}

// respond logs a control operation outcome, the message of failed
// operations at error level.
func (s *Service) respond(r response, jobID string) {
	log := s.log
	if jobID != "" {
		log = log.WithField("job_id", jobID)
	}
	if r.ok {
		log.Info(r.message)
		return
	}
	if s.metrics != nil {
		s.metrics.ErrorCounter.WithLabelValues(ServiceName).Inc()
	}
	log.Error(r.message)
}

func (s *Service) addJob(req *jobRequest, body []byte) response {
	if invalid := s.validate(req); invalid != nil {
		return *invalid
	}
	path, err := s.store.Add(body)
	if err != nil {
		return response{ok: false, message: fmt.Sprintf("job not stored: %v", err)}
	}
	if err := s.startJob(req, path); err != nil {
		s.store.Remove(path)
		return response{ok: false, message: err.Error()}
	}
	return response{ok: true, message: "job started"}
}

func (s *Service) validate(req *jobRequest) *response {
	fail := func(msg string) *response {
		return &response{ok: false, message: msg}
	}
	if req.ID == "" {
		return fail("invalid job: no job id")
	}
	s.lock.Lock()
	_, exists := s.jobs[req.ID]
	s.lock.Unlock()
	if exists {
		return fail("job already exists")
	}
	if req.Image == "" {
		return fail("invalid job: no image name")
	}
	if req.Project == "" {
		return fail("invalid job: no project name")
	}
	if req.UTCTime == "" {
		return fail("invalid job: no time given")
	}
	if req.UTCTime != "now" && req.UTCTime != "always" {
		if _, err := time.Parse(time.RFC3339, req.UTCTime); err != nil {
			return fail(fmt.Sprintf("invalid job time: %v", err))
		}
	}
	return nil
}

// resumeJob re-admits one persisted job document after a restart.
func (s *Service) resumeJob(e jobstore.Entry) error {
	var full jobDocument
	if err := json.Unmarshal(e.Raw, &full); err != nil {
		return err
	}
	if full.OBSJob == nil {
		return fmt.Errorf("no obs_job in %s", e.Path)
	}
	return s.startJob(full.OBSJob, e.Path)
}

func (s *Service) startJob(req *jobRequest, jobFile string) error {
	nonstop := req.UTCTime == "always"
	watcher := NewBuildResult(WatchSpec{
		JobID:       req.ID,
		JobFile:     jobFile,
		Project:     req.Project,
		Package:     req.Image,
		Conditions:  req.Conditions,
		Nonstop:     nonstop,
		DownloadDir: filepath.Join(s.cfg.DownloadDir, req.ID),
		DoneDir:     s.cfg.DoneDir(),
	}, s.api)
	watcher.SetLogCallback(s.jobLog)
	watcher.SetResultCallback(s.handleResult)

	pass := func() { watcher.Pass(s.ctx) }
	var err error
	switch {
	case nonstop:
		err = s.sched.AddNonstop(req.ID, s.cfg.OBSPollInterval.Duration, pass, watcher.NotifySkipped)
	case req.UTCTime == "now":
		err = s.sched.AddOneShot(req.ID, time.Time{}, pass)
	default:
		var at time.Time
		at, err = time.Parse(time.RFC3339, req.UTCTime)
		if err == nil {
			err = s.sched.AddOneShot(req.ID, at, pass)
		}
	}
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.jobs[req.ID] = watcher
	s.lock.Unlock()
	return nil
}

func (s *Service) deleteJob(id string) response {
	s.lock.Lock()
	watcher, ok := s.jobs[id]
	s.lock.Unlock()
	if !ok {
		return response{ok: false, message: "job does not exist, can not delete it"}
	}
	if err := s.store.Remove(watcher.JobFile()); err != nil {
		return response{ok: false, message: fmt.Sprintf("job deletion failed: %v", err)}
	}
	s.sched.Remove(id)
	s.lock.Lock()
	delete(s.jobs, id)
	s.lock.Unlock()
	return response{ok: true, message: "job deleted"}
}

func (s *Service) jobLog(jobID, msg string) {
	s.log.WithField("job_id", jobID).Info(msg)
}

// handleResult hands a finished image to the uploader's listener queue and
// drops the job unless it is nonstop.
func (s *Service) handleResult(jobID string, status ImageStatus) {
	doc := resultDocument{OBSResult: resultBody{ID: jobID, ImageStatus: status}}
	body, err := json.Marshal(doc)
	if err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("could not serialize result")
		return
	}
	next := s.cfg.NextService(ServiceName)
	queue := mq.ListenerQueue(next, jobID)
	key := mq.ListenerKey(jobID)
	if err := s.broker.DeclareQueue(queue, next, key); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("could not declare listener queue")
		return
	}
	if err := s.broker.Publish(next, key, body); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("could not publish result")
		return
	}
	if s.metrics != nil {
		s.metrics.PassCounter.WithLabelValues(ServiceName, status.JobStatus).Inc()
	}
	s.lock.Lock()
	watcher, ok := s.jobs[jobID]
	s.lock.Unlock()
	if ok && !watcher.Nonstop() {
		s.respond(s.deleteJob(jobID), jobID)
	}
}

// pruneArtifacts drops download-dir artefacts older than the configured
// age. Zero age disables pruning.
func (s *Service) pruneArtifacts() {
	if s.cfg.ArtifactMaxAge == nil || s.cfg.ArtifactMaxAge.Duration <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.ArtifactMaxAge.Duration)
	var pruned int
	err := filepath.WalkDir(s.cfg.DownloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("artifact pruning failed")
	}
	if pruned > 0 {
		s.log.Infof("pruned %d stale artifacts", pruned)
	}
}
