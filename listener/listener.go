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

// Package listener implements the framework every stage service between
// obs and the pipeline end is built from: it admits stage job documents,
// waits for the preceding stage's result on a per-job listener queue, runs
// one pass per result through a worker pool, and forwards its own result
// downstream.
package listener

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clarketm/json"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/job"
	"github.com/mash-pipeline/mash/jobstore"
	"github.com/mash-pipeline/mash/mq"
)

// ErrCredentialsTimeout is returned when the credentials courier does not
// answer a credentials_request within the configured deadline.
var ErrCredentialsTimeout = errors.New("timed out waiting for credentials response")

// Notifier sends job completion notifications. A nil Notifier disables
// them.
type Notifier interface {
	JobComplete(base *job.Base, service string)
}

// Options configures a stage service instance.
type Options struct {
	// Service is the exchange/queue namespace, e.g. "testing".
	Service string
	// NextService receives this stage's result; empty for the pipeline
	// end.
	NextService string
	// JobFactory builds the per-cloud stage job from an admitted
	// document.
	JobFactory job.Factory
	// JobAliases are additional envelope keys accepted as the job
	// document, e.g. the create service's legacy pint_job name.
	JobAliases []string
	// ListenerMsgArgs are the fields the preceding stage's result must
	// carry beyond id and status.
	ListenerMsgArgs []string
	// StatusMsgArgs are the fields copied from the job into this stage's
	// own result.
	StatusMsgArgs []string
	// PoolSize overrides the configured worker pool size when positive.
	PoolSize int
	// Notify, when set, is invoked on terminal job completion, and on
	// every pass for jobs with periodic notification.
	Notify Notifier
}

type entry struct {
	job  job.StageJob
	path string
	// msg is the unacked listener delivery of the pass in flight.
	msg mq.Message
	// stop ends the per-job listener queue consumer.
	stop context.CancelFunc
}

// Service is one stage service instance.
type Service struct {
	opts    Options
	cfg     *config.Config
	broker  mq.Broker
	store   *jobstore.Store
	log     *logrus.Entry
	metrics *mq.Metrics
	queue   workqueue.RateLimitingInterface

	ctx  context.Context
	wg   sync.WaitGroup
	lock sync.Mutex
	jobs map[string]*entry
}

// NewService wires a stage service against the broker.
func NewService(cfg *config.Config, broker mq.Broker, opts Options, metrics *mq.Metrics) (*Service, error) {
	if opts.Service == "" {
		return nil, errors.New("listener service needs a service name")
	}
	if opts.JobFactory == nil {
		opts.JobFactory = job.NoOpFactory()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = cfg.ThreadPoolCount(opts.Service)
	}
	store, err := jobstore.New(cfg.JobDir(opts.Service))
	if err != nil {
		return nil, err
	}
	return &Service{
		opts:    opts,
		cfg:     cfg,
		broker:  broker,
		store:   store,
		log:     logrus.WithField("component", opts.Service),
		metrics: metrics,
		queue:   workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		ctx:     context.Background(),
		jobs:    map[string]*entry{},
	}, nil
}

// Run resumes persisted jobs, starts the worker pool, and consumes the
// service queue until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx

	entries, err := s.store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.resumeJob(e); err != nil {
			s.log.WithError(err).Errorf("could not resume job from %s", e.Path)
		}
	}

	for i := 0; i < s.opts.PoolSize; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	queue := mq.ServiceQueue(s.opts.Service)
	if err := s.broker.DeclareQueue(queue, s.opts.Service, mq.KeyJobDocument); err != nil {
		return err
	}
	err = s.broker.Consume(ctx, queue, s.handleServiceMessage)
	s.queue.ShutDown()
	s.wg.Wait()
	return err
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		key, shutdown := s.queue.Get()
		if shutdown {
			return
		}
		s.runPass(key.(string))
		s.queue.Done(key)
		s.queue.Forget(key)
	}
}

// handleServiceMessage admits and deletes jobs from the service queue.
func (s *Service) handleServiceMessage(m mq.Message) {
	if err := m.Ack(); err != nil {
		s.log.WithError(err).Error("ack failed")
	}
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(s.opts.Service).Inc()
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(m.Body(), &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid job config file: %v", err))
		s.notifyInvalidConfig(m.Body())
		return
	}

	for _, envelope := range append([]string{s.opts.Service + "_job"}, s.opts.JobAliases...) {
		if raw, ok := doc[envelope]; ok && string(raw) != "null" {
			s.addJob(raw, m.Body())
			return
		}
	}
	if raw, ok := doc[s.opts.Service+"_job_delete"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			s.fail("", fmt.Sprintf("invalid job config file: no job id in %s", m.Body()))
			return
		}
		s.jobLog(id).Info("deleting job")
		s.deleteJob(id)
		return
	}
	s.fail("", fmt.Sprintf("invalid %s job: job document must contain the %s_job key", s.opts.Service, s.opts.Service))
	s.notifyInvalidConfig(m.Body())
}

// addJob admits one stage job document: construct, persist, bind the
// listener queue.
func (s *Service) addJob(envelope json.RawMessage, body []byte) {
	var head struct {
		ID    string `json:"id"`
		Cloud string `json:"cloud"`
	}
	if err := json.Unmarshal(envelope, &head); err != nil || head.ID == "" {
		s.fail("", fmt.Sprintf("invalid job config file: no job id in %s", body))
		s.notifyInvalidConfig(body)
		return
	}
	s.lock.Lock()
	_, exists := s.jobs[head.ID]
	s.lock.Unlock()
	if exists {
		s.jobLog(head.ID).Warn("job already queued")
		return
	}

	stageJob, err := s.opts.JobFactory.Create(head.Cloud, envelope, s.cfg)
	if err != nil {
		s.fail(head.ID, fmt.Sprintf("invalid job configuration: %v", err))
		s.notifyInvalidConfig(body)
		return
	}
	path, err := s.store.Add(body)
	if err != nil {
		s.fail(head.ID, fmt.Sprintf("job not stored: %v", err))
		return
	}
	stageJob.Base().JobFile = path
	if err := s.startJob(head.ID, stageJob, path); err != nil {
		s.fail(head.ID, err.Error())
		if err := s.store.Remove(path); err != nil {
			s.jobLog(head.ID).WithError(err).Error("could not remove job file")
		}
		return
	}
	s.jobLog(head.ID).Infof("job queued, awaiting %s result", s.cfg.PrevService(s.opts.Service))
}

// startJob registers the job and starts its listener queue consumer. A job
// whose listener queue cannot be bound is not admitted.
func (s *Service) startJob(id string, stageJob job.StageJob, path string) error {
	queue := mq.ListenerQueue(s.opts.Service, id)
	key := mq.ListenerKey(id)
	if err := s.broker.DeclareQueue(queue, s.opts.Service, key); err != nil {
		return fmt.Errorf("could not bind listener queue: %v", err)
	}
	ctx, stop := context.WithCancel(s.ctx)
	s.lock.Lock()
	s.jobs[id] = &entry{job: stageJob, path: path, stop: stop}
	s.lock.Unlock()
	go func() {
		if err := s.broker.Consume(ctx, queue, s.handleListenerMessage); err != nil && ctx.Err() == nil {
			s.jobLog(id).WithError(err).Error("listener consumer failed")
		}
	}()
	return nil
}

// resumeJob re-admits one persisted job document after a restart.
func (s *Service) resumeJob(e jobstore.Entry) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &doc); err != nil {
		return err
	}
	for _, envelope := range append([]string{s.opts.Service + "_job"}, s.opts.JobAliases...) {
		raw, ok := doc[envelope]
		if !ok || string(raw) == "null" {
			continue
		}
		var head struct {
			ID    string `json:"id"`
			Cloud string `json:"cloud"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			return fmt.Errorf("no job id in %s", e.Path)
		}
		stageJob, err := s.opts.JobFactory.Create(head.Cloud, raw, s.cfg)
		if err != nil {
			return err
		}
		stageJob.Base().JobFile = e.Path
		return s.startJob(head.ID, stageJob, e.Path)
	}
	return fmt.Errorf("no %s_job in %s", s.opts.Service, e.Path)
}

// deleteJob removes a job everywhere: listener binding, file, memory.
// Unknown ids only warn, deletes are idempotent from the submitter's view.
func (s *Service) deleteJob(id string) {
	s.lock.Lock()
	e, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.lock.Unlock()
	if !ok {
		s.jobLog(id).Warn("job deletion failed, job is not queued")
		return
	}
	e.stop()
	queue := mq.ListenerQueue(s.opts.Service, id)
	if err := s.broker.UnbindQueue(queue, s.opts.Service, mq.ListenerKey(id)); err != nil {
		s.jobLog(id).WithError(err).Warn("could not unbind listener queue")
	}
	if err := s.broker.DeleteQueue(queue); err != nil {
		s.jobLog(id).WithError(err).Warn("could not delete listener queue")
	}
	if err := s.store.Remove(e.path); err != nil {
		s.jobLog(id).WithError(err).Error("could not remove job file")
	}
}

// handleListenerMessage validates one upstream result and schedules the
// job pass. The delivery stays unacked until the pass completes.
func (s *Service) handleListenerMessage(m mq.Message) {
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(s.opts.Service).Inc()
	}
	prev := s.cfg.PrevService(s.opts.Service)

	var doc map[string]map[string]interface{}
	if err := json.Unmarshal(m.Body(), &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid %s result file: %v", prev, err))
		s.ack(m)
		return
	}
	result, ok := doc[prev+"_result"]
	if !ok {
		s.fail("", fmt.Sprintf("invalid %s result file: no %s_result key in %s", prev, prev, m.Body()))
		s.ack(m)
		return
	}
	id, _ := result["id"].(string)
	if id == "" {
		s.fail("", fmt.Sprintf("id is required in %s result", prev))
		s.ack(m)
		return
	}

	s.lock.Lock()
	e, ok := s.jobs[id]
	s.lock.Unlock()
	if !ok {
		s.fail("", fmt.Sprintf("invalid %s service job with id: %s.", s.opts.Service, id))
		s.ack(m)
		return
	}
	base := e.job.Base()

	status, _ := result["status"].(string)
	if status == "" {
		// obs results report job_status instead of status
		status, _ = result["job_status"].(string)
	}
	if status != string(job.StatusSuccess) {
		base.Status = job.Status(status)
		s.jobLog(id).Warn("failed upstream.")
		s.finishJob(e, true)
		s.ack(m)
		return
	}
	for _, arg := range s.opts.ListenerMsgArgs {
		if _, ok := result[arg]; !ok {
			s.fail(id, fmt.Sprintf("%s is required in %s result", arg, prev))
			s.ack(m)
			return
		}
	}

	s.absorbResult(base, result)
	s.lock.Lock()
	e.msg = m
	s.lock.Unlock()
	s.queue.Add(id)
}

// absorbResult copies the upstream result into the job state.
func (s *Service) absorbResult(base *job.Base, result map[string]interface{}) {
	if name, ok := result["cloud_image_name"].(string); ok {
		base.CloudImageName = name
	}
	if regions, ok := result["source_regions"].(map[string]interface{}); ok {
		base.SourceRegions = map[string]string{}
		for region, account := range regions {
			if acct, ok := account.(string); ok {
				base.SourceRegions[region] = acct
			}
		}
	}
	base.StatusMsg = result
}

// runPass runs one job pass on a worker: credentials, the stage body, the
// downstream publication, retention.
func (s *Service) runPass(id string) {
	s.lock.Lock()
	e, ok := s.jobs[id]
	s.lock.Unlock()
	if !ok {
		return
	}
	base := e.job.Base()

	if s.cfg.CredentialsRequired(s.opts.Service) && base.Credentials == nil {
		if err := s.fetchCredentials(base); err != nil {
			base.Status = job.StatusException
			s.jobLog(id).Errorf("Pass[%d]: exception %s image: %v", base.IterationCount+1, s.opts.Service, err)
			s.finishJob(e, true)
			return
		}
	}

	if err := job.Process(s.ctx, e.job); err != nil {
		base.Status = job.StatusException
		s.jobLog(id).Errorf("Pass[%d]: exception %s image: %v", base.IterationCount, s.opts.Service, err)
	} else if base.Status == job.StatusSuccess {
		s.jobLog(id).Infof("Pass[%d]: %s successful", base.IterationCount, s.opts.Service)
	} else {
		s.jobLog(id).Errorf("Pass[%d]: error occurred running %s", base.IterationCount, s.opts.Service)
	}
	if s.metrics != nil {
		s.metrics.PassCounter.WithLabelValues(s.opts.Service, string(base.Status)).Inc()
	}
	s.finishJob(e, false)
}

// finishJob publishes the stage result downstream, notifies, acks the
// pending delivery, and applies retention. cleanup marks the pass as a
// failure path that ran no stage body.
func (s *Service) finishJob(e *entry, cleanup bool) {
	base := e.job.Base()
	id := base.ID

	last := s.opts.NextService == "" || base.LastService == s.opts.Service
	if !last {
		body, err := s.statusMessage(base)
		if err != nil {
			s.fail(id, fmt.Sprintf("could not serialize %s result: %v", s.opts.Service, err))
		} else {
			queue := mq.ListenerQueue(s.opts.NextService, id)
			key := mq.ListenerKey(id)
			if err := s.broker.DeclareQueue(queue, s.opts.NextService, key); err != nil {
				s.fail(id, fmt.Sprintf("message not received: %s", body))
			} else if err := s.broker.Publish(s.opts.NextService, key, body); err != nil {
				s.jobLog(id).Warnf("message not received: %s", body)
			}
		}
	}

	if s.opts.Notify != nil && base.NotificationEmail != "" {
		terminal := last || base.Status != job.StatusSuccess
		if terminal || base.NotificationType == "periodic" {
			s.opts.Notify.JobComplete(base, s.opts.Service)
		}
	}

	s.lock.Lock()
	m := e.msg
	e.msg = nil
	s.lock.Unlock()
	if m != nil {
		if err := m.Ack(); err != nil {
			s.jobLog(id).WithError(err).Error("ack failed")
		}
	}

	// nonstop jobs stay admitted for the next upstream image
	if base.Nonstop() && !cleanup {
		return
	}
	s.deleteJob(id)
}

// statusMessage builds this stage's result document.
func (s *Service) statusMessage(base *job.Base) ([]byte, error) {
	result := map[string]interface{}{
		"id":              base.ID,
		"status":          string(base.Status),
		"iteration_count": base.IterationCount,
	}
	for _, arg := range s.opts.StatusMsgArgs {
		switch arg {
		case "cloud_image_name":
			if base.CloudImageName != "" {
				result[arg] = base.CloudImageName
			}
		case "source_regions":
			if base.SourceRegions != nil {
				result[arg] = base.SourceRegions
			}
		default:
			if v, ok := base.StatusMsg[arg]; ok {
				result[arg] = v
			}
		}
	}
	return json.Marshal(map[string]interface{}{s.opts.Service + "_result": result})
}

// fetchCredentials asks the courier for the job's tokens and blocks on the
// per-job reply queue until they arrive or the deadline passes. Replies
// are broadcast; foreign copies are dropped by the job id filter.
func (s *Service) fetchCredentials(base *job.Base) error {
	queue := mq.CredentialsQueue(base.ID)
	if err := s.broker.DeclareQueue(queue, mq.ExchangeCredentials, mq.KeyCredentialsResponse); err != nil {
		return err
	}
	defer func() {
		if err := s.broker.DeleteQueue(queue); err != nil {
			s.jobLog(base.ID).WithError(err).Warn("could not delete credentials queue")
		}
	}()

	request, err := json.Marshal(map[string]interface{}{
		"credentials_request": map[string]string{
			"id":       base.ID,
			"provider": base.Cloud,
		},
	})
	if err != nil {
		return err
	}
	if err := s.broker.Publish(mq.ExchangeCredentials, mq.KeyCredentialsRequest, request); err != nil {
		return err
	}

	timeout := 5 * time.Minute
	if s.cfg.CredentialsTimeout != nil {
		timeout = s.cfg.CredentialsTimeout.Duration
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	var (
		mut   sync.Mutex
		creds map[string]stdjson.RawMessage
	)
	err = s.broker.Consume(ctx, queue, func(m mq.Message) {
		if err := m.Ack(); err != nil {
			s.jobLog(base.ID).WithError(err).Error("ack failed")
		}
		var reply struct {
			JobID       string                        `json:"job_id"`
			Credentials map[string]stdjson.RawMessage `json:"credentials"`
		}
		if err := json.Unmarshal(m.Body(), &reply); err != nil || reply.JobID != base.ID {
			return
		}
		mut.Lock()
		creds = reply.Credentials
		mut.Unlock()
		cancel()
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	mut.Lock()
	defer mut.Unlock()
	if creds == nil {
		return ErrCredentialsTimeout
	}
	base.Credentials = creds
	return nil
}

// notifyInvalidConfig hands a rejected document back to the job creator.
func (s *Service) notifyInvalidConfig(body []byte) {
	if err := s.broker.Publish(mq.ExchangeCreator, mq.KeyInvalidConfig, body); err != nil {
		s.log.Warnf("message not received: %s", body)
	}
}

func (s *Service) ack(m mq.Message) {
	if err := m.Ack(); err != nil {
		s.log.WithError(err).Error("ack failed")
	}
}

func (s *Service) jobLog(id string) *logrus.Entry {
	return s.log.WithField("job_id", id)
}

func (s *Service) fail(jobID, msg string) {
	if s.metrics != nil {
		s.metrics.ErrorCounter.WithLabelValues(s.opts.Service).Inc()
	}
	log := s.log
	if jobID != "" {
		log = log.WithField("job_id", jobID)
	}
	log.Error(msg)
}
