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

package creator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/clarketm/json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/credentials"
	"github.com/mash-pipeline/mash/jobstore"
	"github.com/mash-pipeline/mash/mq"
)

// ServiceName is the pipeline name of the job creator service.
const ServiceName = "jobcreator"

// accountsCheck asks the credentials courier whether a job's accounts
// exist before any stage document goes out.
type accountsCheck struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider"`
	ProviderAccounts []string `json:"provider_accounts,omitempty"`
	ProviderGroups   []string `json:"provider_groups,omitempty"`
	RequestingUser   string   `json:"requesting_user"`
}

// startJob is the courier's go-ahead: the accounts exist, and here is
// everything registered about them.
type startJob struct {
	ID           string                   `json:"id"`
	AccountsInfo credentials.AccountsInfo `json:"accounts_info"`
}

type pendingJob struct {
	doc  *JobDocument
	path string
}

// Service is the job creator: it admits submitted job documents, verifies
// their accounts with the credentials courier, and fans each verified job
// out into one document per pipeline stage.
type Service struct {
	cfg     *config.Config
	broker  mq.Broker
	store   *jobstore.Store
	log     *logrus.Entry
	metrics *mq.Metrics

	// newID mints job ids; tests pin it.
	newID func() string
	// pick chooses source-region indexes for EC2 accounts without one.
	pick func(n int) int

	lock    sync.Mutex
	pending map[string]pendingJob
}

// NewService wires a Service against the broker.
func NewService(cfg *config.Config, broker mq.Broker, metrics *mq.Metrics) (*Service, error) {
	store, err := jobstore.New(cfg.JobDir(ServiceName))
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		log:     logrus.WithField("component", ServiceName),
		metrics: metrics,
		newID:   func() string { return uuid.New().String() },
		pick:    rand.Intn,
		pending: map[string]pendingJob{},
	}, nil
}

// Run resumes pending jobs and consumes the service queue until ctx ends.
func (s *Service) Run(ctx context.Context) error {
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
	for _, key := range []string{
		mq.KeyJobDocument,
		mq.KeyAddAccount,
		mq.KeyDeleteAccount,
		mq.KeyCredentialsResponse,
	} {
		if err := s.broker.DeclareQueue(queue, mq.ExchangeCreator, key); err != nil {
			return err
		}
	}
	return s.broker.Consume(ctx, queue, s.handleMessage)
}

func (s *Service) handleMessage(m mq.Message) {
	if err := m.Ack(); err != nil {
		s.log.WithError(err).Error("ack failed")
	}
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(ServiceName).Inc()
	}

	switch m.RoutingKey() {
	case mq.KeyAddAccount, mq.KeyDeleteAccount:
		// Account management is the courier's business, pass it through.
		if err := s.broker.Publish(mq.ExchangeCredentials, m.RoutingKey(), m.Body()); err != nil {
			s.fail("", fmt.Sprintf("could not forward %s message: %v", m.RoutingKey(), err))
		}
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(m.Body(), &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
		return
	}

	switch {
	case doc["start_job"] != nil:
		var reply startJob
		if err := json.Unmarshal(doc["start_job"], &reply); err != nil || reply.ID == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.handleStartJob(reply)
	case doc["invalid_job"] != nil:
		var id string
		if err := json.Unmarshal(doc["invalid_job"], &id); err != nil || id == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.log.WithField("job_id", id).Warn("job failed, accounts do not exist.")
		s.dropPending(id)
	case doc["job_delete"] != nil:
		var id string
		if err := json.Unmarshal(doc["job_delete"], &id); err != nil || id == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.handleJobDelete(id)
	case doc["cloud"] != nil:
		s.handleNewJob(m.Body())
	default:
		for key := range doc {
			s.fail("", fmt.Sprintf("received unknown message type: %s. message: %s", key, m.Body()))
			return
		}
		s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
	}
}

// handleNewJob admits a submitted job document: validate, assign an id,
// persist it, and ask the courier to verify the accounts.
func (s *Service) handleNewJob(body []byte) {
	doc, err := ParseDocument(body)
	if err != nil {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	if err := doc.Validate(s.cfg); err != nil {
		s.fail(doc.ID, fmt.Sprintf("invalid job configuration: %v", err))
		if pubErr := s.broker.Publish(mq.ExchangeCreator, mq.KeyInvalidConfig, body); pubErr != nil {
			s.log.WithError(pubErr).Error("could not publish invalid_config notice")
		}
		return
	}
	if doc.ID == "" {
		doc.ID = s.newID()
	}

	stored, err := json.Marshal(doc)
	if err != nil {
		s.fail(doc.ID, fmt.Sprintf("could not serialize job document: %v", err))
		return
	}
	path, err := s.store.Add(stored)
	if err != nil {
		s.fail(doc.ID, fmt.Sprintf("job not stored: %v", err))
		return
	}
	s.lock.Lock()
	s.pending[doc.ID] = pendingJob{doc: doc, path: path}
	s.lock.Unlock()

	if err := s.publishAccountsCheck(doc); err != nil {
		s.fail(doc.ID, fmt.Sprintf("could not request account check: %v", err))
		return
	}
	s.log.WithField("job_id", doc.ID).Info("job document accepted")
}

func (s *Service) publishAccountsCheck(doc *JobDocument) error {
	var accounts []string
	for _, acct := range doc.CloudAccounts {
		accounts = append(accounts, acct.Name)
	}
	body, err := json.Marshal(map[string]accountsCheck{
		"credentials_job_check": {
			ID:               doc.ID,
			Provider:         doc.Cloud,
			ProviderAccounts: accounts,
			ProviderGroups:   doc.CloudGroups,
			RequestingUser:   doc.RequestingUser,
		},
	})
	if err != nil {
		return err
	}
	return s.broker.Publish(mq.ExchangeCredentials, mq.KeyJobDocument, body)
}

// handleStartJob fans a verified job out into its stage documents, in
// pipeline order, stopping after the job's last service.
func (s *Service) handleStartJob(reply startJob) {
	s.lock.Lock()
	pending, ok := s.pending[reply.ID]
	s.lock.Unlock()
	if !ok {
		s.fail(reply.ID, "job does not exist, can not start it")
		return
	}

	builder, err := newBuilder(builderContext{
		doc:  pending.doc,
		info: reply.AccountsInfo,
		cfg:  s.cfg,
		pick: s.pick,
	})
	if err != nil {
		s.fail(reply.ID, err.Error())
		s.dropPending(reply.ID)
		return
	}
	if err := s.publishStages(pending.doc, builder); err != nil {
		s.fail(reply.ID, err.Error())
		return
	}
	s.dropPending(reply.ID)
	s.log.WithField("job_id", reply.ID).Info("job started")
}

func (s *Service) publishStages(doc *JobDocument, builder messageBuilder) error {
	body, err := builder.CredentialsMessage()
	if err != nil {
		return fmt.Errorf("could not build credentials document: %v", err)
	}
	if err := s.broker.Publish(mq.ExchangeCredentials, mq.KeyJobDocument, body); err != nil {
		return fmt.Errorf("could not publish credentials document: %v", err)
	}

	stages := map[string]func() ([]byte, error){
		"obs":         builder.OBSMessage,
		"uploader":    builder.UploaderMessage,
		"testing":     builder.TestingMessage,
		"replication": builder.ReplicationMessage,
		"publisher":   builder.PublisherMessage,
		"deprecation": builder.DeprecationMessage,
		"create":      builder.CreateMessage,
	}
	for _, service := range config.Pipeline {
		build, ok := stages[service]
		if !ok {
			return fmt.Errorf("no document builder for service %s", service)
		}
		body, err := build()
		if err != nil {
			return fmt.Errorf("could not build %s document: %v", service, err)
		}
		if err := s.broker.Publish(service, mq.KeyJobDocument, body); err != nil {
			return fmt.Errorf("could not publish %s document: %v", service, err)
		}
		if service == doc.LastService {
			break
		}
	}
	return nil
}

// handleJobDelete tells every stage and the courier to drop the job.
func (s *Service) handleJobDelete(id string) {
	for _, service := range config.Pipeline {
		body, err := json.Marshal(map[string]string{service + "_job_delete": id})
		if err != nil {
			s.fail(id, fmt.Sprintf("could not serialize delete document: %v", err))
			return
		}
		if err := s.broker.Publish(service, mq.KeyJobDocument, body); err != nil {
			s.fail(id, fmt.Sprintf("could not publish %s delete: %v", service, err))
		}
	}
	body, err := json.Marshal(map[string]string{"credentials_job_delete": id})
	if err != nil {
		s.fail(id, fmt.Sprintf("could not serialize delete document: %v", err))
		return
	}
	if err := s.broker.Publish(mq.ExchangeCredentials, mq.KeyJobDocument, body); err != nil {
		s.fail(id, fmt.Sprintf("could not publish credentials delete: %v", err))
	}
	s.dropPending(id)
	s.log.WithField("job_id", id).Info("job deleted")
}

// resumeJob re-admits one persisted document after a restart and asks the
// courier again; the earlier reply may have been lost with the process.
func (s *Service) resumeJob(e jobstore.Entry) error {
	doc, err := ParseDocument(e.Raw)
	if err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("no job id in %s", e.Path)
	}
	s.lock.Lock()
	s.pending[doc.ID] = pendingJob{doc: doc, path: e.Path}
	s.lock.Unlock()
	return s.publishAccountsCheck(doc)
}

func (s *Service) dropPending(id string) {
	s.lock.Lock()
	pending, ok := s.pending[id]
	delete(s.pending, id)
	s.lock.Unlock()
	if ok {
		if err := s.store.Remove(pending.path); err != nil {
			s.log.WithError(err).WithField("job_id", id).Error("could not remove job file")
		}
	}
}

func (s *Service) fail(jobID, msg string) {
	if s.metrics != nil {
		s.metrics.ErrorCounter.WithLabelValues(ServiceName).Inc()
	}
	log := s.log
	if jobID != "" {
		log = log.WithField("job_id", jobID)
	}
	log.Error(msg)
}
