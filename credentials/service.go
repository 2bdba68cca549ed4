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

package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/clarketm/json"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/jobstore"
	"github.com/mash-pipeline/mash/mq"
)

// ServiceName is the pipeline name of the credentials courier.
const ServiceName = "credentials"

// accountMessage is the payload of add_account and delete_account.
type accountMessage struct {
	RequestingUser string `json:"requesting_user"`
	Provider       string `json:"provider"`
	AccountName    string `json:"account_name"`
	Group          string `json:"group,omitempty"`
	Account
}

// jobCheck asks whether a job's accounts exist before the creator fans the
// job out.
type jobCheck struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider"`
	ProviderAccounts []string `json:"provider_accounts,omitempty"`
	ProviderGroups   []string `json:"provider_groups,omitempty"`
	RequestingUser   string   `json:"requesting_user"`
}

// courierJob is the credentials_job document the creator publishes for a
// verified job. The courier keeps it so later credentials_request messages
// that carry only the job id can be resolved.
type courierJob struct {
	ID               string   `json:"id"`
	UTCTime          string   `json:"utctime"`
	LastService      string   `json:"last_service"`
	Provider         string   `json:"provider"`
	ProviderAccounts []string `json:"provider_accounts,omitempty"`
	RequestingUser   string   `json:"requesting_user"`
}

// tokenRequest is a stage service asking for a job's account tokens.
type tokenRequest struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	Accounts       []string `json:"accounts,omitempty"`
	RequestingUser string   `json:"requesting_user,omitempty"`
}

type activeJob struct {
	job  courierJob
	path string
}

// Service is the credentials courier: it owns the account registry, vets
// job accounts for the creator, and issues tokens to stage services.
type Service struct {
	cfg     *config.Config
	broker  mq.Broker
	store   Store
	jobs    *jobstore.Store
	log     *logrus.Entry
	metrics *mq.Metrics

	lock   sync.Mutex
	active map[string]activeJob
}

// NewService wires a courier against the broker and the account store.
func NewService(cfg *config.Config, broker mq.Broker, store Store, metrics *mq.Metrics) (*Service, error) {
	jobs, err := jobstore.New(cfg.JobDir(ServiceName))
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		jobs:    jobs,
		log:     logrus.WithField("component", ServiceName),
		metrics: metrics,
		active:  map[string]activeJob{},
	}, nil
}

// Run resumes persisted jobs and consumes the service queue until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	entries, err := s.jobs.List()
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
		mq.KeyCredentialsRequest,
	} {
		if err := s.broker.DeclareQueue(queue, mq.ExchangeCredentials, key); err != nil {
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
	case mq.KeyAddAccount:
		s.handleAddAccount(m.Body())
		return
	case mq.KeyDeleteAccount:
		s.handleDeleteAccount(m.Body())
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(m.Body(), &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
		return
	}

	switch {
	case doc["credentials_job_check"] != nil:
		var check jobCheck
		if err := json.Unmarshal(doc["credentials_job_check"], &check); err != nil || check.ID == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.handleJobCheck(check)
	case doc["credentials_job"] != nil:
		s.handleCredentialsJob(doc["credentials_job"], m.Body())
	case doc["credentials_job_delete"] != nil:
		var id string
		if err := json.Unmarshal(doc["credentials_job_delete"], &id); err != nil || id == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.handleJobDelete(id)
	case doc["credentials_request"] != nil:
		var req tokenRequest
		if err := json.Unmarshal(doc["credentials_request"], &req); err != nil || req.ID == "" {
			s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
			return
		}
		s.handleTokenRequest(req)
	default:
		for key := range doc {
			s.fail("", fmt.Sprintf("received unknown message type: %s. message: %s", key, m.Body()))
			return
		}
		s.fail("", fmt.Sprintf("invalid message received: %s", m.Body()))
	}
}

// handleAddAccount upserts one account registration and, when the message
// names a group, its membership.
func (s *Service) handleAddAccount(body []byte) {
	var doc map[string]accountMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	msg, ok := doc["add_account"]
	if !ok || msg.RequestingUser == "" || msg.Provider == "" || msg.AccountName == "" {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	if err := s.store.AddAccount(msg.RequestingUser, msg.Provider, msg.AccountName, msg.Account); err != nil {
		s.fail("", fmt.Sprintf("could not store account %s: %v", msg.AccountName, err))
		return
	}
	if msg.Group != "" {
		if err := s.store.AddGroupMember(msg.RequestingUser, msg.Provider, msg.Group, msg.AccountName); err != nil {
			s.fail("", fmt.Sprintf("could not update group %s: %v", msg.Group, err))
			return
		}
	}
	s.log.WithField("account", msg.AccountName).Info("account registered")
}

func (s *Service) handleDeleteAccount(body []byte) {
	var doc map[string]accountMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	msg, ok := doc["delete_account"]
	if !ok || msg.RequestingUser == "" || msg.Provider == "" || msg.AccountName == "" {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	names, err := s.store.AccountNames(msg.RequestingUser, msg.Provider)
	if err != nil {
		s.fail("", fmt.Sprintf("could not delete account %s: %v", msg.AccountName, err))
		return
	}
	if !sets.NewString(names...).Has(msg.AccountName) {
		s.log.WithField("account", msg.AccountName).Warn("account does not exist, nothing to delete")
		return
	}
	if err := s.store.DeleteAccount(msg.RequestingUser, msg.Provider, msg.AccountName); err != nil {
		s.fail("", fmt.Sprintf("could not delete account %s: %v", msg.AccountName, err))
		return
	}
	s.log.WithField("account", msg.AccountName).Info("account deleted")
}

// handleJobCheck verifies that every account the job names exists for the
// requesting user, then answers the creator with start_job or invalid_job.
func (s *Service) handleJobCheck(check jobCheck) {
	names := sets.NewString(check.ProviderAccounts...)
	groups := map[string][]string{}
	for _, group := range check.ProviderGroups {
		members, err := s.store.GroupAccounts(check.RequestingUser, check.Provider, group)
		if err != nil {
			s.fail(check.ID, fmt.Sprintf("could not expand group %s: %v", group, err))
			s.replyInvalidJob(check.ID)
			return
		}
		groups[group] = members
		names.Insert(members...)
	}

	accounts, err := s.store.GetAccounts(check.RequestingUser, check.Provider, names.List())
	if err != nil {
		s.jobLog(check.ID).Warnf("job accounts rejected: %v", err)
		s.replyInvalidJob(check.ID)
		return
	}

	info := AccountsInfo{
		Accounts: map[string]map[string]Account{check.RequestingUser: accounts},
	}
	if len(groups) > 0 {
		info.Groups = map[string]map[string][]string{check.RequestingUser: groups}
	}
	body, err := json.Marshal(map[string]interface{}{
		"start_job": map[string]interface{}{
			"id":            check.ID,
			"accounts_info": info,
		},
	})
	if err != nil {
		s.fail(check.ID, fmt.Sprintf("could not serialize start_job reply: %v", err))
		return
	}
	if err := s.broker.Publish(mq.ExchangeCreator, mq.KeyCredentialsResponse, body); err != nil {
		s.fail(check.ID, fmt.Sprintf("could not publish start_job reply: %v", err))
		return
	}
	s.jobLog(check.ID).Info("job accounts verified")
}

func (s *Service) replyInvalidJob(id string) {
	body, err := json.Marshal(map[string]string{"invalid_job": id})
	if err != nil {
		s.fail(id, fmt.Sprintf("could not serialize invalid_job reply: %v", err))
		return
	}
	if err := s.broker.Publish(mq.ExchangeCreator, mq.KeyCredentialsResponse, body); err != nil {
		s.fail(id, fmt.Sprintf("could not publish invalid_job reply: %v", err))
	}
}

// handleCredentialsJob keeps the job document so token requests carrying
// only the job id can be resolved against it.
func (s *Service) handleCredentialsJob(raw json.RawMessage, body []byte) {
	var job courierJob
	if err := json.Unmarshal(raw, &job); err != nil || job.ID == "" {
		s.fail("", fmt.Sprintf("invalid message received: %s", body))
		return
	}
	s.lock.Lock()
	_, exists := s.active[job.ID]
	s.lock.Unlock()
	if exists {
		s.jobLog(job.ID).Warn("job already queued")
		return
	}
	path, err := s.jobs.Add(body)
	if err != nil {
		s.fail(job.ID, fmt.Sprintf("job not stored: %v", err))
		return
	}
	s.lock.Lock()
	s.active[job.ID] = activeJob{job: job, path: path}
	s.lock.Unlock()
	s.jobLog(job.ID).Info("job queued")
}

func (s *Service) handleJobDelete(id string) {
	s.lock.Lock()
	active, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.lock.Unlock()
	if !ok {
		s.jobLog(id).Warn("job deletion failed, job is not queued")
		return
	}
	if err := s.jobs.Remove(active.path); err != nil {
		s.jobLog(id).WithError(err).Error("could not remove job file")
	}
	s.jobLog(id).Info("job deleted")
}

// handleTokenRequest materialises the tokens of the job's accounts and
// broadcasts them on the credentials_response key. Requests that omit the
// account list are resolved against the stored job document.
func (s *Service) handleTokenRequest(req tokenRequest) {
	if req.Accounts == nil || req.RequestingUser == "" {
		s.lock.Lock()
		active, ok := s.active[req.ID]
		s.lock.Unlock()
		if !ok {
			s.fail(req.ID, fmt.Sprintf("invalid %s service job with id: %s.", ServiceName, req.ID))
			return
		}
		if req.Accounts == nil {
			req.Accounts = active.job.ProviderAccounts
		}
		if req.RequestingUser == "" {
			req.RequestingUser = active.job.RequestingUser
		}
		if req.Provider == "" {
			req.Provider = active.job.Provider
		}
	}

	accounts, err := s.store.GetAccounts(req.RequestingUser, req.Provider, req.Accounts)
	if err != nil {
		s.fail(req.ID, fmt.Sprintf("could not issue credentials: %v", err))
		return
	}
	tokens := map[string]json.RawMessage{}
	for name, acct := range accounts {
		if acct.Credentials == nil {
			tokens[name] = json.RawMessage("{}")
			continue
		}
		tokens[name] = json.RawMessage(acct.Credentials)
	}
	body, err := json.Marshal(map[string]interface{}{
		"job_id":      req.ID,
		"credentials": tokens,
	})
	if err != nil {
		s.fail(req.ID, fmt.Sprintf("could not serialize credentials response: %v", err))
		return
	}
	if err := s.broker.Publish(mq.ExchangeCredentials, mq.KeyCredentialsResponse, body); err != nil {
		s.fail(req.ID, fmt.Sprintf("message not received: %s", body))
		return
	}
	s.jobLog(req.ID).Info("credentials issued")
}

// resumeJob re-registers one persisted credentials_job after a restart.
func (s *Service) resumeJob(e jobstore.Entry) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &doc); err != nil {
		return err
	}
	raw, ok := doc["credentials_job"]
	if !ok {
		return fmt.Errorf("no credentials_job in %s", e.Path)
	}
	var job courierJob
	if err := json.Unmarshal(raw, &job); err != nil || job.ID == "" {
		return fmt.Errorf("no job id in %s", e.Path)
	}
	s.lock.Lock()
	s.active[job.ID] = activeJob{job: job, path: e.Path}
	s.lock.Unlock()
	return nil
}

func (s *Service) jobLog(id string) *logrus.Entry {
	return s.log.WithField("job_id", id)
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
