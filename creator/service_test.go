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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/mq"
)

func newTestService(t *testing.T) (*Service, *mq.FakeBroker, *test.Hook) {
	t.Helper()
	cfg := ec2TestConfig()
	cfg.StateDir = t.TempDir()
	broker := mq.NewFakeBroker()
	s, err := NewService(cfg, broker, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.newID = func() string { return testJobID }
	s.pick = func(n int) int { return 0 }
	logger, hook := test.NewNullLogger()
	s.log = logger.WithField("component", ServiceName)
	return s, broker, hook
}

func documentBody(t *testing.T, doc *JobDocument) []byte {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	return body
}

func startJobBody(t *testing.T, id string, info interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"start_job": map[string]interface{}{
			"id":            id,
			"accounts_info": info,
		},
	})
	if err != nil {
		t.Fatalf("marshal start_job: %v", err)
	}
	return body
}

func TestHandleNewJobPublishesAccountsCheck(t *testing.T) {
	s, broker, _ := newTestService(t)
	doc := ec2TestDocument()
	doc.ID = ""
	m := mq.NewFakeMessage(mq.KeyJobDocument, documentBody(t, doc))
	s.handleMessage(m)
	if !m.Acked() {
		t.Error("message must be acked")
	}

	entries, err := s.store.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("job not persisted: %v, %d entries", err, len(entries))
	}
	if _, ok := s.pending[testJobID]; !ok {
		t.Fatalf("job not pending: %v", s.pending)
	}

	pubs := broker.PublishedTo(mq.ExchangeCredentials)
	if len(pubs) != 1 || pubs[0].Key != mq.KeyJobDocument {
		t.Fatalf("expected one accounts check, got %+v", pubs)
	}
	got := decodeDoc(t, pubs[0].Body, nil)
	want := wantDoc(t, `{"credentials_job_check": {
		"id": "`+testJobID+`",
		"provider": "ec2",
		"provider_accounts": ["test-aws-gov"],
		"provider_groups": ["test"],
		"requesting_user": "user1"}}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("accounts check mismatch (-want +got):\n%s", diff)
	}
}

func TestStartJobFanOut(t *testing.T) {
	s, broker, _ := newTestService(t)
	doc := ec2TestDocument()
	doc.ID = ""
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, documentBody(t, doc)))
	s.handleMessage(mq.NewFakeMessage(mq.KeyCredentialsResponse, startJobBody(t, testJobID, ec2TestAccounts())))

	var exchanges []string
	for _, p := range broker.AllPublished() {
		exchanges = append(exchanges, p.Exchange)
		if p.Key != mq.KeyJobDocument {
			t.Errorf("publish to %s used key %s", p.Exchange, p.Key)
		}
	}
	// accounts check first, then the credentials document and the stages
	// in pipeline order.
	want := []string{
		mq.ExchangeCredentials,
		mq.ExchangeCredentials,
		"obs", "uploader", "testing", "replication", "publisher", "deprecation", "create",
	}
	if diff := cmp.Diff(want, exchanges); diff != "" {
		t.Fatalf("publish order mismatch (-want +got):\n%s", diff)
	}

	for i, envelope := range []string{
		"credentials_job_check", "credentials_job", "obs_job", "uploader_job",
		"testing_job", "replication_job", "publisher_job", "deprecation_job", "create_job",
	} {
		if !bytes.Contains(broker.AllPublished()[i].Body, []byte(`"`+envelope+`"`)) {
			t.Errorf("publication %d missing %s envelope: %s", i, envelope, broker.AllPublished()[i].Body)
		}
	}

	if _, ok := s.pending[testJobID]; ok {
		t.Error("started job still pending")
	}
	entries, err := s.store.List()
	if err != nil || len(entries) != 0 {
		t.Errorf("job file not removed: %v, %d entries", err, len(entries))
	}
}

func TestStartJobStopsAfterLastService(t *testing.T) {
	s, broker, _ := newTestService(t)
	doc := azureTestDocument()
	doc.ID = ""
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, documentBody(t, doc)))
	s.handleMessage(mq.NewFakeMessage(mq.KeyCredentialsResponse, startJobBody(t, testJobID, azureTestAccounts())))

	var exchanges []string
	for _, p := range broker.AllPublished() {
		exchanges = append(exchanges, p.Exchange)
	}
	want := []string{
		mq.ExchangeCredentials,
		mq.ExchangeCredentials,
		"obs", "uploader", "testing",
	}
	if diff := cmp.Diff(want, exchanges); diff != "" {
		t.Fatalf("publish order mismatch (-want +got):\n%s", diff)
	}
}

func TestStartJobUnknownID(t *testing.T) {
	s, _, hook := newTestService(t)
	s.handleMessage(mq.NewFakeMessage(mq.KeyCredentialsResponse, startJobBody(t, "4711", ec2TestAccounts())))
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error log, got %+v", entry)
	}
	if entry.Message != "job does not exist, can not start it" {
		t.Errorf("unexpected wording: %q", entry.Message)
	}
}

func TestInvalidJobReply(t *testing.T) {
	s, _, hook := newTestService(t)
	doc := ec2TestDocument()
	doc.ID = ""
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, documentBody(t, doc)))
	s.handleMessage(mq.NewFakeMessage(mq.KeyCredentialsResponse, []byte(`{"invalid_job": "`+testJobID+`"}`)))

	var warned *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = e
		}
	}
	if warned == nil || warned.Message != "job failed, accounts do not exist." {
		t.Fatalf("expected warning, got %+v", warned)
	}
	if warned.Data["job_id"] != testJobID {
		t.Errorf("warning not bound to job id: %+v", warned.Data)
	}
	if _, ok := s.pending[testJobID]; ok {
		t.Error("failed job still pending")
	}
	entries, err := s.store.List()
	if err != nil || len(entries) != 0 {
		t.Errorf("job file not removed: %v, %d entries", err, len(entries))
	}
}

func TestJobDeleteFanOut(t *testing.T) {
	s, broker, _ := newTestService(t)
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, []byte(`{"job_delete": "1"}`)))

	for _, service := range config.Pipeline {
		pubs := broker.PublishedTo(service)
		if len(pubs) != 1 {
			t.Fatalf("expected one delete for %s, got %d", service, len(pubs))
		}
		want := `{"` + service + `_job_delete":"1"}`
		if string(pubs[0].Body) != want {
			t.Errorf("%s delete: got %s, want %s", service, pubs[0].Body, want)
		}
	}
	pubs := broker.PublishedTo(mq.ExchangeCredentials)
	if len(pubs) != 1 || string(pubs[0].Body) != `{"credentials_job_delete":"1"}` {
		t.Errorf("credentials delete: got %+v", pubs)
	}
}

func TestAccountMessagesForwarded(t *testing.T) {
	s, broker, _ := newTestService(t)
	add := []byte(`{"account_name": "test-aws", "partition": "aws", "provider": "ec2", "requesting_user": "user1"}`)
	m := mq.NewFakeMessage(mq.KeyAddAccount, add)
	s.handleMessage(m)
	if !m.Acked() {
		t.Error("message must be acked")
	}
	del := []byte(`{"account_name": "test-aws", "provider": "ec2", "requesting_user": "user2"}`)
	s.handleMessage(mq.NewFakeMessage(mq.KeyDeleteAccount, del))

	pubs := broker.PublishedTo(mq.ExchangeCredentials)
	if len(pubs) != 2 {
		t.Fatalf("expected two forwards, got %d", len(pubs))
	}
	if pubs[0].Key != mq.KeyAddAccount || !bytes.Equal(pubs[0].Body, add) {
		t.Errorf("add_account not forwarded verbatim: %+v", pubs[0])
	}
	if pubs[1].Key != mq.KeyDeleteAccount || !bytes.Equal(pubs[1].Body, del) {
		t.Errorf("delete_account not forwarded verbatim: %+v", pubs[1])
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	s, _, hook := newTestService(t)
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, []byte("invalid message")))
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error log, got %+v", entry)
	}
	if entry.Message != "invalid message received: invalid message" {
		t.Errorf("unexpected wording: %q", entry.Message)
	}
}

func TestHandleMessageUnknownType(t *testing.T) {
	s, _, hook := newTestService(t)
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, []byte(`{"add_user": {}}`)))
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error log, got %+v", entry)
	}
	if entry.Message != `received unknown message type: add_user. message: {"add_user": {}}` {
		t.Errorf("unexpected wording: %q", entry.Message)
	}
}

func TestInvalidDocumentPublishesInvalidConfig(t *testing.T) {
	s, broker, hook := newTestService(t)
	doc := ec2TestDocument()
	doc.ID = ""
	doc.RequestingUser = ""
	body := documentBody(t, doc)
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, body))

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error log, got %+v", entry)
	}
	if !strings.Contains(entry.Message, "invalid job configuration:") {
		t.Errorf("unexpected wording: %q", entry.Message)
	}

	pubs := broker.PublishedTo(mq.ExchangeCreator)
	if len(pubs) != 1 || pubs[0].Key != mq.KeyInvalidConfig {
		t.Fatalf("expected invalid_config notice, got %+v", pubs)
	}
	if !bytes.Equal(pubs[0].Body, body) {
		t.Errorf("notice must carry the raw document: %s", pubs[0].Body)
	}
	if len(s.pending) != 0 {
		t.Error("invalid job must not be pending")
	}
}

func TestResumeRepublishesAccountsCheck(t *testing.T) {
	cfg := ec2TestConfig()
	cfg.StateDir = t.TempDir()
	broker := mq.NewFakeBroker()
	s, err := NewService(cfg, broker, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.newID = func() string { return testJobID }
	doc := ec2TestDocument()
	doc.ID = ""
	s.handleMessage(mq.NewFakeMessage(mq.KeyJobDocument, documentBody(t, doc)))

	// a fresh service over the same state dir asks the courier again
	restarted, err := NewService(cfg, broker, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	entries, err := restarted.store.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("job not persisted: %v, %d entries", err, len(entries))
	}
	for _, e := range entries {
		if err := restarted.resumeJob(e); err != nil {
			t.Fatalf("resumeJob: %v", err)
		}
	}
	if _, ok := restarted.pending[testJobID]; !ok {
		t.Error("persisted job not pending after resume")
	}
	pubs := broker.PublishedTo(mq.ExchangeCredentials)
	if len(pubs) != 2 {
		t.Errorf("expected a second accounts check, got %d", len(pubs))
	}
}
