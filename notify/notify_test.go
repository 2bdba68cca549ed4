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

package notify

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/job"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestMailer(t *testing.T, cfg config.SMTP, sendErr error) (*Mailer, *[]sentMail, *test.Hook) {
	t.Helper()
	var sent []sentMail
	m := New(cfg)
	logger, hook := test.NewNullLogger()
	m.log = logger.WithField("component", "notify")
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: auth, from: from, to: to, msg: string(msg)})
		return sendErr
	}
	return m, &sent, hook
}

func testBase(email string) *job.Base {
	return &job.Base{
		ID:                "1",
		Cloud:             "ec2",
		UTCTime:           "now",
		LastService:       "testing",
		NotificationEmail: email,
		Status:            job.StatusSuccess,
		CloudImageName:    "image123",
	}
}

func TestJobCompleteSendsMail(t *testing.T) {
	cfg := config.SMTP{Host: "mail.example.com", Port: 25, From: "mash@example.com"}
	m, sent, _ := newTestMailer(t, cfg, nil)

	m.JobComplete(testBase("user@example.com"), "testing")

	if len(*sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(*sent))
	}
	mail := (*sent)[0]
	if mail.addr != "mail.example.com:25" {
		t.Errorf("unexpected relay address: %q", mail.addr)
	}
	if mail.auth != nil {
		t.Error("no auth expected without a configured user")
	}
	if mail.from != "mash@example.com" || len(mail.to) != 1 || mail.to[0] != "user@example.com" {
		t.Errorf("unexpected envelope: from %q to %v", mail.from, mail.to)
	}
	for _, want := range []string{
		"Subject: Image release update: job 1 success",
		"Job: 1",
		"Stage: testing",
		"Status: success",
		"Image: image123",
		"Schedule: now",
	} {
		if !strings.Contains(mail.msg, want) {
			t.Errorf("mail missing %q:\n%s", want, mail.msg)
		}
	}
}

func TestJobCompleteUsesAuthWhenConfigured(t *testing.T) {
	cfg := config.SMTP{Host: "mail.example.com", Port: 587, User: "mash", Pass: "hunter2", From: "mash@example.com"}
	m, sent, _ := newTestMailer(t, cfg, nil)

	m.JobComplete(testBase("user@example.com"), "testing")

	if len(*sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(*sent))
	}
	if (*sent)[0].auth == nil {
		t.Error("expected plain auth with a configured user")
	}
}

func TestJobCompleteSkipsJobsWithoutAddress(t *testing.T) {
	m, sent, _ := newTestMailer(t, config.SMTP{Host: "mail.example.com", Port: 25}, nil)

	m.JobComplete(testBase(""), "testing")

	if len(*sent) != 0 {
		t.Errorf("no mail expected, got %d", len(*sent))
	}
}

func TestJobCompleteSendFailureIsLogged(t *testing.T) {
	m, _, hook := newTestMailer(t, config.SMTP{Host: "mail.example.com", Port: 25}, errors.New("relay down"))

	m.JobComplete(testBase("user@example.com"), "testing")

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error log, got %+v", entry)
	}
	if entry.Data["job_id"] != "1" {
		t.Errorf("failure not bound to the job: %+v", entry.Data)
	}
}
