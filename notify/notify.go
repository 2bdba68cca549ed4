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

// Package notify sends job completion emails over SMTP.
package notify

import (
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/job"
)

// Mailer sends completion notifications for jobs that registered an email
// address. Send failures are logged, never fatal.
type Mailer struct {
	smtp config.SMTP
	log  *logrus.Entry
	// send is smtp.SendMail; tests pin it.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// New returns a mailer using the configured SMTP relay.
func New(cfg config.SMTP) *Mailer {
	return &Mailer{
		smtp: cfg,
		log:  logrus.WithField("component", "notify"),
		send: smtp.SendMail,
	}
}

// JobComplete mails the job's status after a stage completion. The caller
// decides when a completion is worth a mail; JobComplete only skips jobs
// without an address.
func (m *Mailer) JobComplete(base *job.Base, service string) {
	if base.NotificationEmail == "" {
		return
	}

	msg := m.compose(base, service)
	addr := m.smtp.Host + ":" + strconv.Itoa(m.smtp.Port)
	var auth smtp.Auth
	if m.smtp.User != "" {
		auth = smtp.PlainAuth("", m.smtp.User, m.smtp.Pass, m.smtp.Host)
	}
	if err := m.send(addr, auth, m.smtp.From, []string{base.NotificationEmail}, msg); err != nil {
		m.log.WithField("job_id", base.ID).WithError(err).Error("could not send completion notification")
		return
	}
	m.log.WithField("job_id", base.ID).Info("completion notification sent")
}

func (m *Mailer) compose(base *job.Base, service string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.smtp.From)
	fmt.Fprintf(&b, "To: %s\r\n", base.NotificationEmail)
	fmt.Fprintf(&b, "Subject: Image release update: job %s %s\r\n", base.ID, base.Status)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Job: %s\n", base.ID)
	fmt.Fprintf(&b, "Stage: %s\n", service)
	fmt.Fprintf(&b, "Status: %s\n", base.Status)
	if base.CloudImageName != "" {
		fmt.Fprintf(&b, "Image: %s\n", base.CloudImageName)
	}
	fmt.Fprintf(&b, "Schedule: %s\n", base.UTCTime)
	return []byte(b.String())
}
