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

// Package creator implements the job creator: it validates submitted job
// documents, verifies their accounts with the credentials courier, and
// fans each job out into one document per pipeline stage.
package creator

import (
	"fmt"

	"github.com/clarketm/json"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/credentials"
)

// messageBuilder builds the per-stage documents of one job. Each message
// is a complete JSON envelope ready to publish with key job_document.
type messageBuilder interface {
	CredentialsMessage() ([]byte, error)
	OBSMessage() ([]byte, error)
	UploaderMessage() ([]byte, error)
	TestingMessage() ([]byte, error)
	ReplicationMessage() ([]byte, error)
	PublisherMessage() ([]byte, error)
	DeprecationMessage() ([]byte, error)
	CreateMessage() ([]byte, error)
}

// builderContext is what every cloud builder is constructed from.
type builderContext struct {
	doc  *JobDocument
	info credentials.AccountsInfo
	cfg  *config.Config
	// pick chooses the source-region index for accounts that do not name
	// one; production wires math/rand, tests pin it.
	pick func(n int) int
}

type builderConstructor func(builderContext) (messageBuilder, error)

var builders = map[string]builderConstructor{
	"ec2":   newEC2Builder,
	"azure": newAzureBuilder,
}

// newBuilder returns the message builder for the document's cloud.
func newBuilder(ctx builderContext) (messageBuilder, error) {
	constructor, ok := builders[ctx.doc.Cloud]
	if !ok {
		return nil, fmt.Errorf("support for %s cloud service not implemented", ctx.doc.Cloud)
	}
	return constructor(ctx)
}

// resolveAccounts expands the document's groups through accounts_info and
// unions them with the explicit accounts, deduped by name.
func resolveAccounts(doc *JobDocument, info credentials.AccountsInfo) []string {
	names := sets.NewString()
	for _, group := range doc.CloudGroups {
		names.Insert(info.GroupMembers(doc.RequestingUser, group)...)
	}
	for _, acct := range doc.CloudAccounts {
		names.Insert(acct.Name)
	}
	return names.List()
}

// baseMessage is merged into every stage document. Stage jobs require id,
// utctime and last_service on admission; the notification coordinates ride
// along so the final stage can send the completion mail.
type baseMessage struct {
	ID                string `json:"id"`
	UTCTime           string `json:"utctime"`
	LastService       string `json:"last_service"`
	NotificationEmail string `json:"notification_email,omitempty"`
	NotificationType  string `json:"notification_type,omitempty"`
}

func (c builderContext) base() baseMessage {
	return baseMessage{
		ID:                c.doc.ID,
		UTCTime:           c.doc.UTCTime,
		LastService:       c.doc.LastService,
		NotificationEmail: c.doc.NotificationEmail,
		NotificationType:  c.doc.NotificationType,
	}
}

// credentialsJob bootstraps the job with the credentials courier.
type credentialsJob struct {
	baseMessage
	Provider         string   `json:"provider"`
	ProviderAccounts []string `json:"provider_accounts"`
	RequestingUser   string   `json:"requesting_user"`
}

func (c builderContext) credentialsMessage(accounts []string) ([]byte, error) {
	return json.Marshal(map[string]credentialsJob{
		"credentials_job": {
			baseMessage:      c.base(),
			Provider:         c.doc.Cloud,
			ProviderAccounts: accounts,
			RequestingUser:   c.doc.RequestingUser,
		},
	})
}

type obsJob struct {
	baseMessage
	Image        string          `json:"image"`
	Project      string          `json:"project"`
	Conditions   json.RawMessage `json:"conditions,omitempty"`
	DownloadRoot string          `json:"download_root,omitempty"`
}

func (c builderContext) obsMessage() ([]byte, error) {
	return json.Marshal(map[string]obsJob{
		"obs_job": {
			baseMessage:  c.base(),
			Image:        c.doc.Image,
			Project:      c.doc.Project,
			Conditions:   json.RawMessage(c.doc.Conditions),
			DownloadRoot: c.doc.DownloadRoot,
		},
	})
}

type createJob struct {
	baseMessage
	Cloud             string `json:"cloud"`
	CloudImageName    string `json:"cloud_image_name"`
	OldCloudImageName string `json:"old_cloud_image_name,omitempty"`
}

func (c builderContext) createMessage() ([]byte, error) {
	return json.Marshal(map[string]createJob{
		"create_job": {
			baseMessage:       c.base(),
			Cloud:             c.doc.Cloud,
			CloudImageName:    c.doc.CloudImageName,
			OldCloudImageName: c.doc.OldCloudImageName,
		},
	})
}
