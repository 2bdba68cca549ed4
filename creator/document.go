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
	"encoding/json"
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"github.com/mash-pipeline/mash/config"
	"github.com/mash-pipeline/mash/job"
)

// CloudAccount is one account entry of a submitted job document: the
// account name plus optional per-job overrides.
type CloudAccount struct {
	Name        string `json:"name"`
	Region      string `json:"region,omitempty"`
	Subnet      string `json:"subnet,omitempty"`
	RootSwapAMI string `json:"root_swap_ami,omitempty"`
}

// JobDocument is the document a submitter hands the job creator; the
// creator fans it out into one document per pipeline stage.
type JobDocument struct {
	ID             string `json:"id,omitempty"`
	Cloud          string `json:"cloud"`
	UTCTime        string `json:"utctime"`
	LastService    string `json:"last_service"`
	RequestingUser string `json:"requesting_user"`

	Image        string          `json:"image"`
	Project      string          `json:"project"`
	Conditions   json.RawMessage `json:"conditions,omitempty"`
	DownloadRoot string          `json:"download_root,omitempty"`

	CloudImageName    string `json:"cloud_image_name"`
	OldCloudImageName string `json:"old_cloud_image_name,omitempty"`
	ImageDescription  string `json:"image_description,omitempty"`

	Tests        []string `json:"tests,omitempty"`
	Distro       string   `json:"distro,omitempty"`
	InstanceType string   `json:"instance_type,omitempty"`

	CloudAccounts []CloudAccount `json:"cloud_accounts,omitempty"`
	CloudGroups   []string       `json:"cloud_groups,omitempty"`

	ShareWith   string `json:"share_with,omitempty"`
	AllowCopy   bool   `json:"allow_copy,omitempty"`
	UseRootSwap bool   `json:"use_root_swap,omitempty"`

	NotificationEmail string `json:"notification_email,omitempty"`
	NotificationType  string `json:"notification_type,omitempty"`
}

// ParseDocument decodes a submitted document, rejecting unknown fields.
func ParseDocument(body []byte) (*JobDocument, error) {
	doc := &JobDocument{}
	if err := yaml.UnmarshalStrict(body, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks the document shape common to all clouds.
func (d *JobDocument) Validate(cfg *config.Config) error {
	var errs []error
	if d.Cloud == "" {
		errs = append(errs, fmt.Errorf("cloud is required"))
	} else if !supportedCloud(d.Cloud) {
		errs = append(errs, fmt.Errorf("cloud %s is not supported", d.Cloud))
	}
	switch d.UTCTime {
	case "":
		errs = append(errs, fmt.Errorf("utctime is required"))
	case "now", job.UTCTimeAlways:
	default:
		if _, err := time.Parse(time.RFC3339, d.UTCTime); err != nil {
			errs = append(errs, fmt.Errorf("invalid utctime: %v", err))
		}
	}
	if d.LastService == "" {
		errs = append(errs, fmt.Errorf("last_service is required"))
	} else if !cfg.ValidService(d.LastService) {
		errs = append(errs, fmt.Errorf("last_service %s is not a pipeline service", d.LastService))
	}
	if d.RequestingUser == "" {
		errs = append(errs, fmt.Errorf("requesting_user is required"))
	}
	if len(d.CloudAccounts) == 0 && len(d.CloudGroups) == 0 {
		errs = append(errs, fmt.Errorf("at least one of cloud_accounts or cloud_groups is required"))
	}
	for _, acct := range d.CloudAccounts {
		if acct.Name == "" {
			errs = append(errs, fmt.Errorf("cloud_accounts entries require a name"))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func supportedCloud(cloud string) bool {
	for _, c := range job.Clouds {
		if c == cloud {
			return true
		}
	}
	return false
}

// accountByName indexes the document's explicit account entries.
func (d *JobDocument) accountByName(name string) CloudAccount {
	for _, acct := range d.CloudAccounts {
		if acct.Name == name {
			return acct
		}
	}
	return CloudAccount{Name: name}
}
