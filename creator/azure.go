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
	"fmt"
	"sort"

	"github.com/clarketm/json"
)

// azureTargetAccount is the storage destination of one Azure account: the
// registered region plus the resource group, container and storage account
// the page blob lands in.
type azureTargetAccount struct {
	account        string
	region         string
	resourceGroup  string
	containerName  string
	storageAccount string
}

type azureBuilder struct {
	builderContext
	accounts map[string]azureTargetAccount
}

func newAzureBuilder(ctx builderContext) (messageBuilder, error) {
	b := &azureBuilder{builderContext: ctx, accounts: map[string]azureTargetAccount{}}

	for _, name := range resolveAccounts(ctx.doc, ctx.info) {
		info, ok := ctx.info.AccountFor(ctx.doc.RequestingUser, name)
		if !ok {
			return nil, fmt.Errorf("account %s does not exist for user %s", name, ctx.doc.RequestingUser)
		}

		docData := ctx.doc.accountByName(name)
		region := docData.Region
		if region == "" {
			region = info.Region
		}
		if region == "" {
			return nil, fmt.Errorf("no region registered for account %s", name)
		}

		b.accounts[region] = azureTargetAccount{
			account:        name,
			region:         region,
			resourceGroup:  info.ResourceGroup,
			containerName:  info.ContainerName,
			storageAccount: info.StorageAccount,
		}
	}
	return b, nil
}

func (b *azureBuilder) accountNames() []string {
	names := make([]string, 0, len(b.accounts))
	for _, acct := range b.accounts {
		names = append(names, acct.account)
	}
	sort.Strings(names)
	return names
}

func (b *azureBuilder) sortedAccounts() []azureTargetAccount {
	accounts := make([]azureTargetAccount, 0, len(b.accounts))
	for _, acct := range b.accounts {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].account < accounts[j].account })
	return accounts
}

func (b *azureBuilder) CredentialsMessage() ([]byte, error) {
	return b.credentialsMessage(b.accountNames())
}

func (b *azureBuilder) OBSMessage() ([]byte, error) {
	return b.obsMessage()
}

type azureUploadRegion struct {
	Account        string `json:"account"`
	ContainerName  string `json:"container_name"`
	ResourceGroup  string `json:"resource_group"`
	StorageAccount string `json:"storage_account"`
}

type azureUploaderJob struct {
	baseMessage
	Cloud            string                       `json:"cloud"`
	CloudImageName   string                       `json:"cloud_image_name"`
	ImageDescription string                       `json:"image_description"`
	TargetRegions    map[string]azureUploadRegion `json:"target_regions"`
}

func (b *azureBuilder) UploaderMessage() ([]byte, error) {
	regions := map[string]azureUploadRegion{}
	for region, acct := range b.accounts {
		regions[region] = azureUploadRegion{
			Account:        acct.account,
			ContainerName:  acct.containerName,
			ResourceGroup:  acct.resourceGroup,
			StorageAccount: acct.storageAccount,
		}
	}
	return json.Marshal(map[string]azureUploaderJob{
		"uploader_job": {
			baseMessage:      b.base(),
			Cloud:            b.doc.Cloud,
			CloudImageName:   b.doc.CloudImageName,
			ImageDescription: b.doc.ImageDescription,
			TargetRegions:    regions,
		},
	})
}

func (b *azureBuilder) TestingMessage() ([]byte, error) {
	regions := map[string]string{}
	for region, acct := range b.accounts {
		regions[region] = acct.account
	}
	return json.Marshal(map[string]ec2TestingJob{
		"testing_job": {
			baseMessage:  b.base(),
			Cloud:        b.doc.Cloud,
			Tests:        b.doc.Tests,
			TestRegions:  regions,
			Distro:       b.doc.Distro,
			InstanceType: b.doc.InstanceType,
		},
	})
}

type azureReplicationSource struct {
	Account        string `json:"account"`
	ResourceGroup  string `json:"resource_group"`
	StorageAccount string `json:"storage_account"`
}

type azureReplicationJob struct {
	baseMessage
	Cloud            string                            `json:"cloud"`
	ImageDescription string                            `json:"image_description"`
	SourceRegions    map[string]azureReplicationSource `json:"replication_source_regions"`
}

func (b *azureBuilder) ReplicationMessage() ([]byte, error) {
	sources := map[string]azureReplicationSource{}
	for region, acct := range b.accounts {
		sources[region] = azureReplicationSource{
			Account:        acct.account,
			ResourceGroup:  acct.resourceGroup,
			StorageAccount: acct.storageAccount,
		}
	}
	return json.Marshal(map[string]azureReplicationJob{
		"replication_job": {
			baseMessage:      b.base(),
			Cloud:            b.doc.Cloud,
			ImageDescription: b.doc.ImageDescription,
			SourceRegions:    sources,
		},
	})
}

type azurePublishRegion struct {
	Account        string `json:"account"`
	ContainerName  string `json:"container_name"`
	ResourceGroup  string `json:"resource_group"`
	StorageAccount string `json:"storage_account"`
}

type azurePublisherJob struct {
	baseMessage
	Cloud          string               `json:"cloud"`
	AllowCopy      bool                 `json:"allow_copy"`
	ShareWith      string               `json:"share_with,omitempty"`
	PublishRegions []azurePublishRegion `json:"publish_regions"`
}

func (b *azureBuilder) PublisherMessage() ([]byte, error) {
	return json.Marshal(map[string]azurePublisherJob{
		"publisher_job": {
			baseMessage:    b.base(),
			Cloud:          b.doc.Cloud,
			AllowCopy:      b.doc.AllowCopy,
			ShareWith:      b.doc.ShareWith,
			PublishRegions: b.publishRegions(),
		},
	})
}

func (b *azureBuilder) publishRegions() []azurePublishRegion {
	var regions []azurePublishRegion
	for _, acct := range b.sortedAccounts() {
		regions = append(regions, azurePublishRegion{
			Account:        acct.account,
			ContainerName:  acct.containerName,
			ResourceGroup:  acct.resourceGroup,
			StorageAccount: acct.storageAccount,
		})
	}
	return regions
}

type azureDeprecationJob struct {
	baseMessage
	Cloud              string               `json:"cloud"`
	OldCloudImageName  string               `json:"old_cloud_image_name,omitempty"`
	DeprecationRegions []azurePublishRegion `json:"deprecation_regions"`
}

func (b *azureBuilder) DeprecationMessage() ([]byte, error) {
	return json.Marshal(map[string]azureDeprecationJob{
		"deprecation_job": {
			baseMessage:        b.base(),
			Cloud:              b.doc.Cloud,
			OldCloudImageName:  b.doc.OldCloudImageName,
			DeprecationRegions: b.publishRegions(),
		},
	})
}

func (b *azureBuilder) CreateMessage() ([]byte, error) {
	return b.createMessage()
}
