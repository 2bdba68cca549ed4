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

// ec2TargetAccount is the resolved region topology of one EC2 account: the
// chosen source region, the helper image there, and every region the image
// spreads to from it.
type ec2TargetAccount struct {
	account       string
	sourceRegion  string
	helperImage   string
	subnet        string
	targetRegions []string
}

type ec2Builder struct {
	builderContext
	// accounts keyed by source region, the original's target_account_info.
	accounts map[string]ec2TargetAccount
}

func newEC2Builder(ctx builderContext) (messageBuilder, error) {
	b := &ec2Builder{builderContext: ctx, accounts: map[string]ec2TargetAccount{}}

	helperImages := map[string]string{}
	for region, image := range ctx.cfg.Cloud.EC2.HelperImages {
		helperImages[region] = image
	}

	for _, name := range resolveAccounts(ctx.doc, ctx.info) {
		info, ok := ctx.info.AccountFor(ctx.doc.RequestingUser, name)
		if !ok {
			return nil, fmt.Errorf("account %s does not exist for user %s", name, ctx.doc.RequestingUser)
		}
		regions := append([]string(nil), ctx.cfg.Cloud.EC2.Regions[info.Partition]...)
		for _, additional := range info.AdditionalRegions {
			helperImages[additional.Name] = additional.HelperImage
			regions = append(regions, additional.Name)
		}
		if len(regions) == 0 {
			return nil, fmt.Errorf("no regions for partition %s of account %s", info.Partition, name)
		}

		docData := ctx.doc.accountByName(name)
		region := docData.Region
		if region == "" {
			region = info.Region
		}
		if region == "" {
			region = regions[ctx.pick(len(regions))]
		}
		subnet := docData.Subnet
		if subnet == "" {
			subnet = info.Subnet
		}

		var helperImage string
		if ctx.doc.UseRootSwap {
			if docData.RootSwapAMI == "" {
				return nil, fmt.Errorf("root_swap_ami is required for account %s, when using root swap.", name)
			}
			helperImage = docData.RootSwapAMI
		} else {
			helperImage = helperImages[region]
		}

		b.accounts[region] = ec2TargetAccount{
			account:       name,
			sourceRegion:  region,
			helperImage:   helperImage,
			subnet:        subnet,
			targetRegions: regions,
		}
	}
	return b, nil
}

func (b *ec2Builder) accountNames() []string {
	names := make([]string, 0, len(b.accounts))
	for _, acct := range b.accounts {
		names = append(names, acct.account)
	}
	sort.Strings(names)
	return names
}

// sortedAccounts returns the target accounts ordered by account name, so
// list-shaped regions serialize deterministically.
func (b *ec2Builder) sortedAccounts() []ec2TargetAccount {
	accounts := make([]ec2TargetAccount, 0, len(b.accounts))
	for _, acct := range b.accounts {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].account < accounts[j].account })
	return accounts
}

func (b *ec2Builder) CredentialsMessage() ([]byte, error) {
	return b.credentialsMessage(b.accountNames())
}

func (b *ec2Builder) OBSMessage() ([]byte, error) {
	return b.obsMessage()
}

type ec2UploadRegion struct {
	Account     string `json:"account"`
	HelperImage string `json:"helper_image"`
	Subnet      string `json:"subnet,omitempty"`
}

type ec2UploaderJob struct {
	baseMessage
	Cloud            string                     `json:"cloud"`
	CloudImageName   string                     `json:"cloud_image_name"`
	ImageDescription string                     `json:"image_description"`
	TargetRegions    map[string]ec2UploadRegion `json:"target_regions"`
}

func (b *ec2Builder) UploaderMessage() ([]byte, error) {
	regions := map[string]ec2UploadRegion{}
	for region, acct := range b.accounts {
		regions[region] = ec2UploadRegion{
			Account:     acct.account,
			HelperImage: acct.helperImage,
			Subnet:      acct.subnet,
		}
	}
	return json.Marshal(map[string]ec2UploaderJob{
		"uploader_job": {
			baseMessage:      b.base(),
			Cloud:            b.doc.Cloud,
			CloudImageName:   b.doc.CloudImageName,
			ImageDescription: b.doc.ImageDescription,
			TargetRegions:    regions,
		},
	})
}

type ec2TestingJob struct {
	baseMessage
	Cloud        string            `json:"cloud"`
	Tests        []string          `json:"tests"`
	TestRegions  map[string]string `json:"test_regions"`
	Distro       string            `json:"distro,omitempty"`
	InstanceType string            `json:"instance_type,omitempty"`
}

func (b *ec2Builder) TestingMessage() ([]byte, error) {
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

type ec2ReplicationSource struct {
	Account       string   `json:"account"`
	TargetRegions []string `json:"target_regions"`
}

type ec2ReplicationJob struct {
	baseMessage
	Cloud            string                          `json:"cloud"`
	ImageDescription string                          `json:"image_description"`
	SourceRegions    map[string]ec2ReplicationSource `json:"replication_source_regions"`
}

func (b *ec2Builder) ReplicationMessage() ([]byte, error) {
	sources := map[string]ec2ReplicationSource{}
	for region, acct := range b.accounts {
		sources[region] = ec2ReplicationSource{
			Account:       acct.account,
			TargetRegions: acct.targetRegions,
		}
	}
	return json.Marshal(map[string]ec2ReplicationJob{
		"replication_job": {
			baseMessage:      b.base(),
			Cloud:            b.doc.Cloud,
			ImageDescription: b.doc.ImageDescription,
			SourceRegions:    sources,
		},
	})
}

type ec2PublishRegion struct {
	Account       string   `json:"account"`
	HelperImage   string   `json:"helper_image"`
	TargetRegions []string `json:"target_regions"`
}

type ec2PublisherJob struct {
	baseMessage
	Cloud          string             `json:"cloud"`
	AllowCopy      bool               `json:"allow_copy"`
	ShareWith      string             `json:"share_with,omitempty"`
	PublishRegions []ec2PublishRegion `json:"publish_regions"`
}

func (b *ec2Builder) PublisherMessage() ([]byte, error) {
	return json.Marshal(map[string]ec2PublisherJob{
		"publisher_job": {
			baseMessage:    b.base(),
			Cloud:          b.doc.Cloud,
			AllowCopy:      b.doc.AllowCopy,
			ShareWith:      b.doc.ShareWith,
			PublishRegions: b.publishRegions(),
		},
	})
}

func (b *ec2Builder) publishRegions() []ec2PublishRegion {
	var regions []ec2PublishRegion
	for _, acct := range b.sortedAccounts() {
		regions = append(regions, ec2PublishRegion{
			Account:       acct.account,
			HelperImage:   acct.helperImage,
			TargetRegions: acct.targetRegions,
		})
	}
	return regions
}

type ec2DeprecationJob struct {
	baseMessage
	Cloud              string             `json:"cloud"`
	OldCloudImageName  string             `json:"old_cloud_image_name,omitempty"`
	DeprecationRegions []ec2PublishRegion `json:"deprecation_regions"`
}

func (b *ec2Builder) DeprecationMessage() ([]byte, error) {
	return json.Marshal(map[string]ec2DeprecationJob{
		"deprecation_job": {
			baseMessage:        b.base(),
			Cloud:              b.doc.Cloud,
			OldCloudImageName:  b.doc.OldCloudImageName,
			DeprecationRegions: b.publishRegions(),
		},
	})
}

func (b *ec2Builder) CreateMessage() ([]byte, error) {
	return b.createMessage()
}
