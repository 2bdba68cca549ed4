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

// Package credentials keeps per-user cloud account registrations and issues
// the credential tokens stage jobs run with.
package credentials

import "encoding/json"

// AdditionalRegion is an extra region an EC2 account declares beyond its
// partition, with the helper image to use there.
type AdditionalRegion struct {
	Name        string `json:"name"`
	HelperImage string `json:"helper_image"`
}

// Account is one registered cloud account. The credential payload is opaque
// to everything but the cloud framework that consumes it.
type Account struct {
	// Partition names the EC2 region table the account belongs to.
	Partition         string             `json:"partition,omitempty"`
	Region            string             `json:"region,omitempty"`
	AdditionalRegions []AdditionalRegion `json:"additional_regions,omitempty"`
	Subnet            string             `json:"subnet,omitempty"`

	// Azure storage coordinates.
	ResourceGroup  string `json:"resource_group,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	StorageAccount string `json:"storage_account,omitempty"`

	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// AccountsInfo is the account data the courier hands the job creator when a
// job's accounts check out: registrations and group membership, keyed by
// requesting user.
type AccountsInfo struct {
	// Accounts maps user -> account name -> account.
	Accounts map[string]map[string]Account `json:"accounts,omitempty"`
	// Groups maps user -> group name -> member account names.
	Groups map[string]map[string][]string `json:"groups,omitempty"`
}

// AccountFor returns the named account of the user.
func (a AccountsInfo) AccountFor(user, name string) (Account, bool) {
	acct, ok := a.Accounts[user][name]
	return acct, ok
}

// GroupMembers returns the member account names of the user's group.
func (a AccountsInfo) GroupMembers(user, group string) []string {
	return a.Groups[user][group]
}
