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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDocument(t *testing.T) {
	body := []byte(`{
		"cloud": "ec2",
		"utctime": "now",
		"last_service": "create",
		"requesting_user": "user1",
		"image": "test_image_oem",
		"project": "Cloud:Tools",
		"cloud_image_name": "new_image_123",
		"cloud_accounts": [{"name": "test-aws-gov"}],
		"cloud_groups": ["test"]
	}`)
	doc, err := ParseDocument(body)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.Cloud != "ec2" || doc.LastService != "create" {
		t.Errorf("document not decoded: %+v", doc)
	}
	if diff := cmp.Diff([]CloudAccount{{Name: "test-aws-gov"}}, doc.CloudAccounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocumentUnknownField(t *testing.T) {
	body := []byte(`{"cloud": "ec2", "utctime": "now", "clout_image_name": "typo"}`)
	if _, err := ParseDocument(body); err == nil {
		t.Fatal("unknown field not rejected")
	}
}

func TestValidateDocument(t *testing.T) {
	cfg := ec2TestConfig()
	tests := []struct {
		name   string
		mutate func(*JobDocument)
		want   string
	}{
		{
			name:   "valid",
			mutate: func(d *JobDocument) {},
		},
		{
			name:   "valid always",
			mutate: func(d *JobDocument) { d.UTCTime = "always" },
		},
		{
			name:   "valid timestamp",
			mutate: func(d *JobDocument) { d.UTCTime = "2022-04-28T06:44:50Z" },
		},
		{
			name:   "missing cloud",
			mutate: func(d *JobDocument) { d.Cloud = "" },
			want:   "cloud is required",
		},
		{
			name:   "unsupported cloud",
			mutate: func(d *JobDocument) { d.Cloud = "rackspace" },
			want:   "cloud rackspace is not supported",
		},
		{
			name:   "missing utctime",
			mutate: func(d *JobDocument) { d.UTCTime = "" },
			want:   "utctime is required",
		},
		{
			name:   "bad utctime",
			mutate: func(d *JobDocument) { d.UTCTime = "next tuesday" },
			want:   "invalid utctime",
		},
		{
			name:   "missing last_service",
			mutate: func(d *JobDocument) { d.LastService = "" },
			want:   "last_service is required",
		},
		{
			name:   "unknown last_service",
			mutate: func(d *JobDocument) { d.LastService = "archive" },
			want:   "last_service archive is not a pipeline service",
		},
		{
			name:   "missing requesting_user",
			mutate: func(d *JobDocument) { d.RequestingUser = "" },
			want:   "requesting_user is required",
		},
		{
			name: "no accounts",
			mutate: func(d *JobDocument) {
				d.CloudAccounts = nil
				d.CloudGroups = nil
			},
			want: "at least one of cloud_accounts or cloud_groups is required",
		},
		{
			name:   "unnamed account",
			mutate: func(d *JobDocument) { d.CloudAccounts = []CloudAccount{{Region: "us-east-1"}} },
			want:   "cloud_accounts entries require a name",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := ec2TestDocument()
			tc.mutate(doc)
			err := doc.Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("valid document rejected: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	doc := &JobDocument{}
	err := doc.Validate(ec2TestConfig())
	if err == nil {
		t.Fatal("empty document accepted")
	}
	for _, want := range []string{"cloud is required", "utctime is required", "last_service is required", "requesting_user is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregate missing %q: %v", want, err)
		}
	}
}
