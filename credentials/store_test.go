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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mash-pipeline/mash/config"
)

func newTestFileStore(t *testing.T) *fileStore {
	t.Helper()
	store, err := newFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("newFileStore: %v", err)
	}
	return store
}

func TestFileStoreAddAndGet(t *testing.T) {
	store := newTestFileStore(t)
	acct := Account{
		Partition:   "aws",
		Region:      "us-east-2",
		Credentials: json.RawMessage(`{"access_key_id": "123456"}`),
	}
	if err := store.AddAccount("user1", "ec2", "test-aws", acct); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	got, err := store.GetAccounts("user1", "ec2", []string{"test-aws"})
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if diff := cmp.Diff(map[string]Account{"test-aws": acct}, got); diff != "" {
		t.Errorf("account mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreGetMissingAccount(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.AddAccount("user1", "ec2", "test-aws", Account{}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	_, err := store.GetAccounts("user1", "ec2", []string{"test-aws", "missing"})
	if err == nil {
		t.Fatal("expected an error for the missing account")
	}
	if want := "account missing does not exist for user user1"; err.Error() != want {
		t.Errorf("unexpected wording: %q", err)
	}
}

func TestFileStoreReplaceAccount(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.AddAccount("user1", "ec2", "test-aws", Account{Region: "us-east-1"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := store.AddAccount("user1", "ec2", "test-aws", Account{Region: "us-east-2"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	got, err := store.GetAccounts("user1", "ec2", []string{"test-aws"})
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if got["test-aws"].Region != "us-east-2" {
		t.Errorf("account not replaced: %+v", got["test-aws"])
	}
}

func TestFileStoreGroups(t *testing.T) {
	store := newTestFileStore(t)
	for _, name := range []string{"test-aws", "test-aws-gov"} {
		if err := store.AddAccount("user1", "ec2", name, Account{}); err != nil {
			t.Fatalf("AddAccount: %v", err)
		}
		if err := store.AddGroupMember("user1", "ec2", "test", name); err != nil {
			t.Fatalf("AddGroupMember: %v", err)
		}
	}
	// re-adding a member must not duplicate it
	if err := store.AddGroupMember("user1", "ec2", "test", "test-aws"); err != nil {
		t.Fatalf("AddGroupMember: %v", err)
	}

	members, err := store.GroupAccounts("user1", "ec2", "test")
	if err != nil {
		t.Fatalf("GroupAccounts: %v", err)
	}
	if diff := cmp.Diff([]string{"test-aws", "test-aws-gov"}, members); diff != "" {
		t.Errorf("member mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreDeleteAccountLeavesGroupsConsistent(t *testing.T) {
	store := newTestFileStore(t)
	for _, name := range []string{"test-aws", "test-aws-gov"} {
		if err := store.AddAccount("user1", "ec2", name, Account{}); err != nil {
			t.Fatalf("AddAccount: %v", err)
		}
		if err := store.AddGroupMember("user1", "ec2", "test", name); err != nil {
			t.Fatalf("AddGroupMember: %v", err)
		}
	}
	if err := store.DeleteAccount("user1", "ec2", "test-aws"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	names, err := store.AccountNames("user1", "ec2")
	if err != nil {
		t.Fatalf("AccountNames: %v", err)
	}
	if diff := cmp.Diff([]string{"test-aws-gov"}, names); diff != "" {
		t.Errorf("name mismatch (-want +got):\n%s", diff)
	}
	members, err := store.GroupAccounts("user1", "ec2", "test")
	if err != nil {
		t.Fatalf("GroupAccounts: %v", err)
	}
	if diff := cmp.Diff([]string{"test-aws-gov"}, members); diff != "" {
		t.Errorf("member mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreDeleteMissingAccount(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.DeleteAccount("user1", "ec2", "missing"); err != nil {
		t.Errorf("deleting an absent account must not fail: %v", err)
	}
}

func TestFileStoreProvidersIsolated(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.AddAccount("user1", "ec2", "test-aws", Account{}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if err := store.AddAccount("user1", "azure", "test-azure", Account{}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	names, err := store.AccountNames("user1", "ec2")
	if err != nil {
		t.Fatalf("AccountNames: %v", err)
	}
	if diff := cmp.Diff([]string{"test-aws"}, names); diff != "" {
		t.Errorf("name mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreNoTempFilesLeftBehind(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.AddAccount("user1", "ec2", "test-aws", Account{}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	files, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", f.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(store.dir, "user1.json")); err != nil {
		t.Errorf("user record not written: %v", err)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	cfg := &config.Config{CredentialsDir: t.TempDir()}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.(*fileStore); !ok {
		t.Errorf("expected a file store, got %T", store)
	}

	cfg.RedisAddress = "localhost:6379"
	store, err = NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.(*redisStore); !ok {
		t.Errorf("expected a redis store, got %T", store)
	}
}
