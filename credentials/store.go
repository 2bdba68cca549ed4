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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/mash-pipeline/mash/config"
)

// Store is the backing account registry of the credentials courier.
type Store interface {
	// AddAccount registers or replaces an account for the user.
	AddAccount(user, provider, name string, account Account) error
	// AddGroupMember adds the account to the user's group, creating the
	// group if needed. Adding an existing member is a no-op.
	AddGroupMember(user, provider, group, name string) error
	// DeleteAccount removes the account and its group memberships.
	// Removing an absent account is not an error.
	DeleteAccount(user, provider, name string) error
	// GetAccounts returns the named accounts of the user. Every name must
	// exist. A nil names slice returns all accounts.
	GetAccounts(user, provider string, names []string) (map[string]Account, error)
	// AccountNames returns the user's account names, sorted.
	AccountNames(user, provider string) ([]string, error)
	// GroupAccounts returns the member account names of the user's group.
	GroupAccounts(user, provider, group string) ([]string, error)
}

// NewStore returns the configured store: redis when redis_address is set,
// otherwise JSON files under credentials_dir.
func NewStore(cfg *config.Config) (Store, error) {
	if cfg.RedisAddress != "" {
		return newRedisStore(cfg.RedisAddress), nil
	}
	return newFileStore(cfg.CredentialsDir)
}

// userRecord is the on-disk shape of one user's registrations.
type userRecord struct {
	// Accounts maps provider -> account name -> account.
	Accounts map[string]map[string]Account `json:"accounts,omitempty"`
	// Groups maps provider -> group name -> member account names.
	Groups map[string]map[string][]string `json:"groups,omitempty"`
}

// fileStore keeps one JSON file per user. Writes go through a temp file
// rename so a crash never leaves a torn record.
type fileStore struct {
	dir  string
	lock sync.Mutex
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("error creating credentials directory %s: %w", dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(user string) string {
	return filepath.Join(f.dir, user+".json")
}

func (f *fileStore) load(user string) (*userRecord, error) {
	raw, err := os.ReadFile(f.path(user))
	if os.IsNotExist(err) {
		return &userRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading credentials for %s: %w", user, err)
	}
	rec := &userRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("error parsing credentials for %s: %w", user, err)
	}
	return rec, nil
}

func (f *fileStore) save(user string, rec *userRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("error serialising credentials for %s: %w", user, err)
	}
	path := f.path(user)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error renaming %s: %w", tmp, err)
	}
	return nil
}

func (f *fileStore) AddAccount(user, provider, name string, account Account) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return err
	}
	if rec.Accounts == nil {
		rec.Accounts = map[string]map[string]Account{}
	}
	if rec.Accounts[provider] == nil {
		rec.Accounts[provider] = map[string]Account{}
	}
	rec.Accounts[provider][name] = account
	return f.save(user, rec)
}

func (f *fileStore) AddGroupMember(user, provider, group, name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return err
	}
	if rec.Groups == nil {
		rec.Groups = map[string]map[string][]string{}
	}
	if rec.Groups[provider] == nil {
		rec.Groups[provider] = map[string][]string{}
	}
	for _, member := range rec.Groups[provider][group] {
		if member == name {
			return nil
		}
	}
	rec.Groups[provider][group] = append(rec.Groups[provider][group], name)
	return f.save(user, rec)
}

func (f *fileStore) DeleteAccount(user, provider, name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return err
	}
	delete(rec.Accounts[provider], name)
	for group, members := range rec.Groups[provider] {
		kept := members[:0]
		for _, member := range members {
			if member != name {
				kept = append(kept, member)
			}
		}
		rec.Groups[provider][group] = kept
	}
	return f.save(user, rec)
}

func (f *fileStore) GetAccounts(user, provider string, names []string) (map[string]Account, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return nil, err
	}
	registered := rec.Accounts[provider]
	if names == nil {
		out := map[string]Account{}
		for name, acct := range registered {
			out[name] = acct
		}
		return out, nil
	}
	out := map[string]Account{}
	for _, name := range names {
		acct, ok := registered[name]
		if !ok {
			return nil, fmt.Errorf("account %s does not exist for user %s", name, user)
		}
		out[name] = acct
	}
	return out, nil
}

func (f *fileStore) AccountNames(user, provider string) ([]string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range rec.Accounts[provider] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fileStore) GroupAccounts(user, provider, group string) ([]string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	rec, err := f.load(user)
	if err != nil {
		return nil, err
	}
	return rec.Groups[provider][group], nil
}

// redisStore keeps accounts in one hash per user/provider and group
// membership in a parallel hash of JSON member lists.
type redisStore struct {
	pool *redis.Pool
}

func newRedisStore(address string) *redisStore {
	return &redisStore{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", address)
			},
		},
	}
}

func accountsKey(user, provider string) string {
	return "mash:accounts:" + user + ":" + provider
}

func groupsKey(user, provider string) string {
	return "mash:groups:" + user + ":" + provider
}

func (r *redisStore) AddAccount(user, provider, name string, account Account) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("error serialising account %s: %w", name, err)
	}
	conn := r.pool.Get()
	defer conn.Close()
	_, err = conn.Do("HSET", accountsKey(user, provider), name, raw)
	return err
}

func (r *redisStore) AddGroupMember(user, provider, group, name string) error {
	conn := r.pool.Get()
	defer conn.Close()
	members, err := r.groupMembers(conn, user, provider, group)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == name {
			return nil
		}
	}
	raw, err := json.Marshal(append(members, name))
	if err != nil {
		return err
	}
	_, err = conn.Do("HSET", groupsKey(user, provider), group, raw)
	return err
}

func (r *redisStore) DeleteAccount(user, provider, name string) error {
	conn := r.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("HDEL", accountsKey(user, provider), name); err != nil {
		return err
	}
	groups, err := redis.StringMap(conn.Do("HGETALL", groupsKey(user, provider)))
	if err != nil {
		return err
	}
	for group, rawMembers := range groups {
		var members []string
		if err := json.Unmarshal([]byte(rawMembers), &members); err != nil {
			return fmt.Errorf("error parsing group %s of user %s: %w", group, user, err)
		}
		kept := members[:0]
		for _, member := range members {
			if member != name {
				kept = append(kept, member)
			}
		}
		if len(kept) == len(members) {
			continue
		}
		raw, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		if _, err := conn.Do("HSET", groupsKey(user, provider), group, raw); err != nil {
			return err
		}
	}
	return nil
}

func (r *redisStore) GetAccounts(user, provider string, names []string) (map[string]Account, error) {
	conn := r.pool.Get()
	defer conn.Close()
	raw, err := redis.StringMap(conn.Do("HGETALL", accountsKey(user, provider)))
	if err != nil {
		return nil, err
	}
	registered := map[string]Account{}
	for name, value := range raw {
		var acct Account
		if err := json.Unmarshal([]byte(value), &acct); err != nil {
			return nil, fmt.Errorf("error parsing account %s of user %s: %w", name, user, err)
		}
		registered[name] = acct
	}
	if names == nil {
		return registered, nil
	}
	out := map[string]Account{}
	for _, name := range names {
		acct, ok := registered[name]
		if !ok {
			return nil, fmt.Errorf("account %s does not exist for user %s", name, user)
		}
		out[name] = acct
	}
	return out, nil
}

func (r *redisStore) AccountNames(user, provider string) ([]string, error) {
	conn := r.pool.Get()
	defer conn.Close()
	names, err := redis.Strings(conn.Do("HKEYS", accountsKey(user, provider)))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *redisStore) GroupAccounts(user, provider, group string) ([]string, error) {
	conn := r.pool.Get()
	defer conn.Close()
	return r.groupMembers(conn, user, provider, group)
}

func (r *redisStore) groupMembers(conn redis.Conn, user, provider, group string) ([]string, error) {
	raw, err := redis.Bytes(conn.Do("HGET", groupsKey(user, provider), group))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("error parsing group %s of user %s: %w", group, user, err)
	}
	return members, nil
}
