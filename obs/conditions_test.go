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

package obs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testPackages = map[string]Package{
	"file-magic":     {Version: "5.32", Release: "1.1", Arch: "x86_64", Checksum: "0815"},
	"kernel-default": {Version: "4.13.1", Release: "1.1", Arch: "x86_64", Checksum: "0816"},
}

func TestPackagesChecksum(t *testing.T) {
	// md5 over the sorted name-version-release.arch lines.
	want := "9236ed4885aa131ebc97d79eb773c45f"
	if got := PackagesChecksum(testPackages); got != want {
		t.Errorf("checksum: got %s, want %s", got, want)
	}
	// map iteration order must not matter
	if got := PackagesChecksum(testPackages); got != want {
		t.Errorf("checksum not deterministic: got %s", got)
	}
}

func TestCheckPackage(t *testing.T) {
	tests := []struct {
		name    string
		cond    []string
		want    bool
		wantErr bool
	}{
		{name: "missing package", cond: []string{"foo"}, want: false},
		{name: "present, no expression", cond: []string{"file-magic"}, want: true},
		{name: "version satisfied", cond: []string{"file-magic", ">=5.32"}, want: true},
		{name: "version and release satisfied", cond: []string{"file-magic", ">=5.32", ">=1.1"}, want: true},
		{name: "version too low", cond: []string{"file-magic", "<5.32", "<1.1"}, want: false},
		{name: "not equal", cond: []string{"kernel-default", "!=4.13.1"}, want: false},
		{name: "exact", cond: []string{"kernel-default", "==4.13.1"}, want: true},
		{name: "ambiguous operator", cond: []string{"file-magic", "=5.32"}, wantErr: true},
		{name: "bare version", cond: []string{"file-magic", "5.32"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CheckPackage(testPackages, tc.cond)
			if tc.wantErr {
				if !errors.Is(err, ErrVersionExpression) {
					t.Fatalf("expected ErrVersionExpression, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckPackage: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %t, want %t", got, tc.want)
			}
		})
	}
}

func TestCheckImage(t *testing.T) {
	tests := []struct {
		name    string
		version string
		expr    string
		want    bool
		wantErr bool
	}{
		{name: "bare version equality", version: "1.42.1", expr: "1.42.1", want: true},
		{name: "bare version mismatch", version: "1.42.2", expr: "1.42.1", want: false},
		{name: "operator honored", version: "1.42.2", expr: ">=1.42.1", want: true},
		{name: "numeric segments", version: "1.10.0", expr: ">1.9.0", want: true},
		{name: "ambiguous operator", version: "1.42.1", expr: "=1.42.1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CheckImage(tc.version, tc.expr)
			if tc.wantErr {
				if !errors.Is(err, ErrVersionExpression) {
					t.Fatalf("expected ErrVersionExpression, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckImage: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %t, want %t", got, tc.want)
			}
		})
	}
}

func TestComplied(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name       string
		version    string
		conditions []*Condition
		want       bool
	}{
		{name: "unknown version", version: "unknown", want: false},
		{name: "known version, no conditions", version: "1.2.3", want: true},
		{name: "all satisfied", version: "1.2.3", conditions: []*Condition{{Image: "1.2.3", Status: &yes}}, want: true},
		{name: "one failed", version: "1.2.3", conditions: []*Condition{{Image: "1.2.3", Status: &yes}, {Package: []string{"foo"}, Status: &no}}, want: false},
		{name: "unevaluated", version: "1.2.3", conditions: []*Condition{{Image: "1.2.3"}}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Complied(tc.version, tc.conditions); got != tc.want {
				t.Errorf("got %t, want %t", got, tc.want)
			}
		})
	}
}

func TestConditionJSON(t *testing.T) {
	raw := `[{"package": ["kernel-default", ">=4.13.1", ">=1.1"]}, {"package": "file-magic"}, {"image": "1.42.1"}]`
	var conditions []*Condition
	if err := json.Unmarshal([]byte(raw), &conditions); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []*Condition{
		{Package: []string{"kernel-default", ">=4.13.1", ">=1.1"}},
		{Package: []string{"file-magic"}},
		{Image: "1.42.1"},
	}
	if diff := cmp.Diff(want, conditions); diff != "" {
		t.Errorf("conditions (-want +got):\n%s", diff)
	}
}
