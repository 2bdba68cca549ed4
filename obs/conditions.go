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
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrVersionExpression marks a malformed version expression in a build
// condition, for example a bare "=" operator.
var ErrVersionExpression = errors.New("invalid version expression")

// Condition is one gate an image build must satisfy before the watcher
// hands the image to the uploader. Either Image or Package is set.
type Condition struct {
	// Image is a version expression matched against the derived image
	// version. A bare version means exact equality.
	Image string
	// Package is [name, versionExpr?, releaseExpr?]. The named package
	// must be installed and every given expression must hold.
	Package []string
	// Status is the result of the last evaluation; nil means not yet
	// evaluated.
	Status *bool
}

type conditionDoc struct {
	Image   string          `json:"image,omitempty"`
	Package json.RawMessage `json:"package,omitempty"`
	Status  *bool           `json:"status,omitempty"`
}

// UnmarshalJSON accepts both the list form {"package": ["name", ">=1.2"]}
// and the shorthand {"package": "name"}.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var doc conditionDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	c.Image = doc.Image
	c.Status = doc.Status
	c.Package = nil
	if len(doc.Package) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(doc.Package, &list); err == nil {
		c.Package = list
		return nil
	}
	var name string
	if err := json.Unmarshal(doc.Package, &name); err != nil {
		return err
	}
	c.Package = []string{name}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c *Condition) MarshalJSON() ([]byte, error) {
	doc := conditionDoc{Image: c.Image, Status: c.Status}
	if c.Package != nil {
		raw, err := json.Marshal(c.Package)
		if err != nil {
			return nil, err
		}
		doc.Package = raw
	}
	return json.Marshal(doc)
}

// Package is one installed package of an image build.
type Package struct {
	Version  string
	Release  string
	Arch     string
	Checksum string
}

// PackagesChecksum fingerprints an image's package list. A changed
// checksum on a nonstop job means the image was rebuilt upstream.
func PackagesChecksum(packages map[string]Package) string {
	lines := make([]string, 0, len(packages))
	for name, pkg := range packages {
		lines = append(lines, fmt.Sprintf("%s-%s-%s.%s", name, pkg.Version, pkg.Release, pkg.Arch))
	}
	sort.Strings(lines)
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.Join(lines, "\n"))))
}

var versionOperators = []string{">=", "<=", "==", "!=", ">", "<"}

// evalVersionExpression checks a version against an expression like
// ">=5.32". The operator is mandatory; "=5.32" is rejected.
func evalVersionExpression(have, expr string) (bool, error) {
	for _, op := range versionOperators {
		if !strings.HasPrefix(expr, op) {
			continue
		}
		cmp := compareVersions(have, strings.TrimPrefix(expr, op))
		switch op {
		case ">=":
			return cmp >= 0, nil
		case "<=":
			return cmp <= 0, nil
		case "==":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		case ">":
			return cmp > 0, nil
		case "<":
			return cmp < 0, nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrVersionExpression, expr)
}

// compareVersions compares dotted versions segment by segment, numerically
// when both segments parse as integers.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CheckImage evaluates an image condition against the derived version. A
// bare version means exact equality; otherwise the operator prefix is
// honored.
func CheckImage(version, expr string) (bool, error) {
	if strings.IndexAny(expr, "<>=!") == 0 {
		return evalVersionExpression(version, expr)
	}
	return version == expr, nil
}

// CheckPackage evaluates a package condition [name, versionExpr?,
// releaseExpr?] against the package list.
func CheckPackage(packages map[string]Package, cond []string) (bool, error) {
	if len(cond) == 0 {
		return false, fmt.Errorf("%w: empty package condition", ErrVersionExpression)
	}
	pkg, ok := packages[cond[0]]
	if !ok {
		return false, nil
	}
	if len(cond) > 1 {
		ok, err := evalVersionExpression(pkg.Version, cond[1])
		if err != nil || !ok {
			return false, err
		}
	}
	if len(cond) > 2 {
		ok, err := evalVersionExpression(pkg.Release, cond[2])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Complied reports whether the image may move to the uploader: the version
// must be known and every condition evaluated true.
func Complied(version string, conditions []*Condition) bool {
	if version == versionUnknown {
		return false
	}
	for _, c := range conditions {
		if c.Status == nil || !*c.Status {
			return false
		}
	}
	return true
}
